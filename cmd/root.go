package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dkrejci/rollcall/internal/codec"
	"github.com/dkrejci/rollcall/internal/config"
	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/matcher"
	"github.com/dkrejci/rollcall/internal/workers"
)

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Offline-first face attendance for field programs",
	Long: `Rollcall runs on field devices with no reliable connectivity. It enrolls
faces against an on-device gallery, matches attendees during capture
sessions, and syncs everything to a central authority when the network
allows.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// openStore opens the on-device gallery database from config.
func openStore(cfg *config.Config) (*gallery.Store, error) {
	store, err := gallery.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open gallery at %s: %w", cfg.Store.Path, err)
	}
	return store, nil
}

// newCodec builds the embedding sidecar client from config.
func newCodec(cfg *config.Config) *codec.Client {
	return codec.NewClient(cfg.Codec.URL, cfg.Codec.Model, cfg.Codec.QualityFloor, cfg.Codec.Timeout)
}

// newMatcher builds the exact matcher over the gallery from config.
func newMatcher(cfg *config.Config, store *gallery.Store) *matcher.Matcher {
	return matcher.New(store, matcher.Config{
		MatchThreshold:  cfg.Matcher.MatchThreshold,
		MarginThreshold: cfg.Matcher.MarginThreshold,
	})
}

// sessionID derives a default capture session id from the current time.
func sessionID() string {
	return time.Now().Format("20060102-150405")
}

// readImageFiles loads image files on the I/O worker lane.
func readImageFiles(ctx context.Context, paths []string, ioWorkers int) ([][]byte, error) {
	images, errs := workers.Map(ctx, paths, ioWorkers,
		func(_ context.Context, path string) ([]byte, error) {
			return os.ReadFile(path)
		})
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", paths[i], err)
		}
	}
	return images, nil
}

// outputJSON writes data as indented JSON to stdout.
func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}
