package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkrejci/rollcall/internal/config"
	"github.com/dkrejci/rollcall/internal/enroll"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll [identity-id] [image-files...]",
	Short: "Enroll face images for an identity",
	Long: `Compute embeddings for the given face crops and add them to the
identity's gallery. Images that fail the quality floor or resolve to a
different enrolled identity are rejected individually; the rest commit
and are queued for sync.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	identityID := args[0]
	paths := args[1:]

	images, err := readImageFiles(cmd.Context(), paths, cfg.Sync.IOWorkers)
	if err != nil {
		return err
	}

	pipeline := enroll.New(newCodec(cfg), store, newMatcher(cfg, store), nil)
	summary, err := pipeline.Enroll(cmd.Context(), identityID, images)
	if err != nil && !errors.Is(err, enroll.ErrNoUsableImages) {
		return fmt.Errorf("enroll: %w", err)
	}

	fmt.Printf("Enrolled %d/%d images for %s\n", len(summary.Accepted), len(paths), identityID)
	for _, rej := range summary.Rejected {
		fmt.Printf("  rejected %s: %s\n", paths[rej.Index], rej.Err)
	}
	if errors.Is(err, enroll.ErrNoUsableImages) {
		return fmt.Errorf("no usable images")
	}
	return nil
}
