package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/dkrejci/rollcall/internal/attendance"
	"github.com/dkrejci/rollcall/internal/codec"
	"github.com/dkrejci/rollcall/internal/config"
	"github.com/dkrejci/rollcall/internal/matcher"
	"github.com/dkrejci/rollcall/internal/workers"
)

var scanCmd = &cobra.Command{
	Use:   "scan [image-files...]",
	Short: "Scan face crops and record attendance",
	Long: `Embed each face crop, match it against the local gallery and record a
presence event for every confident match. Unmatched and ambiguous faces
are reported for manual resolution via 'rollcall override'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

var overrideCmd = &cobra.Command{
	Use:   "override [identity-id]",
	Short: "Manually record presence for an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverride,
}

func init() {
	rootCmd.AddCommand(scanCmd, overrideCmd)

	scanCmd.Flags().String("session", "", "Capture session id (defaults to a timestamp)")
	overrideCmd.Flags().String("session", "", "Capture session id (defaults to a timestamp)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	session := mustGetString(cmd, "session")
	if session == "" {
		session = sessionID()
	}

	images, err := readImageFiles(cmd.Context(), args, cfg.Sync.IOWorkers)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(images),
		progressbar.OptionSetDescription("Embedding faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("faces"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	cdc := newCodec(cfg)
	embeddings, errs := workers.Map(cmd.Context(), images, cfg.Sync.ComputeWorkers,
		func(ctx context.Context, img []byte) (*codec.Embedding, error) {
			defer bar.Add(1)
			return cdc.Embed(ctx, img)
		})
	fmt.Println()

	m := newMatcher(cfg, store)
	var decisions []matcher.Decision
	for i, emb := range embeddings {
		if errs[i] != nil {
			if errors.Is(errs[i], codec.ErrLowQuality) || errors.Is(errs[i], codec.ErrInference) {
				fmt.Printf("skipped %s: %v\n", args[i], errs[i])
				continue
			}
			return fmt.Errorf("embed %s: %w", args[i], errs[i])
		}
		decision, err := m.Match(cmd.Context(), emb.Vector)
		if err != nil {
			return fmt.Errorf("match %s: %w", args[i], err)
		}
		decisions = append(decisions, decision)
	}

	recorder := attendance.New(store, nil, nil)
	summary, err := recorder.Record(cmd.Context(), session, decisions)
	if err != nil {
		return fmt.Errorf("record attendance: %w", err)
	}

	fmt.Printf("Session %s: %d recorded, %d already present, %d need manual resolution\n",
		session, summary.Recorded, summary.Skipped, summary.Unmatched)
	for _, res := range summary.Results {
		switch res.Status {
		case attendance.StatusNoMatch:
			fmt.Printf("  no match (best distance %.4f)\n", res.Distance)
		case attendance.StatusAmbiguous:
			fmt.Printf("  ambiguous, closest %s (distance %.4f)\n", res.IdentityID, res.Distance)
		}
	}
	return nil
}

func runOverride(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	session := mustGetString(cmd, "session")
	if session == "" {
		session = sessionID()
	}

	recorder := attendance.New(store, nil, nil)
	res, err := recorder.RecordOverride(cmd.Context(), session, args[0])
	if err != nil {
		return fmt.Errorf("record override: %w", err)
	}

	if res.Status == attendance.StatusAlreadyPresent {
		fmt.Printf("%s is already present today (event %d)\n", res.IdentityID, res.EventID)
		return nil
	}
	fmt.Printf("Recorded override for %s (event %d)\n", res.IdentityID, res.EventID)
	return nil
}
