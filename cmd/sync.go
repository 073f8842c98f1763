package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dkrejci/rollcall/internal/config"
	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/ledger"
	"github.com/dkrejci/rollcall/internal/remote"
	"github.com/dkrejci/rollcall/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes to the authority and pull remote updates",
	RunE:  runSync,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the sync ledger",
	RunE:  runLedger,
}

var ledgerResolveCmd = &cobra.Command{
	Use:   "resolve [entry-id]",
	Short: "Re-queue a conflicted ledger entry for sync",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerResolve,
}

func init() {
	rootCmd.AddCommand(syncCmd, ledgerCmd)
	ledgerCmd.AddCommand(ledgerResolveCmd)

	ledgerCmd.Flags().String("state", "", "Filter by state: dirty, in_flight, synced, conflict")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Sync.RemoteURL == "" {
		return fmt.Errorf("SYNC_URL is not configured")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ReleaseInFlight(cmd.Context()); err != nil {
		return fmt.Errorf("release in-flight entries: %w", err)
	}

	client := remote.NewClient(cfg.Sync.RemoteURL, cfg.Sync.Token, cfg.Sync.DeviceID, cfg.Sync.RequestTimeout)
	engine := syncer.New(store, client, nil, syncer.Config{
		BatchSize:      cfg.Sync.BatchSize,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		InitialBackoff: cfg.Sync.InitialBackoff,
		MaxBackoff:     cfg.Sync.MaxBackoff,
		PullPageSize:   cfg.Sync.PullPageSize,
	})

	sum, err := engine.RunOnce(cmd.Context())
	fmt.Printf("Pushed %d: %d accepted, %d rejected, %d retried, %d conflicts. Pulled %d changes.\n",
		sum.Pushed, sum.Accepted, sum.Rejected, sum.Retried, sum.Conflicts, sum.Pulled)
	if err != nil {
		return fmt.Errorf("sync cycle: %w", err)
	}
	return nil
}

func runLedger(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var states []ledger.State
	if s := mustGetString(cmd, "state"); s != "" {
		states = append(states, ledger.State(s))
	}

	entries, err := store.LedgerEntries(cmd.Context(), states...)
	if err != nil {
		return fmt.Errorf("list ledger: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("Ledger is empty")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%-6d %-10s record=%-6d %-9s attempts=%d", e.ID, e.Kind, e.RecordID, e.State, e.Attempts)
		if e.LastError != "" {
			line += " error=" + e.LastError
		}
		fmt.Println(line)
	}
	return nil
}

func runLedgerResolve(cmd *cobra.Command, args []string) error {
	entryID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entry id %q", args[0])
	}

	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ResolveConflict(cmd.Context(), entryID); err != nil {
		if errors.Is(err, gallery.ErrNotFound) {
			return fmt.Errorf("no conflicted entry %d", entryID)
		}
		return fmt.Errorf("resolve entry %d: %w", entryID, err)
	}
	fmt.Printf("Entry %d re-queued for sync\n", entryID)
	return nil
}
