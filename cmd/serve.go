package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkrejci/rollcall/internal/attendance"
	"github.com/dkrejci/rollcall/internal/audit"
	"github.com/dkrejci/rollcall/internal/config"
	"github.com/dkrejci/rollcall/internal/directory"
	"github.com/dkrejci/rollcall/internal/enroll"
	"github.com/dkrejci/rollcall/internal/remote"
	"github.com/dkrejci/rollcall/internal/syncer"
	"github.com/dkrejci/rollcall/internal/web"
	"github.com/dkrejci/rollcall/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the device web server",
	Long: `Start the on-device HTTP server. It serves the identity directory,
enrollment, capture-session scanning and attendance endpoints, and runs
the background sync scheduler when a sync authority is configured.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (defaults to WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (defaults to WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cdc := newCodec(cfg)
	m := newMatcher(cfg, store)
	pipeline := enroll.New(cdc, store, m, nil)
	recorder := attendance.New(store, nil, nil)
	dir := directory.New(store)

	host := mustGetString(cmd, "host")
	if host == "" {
		host = cfg.Web.Host
	}
	port := mustGetInt(cmd, "port")
	if port == 0 {
		port = cfg.Web.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var syncEngine handlers.SyncEngine
	if cfg.Sync.RemoteURL != "" {
		client := remote.NewClient(cfg.Sync.RemoteURL, cfg.Sync.Token, cfg.Sync.DeviceID, cfg.Sync.RequestTimeout)
		engine := syncer.New(store, client, nil, syncer.Config{
			BatchSize:      cfg.Sync.BatchSize,
			MaxAttempts:    cfg.Sync.MaxAttempts,
			InitialBackoff: cfg.Sync.InitialBackoff,
			MaxBackoff:     cfg.Sync.MaxBackoff,
			PullPageSize:   cfg.Sync.PullPageSize,
			Interval:       cfg.Sync.Interval,
		})
		go func() {
			if err := engine.Start(ctx); err != nil && ctx.Err() == nil {
				fmt.Printf("Sync scheduler stopped: %v\n", err)
			}
		}()
		syncEngine = engine
		fmt.Printf("Sync scheduler running against %s every %s\n", cfg.Sync.RemoteURL, cfg.Sync.Interval)
	} else {
		fmt.Println("SYNC_URL not set, running offline only")
	}

	server := web.NewServer(host, port, web.Services{
		Identities: handlers.NewIdentitiesHandler(store, dir),
		Enroll:     handlers.NewEnrollHandler(pipeline),
		Scan:       handlers.NewScanHandler(cdc, m, recorder, store),
		Sync:       handlers.NewSyncHandler(syncEngine, store),
		Audit:      handlers.NewAuditHandler(store, audit.Config{DuplicateThreshold: 0.25, OutlierThreshold: 0.6}),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting rollcall on http://%s:%d\n", host, port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
