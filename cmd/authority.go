package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkrejci/rollcall/internal/authority"
	"github.com/dkrejci/rollcall/internal/config"
)

var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Start the central sync authority server",
	Long: `Start the sync authority. Devices push their dirty records here and
pull the canonical change feed. Requires a PostgreSQL database with the
pgvector extension available.`,
	RunE: runAuthority,
}

func init() {
	rootCmd.AddCommand(authorityCmd)

	authorityCmd.Flags().Int("port", 0, "Port to listen on (defaults to AUTHORITY_PORT)")
}

func runAuthority(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if cfg.Authority.DatabaseURL == "" {
		return errors.New("AUTHORITY_DATABASE_URL environment variable is required")
	}
	if cfg.Sync.Token == "" {
		return errors.New("SYNC_TOKEN environment variable is required")
	}

	fmt.Println("Connecting to PostgreSQL database...")
	pool, err := authority.NewPool(cfg.Authority.DatabaseURL, cfg.Authority.MaxOpenConns, cfg.Authority.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	if err := pool.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	store := authority.NewStore(pool, cfg.Authority.MaxEmbeddingsPerIdentity, cfg.Profile().Dim)

	port := mustGetInt(cmd, "port")
	if port == 0 {
		port = cfg.Authority.Port
	}
	server := authority.NewServer(store, cfg.Sync.Token, port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting sync authority on port %d\n", port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
