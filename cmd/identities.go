package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkrejci/rollcall/internal/config"
	"github.com/dkrejci/rollcall/internal/directory"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Manage the local identity directory",
}

var identitiesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new identity under a temporary local id",
	Long: `Create an identity on this device. It gets a temporary local id and a
pending profile in the sync ledger; the authority assigns the canonical id
on the next successful sync.`,
	RunE: runIdentitiesCreate,
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Search the identity directory",
	RunE:  runIdentitiesList,
}

var identitiesRosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Show attendance status for all active identities on a day",
	RunE:  runIdentitiesRoster,
}

func init() {
	rootCmd.AddCommand(identitiesCmd)
	identitiesCmd.AddCommand(identitiesCreateCmd, identitiesListCmd, identitiesRosterCmd)

	identitiesCreateCmd.Flags().String("name", "", "Display name (required)")
	identitiesCreateCmd.Flags().String("category", "student", "Category: student or volunteer")
	identitiesCreateCmd.MarkFlagRequired("name")

	identitiesListCmd.Flags().String("q", "", "Search query (accent and case insensitive)")

	identitiesRosterCmd.Flags().String("day", time.Now().Format("2006-01-02"), "Local calendar day (YYYY-MM-DD)")
}

func runIdentitiesCreate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	localID, err := store.CreateLocalIdentity(cmd.Context(),
		mustGetString(cmd, "name"), mustGetString(cmd, "category"), time.Now())
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}

	fmt.Printf("Created identity %s (pending sync)\n", localID)
	return nil
}

func runIdentitiesList(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dir := directory.New(store)
	identities, err := dir.Search(cmd.Context(), mustGetString(cmd, "q"))
	if err != nil {
		return fmt.Errorf("search identities: %w", err)
	}

	if len(identities) == 0 {
		fmt.Println("No identities found")
		return nil
	}
	for _, ident := range identities {
		status := "active"
		if !ident.Active {
			status = "inactive"
		}
		pending := ""
		if ident.LocalOnly {
			pending = " (pending sync)"
		}
		fmt.Printf("%-40s %-25s %-10s %s%s\n", ident.ID, ident.DisplayName, ident.Category, status, pending)
	}
	return nil
}

func runIdentitiesRoster(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	day := mustGetString(cmd, "day")
	dir := directory.New(store)
	roster, err := dir.Roster(cmd.Context(), day)
	if err != nil {
		return fmt.Errorf("build roster: %w", err)
	}

	present := 0
	for _, entry := range roster {
		mark := " "
		if entry.Present {
			mark = "x"
			present++
		}
		fmt.Printf("[%s] %-25s %s\n", mark, entry.Identity.DisplayName, entry.Identity.ID)
	}
	fmt.Printf("\n%s: %d/%d present\n", day, present, len(roster))
	return nil
}
