package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkrejci/rollcall/internal/audit"
	"github.com/dkrejci/rollcall/internal/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check gallery hygiene: duplicate enrollments and outlier embeddings",
	RunE:  runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().Float64("dup-threshold", 0.25, "Distance under which cross-identity embeddings count as duplicates")
	auditCmd.Flags().Float64("outlier-threshold", 0.6, "Distance above which an embedding is far from its own identity")
	auditCmd.Flags().Int("neighbors", 8, "Approximate neighbors inspected per embedding")
	auditCmd.Flags().Bool("json", false, "Output as JSON")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := audit.Run(cmd.Context(), store, audit.Config{
		DuplicateThreshold: mustGetFloat64(cmd, "dup-threshold"),
		OutlierThreshold:   mustGetFloat64(cmd, "outlier-threshold"),
		Neighbors:          mustGetInt(cmd, "neighbors"),
	})
	if err != nil {
		return fmt.Errorf("audit gallery: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(report)
	}

	fmt.Printf("Scanned %d embeddings: %d duplicate pairs, %d outliers\n\n",
		report.Scanned, len(report.Duplicates), len(report.Outliers))

	if len(report.Duplicates) > 0 {
		fmt.Println("Possible duplicate enrollments:")
		for _, d := range report.Duplicates {
			fmt.Printf("  embedding %d (%s) vs embedding %d (%s): distance %.4f\n",
				d.EmbeddingID, d.IdentityID, d.OtherEmbeddingID, d.OtherIdentityID, d.Distance)
		}
		fmt.Println()
	}
	if len(report.Outliers) > 0 {
		fmt.Println("Embeddings far from their own identity:")
		for _, o := range report.Outliers {
			fmt.Printf("  embedding %d (%s): nearest own distance %.4f\n",
				o.EmbeddingID, o.IdentityID, o.NearestDistance)
		}
	}
	return nil
}
