package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmargin/engine/internal/config"
	"github.com/openmargin/engine/internal/engine"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the full integrity audit",
	Long: `Audit the persisted state against the event log: balance equation,
event coverage, orphan detection, replay consistency, and ledger
reconciliation. Exits non-zero when violations are found.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	report, err := eng.PerformIntegrityCheck(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Checked:    %d\n", report.Checked)
	fmt.Printf("Valid:      %v\n", report.IsValid)
	for _, w := range report.Warnings {
		fmt.Printf("Warning:    %s\n", w)
	}
	for _, v := range report.Violations {
		fmt.Printf("Violation:  [%s] %s: %s\n", v.Check, v.Ref, v.Detail)
	}
	if !report.IsValid {
		return fmt.Errorf("%d integrity violation(s)", len(report.Violations))
	}
	return nil
}
