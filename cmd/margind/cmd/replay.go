package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmargin/engine/internal/config"
	"github.com/openmargin/engine/internal/engine"
)

var replayCmd = &cobra.Command{
	Use:   "replay <position-id>",
	Short: "Re-derive a position from its event log",
	Long: `Fold a position's event sequence into its reconstructed state without
touching the persisted row. With --validate the fold is repeated and
each round must produce an identical result.

Example:
  margind replay 4f9d2c1a-... --validate 3`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var replayValidateRounds int

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().IntVar(&replayValidateRounds, "validate", 0, "deterministic replay rounds (0 = single fold)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx := context.Background()
	positionID := args[0]

	pos, err := eng.ReplayPosition(ctx, positionID)
	if err != nil {
		return err
	}

	fmt.Printf("Position:   %s\n", pos.ID)
	fmt.Printf("Status:     %s\n", pos.Status)
	fmt.Printf("Side:       %s  Size: %s  AvgEntry: %s\n",
		pos.Side, pos.Size.String(), pos.AvgEntryPrice.String())
	fmt.Printf("Realized:   %s  Unrealized: %s\n",
		pos.RealizedPnL.StringFixed(2), pos.UnrealizedPnL.StringFixed(2))

	if replayValidateRounds > 0 {
		if _, err := eng.ValidateDeterministicProcessing(ctx, replayValidateRounds); err != nil {
			return err
		}
		fmt.Printf("Replay deterministic over %d rounds\n", replayValidateRounds)
	}
	return nil
}
