package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "margind",
	Short: "Event-sourced margin position lifecycle engine",
	Long: `Margind tracks leveraged positions through their full lifecycle:
creation, fills, P&L, stop-loss/take-profit triggers, liquidation,
and archival. Every state change is an immutable event; positions
can always be re-derived from the log.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		bootstrap()
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func bootstrap() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
