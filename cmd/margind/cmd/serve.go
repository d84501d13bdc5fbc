package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmargin/engine/internal/config"
	"github.com/openmargin/engine/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with monitoring and the event stream",
	Long: `Start the engine: recover persisted state, verify integrity, begin
SL/TP and margin monitoring, and expose the websocket event stream.

Example:
  margind serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", eng.Hub().ServeWS)
	srv := &http.Server{Addr: cfg.StreamListenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.StreamListenAddr).Msg("Event stream listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Event stream server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return eng.Shutdown(shutdownCtx)
}
