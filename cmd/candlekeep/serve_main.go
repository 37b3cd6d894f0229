package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// runServe starts the scheduler and the ops HTTP surface and blocks until a
// shutdown signal.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wh, err := buildWarehouse(ctx, cfg)
	if err != nil {
		return err
	}
	defer wh.Close()

	if err := wh.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	server := wh.opsServer()
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	log.Info().
		Str("version", version).
		Str("ops_addr", server.Addr()).
		Str("sweep_at", cfg.SweepClock()).
		Int("symbols", wh.registry.Size()).
		Msg("warehouse running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("ops server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown error")
	}
	if err := wh.scheduler.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler drain error")
	}

	log.Info().Msg("warehouse shutdown complete")
	return nil
}
