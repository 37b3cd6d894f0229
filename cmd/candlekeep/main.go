package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/candlekeep/candlekeep/internal/config"
)

const (
	appName = "candlekeep"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Validated OHLCV candle warehouse",
		Version: version,
		Long: `candlekeep pulls OHLCV candles from market data providers, validates and
scores every row, computes derived features, and persists the enriched
candles with quality-gated upserts and a full audit trail.

Run 'candlekeep serve' for the daily-sweep daemon with the ops HTTP
surface, or use 'sweep', 'backfill', and 'status' for one-shot operation.`,
	}

	rootCmd.PersistentFlags().String("config", config.DefaultPath, "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override logging.level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the warehouse daemon",
		Long:  "Starts the daily sweep scheduler and the ops HTTP surface, and runs until SIGINT/SIGTERM",
		RunE:  runServe,
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one enrichment sweep and exit",
		Long:  "Enriches the active universe (or a filtered subset) once, synchronously, then exits non-zero if any symbol failed",
		RunE:  runSweep,
	}
	sweepCmd.Flags().StringSlice("symbols", nil, "Comma-separated symbols (default: whole active universe)")
	sweepCmd.Flags().StringSlice("classes", nil, "Asset class filter (stock|etf|crypto)")
	sweepCmd.Flags().StringSlice("periods", nil, "Period filter (5m|15m|30m|1h|4h|1d|1w)")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Enrich an explicit historical range",
		Long:  "Runs the pipeline over [--from, --to) for the given symbols, resuming any interrupted backfill of the same tuple",
		RunE:  runBackfill,
	}
	backfillCmd.Flags().StringSlice("symbols", nil, "Comma-separated symbols (required)")
	backfillCmd.Flags().StringSlice("periods", nil, "Period filter (default: every maintained period)")
	backfillCmd.Flags().String("from", "", "Range start, RFC3339 or YYYY-MM-DD (required)")
	backfillCmd.Flags().String("to", "", "Range end, RFC3339 or YYYY-MM-DD (default: now)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-symbol enrichment status",
		Long:  "Prints the status table from the warehouse, regraded against the freshness SLAs at read time",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("symbol", "", "Show one symbol with its recent fetch audits")
	statusCmd.Flags().String("class", "", "Asset class filter (stock|etf|crypto)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
