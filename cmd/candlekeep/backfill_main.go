package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlekeep/candlekeep/internal/models"
)

// runBackfill drives the pipeline over an explicit [from, to) range.
func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	filter, err := buildFilter(cmd.Flags())
	if err != nil {
		return err
	}
	if len(filter.Symbols) == 0 {
		return fmt.Errorf("--symbols is required")
	}

	from, _ := cmd.Flags().GetString("from")
	if from == "" {
		return fmt.Errorf("--from is required")
	}
	start, err := parseInstant(from)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}

	end := time.Now().UTC()
	if to, _ := cmd.Flags().GetString("to"); to != "" {
		end, err = parseInstant(to)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	rng := models.NewTimeRange(start, end)
	if err := rng.Validate(); err != nil {
		return err
	}
	filter.Range = &rng

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wh, err := buildWarehouse(ctx, cfg)
	if err != nil {
		return err
	}
	defer wh.Close()

	log.Info().
		Str("symbols", strings.Join(filter.Symbols, ",")).
		Time("from", rng.Start).
		Time("to", rng.End).
		Msg("starting backfill")

	result, results, err := wh.scheduler.RunNow(ctx, filter)
	if err != nil {
		return err
	}

	printResults(results)

	rows, err := wh.repos.Backfills.ListByJob(ctx, result.JobID)
	if err != nil {
		return fmt.Errorf("failed to list backfill rows: %w", err)
	}
	if len(rows) > 0 {
		fmt.Printf("\nbackfill rows for job %s:\n", result.JobID)
		for _, row := range rows {
			last := "-"
			if row.LastSuccessfulDate != nil {
				last = row.LastSuccessfulDate.Format(time.RFC3339)
			}
			fmt.Printf("  %-12s %-4s %-12s last=%s retries=%d\n",
				row.Symbol, row.Period, row.Status, last, row.RetryCount)
		}
	}

	if result.Failed > 0 {
		return fmt.Errorf("backfill finished with %d failed symbols", result.Failed)
	}
	return nil
}

// parseInstant accepts RFC3339 or a bare UTC date.
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t.UTC(), nil
}
