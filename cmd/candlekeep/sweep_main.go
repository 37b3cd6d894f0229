package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlekeep/candlekeep/internal/enrich"
)

// runSweep enriches the filtered universe once, synchronously.
func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	filter, err := buildFilter(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wh, err := buildWarehouse(ctx, cfg)
	if err != nil {
		return err
	}
	defer wh.Close()

	log.Info().Int("symbols", wh.registry.Size()).Msg("starting one-shot sweep")

	result, results, err := wh.scheduler.RunNow(ctx, filter)
	if err != nil {
		return err
	}

	printResults(results)
	fmt.Printf("\nsweep %s: %d symbols, %d succeeded, %d failed, %d skipped in %s\n",
		result.JobID, result.Symbols, result.Succeeded, result.Failed, result.Skipped,
		result.Duration.Round(time.Millisecond))

	if result.Failed > 0 {
		return fmt.Errorf("sweep finished with %d failed symbols", result.Failed)
	}
	return nil
}

func printResults(results []*enrich.AssetResult) {
	for _, res := range results {
		if res.Err != nil {
			fmt.Printf("  %-12s FAILED  %v\n", res.Symbol, res.Err)
			continue
		}
		for _, pr := range res.Results {
			switch {
			case pr.Skipped:
				fmt.Printf("  %-12s %-4s skipped (%s)\n", res.Symbol, pr.Period, pr.Reason)
			case pr.Stats != nil:
				fmt.Printf("  %-12s %-4s %s: fetched %d, inserted %d, updated %d, skipped %d, score %.3f\n",
					res.Symbol, pr.Period, pr.Source, pr.Fetched,
					pr.Stats.Inserted, pr.Stats.Updated, pr.Stats.Skipped, pr.Score)
			default:
				fmt.Printf("  %-12s %-4s %s: fetched %d, score %.3f\n",
					res.Symbol, pr.Period, pr.Source, pr.Fetched, pr.Score)
			}
		}
	}
}
