package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/quality"
)

// runStatus prints the warehouse status table, regrading each row against
// its freshness SLA at read time.
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	classFlag, _ := cmd.Flags().GetString("class")
	if classFlag != "" && !models.AssetClass(classFlag).Valid() {
		return fmt.Errorf("invalid asset class %q", classFlag)
	}
	symbol, _ := cmd.Flags().GetString("symbol")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, repos, err := connectRepos(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	rows, err := repos.Status.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list enrichment status: %w", err)
	}

	validator := quality.NewValidator(cfg.Quality)
	now := time.Now().UTC()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tCLASS\tSTATE\tAGE\tSCORE\tROWS\tSOURCE\tLAST ERROR")
	shown := 0
	for _, row := range rows {
		if symbol != "" && row.Symbol != symbol {
			continue
		}
		if classFlag != "" && row.AssetClass != models.AssetClass(classFlag) {
			continue
		}
		shown++

		state := row.State
		age := "-"
		if state != models.StateError {
			if row.LastSuccess == nil {
				state = models.StateNotEnriched
			} else {
				elapsed := now.Sub(*row.LastSuccess)
				state = validator.SLA(row.AssetClass).StateFor(elapsed)
				age = elapsed.Round(time.Second).String()
			}
		} else if row.LastSuccess != nil {
			age = now.Sub(*row.LastSuccess).Round(time.Second).String()
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\t%d\t%s\t%s\n",
			row.Symbol, row.AssetClass, state, age,
			row.QualityScore, row.RecordCount, row.LastSource, row.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if shown == 0 {
		fmt.Println("no enrichment status rows match")
		return nil
	}

	if symbol != "" {
		audits, err := repos.Audits.RecentFetches(ctx, symbol, 10)
		if err != nil {
			return fmt.Errorf("failed to list recent fetches: %w", err)
		}
		if len(audits) > 0 {
			fmt.Printf("\nrecent fetches for %s:\n", symbol)
			for _, a := range audits {
				outcome := "ok"
				if !a.Success {
					outcome = "failed: " + a.ErrorText
				}
				fmt.Printf("  %s %-16s %-4s fetched=%d stored=%d %dms %s\n",
					a.CreatedAt.Format(time.RFC3339), a.Source, a.Period,
					a.RecordsFetched, a.RecordsStored, a.LatencyMS, outcome)
			}
		}
	}
	return nil
}
