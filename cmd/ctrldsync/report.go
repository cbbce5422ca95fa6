package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/infra"
	"github.com/eliteGoblin/ctrldsync/internal/usecase"
)

// printSummary renders one row per profile plus a totals line.
func printSummary(out io.Writer, report *usecase.RunReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tFOLDERS\tRULES\tDURATION\tSTATUS")

	var folders, total, rules int
	for _, r := range report.Results {
		ruleCol := fmt.Sprintf("%d", r.RulesPushed)
		if r.Status == domain.StatusPlanned && r.Plan != nil {
			ruleCol = fmt.Sprintf("%d", r.Plan.TotalRules())
		}
		fmt.Fprintf(w, "%s\t%d/%d\t%s\t%s\t%s\n",
			r.Profile, r.FoldersSynced, r.FoldersTotal, ruleCol,
			r.Duration.Round(100*time.Millisecond), statusLabel(r))
		folders += r.FoldersSynced
		total += r.FoldersTotal
		rules += r.RulesPushed
	}
	fmt.Fprintf(w, "TOTAL\t%d/%d\t%d\t%s\t%d/%d ok\n",
		folders, total, rules, report.Duration.Round(100*time.Millisecond),
		report.Succeeded(), len(report.Results))
	_ = w.Flush()

	if report.DryRun {
		fmt.Fprintln(out, "dry run: no changes were made")
	}
}

func statusLabel(r *domain.ProfileResult) string {
	if r.Err != nil && !r.OK() {
		return fmt.Sprintf("%s (%v)", r.Status, r.Err)
	}
	return string(r.Status)
}

// printStats reports cache, API and rate-limit counters of the run.
func printStats(out io.Writer, cache infra.CacheStats, metrics *infra.Metrics, rl domain.RateLimitState) {
	fmt.Fprintf(out, "cache: %d hits, %d misses, %d validations, %d errors\n",
		cache.Hits, cache.Misses, cache.Validations, cache.Errors)
	fmt.Fprintf(out, "api calls: %d, source fetches: %d\n", metrics.APICalls(), metrics.SourceFetches())
	if rl.Observed {
		fmt.Fprintf(out, "rate limit: %d/%d remaining", rl.Remaining, rl.Limit)
		if !rl.Reset.IsZero() {
			fmt.Fprintf(out, ", resets %s", rl.Reset.Format(time.TimeOnly))
		}
		fmt.Fprintln(out)
	}
}
