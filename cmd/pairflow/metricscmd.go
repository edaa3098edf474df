package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pairflow/pairflow/internal/metrics"
	"github.com/spf13/cobra"
)

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "metrics", Short: "Metrics reporting (§4.9/§6.9)"}
	cmd.AddCommand(newMetricsReportCmd())
	return cmd
}

func newMetricsReportCmd() *cobra.Command {
	var (
		from   string
		to     string
		repo   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate emitted lifecycle events by bubble and event type",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromT, err := parseReportDate(from, false)
			if err != nil {
				return err
			}
			toT, err := parseReportDate(to, true)
			if err != nil {
				return err
			}
			var repoFilter []string
			if repo != "" {
				absRepo, err := filepath.Abs(repo)
				if err != nil {
					return err
				}
				repoFilter = []string{absRepo}
			}
			rows, err := metrics.Report(defaultEventsRoot(), fromT, toT, repoFilter...)
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return printJSON(cmd, rows)
			default:
				metrics.RenderTable(cmd.OutOrStdout(), rows)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start date, YYYY-MM-DD or strict UTC ISO-8601 (required)")
	cmd.Flags().StringVar(&to, "to", "", "end date, YYYY-MM-DD or strict UTC ISO-8601 (required)")
	cmd.Flags().StringVar(&repo, "repo", "", "restrict to one repository path")
	cmd.Flags().StringVar(&format, "format", "table", "table|json")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// parseReportDate accepts YYYY-MM-DD (expanded to 00:00:00 or
// 23:59:59.999 UTC per §6.5) or a strict UTC ISO-8601 timestamp.
func parseReportDate(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		if endOfDay {
			return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999_000_000, time.UTC), nil
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or strict UTC ISO-8601", raw)
}
