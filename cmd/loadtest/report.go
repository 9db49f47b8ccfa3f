package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/pkg/types"
)

// printSummary writes the end-of-run report: gas per operation over the
// completed workers, mean wall time and the failure count.
func printSummary(w io.Writer, s *types.RunSummary) {
	fmt.Fprintf(w, "\nRun %s (%s, %d workers)\n", s.RunID, s.Config.Script, s.Workers)
	fmt.Fprintf(w, "Completed: %d  Failed: %d\n", s.Completed, s.Failed)
	if s.Completed > 0 {
		fmt.Fprintf(w, "Mean execution time: %.3fs\n", s.MeanDurationMs/1000)
	}

	if len(s.Operations) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "OPERATION\tN\tGAS MIN\tGAS MAX\tGAS MEAN\tPRICE MIN\tPRICE MAX\tPRICE MEAN")
		for _, op := range s.Operations {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.0f\t%d\t%d\t%.0f\n",
				op.Op, op.GasUsed.Count,
				op.GasUsed.Min, op.GasUsed.Max, op.GasUsed.Mean,
				op.GasPrice.Min, op.GasPrice.Max, op.GasPrice.Mean,
			)
		}
		tw.Flush()
	}

	if q := s.QueryLatency; q != nil && q.Count > 0 {
		fmt.Fprintf(w, "\nReliability checks: %d  avg %.1fms  p95 %.1fms\n", q.Count, q.Avg, q.P95)
	}
	if len(s.Levels) > 0 {
		fmt.Fprintln(w, "\nReliability levels:")
		for _, level := range orderedLevels(s.Levels) {
			fmt.Fprintf(w, "  %-10s %d\n", level, s.Levels[level])
		}
	}

	for _, r := range s.Results {
		if !r.Completed {
			fmt.Fprintf(w, "worker %d (%s) failed in %s: %s\n", r.Worker, r.Address, r.Phase, r.Error)
		}
	}
}

// orderedLevels lists the known levels first, then any others sorted.
func orderedLevels(levels map[string]int) []string {
	out := make([]string, 0, len(levels))
	seen := make(map[string]bool, len(levels))
	for _, l := range registry.KnownLevels {
		if _, ok := levels[l]; ok {
			out = append(out, l)
			seen[l] = true
		}
	}
	var rest []string
	for l := range levels {
		if !seen[l] {
			rest = append(rest, l)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
