package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

// WeeklyReport summarizes the trailing week of remediation activity for the
// Monday morning post.
func WeeklyReport(ctx context.Context, store storage.Storage, now time.Time) (string, error) {
	since := now.Add(-7 * 24 * time.Hour)

	ms, err := store.ListMetrics(ctx, storage.MetricFilter{Since: since})
	if err != nil {
		return "", err
	}
	open, err := store.ListCircuits(ctx, types.CircuitOpen)
	if err != nil {
		return "", err
	}
	patternCount, err := store.CountPatterns(ctx)
	if err != nil {
		return "", err
	}
	failureCount, err := store.CountFailuresSince(ctx, since)
	if err != nil {
		return "", err
	}

	var succeeded int
	categories := map[string]int{}
	var totalLatency int64
	for _, m := range ms {
		if m.Success {
			succeeded++
		}
		categories[m.Category]++
		totalLatency += m.TotalLatencyMS
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Weekly remediation report* (%s - %s)\n\n",
		since.Format("Jan 2"), now.Format("Jan 2"))
	fmt.Fprintf(&b, "Failures detected: %d\n", failureCount)
	fmt.Fprintf(&b, "Remediations completed: %d\n", len(ms))
	if len(ms) > 0 {
		fmt.Fprintf(&b, "Success rate: %.0f%%\n", float64(succeeded)/float64(len(ms))*100)
		fmt.Fprintf(&b, "Average resolution time: %.1f min\n",
			float64(totalLatency)/float64(len(ms))/1000/60)
	}
	fmt.Fprintf(&b, "Open circuits: %d\n", len(open))
	fmt.Fprintf(&b, "Patterns learned to date: %d\n", patternCount)

	if len(categories) > 0 {
		b.WriteString("\nTop categories:\n")
		for _, kv := range sortedCounts(categories) {
			fmt.Fprintf(&b, "  %s: %d\n", kv.name, kv.count)
		}
	}
	if len(open) > 0 {
		b.WriteString("\nOpen circuits needing attention:\n")
		for _, c := range open {
			fmt.Fprintf(&b, "  %s %s: %s\n", c.Repository, c.Branch, c.ErrorPattern)
		}
	}
	return b.String(), nil
}

type countEntry struct {
	name  string
	count int
}

func sortedCounts(m map[string]int) []countEntry {
	out := make([]countEntry, 0, len(m))
	for name, count := range m {
		out = append(out, countEntry{name, count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}
