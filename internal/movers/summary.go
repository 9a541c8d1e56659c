package movers

import (
	"fmt"
	"strings"

	"market_scanner/internal/core"
)

// summaryTop bounds how many aggregated entries the notifier summary lists.
const summaryTop = 5

// SummaryText formats one cycle result as a compact notifier message: the
// best gainer and loser per timeframe plus the leading aggregated setups.
// Returns "" when there is nothing worth sending.
func SummaryText(result *core.MoversResult) string {
	if result == nil {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Market scan %s UTC\n", result.GeneratedAt.UTC().Format("2006-01-02 15:04"))

	wrote := false
	for _, tf := range core.DefaultTimeframes {
		snapshot := result.Snapshots[tf.Label]
		if snapshot == nil {
			continue
		}
		var parts []string
		if len(snapshot.TopGainers) > 0 {
			g := snapshot.TopGainers[0]
			parts = append(parts, fmt.Sprintf("%s %+.2f%%", g.Symbol, g.ChangePercent))
		}
		if len(snapshot.TopLosers) > 0 {
			l := snapshot.TopLosers[0]
			parts = append(parts, fmt.Sprintf("%s %+.2f%%", l.Symbol, l.ChangePercent))
		}
		if len(parts) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", tf.Label, strings.Join(parts, " / "))
		wrote = true
	}

	if len(result.AggregatedTop) > 0 {
		sb.WriteString("Top setups:\n")
		for i, e := range result.AggregatedTop {
			if i >= summaryTop {
				break
			}
			fmt.Fprintf(&sb, "%d. %s %s %+.2f%% score %.2f\n",
				i+1, e.Entry.Symbol, e.Timeframe, e.Entry.ChangePercent, e.Entry.Scores.Final)
		}
		wrote = true
	}

	if !wrote {
		return ""
	}
	return strings.TrimRight(sb.String(), "\n")
}
