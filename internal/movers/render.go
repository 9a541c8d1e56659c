package movers

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"market_scanner/internal/core"
)

// Renderer prints the per-timeframe boards and the aggregated leaderboard
// as console tables. Used when scanner.print_tables is enabled.
type Renderer struct {
	out io.Writer
}

func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

// Render writes every board of one cycle result.
func (r *Renderer) Render(result *core.MoversResult) {
	if result == nil {
		return
	}

	fmt.Fprintf(r.out, "\n=== scan %s ===\n", result.GeneratedAt.UTC().Format("2006-01-02 15:04:05"))

	for _, tf := range core.DefaultTimeframes {
		snapshot := result.Snapshots[tf.Label]
		if snapshot == nil {
			continue
		}
		r.renderBoard(tf.Label+" gainers", snapshot.TopGainers)
		r.renderBoard(tf.Label+" losers", snapshot.TopLosers)
	}

	r.renderAggregated(result.AggregatedTop)
}

func (r *Renderer) renderBoard(title string, entries []core.MoversEntry) {
	if len(entries) == 0 {
		return
	}

	fmt.Fprintf(r.out, "\n-- %s --\n", title)
	table := tablewriter.NewWriter(r.out)
	table.Header("#", "Symbol", "Price", "Change", "Flow", "Eff", "Score")

	for i, e := range entries {
		flow := "-"
		if e.FlowPercent != nil {
			flow = fmt.Sprintf("%.0f%% %s", *e.FlowPercent, e.FlowLabel)
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			e.Symbol,
			fmtPrice(e.LastPrice),
			fmt.Sprintf("%+.2f%%", e.ChangePercent),
			flow,
			fmt.Sprintf("%.2f", e.Scores.Efficiency),
			fmt.Sprintf("%.3f", e.Scores.Final),
		)
	}
	table.Render()
}

func (r *Renderer) renderAggregated(entries []core.AggregatedMoversEntry) {
	if len(entries) == 0 {
		return
	}

	fmt.Fprintf(r.out, "\n-- aggregated top --\n")
	table := tablewriter.NewWriter(r.out)
	table.Header("#", "Symbol", "TF", "Price", "Change", "Core", "Confirm", "LiqPen", "Final")

	for i, e := range entries {
		table.Append(
			fmt.Sprintf("%d", i+1),
			e.Entry.Symbol,
			e.Timeframe,
			fmtPrice(e.Entry.LastPrice),
			fmt.Sprintf("%+.2f%%", e.Entry.ChangePercent),
			fmt.Sprintf("%.3f", e.Entry.Scores.Core),
			fmt.Sprintf("%.3f", e.Entry.Scores.Confirm),
			fmt.Sprintf("%.3f", e.Entry.Scores.LiquidityPenalty),
			fmt.Sprintf("%.3f", e.Entry.Scores.Final),
		)
	}
	table.Render()
}

// fmtPrice keeps sub-unit prices readable without padding majors to eight
// decimals.
func fmtPrice(v float64) string {
	if v >= 1 {
		return fmt.Sprintf("%.4f", v)
	}
	return fmt.Sprintf("%.8f", v)
}
