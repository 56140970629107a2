package analytics

import (
	"pesa/internal/core"
)

// ComputeInsights finds the most expensive deduction and the most frequent
// counterpart in entries. Either field is nil when entries give no answer.
// Credits never count as the most expensive entry, however large.
//
// Ties: the most expensive deduction prefers the earliest timestamp; the most
// frequent counterpart prefers the larger total, then the lexically smaller
// name.
func ComputeInsights(entries []core.LedgerEntry) core.Insights {
	var insights core.Insights

	groups := make(map[string]*core.CounterpartSummary)
	for i := range entries {
		e := entries[i]

		if e.Kind == core.KindDeduction {
			top := insights.MostExpensive
			if top == nil ||
				e.Amount.Cmp(top.Amount) > 0 ||
				(e.Amount.Equal(top.Amount) && e.TimestampMillis < top.TimestampMillis) {
				insights.MostExpensive = &e
			}
		}

		g, ok := groups[e.Counterpart]
		if !ok {
			g = &core.CounterpartSummary{Counterpart: e.Counterpart, Total: core.Zero}
			groups[e.Counterpart] = g
		}
		g.Count++
		g.Total = g.Total.Add(e.Amount)
	}

	for _, g := range groups {
		if insights.MostFrequent == nil || moreFrequent(g, insights.MostFrequent) {
			insights.MostFrequent = g
		}
	}
	return insights
}

func moreFrequent(a, b *core.CounterpartSummary) bool {
	if a.Count != b.Count {
		return a.Count > b.Count
	}
	if c := a.Total.Cmp(b.Total); c != 0 {
		return c > 0
	}
	return a.Counterpart < b.Counterpart
}
