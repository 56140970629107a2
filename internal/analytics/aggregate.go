package analytics

import (
	"sort"
	"time"

	"pesa/internal/core"
)

// Aggregate sums credits into income and deductions into expense for each
// window of kind w tiling period. Entries outside period, and entries of any
// other kind, are ignored. Empty buckets are kept so series have a fixed
// length.
func Aggregate(entries []core.LedgerEntry, w Window, period Span) []core.AggregateBucket {
	buckets := Buckets(w, period)
	if len(buckets) == 0 {
		return buckets
	}

	for _, e := range entries {
		t := time.UnixMilli(e.TimestampMillis)
		if !period.Contains(t) {
			continue
		}
		// First bucket whose end is after t.
		i := sort.Search(len(buckets), func(i int) bool { return buckets[i].End.After(t) })
		if i == len(buckets) {
			continue
		}

		switch e.Kind {
		case core.KindCredit:
			buckets[i].Income = buckets[i].Income.Add(e.Amount)
		case core.KindDeduction:
			buckets[i].Expense = buckets[i].Expense.Add(e.Amount)
		}
	}
	return buckets
}

// AggregateView aggregates entries for one of the fixed chart views at now.
func AggregateView(entries []core.LedgerEntry, v View, now time.Time) []core.AggregateBucket {
	return Aggregate(entries, v.Granularity(), v.Period(now))
}

// Totals sums income and expense over entries, ignoring unknown kinds.
func Totals(entries []core.LedgerEntry) (income, expense core.Money) {
	income, expense = core.Zero, core.Zero
	for _, e := range entries {
		switch e.Kind {
		case core.KindCredit:
			income = income.Add(e.Amount)
		case core.KindDeduction:
			expense = expense.Add(e.Amount)
		}
	}
	return income, expense
}
