package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the discrete label of a savings progress ratio.
type Status string

const (
	StatusTargetAchieved Status = "target_achieved"
	StatusAlmostThere    Status = "almost_there"
	StatusHalfwayThere   Status = "halfway_there"
	StatusGettingThere   Status = "getting_there"
	StatusBelowTarget    Status = "below_target"
	StatusOverspending   Status = "overspending"
	StatusOverbudget     Status = "overbudget"
	// StatusTargetNotSet is reported when no positive target is configured.
	StatusTargetNotSet Status = "target_not_set"
)

// Label returns the human-readable form shown next to progress charts.
func (s Status) Label() string {
	switch s {
	case StatusTargetAchieved:
		return "Target Achieved"
	case StatusAlmostThere:
		return "Almost There"
	case StatusHalfwayThere:
		return "Halfway There"
	case StatusGettingThere:
		return "Getting There"
	case StatusBelowTarget:
		return "Below Target"
	case StatusOverspending:
		return "Overspending"
	case StatusOverbudget:
		return "Overbudget"
	default:
		return "Target Not Set"
	}
}

// AggregateBucket holds income and expense totals for [Start, End).
type AggregateBucket struct {
	Label   string
	Start   time.Time
	End     time.Time
	Income  Money
	Expense Money
}

// Net returns income minus expense.
func (b AggregateBucket) Net() Money {
	return b.Income.Sub(b.Expense)
}

// TargetProgress is derived from the current month's ledger entries.
type TargetProgress struct {
	NetSavings    Money
	TargetSavings Money
	// ProgressRatio is clamped to 1 when savings are positive and left
	// unclamped when negative.
	ProgressRatio decimal.Decimal
	// PresentationRatio is |ProgressRatio| limited to [0, 1].
	PresentationRatio    decimal.Decimal
	Status               Status
	Defined              bool
	DailyTarget          Money
	ExpectedSavingsByNow Money
}

// CounterpartSummary groups ledger entries by counterpart.
type CounterpartSummary struct {
	Counterpart string
	Count       int
	Total       Money
}

// Insights are itemised facts about a period, computed from range queries.
type Insights struct {
	// MostExpensive is the largest deduction; credits are never considered.
	MostExpensive *LedgerEntry
	// MostFrequent counts credits and deductions alike.
	MostFrequent *CounterpartSummary
}
