package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"pesa/internal/core"
)

// daysPerMonth is the fixed month length used for the daily savings pace,
// regardless of the actual calendar month.
const daysPerMonth = 30

var statusLadder = []struct {
	min    decimal.Decimal
	status core.Status
}{
	{decimal.NewFromInt(1), core.StatusTargetAchieved},
	{decimal.RequireFromString("0.75"), core.StatusAlmostThere},
	{decimal.RequireFromString("0.5"), core.StatusHalfwayThere},
	{decimal.RequireFromString("0.25"), core.StatusGettingThere},
	{decimal.Zero, core.StatusBelowTarget},
	{decimal.RequireFromString("-0.5"), core.StatusOverspending},
}

// StatusFor classifies a progress ratio. Thresholds are checked top to bottom
// and are inclusive.
func StatusFor(ratio decimal.Decimal) core.Status {
	for _, step := range statusLadder {
		if ratio.GreaterThanOrEqual(step.min) {
			return step.status
		}
	}
	return core.StatusOverbudget
}

// ComputeProgress derives savings progress from the current month's entries.
// A non-positive target yields StatusTargetNotSet with Defined false and all
// ratios zero.
func ComputeProgress(entries []core.LedgerEntry, target core.Money, now time.Time) core.TargetProgress {
	income, expense := Totals(entries)
	net := income.Sub(expense)

	progress := core.TargetProgress{
		NetSavings:           net,
		TargetSavings:        target,
		ProgressRatio:        decimal.Zero,
		PresentationRatio:    decimal.Zero,
		Status:               core.StatusTargetNotSet,
		DailyTarget:          core.Zero,
		ExpectedSavingsByNow: core.Zero,
	}
	if !target.IsPositive() {
		return progress
	}

	ratio := net.Ratio(target)
	one := decimal.NewFromInt(1)
	if !net.IsNegative() && ratio.GreaterThan(one) {
		ratio = one
	}

	presentation := ratio.Abs()
	if presentation.GreaterThan(one) {
		presentation = one
	}

	daily := target.Div(daysPerMonth)

	progress.ProgressRatio = ratio
	progress.PresentationRatio = presentation
	progress.Status = StatusFor(ratio)
	progress.Defined = true
	progress.DailyTarget = daily
	// Multiply before dividing so whole-cent targets stay exact.
	progress.ExpectedSavingsByNow = target.Mul(int64(now.Day())).Div(daysPerMonth)
	return progress
}
