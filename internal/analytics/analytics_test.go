package analytics

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pesa/internal/core"
)

var nairobi = time.FixedZone("EAT", 3*60*60)

// Wednesday 13 March 2024, 14:30 local.
var refTime = time.Date(2024, time.March, 13, 14, 30, 0, 0, nairobi)

func entry(t time.Time, amount string, kind core.Kind) core.LedgerEntry {
	return core.LedgerEntry{Transaction: core.Transaction{
		TimestampMillis: t.UnixMilli(),
		Amount:          core.MustParseMoney(amount),
		Counterpart:     "X",
		Kind:            kind,
	}}
}

func at(month time.Month, day, hour int) time.Time {
	return time.Date(2024, month, day, hour, 0, 0, 0, nairobi)
}

func TestParseWindow(t *testing.T) {
	for in, want := range map[string]Window{"day": Day, "WEEK": Week, " month ": Month, "Year": Year} {
		got, err := ParseWindow(in)
		if err != nil || got != want {
			t.Errorf("ParseWindow(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseWindow("fortnight"); !errors.Is(err, core.ErrUnknownWindow) {
		t.Fatalf("expected ErrUnknownWindow, got %v", err)
	}
}

func TestWindowFloor(t *testing.T) {
	tests := []struct {
		w    Window
		want time.Time
	}{
		{Day, at(time.March, 13, 0)},
		{Week, at(time.March, 10, 0)},
		{Month, at(time.March, 1, 0)},
		{Year, at(time.January, 1, 0)},
	}
	for _, tt := range tests {
		if got := tt.w.Floor(refTime); !got.Equal(tt.want) {
			t.Errorf("%s.Floor() = %v, want %v", tt.w, got, tt.want)
		}
	}
}

func TestViewBuckets(t *testing.T) {
	tests := []struct {
		view   View
		labels []string
	}{
		{ViewToday, []string{"Wed"}},
		{ViewWeek, []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}},
		// March 2024 starts on a Friday and ends on a Sunday.
		{ViewMonth, []string{"W1", "W2", "W3", "W4", "W5", "W6"}},
		{ViewYear, []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.view), func(t *testing.T) {
			buckets := Buckets(tt.view.Granularity(), tt.view.Period(refTime))
			if len(buckets) != len(tt.labels) {
				t.Fatalf("got %d buckets, want %d", len(buckets), len(tt.labels))
			}
			for i, b := range buckets {
				if b.Label != tt.labels[i] {
					t.Errorf("bucket %d label = %q, want %q", i, b.Label, tt.labels[i])
				}
				if i > 0 && !b.Start.Equal(buckets[i-1].End) {
					t.Errorf("bucket %d does not start where bucket %d ends", i, i-1)
				}
			}
		})
	}
}

func TestMonthWeeksAreClipped(t *testing.T) {
	buckets := Buckets(Week, Month.Period(refTime))

	first, last := buckets[0], buckets[len(buckets)-1]
	if !first.Start.Equal(at(time.March, 1, 0)) || !first.End.Equal(at(time.March, 3, 0)) {
		t.Errorf("first week = [%v, %v), want [Mar 1, Mar 3)", first.Start, first.End)
	}
	if !last.Start.Equal(at(time.March, 31, 0)) || !last.End.Equal(at(time.April, 1, 0)) {
		t.Errorf("last week = [%v, %v), want [Mar 31, Apr 1)", last.Start, last.End)
	}
}

func TestAggregateWeekCompleteness(t *testing.T) {
	entries := []core.LedgerEntry{
		entry(at(time.March, 10, 0), "100.00", core.KindCredit),
		entry(at(time.March, 12, 9), "25.50", core.KindDeduction),
		entry(at(time.March, 14, 18), "200.25", core.KindCredit),
		entry(at(time.March, 16, 23), "74.50", core.KindDeduction),
	}

	buckets := Aggregate(entries, Week, Week.Period(refTime))
	if len(buckets) != 1 {
		t.Fatalf("expected one bucket, got %d", len(buckets))
	}
	if got := buckets[0].Income.String(); got != "300.25" {
		t.Errorf("income = %s, want 300.25", got)
	}
	if got := buckets[0].Expense.String(); got != "100.00" {
		t.Errorf("expense = %s, want 100.00", got)
	}
}

func TestAggregateSkipsOutsideAndUnknown(t *testing.T) {
	entries := []core.LedgerEntry{
		entry(at(time.March, 9, 23), "1.00", core.KindCredit),  // previous week
		entry(at(time.March, 17, 0), "1.00", core.KindCredit),  // next week
		entry(at(time.March, 11, 12), "5.00", core.Kind("refund")),
		entry(at(time.March, 11, 12), "7.00", core.KindDeduction),
	}

	buckets := AggregateView(entries, ViewWeek, refTime)
	if len(buckets) != 7 {
		t.Fatalf("expected 7 daily buckets, got %d", len(buckets))
	}
	for i, b := range buckets {
		wantExpense := "0.00"
		if i == 1 {
			wantExpense = "7.00"
		}
		if b.Income.String() != "0.00" || b.Expense.String() != wantExpense {
			t.Errorf("bucket %s = %s/%s, want 0.00/%s", b.Label, b.Income, b.Expense, wantExpense)
		}
	}
}

func TestAggregateYearExcludesOtherYears(t *testing.T) {
	entries := []core.LedgerEntry{
		entry(time.Date(2023, time.December, 31, 23, 0, 0, 0, nairobi), "50.00", core.KindCredit),
		entry(at(time.January, 1, 0), "10.00", core.KindCredit),
		entry(at(time.December, 31, 23), "20.00", core.KindDeduction),
	}

	buckets := AggregateView(entries, ViewYear, refTime)
	if buckets[0].Income.String() != "10.00" {
		t.Errorf("january income = %s, want 10.00", buckets[0].Income)
	}
	if buckets[11].Expense.String() != "20.00" {
		t.Errorf("december expense = %s, want 20.00", buckets[11].Expense)
	}
}

func TestEndToEndMonthProgress(t *testing.T) {
	entries := []core.LedgerEntry{
		entry(at(time.March, 5, 8), "1000.00", core.KindCredit),
		entry(at(time.March, 6, 12), "400.00", core.KindDeduction),
	}

	buckets := Aggregate(entries, Month, Month.Period(refTime))
	if len(buckets) != 1 {
		t.Fatalf("expected one month bucket, got %d", len(buckets))
	}
	if buckets[0].Income.String() != "1000.00" || buckets[0].Expense.String() != "400.00" {
		t.Fatalf("month = %s/%s, want 1000.00/400.00", buckets[0].Income, buckets[0].Expense)
	}

	p := ComputeProgress(entries, core.MustParseMoney("2000"), refTime)
	if p.NetSavings.String() != "600.00" {
		t.Errorf("net = %s, want 600.00", p.NetSavings)
	}
	if !p.ProgressRatio.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("ratio = %s, want 0.3", p.ProgressRatio)
	}
	if p.Status != core.StatusGettingThere {
		t.Errorf("status = %s, want %s", p.Status, core.StatusGettingThere)
	}
}

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name         string
		income       string
		expense      string
		target       string
		ratio        string
		presentation string
		status       core.Status
	}{
		{"surplus is clamped", "5000", "0", "1000", "1", "1", core.StatusTargetAchieved},
		{"exactly on target", "1000", "0", "1000", "1", "1", core.StatusTargetAchieved},
		{"almost", "800", "0", "1000", "0.8", "0.8", core.StatusAlmostThere},
		{"halfway", "500", "0", "1000", "0.5", "0.5", core.StatusHalfwayThere},
		{"below", "100", "0", "1000", "0.1", "0.1", core.StatusBelowTarget},
		{"break even", "100", "100", "1000", "0", "0", core.StatusBelowTarget},
		{"overspending", "100", "400", "1000", "-0.3", "0.3", core.StatusOverspending},
		{"overbudget is unclamped", "0", "1500", "1000", "-1.5", "1", core.StatusOverbudget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := []core.LedgerEntry{
				entry(at(time.March, 1, 1), tt.income, core.KindCredit),
				entry(at(time.March, 2, 1), tt.expense, core.KindDeduction),
			}
			p := ComputeProgress(entries, core.MustParseMoney(tt.target), refTime)
			if !p.Defined {
				t.Fatal("expected defined progress")
			}
			if !p.ProgressRatio.Equal(decimal.RequireFromString(tt.ratio)) {
				t.Errorf("ratio = %s, want %s", p.ProgressRatio, tt.ratio)
			}
			if !p.PresentationRatio.Equal(decimal.RequireFromString(tt.presentation)) {
				t.Errorf("presentation = %s, want %s", p.PresentationRatio, tt.presentation)
			}
			if p.Status != tt.status {
				t.Errorf("status = %s, want %s", p.Status, tt.status)
			}
		})
	}
}

func TestComputeProgressDailyPace(t *testing.T) {
	p := ComputeProgress(nil, core.MustParseMoney("3000"), refTime)
	if p.DailyTarget.String() != "100.00" {
		t.Errorf("daily target = %s, want 100.00", p.DailyTarget)
	}
	if p.ExpectedSavingsByNow.String() != "1300.00" {
		t.Errorf("expected by now = %s, want 1300.00", p.ExpectedSavingsByNow)
	}
}

func TestComputeProgressZeroTarget(t *testing.T) {
	entries := []core.LedgerEntry{entry(at(time.March, 1, 1), "50", core.KindCredit)}

	for _, target := range []core.Money{core.Zero, core.MustParseMoney("0.00")} {
		p := ComputeProgress(entries, target, refTime)
		if p.Defined || p.Status != core.StatusTargetNotSet {
			t.Fatalf("expected undefined progress, got %+v", p)
		}
		if !p.ProgressRatio.IsZero() || p.NetSavings.String() != "50.00" {
			t.Fatalf("unexpected sentinel values: %+v", p)
		}
	}
}

func TestStatusMonotonic(t *testing.T) {
	rank := map[core.Status]int{
		core.StatusOverbudget:     0,
		core.StatusOverspending:   1,
		core.StatusBelowTarget:    2,
		core.StatusGettingThere:   3,
		core.StatusHalfwayThere:   4,
		core.StatusAlmostThere:    5,
		core.StatusTargetAchieved: 6,
	}
	target := core.MustParseMoney("1000")

	prev := -1
	seen := map[core.Status]bool{}
	for net := int64(-2000); net <= 2000; net += 25 {
		var entries []core.LedgerEntry
		if net >= 0 {
			entries = []core.LedgerEntry{{Transaction: core.Transaction{Amount: core.MoneyFromCents(net * 100), Kind: core.KindCredit}}}
		} else {
			entries = []core.LedgerEntry{{Transaction: core.Transaction{Amount: core.MoneyFromCents(-net * 100), Kind: core.KindDeduction}}}
		}
		status := ComputeProgress(entries, target, refTime).Status
		r, ok := rank[status]
		if !ok {
			t.Fatalf("net %d: unexpected status %s", net, status)
		}
		if r < prev {
			t.Fatalf("net %d: status %s moved backwards", net, status)
		}
		prev = r
		seen[status] = true
	}
	if len(seen) != len(rank) {
		t.Fatalf("expected every status to be reached, saw %v", seen)
	}
}

func TestComputeInsights(t *testing.T) {
	mk := func(ts int64, amount, counterpart string, kind core.Kind) core.LedgerEntry {
		return core.LedgerEntry{ID: ts, Transaction: core.Transaction{
			TimestampMillis: ts,
			Amount:          core.MustParseMoney(amount),
			Counterpart:     counterpart,
			Kind:            kind,
		}}
	}
	entries := []core.LedgerEntry{
		mk(1, "5000.00", "EMPLOYER", core.KindCredit),
		mk(2, "300.00", "NAIVAS", core.KindDeduction),
		mk(3, "900.00", "LANDLORD", core.KindDeduction),
		mk(4, "200.00", "NAIVAS", core.KindDeduction),
		mk(5, "900.00", "KPLC", core.KindDeduction),
		mk(6, "50.00", "KIOSK", core.KindDeduction),
		mk(7, "50.00", "KIOSK", core.KindDeduction),
	}

	got := ComputeInsights(entries)
	if got.MostExpensive == nil || got.MostExpensive.Counterpart != "LANDLORD" {
		t.Fatalf("most expensive = %+v, want LANDLORD (earliest of equal amounts)", got.MostExpensive)
	}
	if got.MostFrequent == nil || got.MostFrequent.Counterpart != "NAIVAS" {
		t.Fatalf("most frequent = %+v, want NAIVAS (larger total than KIOSK)", got.MostFrequent)
	}
	if got.MostFrequent.Count != 2 || got.MostFrequent.Total.String() != "500.00" {
		t.Fatalf("unexpected NAIVAS summary %+v", got.MostFrequent)
	}

	creditsOnly := ComputeInsights(entries[:1])
	if creditsOnly.MostExpensive != nil {
		t.Fatalf("credits must not count as most expensive, got %+v", creditsOnly.MostExpensive)
	}
	if creditsOnly.MostFrequent == nil || creditsOnly.MostFrequent.Counterpart != "EMPLOYER" {
		t.Fatalf("credits still count toward frequency, got %+v", creditsOnly.MostFrequent)
	}

	empty := ComputeInsights(nil)
	if empty.MostExpensive != nil || empty.MostFrequent != nil {
		t.Fatalf("expected empty insights, got %+v", empty)
	}
}
