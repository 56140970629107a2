// Package analytics computes derived views over ledger entries: aggregate
// buckets, target-savings progress and insights. Everything here is pure and
// works on entries already fetched from the store.
package analytics

import (
	"fmt"
	"strings"
	"time"

	"pesa/internal/core"
)

// Window is the bucket granularity used to tile a period.
type Window int

const (
	Day Window = iota + 1
	Week
	Month
	Year
)

func (w Window) String() string {
	switch w {
	case Day:
		return "day"
	case Week:
		return "week"
	case Month:
		return "month"
	case Year:
		return "year"
	default:
		return "unknown"
	}
}

// ParseWindow accepts day, week, month or year in any case.
func ParseWindow(s string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day":
		return Day, nil
	case "week":
		return Week, nil
	case "month":
		return Month, nil
	case "year":
		return Year, nil
	}
	return 0, fmt.Errorf("%w: %q", core.ErrUnknownWindow, s)
}

// Span is the half-open time range [Start, End).
type Span struct {
	Start time.Time
	End   time.Time
}

func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Millis returns the span as an inclusive millisecond range, the form the
// ledger store queries with.
func (s Span) Millis() (start, end int64) {
	return s.Start.UnixMilli(), s.End.UnixMilli() - 1
}

// Floor returns the start of the window containing t, in t's location.
// Weeks start on Sunday.
func (w Window) Floor(t time.Time) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch w {
	case Week:
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return day.AddDate(0, 0, -int(day.Weekday()))
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
}

// Next returns the start of the window after the one starting at start.
func (w Window) Next(start time.Time) time.Time {
	switch w {
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	case Year:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Period returns the whole window of kind w that contains ref.
func (w Window) Period(ref time.Time) Span {
	start := w.Floor(ref)
	return Span{Start: start, End: w.Next(start)}
}

// Buckets tiles period with windows of kind w. Buckets at either edge are
// clipped to the period, so a month tiled by weeks may begin and end with
// partial weeks. The result is chronological and never empty for a
// non-empty period.
func Buckets(w Window, period Span) []core.AggregateBucket {
	var buckets []core.AggregateBucket
	for cursor := w.Floor(period.Start); cursor.Before(period.End); cursor = w.Next(cursor) {
		start, end := cursor, w.Next(cursor)
		if start.Before(period.Start) {
			start = period.Start
		}
		if end.After(period.End) {
			end = period.End
		}
		buckets = append(buckets, core.AggregateBucket{
			Label:   bucketLabel(w, start, len(buckets)),
			Start:   start,
			End:     end,
			Income:  core.Zero,
			Expense: core.Zero,
		})
	}
	return buckets
}

func bucketLabel(w Window, start time.Time, index int) string {
	switch w {
	case Week:
		return fmt.Sprintf("W%d", index+1)
	case Month:
		return start.Format("Jan")
	case Year:
		return start.Format("2006")
	default:
		return start.Format("Mon")
	}
}

// View is one of the fixed chart views: a period around now and the
// granularity it is bucketed by.
type View string

const (
	ViewToday View = "today"
	ViewWeek  View = "week"
	ViewMonth View = "month"
	ViewYear  View = "year"
)

// Views lists every view in display order.
var Views = []View{ViewToday, ViewWeek, ViewMonth, ViewYear}

func ParseView(s string) (View, error) {
	switch v := View(strings.ToLower(strings.TrimSpace(s))); v {
	case ViewToday, ViewWeek, ViewMonth, ViewYear:
		return v, nil
	case "day":
		return ViewToday, nil
	}
	return "", fmt.Errorf("%w: %q", core.ErrUnknownWindow, s)
}

// Period returns the span the view covers around now.
func (v View) Period(now time.Time) Span {
	switch v {
	case ViewWeek:
		return Week.Period(now)
	case ViewMonth:
		return Month.Period(now)
	case ViewYear:
		return Year.Period(now)
	default:
		return Day.Period(now)
	}
}

// Granularity is the bucket window: 1 day for today, 7 days for the week,
// weeks of the month, months of the year.
func (v View) Granularity() Window {
	switch v {
	case ViewMonth:
		return Week
	case ViewYear:
		return Month
	default:
		return Day
	}
}
