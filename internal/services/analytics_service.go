package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"pesa/internal/analytics"
	"pesa/internal/cache"
	"pesa/internal/core"
)

// LedgerReader is the read side of the ledger store.
type LedgerReader interface {
	QueryRange(ctx context.Context, start, end int64) ([]core.LedgerEntry, error)
}

// ViewResult is one chart series.
type ViewResult struct {
	View    analytics.View
	Period  analytics.Span
	Buckets []core.AggregateBucket
}

// Dashboard bundles every view with progress and insights for one instant.
type Dashboard struct {
	Now      time.Time
	Views    []ViewResult
	Progress core.TargetProgress
	Insights core.Insights
}

// AnalyticsService answers aggregate, progress and insight queries. Range
// reads are cached until the next ingest invalidates them.
type AnalyticsService struct {
	ledger LedgerReader
	loc    *time.Location
	target core.Money
	now    func() time.Time

	entries *cache.LRUCache[[]core.LedgerEntry]
	group   singleflight.Group
	// generation is bumped by Invalidate; reads started under an older
	// generation neither share with nor populate newer ones.
	generation atomic.Uint64
}

// NewAnalyticsService builds the read path. A nil cache disables caching.
func NewAnalyticsService(ledger LedgerReader, loc *time.Location, target core.Money, entries *cache.LRUCache[[]core.LedgerEntry]) *AnalyticsService {
	if loc == nil {
		loc = time.Local
	}
	return &AnalyticsService{
		ledger:  ledger,
		loc:     loc,
		target:  target,
		now:     time.Now,
		entries: entries,
	}
}

// Now returns the current time in the configured location.
func (s *AnalyticsService) Now() time.Time {
	return s.now().In(s.loc)
}

// Location returns the time zone windows are computed in.
func (s *AnalyticsService) Location() *time.Location {
	return s.loc
}

// Invalidate drops cached ranges. Called after entries are inserted.
func (s *AnalyticsService) Invalidate() {
	s.generation.Add(1)
	if s.entries != nil {
		s.entries.Clear()
	}
}

// Entries returns ledger entries with start <= timestamp <= end, oldest first.
func (s *AnalyticsService) Entries(ctx context.Context, start, end int64) ([]core.LedgerEntry, error) {
	if start > end {
		return nil, nil
	}

	gen := s.generation.Load()
	key := fmt.Sprintf("%d:%d:%d", gen, start, end)
	if s.entries != nil {
		if cached, ok := s.entries.Get(key); ok {
			return cached, nil
		}
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		entries, err := s.ledger.QueryRange(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("query ledger range: %w", err)
		}
		if s.entries != nil && s.generation.Load() == gen {
			s.entries.Set(key, entries)
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.DebugContext(ctx, "Ledger range query shared", "start", start, "end", end)
	}
	return v.([]core.LedgerEntry), nil
}

func (s *AnalyticsService) entriesIn(ctx context.Context, span analytics.Span) ([]core.LedgerEntry, error) {
	start, end := span.Millis()
	return s.Entries(ctx, start, end)
}

// View aggregates one chart view at the current time.
func (s *AnalyticsService) View(ctx context.Context, v analytics.View) (ViewResult, error) {
	return s.viewAt(ctx, v, s.Now())
}

func (s *AnalyticsService) viewAt(ctx context.Context, v analytics.View, now time.Time) (ViewResult, error) {
	period := v.Period(now)
	entries, err := s.entriesIn(ctx, period)
	if err != nil {
		return ViewResult{}, err
	}
	return ViewResult{
		View:    v,
		Period:  period,
		Buckets: analytics.Aggregate(entries, v.Granularity(), period),
	}, nil
}

// Progress computes target-savings progress for the current month.
func (s *AnalyticsService) Progress(ctx context.Context) (core.TargetProgress, error) {
	return s.progressAt(ctx, s.Now())
}

func (s *AnalyticsService) progressAt(ctx context.Context, now time.Time) (core.TargetProgress, error) {
	entries, err := s.entriesIn(ctx, analytics.Month.Period(now))
	if err != nil {
		return core.TargetProgress{}, err
	}
	return analytics.ComputeProgress(entries, s.target, now), nil
}

// Insights reports the most expensive deduction and the most frequent
// counterpart of the current month.
func (s *AnalyticsService) Insights(ctx context.Context) (core.Insights, error) {
	return s.insightsAt(ctx, s.Now())
}

func (s *AnalyticsService) insightsAt(ctx context.Context, now time.Time) (core.Insights, error) {
	entries, err := s.entriesIn(ctx, analytics.Month.Period(now))
	if err != nil {
		return core.Insights{}, err
	}
	return analytics.ComputeInsights(entries), nil
}

// Dashboard computes every view, progress and insights concurrently against
// the same instant.
func (s *AnalyticsService) Dashboard(ctx context.Context) (Dashboard, error) {
	now := s.Now()
	d := Dashboard{
		Now:   now,
		Views: make([]ViewResult, len(analytics.Views)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range analytics.Views {
		g.Go(func() error {
			res, err := s.viewAt(gctx, v, now)
			if err != nil {
				return fmt.Errorf("view %s: %w", v, err)
			}
			d.Views[i] = res
			return nil
		})
	}
	g.Go(func() error {
		p, err := s.progressAt(gctx, now)
		if err != nil {
			return fmt.Errorf("progress: %w", err)
		}
		d.Progress = p
		return nil
	})
	g.Go(func() error {
		in, err := s.insightsAt(gctx, now)
		if err != nil {
			return fmt.Errorf("insights: %w", err)
		}
		d.Insights = in
		return nil
	})

	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}
