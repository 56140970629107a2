package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pesa/internal/analytics"
	"pesa/internal/cache"
	"pesa/internal/core"
	"pesa/internal/parser"
)

var eat = time.FixedZone("EAT", 3*60*60)

// Wednesday 13 March 2024.
var refTime = time.Date(2024, time.March, 13, 14, 30, 0, 0, eat)

type memLedger struct {
	mu        sync.Mutex
	byTS      map[int64]core.LedgerEntry
	nextID    int64
	queries   int
	failAfter int // fail inserts once this many entries exist; 0 disables
}

func newMemLedger() *memLedger {
	return &memLedger{byTS: make(map[int64]core.LedgerEntry)}
}

func (m *memLedger) InsertIfAbsent(_ context.Context, tx core.Transaction) (core.LedgerEntry, core.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byTS[tx.TimestampMillis]; ok {
		return existing, core.AlreadyExists, nil
	}
	if m.failAfter > 0 && len(m.byTS) >= m.failAfter {
		return core.LedgerEntry{}, 0, errors.New("disk I/O error")
	}
	m.nextID++
	e := core.LedgerEntry{ID: m.nextID, Transaction: tx}
	m.byTS[tx.TimestampMillis] = e
	return e, core.Inserted, nil
}

func (m *memLedger) QueryRange(_ context.Context, start, end int64) ([]core.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries++
	var out []core.LedgerEntry
	for ts, e := range m.byTS {
		if ts >= start && ts <= end {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMillis < out[j].TimestampMillis })
	return out, nil
}

type recordingPublisher struct {
	entries []core.LedgerEntry
	err     error
}

func (r *recordingPublisher) PublishEntryInserted(_ context.Context, e core.LedgerEntry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func ms(month time.Month, day, hour int) int64 {
	return time.Date(2024, month, day, hour, 0, 0, 0, eat).UnixMilli()
}

func scenarioBatch() []core.RawMessage {
	credit := core.RawMessage{
		Sender:          "MPESA",
		Body:            "QAA1XYZ Confirmed. Ksh1,000.00 received from BOB 0722000000 on 5/3/24 at 9:00 AM. New M-PESA balance is Ksh1,500.00.",
		TimestampMillis: ms(time.March, 5, 9),
	}
	return []core.RawMessage{
		credit,
		{
			Sender:          "MPESA",
			Body:            "QAA2XYZ Confirmed. Ksh400.00 sent to ALICE 0711000000 on 6/3/24 at 1:00 PM. New M-PESA balance is Ksh1,100.00.",
			TimestampMillis: ms(time.March, 6, 13),
		},
		credit,
	}
}

func newTestServices(t *testing.T, ledger *memLedger, target string, pub EntryPublisher) (*IngestService, *AnalyticsService) {
	t.Helper()
	an := NewAnalyticsService(ledger, eat, core.MustParseMoney(target), cache.NewLRUCache[[]core.LedgerEntry](16, time.Minute))
	an.now = func() time.Time { return refTime }
	in := NewIngestService(parser.New(parser.DefaultProvider, nil), ledger, pub, an)
	return in, an
}

func TestEndToEndScenario(t *testing.T) {
	ledger := newMemLedger()
	pub := &recordingPublisher{}
	ingest, an := newTestServices(t, ledger, "2000", pub)
	ctx := context.Background()

	report, err := ingest.IngestBatch(ctx, scenarioBatch())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.Received != 3 || report.Parsed != 3 || report.Inserted != 2 || report.Duplicates != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Balance.String() != "1100.00" {
		t.Errorf("balance = %s, want 1100.00", report.Balance)
	}
	if len(pub.entries) != 2 {
		t.Errorf("published %d entries, want 2", len(pub.entries))
	}

	month := analytics.Month.Period(an.Now())
	start, end := month.Millis()
	entries, err := an.Entries(ctx, start, end)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger has %d entries, want 2", len(entries))
	}

	buckets := analytics.Aggregate(entries, analytics.Month, month)
	if len(buckets) != 1 || buckets[0].Income.String() != "1000.00" || buckets[0].Expense.String() != "400.00" {
		t.Fatalf("month aggregate = %+v", buckets)
	}

	p, err := an.Progress(ctx)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.NetSavings.String() != "600.00" || !p.ProgressRatio.Equal(decimal.RequireFromString("0.3")) || p.Status != core.StatusGettingThere {
		t.Fatalf("progress = %+v", p)
	}

	// Re-ingesting the same batch changes nothing.
	again, err := ingest.IngestBatch(ctx, scenarioBatch())
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if again.Inserted != 0 || again.Duplicates != 3 {
		t.Fatalf("unexpected re-ingest report %+v", again)
	}
}

func TestIngestCountsSkippedAndForeign(t *testing.T) {
	ledger := newMemLedger()
	ingest, _ := newTestServices(t, ledger, "0", nil)

	report, err := ingest.IngestBatch(context.Background(), []core.RawMessage{
		{Sender: "BANK", Body: "Ksh5.00 sent to X on 1/1/24", TimestampMillis: 1},
		{Sender: "MPESA", Body: "Your PIN was changed", TimestampMillis: 2},
		{Sender: "mpesa", Body: "Ksh5.00 paid to SHOP on 1/1/24", TimestampMillis: 3},
		{Sender: "MPESA", Body: "Ksh7.00 sent to Y on 1/1/24", TimestampMillis: 0},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	want := core.IngestReport{Received: 4, Provider: 3, Parsed: 1, Inserted: 1, Skipped: 2, Balance: core.Zero}
	if report.Received != want.Received || report.Provider != want.Provider || report.Parsed != want.Parsed ||
		report.Inserted != want.Inserted || report.Skipped != want.Skipped || !report.Balance.IsZero() {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
	if _, ok := ingest.LastBalance(); ok {
		t.Error("no balance should be known")
	}
}

func TestIngestStopsOnStorageError(t *testing.T) {
	ledger := newMemLedger()
	ledger.failAfter = 1
	ingest, _ := newTestServices(t, ledger, "0", nil)

	report, err := ingest.IngestBatch(context.Background(), scenarioBatch())
	if err == nil {
		t.Fatal("expected storage error")
	}
	if report.Inserted != 1 {
		t.Fatalf("inserted = %d, want 1", report.Inserted)
	}
	if len(ledger.byTS) != 1 {
		t.Fatalf("partial batch should stay visible, ledger has %d", len(ledger.byTS))
	}
}

func TestIngestToleratesPublishFailure(t *testing.T) {
	ledger := newMemLedger()
	pub := &recordingPublisher{err: errors.New("circuit breaker is open")}
	ingest, _ := newTestServices(t, ledger, "0", pub)

	report, err := ingest.IngestBatch(context.Background(), scenarioBatch())
	if err != nil {
		t.Fatalf("publish failures must not fail ingest: %v", err)
	}
	if report.Inserted != 2 {
		t.Fatalf("inserted = %d, want 2", report.Inserted)
	}
}

func TestIngestInvalidatesCache(t *testing.T) {
	ledger := newMemLedger()
	ingest, an := newTestServices(t, ledger, "0", nil)
	ctx := context.Background()

	first, err := an.View(ctx, analytics.ViewMonth)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if _, err := an.View(ctx, analytics.ViewMonth); err != nil {
		t.Fatalf("view: %v", err)
	}
	if ledger.queries != 1 {
		t.Fatalf("second view should be cached, queries = %d", ledger.queries)
	}
	for _, b := range first.Buckets {
		if !b.Income.IsZero() {
			t.Fatalf("expected empty month, got %+v", b)
		}
	}

	if _, err := ingest.IngestBatch(ctx, scenarioBatch()); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	after, err := an.View(ctx, analytics.ViewMonth)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if ledger.queries != 2 {
		t.Fatalf("ingest should invalidate cache, queries = %d", ledger.queries)
	}
	income := core.Zero
	for _, b := range after.Buckets {
		income = income.Add(b.Income)
	}
	if income.String() != "1000.00" {
		t.Fatalf("month income after ingest = %s, want 1000.00", income)
	}
}

// stallingLedger takes its snapshot, then holds the first QueryRange until
// release is closed.
type stallingLedger struct {
	*memLedger
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (l *stallingLedger) QueryRange(ctx context.Context, start, end int64) ([]core.LedgerEntry, error) {
	out, err := l.memLedger.QueryRange(ctx, start, end)
	if l.calls.Add(1) == 1 {
		close(l.entered)
		<-l.release
	}
	return out, err
}

func TestInvalidateDuringInflightQuery(t *testing.T) {
	ledger := &stallingLedger{
		memLedger: newMemLedger(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	an := NewAnalyticsService(ledger, eat, core.Zero, cache.NewLRUCache[[]core.LedgerEntry](16, time.Minute))
	ctx := context.Background()

	done := make(chan []core.LedgerEntry)
	go func() {
		stale, err := an.Entries(ctx, 0, 10)
		if err != nil {
			t.Errorf("in-flight entries: %v", err)
		}
		done <- stale
	}()
	<-ledger.entered

	tx := core.Transaction{TimestampMillis: 5, Amount: core.MustParseMoney("100"), Counterpart: "ALICE", Kind: core.KindCredit}
	if _, _, err := ledger.InsertIfAbsent(ctx, tx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	an.Invalidate()

	// A read issued now must not join the older in-flight query.
	fresh := make(chan []core.LedgerEntry)
	go func() {
		got, err := an.Entries(ctx, 0, 10)
		if err != nil {
			t.Errorf("entries: %v", err)
		}
		fresh <- got
	}()
	if got := <-fresh; len(got) != 1 {
		t.Fatalf("read after invalidate returned %d entries, want 1", len(got))
	}

	close(ledger.release)
	if stale := <-done; len(stale) != 0 {
		t.Fatalf("in-flight read should see its own snapshot, got %d entries", len(stale))
	}

	got, err := an.Entries(ctx, 0, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("read after the stale query finished returned %d entries, want 1", len(got))
	}
}

func TestDashboard(t *testing.T) {
	ledger := newMemLedger()
	ingest, an := newTestServices(t, ledger, "2000", nil)
	ctx := context.Background()

	if _, err := ingest.IngestBatch(ctx, scenarioBatch()); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	d, err := an.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	wantBuckets := map[analytics.View]int{
		analytics.ViewToday: 1,
		analytics.ViewWeek:  7,
		analytics.ViewMonth: 6,
		analytics.ViewYear:  12,
	}
	for i, v := range analytics.Views {
		if d.Views[i].View != v {
			t.Errorf("views[%d] = %s, want %s", i, d.Views[i].View, v)
		}
		if len(d.Views[i].Buckets) != wantBuckets[v] {
			t.Errorf("%s has %d buckets, want %d", v, len(d.Views[i].Buckets), wantBuckets[v])
		}
	}
	if d.Progress.Status != core.StatusGettingThere {
		t.Errorf("progress status = %s", d.Progress.Status)
	}
	if d.Insights.MostExpensive == nil || d.Insights.MostExpensive.Amount.String() != "400.00" {
		t.Errorf("most expensive = %+v", d.Insights.MostExpensive)
	}
}

func TestProgressWithoutTarget(t *testing.T) {
	_, an := newTestServices(t, newMemLedger(), "0", nil)

	p, err := an.Progress(context.Background())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Defined || p.Status != core.StatusTargetNotSet {
		t.Fatalf("expected target_not_set, got %+v", p)
	}
}
