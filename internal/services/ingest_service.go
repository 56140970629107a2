package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"pesa/internal/core"
	"pesa/internal/parser"
)

// LedgerWriter is the write side of the ledger store.
type LedgerWriter interface {
	InsertIfAbsent(ctx context.Context, tx core.Transaction) (core.LedgerEntry, core.InsertResult, error)
}

// EntryPublisher announces newly inserted entries, e.g. for the sheets mirror.
type EntryPublisher interface {
	PublishEntryInserted(ctx context.Context, entry core.LedgerEntry) error
}

// Invalidator drops derived data after the ledger changes.
type Invalidator interface {
	Invalidate()
}

// IngestService is the single writer path into the ledger: it parses message
// batches and offers each transaction to the store one at a time.
type IngestService struct {
	parser       *parser.Parser
	ledger       LedgerWriter
	publisher    EntryPublisher
	invalidators []Invalidator

	// mu serialises batches so the store sees one insert at a time.
	mu           sync.Mutex
	balance      core.Money
	balanceKnown bool
}

// NewIngestService wires the parser to the ledger. publisher may be nil.
func NewIngestService(p *parser.Parser, ledger LedgerWriter, publisher EntryPublisher, invalidators ...Invalidator) *IngestService {
	return &IngestService{
		parser:       p,
		ledger:       ledger,
		publisher:    publisher,
		invalidators: invalidators,
	}
}

// IngestBatch parses msgs and inserts every resulting transaction that is not
// already in the ledger. Unparseable messages and duplicates are counted, not
// reported as errors. A storage error stops the batch; entries inserted before
// it stay in the ledger.
func (s *IngestService) IngestBatch(ctx context.Context, msgs []core.RawMessage) (core.IngestReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := core.IngestReport{Received: len(msgs), Balance: core.Zero}

	if balance, ok := s.parser.LookupBalance(msgs); ok {
		s.balance = balance
		s.balanceKnown = true
		report.Balance = balance
	}

	defer func() {
		if report.Inserted > 0 {
			for _, inv := range s.invalidators {
				inv.Invalidate()
			}
		}
	}()

	for _, msg := range msgs {
		if !s.parser.IsProvider(msg) {
			continue
		}
		report.Provider++

		tx, ok := s.parser.Parse(msg)
		if !ok {
			report.Skipped++
			continue
		}
		report.Parsed++

		entry, result, err := s.ledger.InsertIfAbsent(ctx, tx)
		if err != nil {
			slog.ErrorContext(ctx, "Ledger insert failed",
				"timestamp_ms", tx.TimestampMillis,
				"inserted_so_far", report.Inserted,
				"error", err)
			return report, fmt.Errorf("insert transaction %d: %w", tx.TimestampMillis, err)
		}

		switch result {
		case core.Inserted:
			report.Inserted++
			s.publish(ctx, entry)
		case core.AlreadyExists:
			report.Duplicates++
		}
	}

	slog.InfoContext(ctx, "Message batch ingested",
		"received", report.Received,
		"provider", report.Provider,
		"parsed", report.Parsed,
		"inserted", report.Inserted,
		"duplicates", report.Duplicates,
		"skipped", report.Skipped)

	return report, nil
}

func (s *IngestService) publish(ctx context.Context, entry core.LedgerEntry) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEntryInserted(ctx, entry); err != nil {
		// The entry is stored; the mirror can be rebuilt later.
		slog.ErrorContext(ctx, "Failed to publish ledger entry",
			"id", entry.ID, "error", err)
	}
}

// LastBalance returns the most recent balance seen in any ingested batch.
func (s *IngestService) LastBalance() (core.Money, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, s.balanceKnown
}
