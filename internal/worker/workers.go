// Package worker holds the queue consumers run by pesa-worker.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"pesa/internal/amqp"
	"pesa/internal/core"
	"pesa/internal/sheets"
)

// BatchIngester is the ingestion entry point a batch is handed to.
type BatchIngester interface {
	IngestBatch(ctx context.Context, msgs []core.RawMessage) (core.IngestReport, error)
}

// RangeReader reads ledger entries for backfilling the mirror.
type RangeReader interface {
	QueryRange(ctx context.Context, start, end int64) ([]core.LedgerEntry, error)
}

// BatchWorker ingests message batches received from the batch queue.
type BatchWorker struct {
	ingest BatchIngester
}

func NewBatchWorker(ingest BatchIngester) *BatchWorker {
	return &BatchWorker{ingest: ingest}
}

// HandleBatch ingests one queued batch. A returned error requeues the batch;
// re-ingestion is safe because inserts are idempotent.
func (w *BatchWorker) HandleBatch(ctx context.Context, msg *amqp.BatchMessage) error {
	slog.InfoContext(ctx, "Processing message batch",
		"batch_id", msg.BatchID,
		"messages", len(msg.Messages),
		"submitted_at", msg.SubmittedAt)

	report, err := w.ingest.IngestBatch(ctx, msg.Messages)
	if err != nil {
		return fmt.Errorf("ingest batch %s: %w", msg.BatchID, err)
	}

	slog.InfoContext(ctx, "Message batch processed",
		"batch_id", msg.BatchID,
		"inserted", report.Inserted,
		"duplicates", report.Duplicates,
		"skipped", report.Skipped)
	return nil
}

// MirrorWorker copies ledger entries into the spreadsheet mirror.
type MirrorWorker struct {
	sheets sheets.EntryWriter
}

func NewMirrorWorker(w sheets.EntryWriter) *MirrorWorker {
	return &MirrorWorker{sheets: w}
}

// HandleEntry appends one announced entry to the mirror.
func (w *MirrorWorker) HandleEntry(ctx context.Context, msg *amqp.EntryMessage) error {
	ref, err := w.sheets.AppendEntry(ctx, msg.Entry())
	if err != nil {
		return fmt.Errorf("mirror entry %d: %w", msg.ID, err)
	}

	slog.InfoContext(ctx, "Ledger entry mirrored",
		"id", msg.ID,
		"row", ref)
	return nil
}

// Backfill mirrors every entry with start <= timestamp <= end. It recovers
// events lost while the worker was down; already mirrored entries are skipped
// by the writer. Individual failures are logged and counted, not fatal.
func (w *MirrorWorker) Backfill(ctx context.Context, reader RangeReader, start, end int64) (mirrored, failed int, err error) {
	entries, err := reader.QueryRange(ctx, start, end)
	if err != nil {
		return 0, 0, fmt.Errorf("read ledger for backfill: %w", err)
	}

	if len(entries) == 0 {
		slog.InfoContext(ctx, "No ledger entries to backfill")
		return 0, 0, nil
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return mirrored, failed, err
		}
		if _, err := w.sheets.AppendEntry(ctx, e); err != nil {
			slog.ErrorContext(ctx, "Failed to backfill entry", "id", e.ID, "error", err)
			failed++
			continue
		}
		mirrored++
	}

	slog.InfoContext(ctx, "Mirror backfill completed",
		"mirrored", mirrored,
		"failed", failed)
	return mirrored, failed, nil
}
