package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pesa/internal/core"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is the ledger store. It is the only writer of the
// transactions table.
type SQLiteRepository struct {
	db     *sql.DB
	dbPath string

	// writeMu serialises the check-then-insert of InsertIfAbsent within
	// this process; the unique index covers other processes.
	writeMu sync.Mutex
}

// NewSQLiteRepository opens the database at dbPath and creates the schema if
// it is missing.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", withPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{
		db:     db,
		dbPath: dbPath,
	}

	if err := repo.EnsureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

func withPragmas(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// EnsureSchema creates the ledger schema if missing. Idempotent.
func (r *SQLiteRepository) EnsureSchema() error {
	if err := RunMigrations(r.dbPath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// InsertIfAbsent stores tx unless an entry with the same timestamp already
// exists. On AlreadyExists the existing entry is returned and nothing is
// written.
func (r *SQLiteRepository) InsertIfAbsent(ctx context.Context, tx core.Transaction) (core.LedgerEntry, core.InsertResult, error) {
	if err := tx.Validate(); err != nil {
		return core.LedgerEntry{}, 0, fmt.Errorf("validate transaction: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.LedgerEntry{}, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	existing, found, err := getByTimestamp(ctx, sqlTx, tx.TimestampMillis)
	if err != nil {
		return core.LedgerEntry{}, 0, err
	}
	if found {
		slog.DebugContext(ctx, "Ledger entry already exists",
			"id", existing.ID,
			"timestamp_ms", tx.TimestampMillis)
		return existing, core.AlreadyExists, nil
	}

	res, err := sqlTx.ExecContext(ctx,
		`INSERT INTO transactions (timestamp_ms, amount_cents, counterpart, kind)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (timestamp_ms) DO NOTHING`,
		tx.TimestampMillis, tx.Amount.Cents(), tx.Counterpart, string(tx.Kind))
	if err != nil {
		return core.LedgerEntry{}, 0, fmt.Errorf("insert transaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return core.LedgerEntry{}, 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Another process won the race between our check and insert.
		existing, _, err := getByTimestamp(ctx, sqlTx, tx.TimestampMillis)
		if err != nil {
			return core.LedgerEntry{}, 0, err
		}
		return existing, core.AlreadyExists, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return core.LedgerEntry{}, 0, fmt.Errorf("last insert id: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return core.LedgerEntry{}, 0, fmt.Errorf("commit transaction: %w", err)
	}

	entry := core.LedgerEntry{ID: id, Transaction: tx}
	entry.Amount = core.MoneyFromCents(tx.Amount.Cents())

	slog.InfoContext(ctx, "Ledger entry saved to SQLite",
		"id", id,
		"timestamp_ms", tx.TimestampMillis,
		"amount_cents", tx.Amount.Cents(),
		"counterpart", tx.Counterpart,
		"kind", tx.Kind)

	return entry, core.Inserted, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getByTimestamp(ctx context.Context, q queryer, timestampMs int64) (core.LedgerEntry, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, timestamp_ms, amount_cents, counterpart, kind
		 FROM transactions WHERE timestamp_ms = ?`, timestampMs)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LedgerEntry{}, false, nil
	}
	if err != nil {
		return core.LedgerEntry{}, false, fmt.Errorf("get transaction by timestamp: %w", err)
	}
	return entry, true, nil
}

// GetByTimestamp returns the entry keyed by timestampMs, if any.
func (r *SQLiteRepository) GetByTimestamp(ctx context.Context, timestampMs int64) (core.LedgerEntry, bool, error) {
	return getByTimestamp(ctx, r.db, timestampMs)
}

// QueryRange returns entries with start <= timestamp_ms <= end, oldest first.
func (r *SQLiteRepository) QueryRange(ctx context.Context, start, end int64) ([]core.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, timestamp_ms, amount_cents, counterpart, kind
		 FROM transactions
		 WHERE timestamp_ms BETWEEN ? AND ?
		 ORDER BY timestamp_ms`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var entries []core.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	return entries, nil
}

// Count returns the number of ledger entries.
func (r *SQLiteRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (core.LedgerEntry, error) {
	var (
		entry       core.LedgerEntry
		amountCents int64
		kind        string
	)
	if err := s.Scan(&entry.ID, &entry.TimestampMillis, &amountCents, &entry.Counterpart, &kind); err != nil {
		return core.LedgerEntry{}, err
	}
	entry.Amount = core.MoneyFromCents(amountCents)
	entry.Kind = core.Kind(kind)
	return entry, nil
}
