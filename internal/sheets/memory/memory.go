// Package memory is an in-process EntryWriter used when no spreadsheet is
// configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"pesa/internal/core"
	ports "pesa/internal/sheets"
)

var _ ports.EntryWriter = (*Store)(nil)

type Store struct {
	mu    sync.Mutex
	rows  []core.LedgerEntry
	index map[int64]int
}

func New() *Store {
	return &Store{index: make(map[int64]int)}
}

// AppendEntry stores e once per ID and returns a synthetic row reference.
func (s *Store) AppendEntry(_ context.Context, e core.LedgerEntry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.index[e.ID]; ok {
		return ref(row), nil
	}
	s.rows = append(s.rows, e)
	s.index[e.ID] = len(s.rows)
	return ref(len(s.rows)), nil
}

// Entries returns a copy of the stored rows in append order.
func (s *Store) Entries() []core.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.LedgerEntry(nil), s.rows...)
}

func ref(row int) string {
	return fmt.Sprintf("mem:%d", row)
}
