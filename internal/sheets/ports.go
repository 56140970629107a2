// Package sheets defines the outbound ports for mirroring the ledger into a
// spreadsheet.
package sheets

import (
	"context"

	"pesa/internal/core"
)

// Ports for outbound adapters.
type (
	// EntryWriter appends one ledger entry as a row. Writing the same entry
	// twice must not create a second row.
	EntryWriter interface {
		AppendEntry(ctx context.Context, e core.LedgerEntry) (rowRef string, err error)
	}
)
