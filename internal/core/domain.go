package core

import (
	"errors"
	"strings"
	"time"
)

const (
	KindCredit    Kind = "credit"
	KindDeduction Kind = "deduction"
)

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

type (
	Kind string

	// InsertResult is the outcome of offering a transaction to the ledger.
	InsertResult int

	// RawMessage is one text message as delivered by the device inbox.
	RawMessage struct {
		Sender          string `json:"sender"`
		Body            string `json:"body"`
		TimestampMillis int64  `json:"timestamp"`
	}

	Transaction struct {
		TimestampMillis int64
		Amount          Money
		Counterpart     string
		Kind            Kind
	}

	// LedgerEntry is a persisted Transaction.
	LedgerEntry struct {
		ID int64
		Transaction
	}

	// IngestReport summarises what happened to one batch of messages.
	IngestReport struct {
		Received   int   `json:"received"`
		Provider   int   `json:"provider"`
		Parsed     int   `json:"parsed"`
		Inserted   int   `json:"inserted"`
		Duplicates int   `json:"duplicates"`
		Skipped    int   `json:"skipped"`
		Balance    Money `json:"balance"`
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyCounterpart = errors.New("empty counterpart")
	ErrInvalidKind      = errors.New("invalid transaction kind")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrUnknownWindow    = errors.New("unknown window")
)

func (k Kind) Valid() bool {
	return k == KindCredit || k == KindDeduction
}

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

func (t Transaction) Validate() error {
	if t.TimestampMillis <= 0 {
		return ErrInvalidTimestamp
	}
	if !t.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(t.Counterpart) == "" {
		return ErrEmptyCounterpart
	}
	if !t.Kind.Valid() {
		return ErrInvalidKind
	}
	return nil
}

// Time returns the transaction instant in loc.
func (t Transaction) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(t.TimestampMillis).In(loc)
}

// Sent returns the message timestamp as a time in loc.
func (m RawMessage) Sent(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(m.TimestampMillis).In(loc)
}
