package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pesa/internal/core"
)

// ErrMalformedMessage marks a delivery that can never be processed.
var ErrMalformedMessage = errors.New("malformed message")

// BatchMessage carries one inbox batch from a device to the ingestion worker.
type BatchMessage struct {
	BatchID     string            `json:"batch_id"`
	Messages    []core.RawMessage `json:"messages"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// NewBatchMessage wraps msgs with a fresh batch ID.
func NewBatchMessage(msgs []core.RawMessage) *BatchMessage {
	return &BatchMessage{
		BatchID:     uuid.NewString(),
		Messages:    msgs,
		SubmittedAt: time.Now(),
	}
}

func (m *BatchMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// BatchMessageFromJSON decodes a batch. A batch without an ID is malformed.
func BatchMessageFromJSON(data []byte) (*BatchMessage, error) {
	var msg BatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.BatchID == "" {
		return nil, fmt.Errorf("%w: missing batch_id", ErrMalformedMessage)
	}
	return &msg, nil
}

// EntryMessage announces a newly inserted ledger entry.
type EntryMessage struct {
	ID              int64      `json:"id"`
	TimestampMillis int64      `json:"timestamp_ms"`
	Amount          core.Money `json:"amount"`
	Counterpart     string     `json:"counterpart"`
	Kind            core.Kind  `json:"kind"`
	PublishedAt     time.Time  `json:"published_at"`
}

func NewEntryMessage(e core.LedgerEntry) *EntryMessage {
	return &EntryMessage{
		ID:              e.ID,
		TimestampMillis: e.TimestampMillis,
		Amount:          e.Amount,
		Counterpart:     e.Counterpart,
		Kind:            e.Kind,
		PublishedAt:     time.Now(),
	}
}

// Entry converts the message back to a ledger entry.
func (m *EntryMessage) Entry() core.LedgerEntry {
	return core.LedgerEntry{
		ID: m.ID,
		Transaction: core.Transaction{
			TimestampMillis: m.TimestampMillis,
			Amount:          m.Amount,
			Counterpart:     m.Counterpart,
			Kind:            m.Kind,
		},
	}
}

func (m *EntryMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// EntryMessageFromJSON decodes an entry event and rejects entries that would
// not have passed ledger validation.
func EntryMessageFromJSON(data []byte) (*EntryMessage, error) {
	var msg EntryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Entry().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &msg, nil
}
