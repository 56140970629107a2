// Package http serves the ledger API as JSON over net/http.
//
// This file holds request decoding and query parameter parsing.

package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pesa/internal/analytics"
	"pesa/internal/core"
)

const (
	maxBodyBytes        = 4 << 20
	maxMessagesPerBatch = 10000
)

// ingestRequest accepts {"messages":[...]}.
type ingestRequest struct {
	Messages []core.RawMessage `json:"messages"`
}

// DecodeMessages reads a batch of raw messages. The body may be an object
// with a "messages" array or a bare array.
func DecodeMessages(w http.ResponseWriter, r *http.Request) ([]core.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("request body is empty")
	}

	var msgs []core.RawMessage
	switch body[0] {
	case '[':
		err = json.Unmarshal(body, &msgs)
	case '{':
		var req ingestRequest
		err = json.Unmarshal(body, &req)
		msgs = req.Messages
	default:
		err = errors.New("expected a JSON object or array")
	}
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if len(msgs) == 0 {
		return nil, errors.New("no messages in batch")
	}
	if len(msgs) > maxMessagesPerBatch {
		return nil, fmt.Errorf("batch has %d messages, limit is %d", len(msgs), maxMessagesPerBatch)
	}
	for i := range msgs {
		msgs[i].Sender = sanitizeInput(msgs[i].Sender)
		msgs[i].Body = sanitizeInput(msgs[i].Body)
	}
	return msgs, nil
}

// ParseView reads "view" or its alias "window", defaulting to month.
func ParseView(query url.Values) (analytics.View, error) {
	raw := strings.TrimSpace(query.Get("view"))
	if raw == "" {
		raw = strings.TrimSpace(query.Get("window"))
	}
	if raw == "" {
		return analytics.ViewMonth, nil
	}
	return analytics.ParseView(raw)
}

// ParseRange reads inclusive "from" and "to" epoch milliseconds. Missing
// bounds fall back to def.
func ParseRange(query url.Values, def analytics.Span) (from, to int64, err error) {
	from, to = def.Millis()

	if v := strings.TrimSpace(query.Get("from")); v != "" {
		if from, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("invalid from %q: must be epoch milliseconds", v)
		}
	}
	if v := strings.TrimSpace(query.Get("to")); v != "" {
		if to, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("invalid to %q: must be epoch milliseconds", v)
		}
	}
	if from > to {
		return 0, 0, fmt.Errorf("from %d is after to %d", from, to)
	}
	return from, to, nil
}

// ParseBool reads a boolean flag; "1", "true" and "yes" are true.
func ParseBool(query url.Values, key string) bool {
	switch strings.ToLower(strings.TrimSpace(query.Get(key))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// sanitizeInput drops control characters other than tab and newlines and
// trims whitespace.
func sanitizeInput(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s))
}
