package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"pesa/internal/core"
)

// Circuit breaker states.
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// Client publishes and consumes the batch and entry queues on one direct
// exchange. Queues are bound with their own name as routing key.
type Client struct {
	url          string
	exchangeName string
	batchQueue   string
	entryQueue   string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	failureMu    sync.Mutex
	lastFailure  time.Time
}

func NewClient(url, exchangeName, batchQueue, entryQueue string) (*Client, error) {
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		batchQueue:   batchQueue,
		entryQueue:   entryQueue,
	}

	if _, err := client.ensureChannel(); err != nil {
		return nil, err
	}
	return client, nil
}

// ensureChannel returns the open channel, dialing and declaring topology if
// the previous connection was lost.
func (c *Client) ensureChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	c.closeLocked()

	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("setup exchange and queues: %w", err)
	}

	c.conn = conn
	c.channel = channel
	return channel, nil
}

func (c *Client) setup(ch *amqp091.Channel) error {
	err := ch.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queue := range []string{c.batchQueue, c.entryQueue} {
		if queue == "" {
			continue
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, queue, c.exchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}
	return nil
}

// PublishBatch queues a message batch for asynchronous ingestion and returns
// its batch ID.
func (c *Client) PublishBatch(ctx context.Context, msgs []core.RawMessage) (string, error) {
	msg := NewBatchMessage(msgs)
	body, err := msg.ToJSON()
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}

	if err := c.publish(ctx, c.batchQueue, body); err != nil {
		return "", err
	}

	slog.InfoContext(ctx, "Published message batch",
		"batch_id", msg.BatchID,
		"messages", len(msgs),
		"queue", c.batchQueue)
	return msg.BatchID, nil
}

// PublishEntryInserted announces a newly stored ledger entry.
func (c *Client) PublishEntryInserted(ctx context.Context, entry core.LedgerEntry) error {
	body, err := NewEntryMessage(entry).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	if err := c.publish(ctx, c.entryQueue, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published ledger entry",
		"id", entry.ID,
		"timestamp_ms", entry.TimestampMillis,
		"queue", c.entryQueue)
	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("circuit breaker is open, refusing to publish to %s", routingKey)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := c.ensureChannel()
	if err != nil {
		c.recordFailure()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		if isConnectionError(err) {
			c.recordFailure()
		}
		return fmt.Errorf("publish message: %w", err)
	}

	c.recordSuccess()
	return nil
}

// ConsumeBatches delivers queued message batches to handler until ctx is
// cancelled.
func (c *Client) ConsumeBatches(ctx context.Context, handler func(context.Context, *BatchMessage) error) error {
	return consume(ctx, c, c.batchQueue, BatchMessageFromJSON, handler)
}

// ConsumeEntries delivers ledger entry events to handler until ctx is
// cancelled.
func (c *Client) ConsumeEntries(ctx context.Context, handler func(context.Context, *EntryMessage) error) error {
	return consume(ctx, c, c.entryQueue, EntryMessageFromJSON, handler)
}

func consume[T any](
	ctx context.Context,
	c *Client,
	queue string,
	decode func([]byte) (*T, error),
	handler func(context.Context, *T) error,
) error {
	attempt := 0
	for {
		msgs, err := c.startConsuming(queue)
		if err != nil {
			if !isConnectionError(err) {
				return err
			}
			wait := exponentialBackoff(attempt)
			attempt++
			slog.WarnContext(ctx, "AMQP consumer reconnecting",
				"queue", queue, "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		attempt = 0

		slog.InfoContext(ctx, "Started consuming messages", "queue", queue)

	deliveries:
		for {
			select {
			case <-ctx.Done():
				slog.InfoContext(ctx, "Stopping message consumption", "queue", queue, "reason", ctx.Err())
				return ctx.Err()
			case delivery, ok := <-msgs:
				if !ok {
					slog.WarnContext(ctx, "AMQP delivery channel closed", "queue", queue)
					break deliveries
				}
				dispatch(ctx, delivery.Body, delivery, decode, handler)
			}
		}
	}
}

func (c *Client) startConsuming(queue string) (<-chan amqp091.Delivery, error) {
	ch, err := c.ensureChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("start consuming %s: %w", queue, err)
	}
	return msgs, nil
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type outcome int

const (
	acked outcome = iota
	dropped
	requeued
)

// dispatch decodes and handles one delivery. Undecodable bodies are dropped;
// handler failures are requeued.
func dispatch[T any](
	ctx context.Context,
	body []byte,
	ack acknowledger,
	decode func([]byte) (*T, error),
	handler func(context.Context, *T) error,
) outcome {
	msg, err := decode(body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
		ack.Nack(false, false)
		return dropped
	}

	if err := handler(ctx, msg); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			slog.ErrorContext(ctx, "Handler rejected message", "error", err)
			ack.Nack(false, false)
			return dropped
		}
		slog.ErrorContext(ctx, "Failed to handle message", "error", err)
		ack.Nack(false, true)
		return requeued
	}

	ack.Ack(false)
	return acked
}

func exponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "eof", "broken pipe", "dial amqp", "channel/connection is not open"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}

	c.failureMu.Lock()
	last := c.lastFailure
	c.failureMu.Unlock()

	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.failureMu.Lock()
	c.lastFailure = time.Now()
	c.failureMu.Unlock()

	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			slog.Warn("AMQP circuit breaker opened", "failures", atomic.LoadInt64(&c.failureCount))
		}
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

// Healthy reports whether the client holds an open channel.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil && !c.channel.IsClosed()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		if err != nil && !errors.Is(err, amqp091.ErrClosed) {
			return err
		}
	}
	return nil
}
