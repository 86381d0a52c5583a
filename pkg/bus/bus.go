// Package bus provides the Redis Streams event bus with contract
// validation. Messages are validated against their kind's JSON Schema
// before publish (fail-fast) and delivered to named consumer groups with
// at-least-once semantics and bounded stream retention.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStreamPrefix names the streams "orion:<kind>s".
	DefaultStreamPrefix = "orion"

	// DefaultMaxLen caps each stream with approximate trimming.
	DefaultMaxLen = 10000

	readCount = 10
	readBlock = 1000 * time.Millisecond
)

// Bus is a validated pub/sub layer over Redis Streams.
type Bus struct {
	client *redis.Client
	val    *Validator
	prefix string
	maxLen int64
	log    *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithStreamPrefix overrides the default stream prefix.
func WithStreamPrefix(prefix string) Option {
	return func(b *Bus) { b.prefix = prefix }
}

// WithMaxLen overrides the approximate stream retention cap.
func WithMaxLen(maxLen int64) Option {
	return func(b *Bus) { b.maxLen = maxLen }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// New creates a bus over the given Redis client.
func New(client *redis.Client, validator *Validator, opts ...Option) *Bus {
	b := &Bus{
		client: client,
		val:    validator,
		prefix: DefaultStreamPrefix,
		maxLen: DefaultMaxLen,
		log:    slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StreamName returns the stream for a contract kind, e.g. "orion:events".
func (b *Bus) StreamName(kind string) string {
	return fmt.Sprintf("%s:%ss", b.prefix, kind)
}

// Publish validates msg against the schema for kind and appends it to the
// kind's stream. Invalid messages are rejected before any broker side
// effect. Returns the broker-assigned message id.
func (b *Bus) Publish(ctx context.Context, msg any, kind string) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", kind, err)
	}

	if err := b.val.ValidateJSON(kind, raw); err != nil {
		publishRejected.WithLabelValues(kind).Inc()
		b.log.Error("contract validation failed", "kind", kind, "error", err)
		return "", fmt.Errorf("contract validation failed: %w", err)
	}

	stream := b.StreamName(kind)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}

	published.WithLabelValues(kind).Inc()
	b.log.Debug("published", "kind", kind, "stream", stream, "id", id)
	return id, nil
}

// Subscribe consumes kind's stream as (group, consumer), invoking handler
// for each message payload. The consumer group is created on first use;
// a pre-existing group is not an error.
//
// Every delivered message is acknowledged regardless of the handler's
// outcome: a failing handler logs and moves on instead of triggering
// redelivery, so one poison message cannot amplify into a retry storm.
// Transient read errors are logged and the loop continues. Returns nil
// once ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, kind, group, consumer string, handler func(ctx context.Context, data []byte) error) error {
	stream := b.StreamName(kind)

	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}

	log := b.log.With("stream", stream, "group", group, "consumer", consumer)
	log.Info("subscription started")

	for {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()

		if ctx.Err() != nil {
			log.Info("subscription stopped")
			return nil
		}
		if err != nil {
			if err != redis.Nil {
				log.Warn("read failed, continuing", "error", err)
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					log.Warn("message missing data field", "id", msg.ID)
				} else {
					consumed.WithLabelValues(kind).Inc()
					if err := handler(ctx, []byte(data)); err != nil {
						handlerErrors.WithLabelValues(kind).Inc()
						log.Error("handler failed", "id", msg.ID, "error", err)
					}
				}
				// Ack unconditionally: failed handlers must not cause
				// redelivery of side-effecting messages.
				if err := b.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					log.Error("ack failed", "id", msg.ID, "error", err)
				}
			}
		}
	}
}

// Read returns up to limit payloads from kind's stream starting at fromID
// ("-" for the beginning). Intended for inspection and tests.
func (b *Bus) Read(ctx context.Context, kind, fromID string, limit int64) ([][]byte, error) {
	if fromID == "" {
		fromID = "-"
	}
	stream := b.StreamName(kind)
	msgs, err := b.client.XRangeN(ctx, stream, fromID, "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}

	out := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		if data, ok := msg.Values["data"].(string); ok {
			out = append(out, []byte(data))
		}
	}
	return out, nil
}
