package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper is a fast-path filter for redelivered webhook events. It is
// an optimization only: the store's conditional merge remains the authority,
// so a deduper failing open never compromises correctness.
type EventDeduper interface {
	// Seen reports whether the event was already processed.
	Seen(ctx context.Context, source SignalSource, eventID string) (bool, error)

	// Mark records the event as processed. Only called after the store write
	// committed, so an event whose write failed stays redeliverable.
	Mark(ctx context.Context, source SignalSource, eventID string) error
}

// RedisDeduper tracks processed event ids in Redis with a TTL. At-least-once
// webhook delivery means most duplicates arrive within seconds of the
// original; the TTL only has to cover the provider's retry window.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// DefaultDedupTTL comfortably covers Stripe's and Apple's retry schedules.
const DefaultDedupTTL = 72 * time.Hour

func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupKey(source SignalSource, eventID string) string {
	return fmt.Sprintf("billing:events:%s:%s", source, eventID)
}

func (d *RedisDeduper) Seen(ctx context.Context, source SignalSource, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupKey(source, eventID)).Result()
	if err != nil {
		// Fail open: the conditional merge still rejects duplicates.
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, source SignalSource, eventID string) error {
	return d.client.Set(ctx, dedupKey(source, eventID), 1, d.ttl).Err()
}

// NoopDeduper disables the fast path; every event goes through the store's
// conditional merge.
type NoopDeduper struct{}

func (NoopDeduper) Seen(context.Context, SignalSource, string) (bool, error) {
	return false, nil
}

func (NoopDeduper) Mark(context.Context, SignalSource, string) error {
	return nil
}
