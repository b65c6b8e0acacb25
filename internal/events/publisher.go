// Package events publishes catalog lifecycle events to Redis for the
// gateway's SSE forward. Publishing is always non-fatal: a dropped event
// never fails the write that produced it.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channels published by the catalog service.
const (
	ListingSynced      = "EVENT_LISTING_SYNCED"
	ListingEnriched    = "EVENT_LISTING_ENRICHED"
	ListingDeactivated = "EVENT_LISTING_DEACTIVATED"
	SweepCancelled     = "EVENT_SWEEP_CANCELLED"
)

// Publisher publishes JSON events on Redis pub/sub channels.
type Publisher struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewPublisher returns a Publisher over rdb.
func NewPublisher(rdb *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger}
}

// Publish sends one event. Failures are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, channel string, fields map[string]string) {
	payload := make(map[string]string, len(fields)+1)
	payload["type"] = channel
	for k, v := range fields {
		payload[k] = v
	}

	event, _ := json.Marshal(payload)
	if err := p.rdb.Publish(ctx, channel, event).Err(); err != nil {
		p.logger.Warn("publish event failed", "channel", channel, "error", err)
	}
}
