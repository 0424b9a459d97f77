// Package redisfeed mirrors the event bus onto a Redis stream (S6): a
// lightweight, externally-consumable feed for dashboards or other processes
// that should not hold a direct dependency on the in-process bus. Grounded
// on the teacher's connectors/redisfeed publisher, generalized from a
// pair-metadata hash/ZSET writer into a generic event-stream mirror: one
// stream whose entries carry the event kind as a field.
package redisfeed

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/eventbus"
)

// Mirror writes every event published on the bus to a capped Redis stream.
type Mirror struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	log    *zap.Logger
}

// New wraps an already-constructed Redis client. addr/stream come from
// config.StoreConfig.
func New(rdb *redis.Client, stream string, maxLen int64, log *zap.Logger) *Mirror {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Mirror{rdb: rdb, stream: stream, maxLen: maxLen, log: log}
}

// NewClient is a thin convenience over redis.NewClient for the common case
// of a bare address with no auth.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Run subscribes to bus and XAdds every event until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context, bus *eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := m.publish(ctx, ev); err != nil {
				m.log.Warn("redisfeed: publish failed", zap.Error(err), zap.String("kind", string(ev.Kind)))
			}
		}
	}
}

func (m *Mirror) publish(ctx context.Context, ev eventbus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":         string(ev.Kind),
			"venue":        string(ev.Venue),
			"execution_id": ev.ExecutionID,
			"payload":      string(payload),
		},
	}).Err()
}

// Tail reads the last n entries from the mirrored stream, newest last.
func (m *Mirror) Tail(ctx context.Context, n int64) ([]eventbus.Event, error) {
	msgs, err := m.rdb.XRevRangeN(ctx, m.stream, "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]eventbus.Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["payload"].(string)
		if !ok {
			continue
		}
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
