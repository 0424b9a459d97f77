// Package store is the durable audit trail (S5): an append-only record of
// ticks, opportunities, orders and venue-health transitions, written by
// subscribing to the event bus rather than being called directly by the
// pipeline stages that produce those events.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/eventbus"
)

// Store owns the connection pool that the subscriber loop inserts events
// through.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Open connects to dsn and ensures the audit tables exist.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool, log: log}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	venue       TEXT,
	execution_id TEXT,
	stage       TEXT,
	reason      TEXT,
	payload     JSONB
);
CREATE INDEX IF NOT EXISTS events_kind_ts_idx ON events (kind, ts);
CREATE INDEX IF NOT EXISTS events_execution_id_idx ON events (execution_id) WHERE execution_id <> '';
`)
	return err
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Run subscribes to bus and persists every event until ctx is cancelled.
// A failed insert is logged and skipped rather than blocking the bus.
func (s *Store) Run(ctx context.Context, bus *eventbus.Bus) {
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
			if err := s.insert(ctx, ev); err != nil {
				s.log.Warn("store: insert failed", zap.Error(err), zap.String("kind", string(ev.Kind)))
			}
		}
	}
}

func (s *Store) insert(ctx context.Context, ev eventbus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (kind, ts, venue, execution_id, stage, reason, payload) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		string(ev.Kind), ts, string(ev.Venue), ev.ExecutionID, ev.Stage, ev.Reason, payload,
	)
	return err
}

// RecentByExecution fetches every row recorded for an execution id, used by
// an operator reconstructing what happened to one trade.
func (s *Store) RecentByExecution(ctx context.Context, executionID string) ([]Row, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, ts, venue, stage, reason, payload FROM events WHERE execution_id = $1 ORDER BY ts ASC`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Kind, &r.TS, &r.Venue, &r.Stage, &r.Reason, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Row is one persisted event, returned by query helpers.
type Row struct {
	Kind    string
	TS      time.Time
	Venue   string
	Stage   string
	Reason  string
	Payload []byte
}
