// Package ingestion is the price ingestion fabric (C2): one worker per
// venue multiplexing stream and pull sources behind a rate limiter, retry
// policy, circuit breaker and heartbeat watchdog, fanned into a single
// validated-candidate stream by the Hub. The cyclic WebSocket/heartbeat/
// breaker relationship is broken by ownership inversion: the worker owns
// the connection, heartbeat and breaker as subordinate pieces, and only
// ever talks back upward over the event bus, never through a back-pointer.
package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/circuitbreaker"
	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
	"github.com/kb-331/vrsc-arb/internal/metrics"
	"github.com/kb-331/vrsc-arb/internal/ratelimit"
	"github.com/kb-331/vrsc-arb/internal/venue"
)

// Worker owns one venue's connection lifecycle: rate limiting, retry,
// circuit breaking, heartbeat and reconnection. It never reconnects the
// adapter itself (that duty belongs to the Streamer's own Subscribe call
// on each invocation) but owns the decision of *when* to call it again.
type Worker struct {
	venueID domain.VenueID
	adapter venue.Adapter
	bucket  *ratelimit.Bucket
	breaker *circuitbreaker.Breaker
	backoff ratelimit.BackoffConfig
	cfg     config.IngestionConfig
	log     *zap.Logger
	bus     eventbus.Sink

	out chan<- domain.Tick

	missedBeats int
	reconnects  int
}

// NewWorker wires one venue's adapter into the fabric. out receives every
// raw tick the venue produces (validation happens downstream in C3).
func NewWorker(id domain.VenueID, adapter venue.Adapter, cfg config.IngestionConfig, rl VenueRateLimit, log *zap.Logger, bus eventbus.Sink, out chan<- domain.Tick) *Worker {
	bCfg := circuitbreaker.Config{
		ErrorThreshold:    cfg.Circuit.ErrorThreshold,
		ResetTimeout:      cfg.Circuit.ResetTimeout,
		RecoveryThreshold: cfg.Circuit.RecoveryThreshold,
	}
	return &Worker{
		venueID: id,
		adapter: adapter,
		bucket:  ratelimit.New(rl.RPS, rl.Concurrency),
		breaker: circuitbreaker.New(bCfg),
		backoff: ratelimit.DefaultBackoff(),
		cfg:     cfg,
		log:     log.Named("ingestion." + string(id)),
		bus:     bus,
		out:     out,
	}
}

// VenueRateLimit mirrors config.VenueRateLimit to avoid an import cycle
// through config for callers that only need the two numeric fields.
type VenueRateLimit struct {
	RPS         float64
	Concurrency int
}

// ExecuteWithRetry runs op under the venue's rate limiter, retrying
// retryable failures with exponential backoff, and feeds the outcome to
// the circuit breaker.
func (w *Worker) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	if !w.breaker.Allow() {
		return venue.Wrap(w.venueID, "execute", venue.ErrVenueDown, nil)
	}
	if err := w.bucket.Take(ctx); err != nil {
		return err
	}
	err := ratelimit.Do(ctx, w.backoff, op)
	if err != nil {
		w.breaker.RecordFailure()
		w.publishHealthEvent()
		return err
	}
	w.breaker.RecordSuccess()
	w.publishHealthEvent()
	return nil
}

func (w *Worker) publishHealthEvent() {
	var kind eventbus.Kind
	var gauge float64
	switch w.breaker.State() {
	case circuitbreaker.Open:
		kind, gauge = eventbus.KindCircuitOpen, 2
	case circuitbreaker.HalfOpen:
		kind, gauge = eventbus.KindCircuitHalfOpen, 1
	default:
		kind, gauge = eventbus.KindCircuitClosed, 0
	}
	metrics.CircuitState.WithLabelValues(string(w.venueID)).Set(gauge)
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{Kind: kind, Venue: w.venueID})
}

// BreakerState exposes the worker's circuit state for the opportunity
// validator's venue-health gate.
func (w *Worker) BreakerState() circuitbreaker.State { return w.breaker.State() }

// RunStream drives a streaming venue: subscribes, watches the heartbeat,
// and reconnects with exponential backoff on failure, up to MaxAttempts
// before giving up for this invocation (the caller may call RunStream again
// to retry indefinitely at the operator's discretion).
func (w *Worker) RunStream(ctx context.Context) error {
	streamer, ok := w.adapter.(venue.Streamer)
	if !ok {
		return nil
	}

	attempt := 0
	for {
		sink := newWorkerSink(w)
		err := w.ExecuteWithRetry(ctx, func(ctx context.Context) error {
			return streamer.Subscribe(ctx, sink)
		})
		if err == nil {
			w.waitForStreamEnd(ctx, sink)
			attempt = 0
		} else {
			attempt++
			if attempt > w.cfg.Reconnect.MaxAttempts {
				return err
			}
			delay := w.cfg.Reconnect.BaseDelay * time.Duration(1<<uint(attempt-1))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// waitForStreamEnd blocks until the stream reports a terminal error through
// the sink or the context is cancelled, applying the heartbeat watchdog in
// the background.
func (w *Worker) waitForStreamEnd(ctx context.Context, sink *workerSink) {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.cfg.Heartbeat.CheckInterval > 0 {
		go w.heartbeatLoop(hbCtx, sink)
	}

	select {
	case <-ctx.Done():
	case <-sink.done:
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, sink *workerSink) {
	t := time.NewTicker(w.cfg.Heartbeat.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.done:
			return
		case <-t.C:
			if time.Since(sink.lastTick()) > w.cfg.Heartbeat.Timeout {
				w.missedBeats++
				if w.missedBeats >= w.cfg.Heartbeat.MaxMissedBeats {
					sink.fail(venue.Wrap(w.venueID, "heartbeat", venue.ErrTimeout, nil))
					return
				}
			} else {
				w.missedBeats = 0
			}
		}
	}
}

// workerSink adapts venue.StreamSink to forward ticks onto the worker's
// output channel and track heartbeat liveness. OnTick runs on the stream's
// own goroutine while lastTick and fail are read/called from the worker's
// heartbeat goroutine, so lastAt and the done-close guard need their own
// synchronization independent of the Worker's state.
type workerSink struct {
	w      *Worker
	lastAt atomic.Int64 // unix nanos
	done   chan struct{}
	once   sync.Once
}

func newWorkerSink(w *Worker) *workerSink {
	s := &workerSink{w: w, done: make(chan struct{})}
	s.lastAt.Store(time.Now().UnixNano())
	return s
}

func (s *workerSink) OnTick(t domain.Tick) {
	s.lastAt.Store(time.Now().UnixNano())
	select {
	case s.w.out <- t:
	default:
		// A full channel here means the consumer fell behind: this tick is
		// discarded and the ticks already queued are kept.
	}
}

func (s *workerSink) OnStreamError(err error) {
	s.w.log.Warn("stream error", zap.Error(err))
	s.fail(err)
}

func (s *workerSink) fail(err error) {
	s.once.Do(func() { close(s.done) })
}

func (s *workerSink) lastTick() time.Time { return time.Unix(0, s.lastAt.Load()) }
