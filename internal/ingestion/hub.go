package ingestion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
	"github.com/kb-331/vrsc-arb/internal/venue"
)

// Hub owns the per-venue Workers and fans their raw ticks into a single
// channel for C3. No worker blocks when the consumer falls behind: a
// polled tick displaces the oldest pending tick in the shared channel,
// whichever venue it came from, while a streamed tick that finds the
// channel full is discarded.
type Hub struct {
	cfg     config.IngestionConfig
	log     *zap.Logger
	bus     eventbus.Sink
	workers map[domain.VenueID]*Worker
	out     chan domain.Tick
}

// New builds an empty Hub; call AddVenue for each adapter before Run.
func New(cfg config.IngestionConfig, log *zap.Logger, bus eventbus.Sink, outBuffer int) *Hub {
	if outBuffer <= 0 {
		outBuffer = 256
	}
	return &Hub{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		workers: make(map[domain.VenueID]*Worker),
		out:     make(chan domain.Tick, outBuffer),
	}
}

// AddVenue registers an adapter and returns its Worker so callers (tests,
// the opportunity validator's health gate) can inspect breaker state.
func (h *Hub) AddVenue(id domain.VenueID, adapter venue.Adapter, rl VenueRateLimit) *Worker {
	w := NewWorker(id, adapter, h.cfg, rl, h.log, h.bus, h.out)
	h.workers[id] = w
	return w
}

// Worker looks up a previously-added venue's worker.
func (h *Hub) Worker(id domain.VenueID) *Worker { return h.workers[id] }

// Out is the merged, unvalidated tick stream every venue worker feeds.
func (h *Hub) Out() <-chan domain.Tick { return h.out }

// Run starts every registered venue: streaming venues subscribe and are
// watched by their heartbeat loop; poll-only venues are driven by a ticker
// at pollInterval. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, pollInterval time.Duration) {
	for id, w := range h.workers {
		id, w := id, w
		if _, ok := w.adapter.(venue.Streamer); ok {
			go func() {
				if err := w.RunStream(ctx); err != nil && ctx.Err() == nil {
					h.log.Error("stream worker exited", zap.String("venue", string(id)), zap.Error(err))
				}
			}()
			continue
		}
		if fetcher, ok := w.adapter.(venue.TickerFetcher); ok {
			go h.pollLoop(ctx, w, fetcher, pollInterval)
		}
	}
	<-ctx.Done()
}

func (h *Hub) pollLoop(ctx context.Context, w *Worker, fetcher venue.TickerFetcher, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			var tick domain.Tick
			err := w.ExecuteWithRetry(ctx, func(ctx context.Context) error {
				var ferr error
				tick, ferr = fetcher.FetchTicker(ctx)
				return ferr
			})
			if err != nil {
				continue
			}
			select {
			case h.out <- tick:
			default:
				select {
				case <-h.out:
				default:
				}
				select {
				case h.out <- tick:
				default:
				}
			}
		}
	}
}
