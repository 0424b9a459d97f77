// Package bridge supplies the cross-rate used to normalize a venue quoted
// in a non-canonical currency into the canonical quote currency (S8). It
// polls an external reference feed independently of the venue ingestion
// workers so a stalled venue never starves the bridge rate, and vice versa.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/domain"
)

// Fetcher retrieves the current rate of one currency pair, e.g. BTC/USDT.
type Fetcher func(ctx context.Context) (decimal.Decimal, error)

// Provider polls a Fetcher on an interval and caches the latest rate.
type Provider struct {
	log     *zap.Logger
	fetch   Fetcher
	interval time.Duration

	mu   sync.RWMutex
	rate decimal.Decimal
	ts   time.Time
}

// New constructs a Provider that refreshes every interval.
func New(fetch Fetcher, interval time.Duration, log *zap.Logger) *Provider {
	return &Provider{fetch: fetch, interval: interval, log: log}
}

// Run polls until ctx is done; call it in its own goroutine.
func (p *Provider) Run(ctx context.Context) {
	p.refresh(ctx)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.refresh(ctx)
		}
	}
}

func (p *Provider) refresh(ctx context.Context) {
	rate, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn("bridge rate refresh failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.rate = rate
	p.ts = time.Now()
	p.mu.Unlock()
}

// Rate returns the cached rate and the time it was observed. A caller
// normalizing a Tick against this bridge must reject the result if that
// observation is older than its configured validity window.
func (p *Provider) Rate() (rate decimal.Decimal, ts time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rate, p.ts, !p.rate.IsZero()
}

// AsTick renders the cached rate as a domain.Tick so the validator can treat
// it uniformly with venue-sourced ticks.
func (p *Provider) AsTick(venue domain.VenueID) (domain.Tick, bool) {
	rate, ts, ok := p.Rate()
	if !ok {
		return domain.Tick{}, false
	}
	return domain.Tick{
		Venue:       venue,
		Price:       rate,
		LastTradeTS: ts,
		ReceivedTS:  ts,
		Source:      domain.SourcePoll,
	}, true
}
