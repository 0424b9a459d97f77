// Package validator implements the price sanity, deviation, freshness and
// normalization gate (C3) that sits between the ingestion fabric and the
// opportunity detector. It is stateless per call except for a bounded
// per-venue price ring; the bridge rate is read from its BridgeSource on
// every call.
package validator

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
)

// BridgeSource supplies the cross-rate needed to normalize a venue quoted
// in a non-canonical currency; *bridge.Provider satisfies this.
type BridgeSource interface {
	Rate() (rate decimal.Decimal, ts time.Time, ok bool)
}

type ring struct {
	mu     sync.Mutex
	prices []decimal.Decimal
	ts     []time.Time
	maxAge time.Duration
}

func newRing(maxAge time.Duration) *ring {
	return &ring{maxAge: maxAge}
}

func (r *ring) add(p decimal.Decimal, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, p)
	r.ts = append(r.ts, at)
	cutoff := at.Add(-r.maxAge)
	i := 0
	for i < len(r.ts) && r.ts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.prices = append([]decimal.Decimal{}, r.prices[i:]...)
		r.ts = append([]time.Time{}, r.ts[i:]...)
	}
}

func (r *ring) mean() (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prices) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, p := range r.prices {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(r.prices)))), true
}

// RejectReason explains why a tick was dropped (not an error: flow control).
type RejectReason string

const (
	RejectOutOfRange   RejectReason = "out_of_range"
	RejectDeviation    RejectReason = "deviation"
	RejectStale        RejectReason = "stale"
	RejectBridgeStale  RejectReason = "bridge_stale"
	RejectNonPositive  RejectReason = "non_positive"
)

// Validator enforces §4.3's sanity/deviation/freshness/normalization chain.
type Validator struct {
	cfg    config.ValidationConfig
	bridge BridgeSource
	canon  string // canonical quote currency, e.g. "USDT"
	log    *zap.Logger
	bus    eventbus.Sink

	mu    sync.Mutex
	rings map[domain.VenueID]*ring
}

// New constructs a Validator. bridge may be nil for venues that already
// quote in the canonical currency.
func New(cfg config.ValidationConfig, bridge BridgeSource, canonicalCcy string, log *zap.Logger, bus eventbus.Sink) *Validator {
	return &Validator{cfg: cfg, bridge: bridge, canon: canonicalCcy, log: log, bus: bus, rings: make(map[domain.VenueID]*ring)}
}

func (v *Validator) ringFor(venue domain.VenueID) *ring {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.rings[venue]
	if !ok {
		r = newRing(v.cfg.PriceValidity)
		v.rings[venue] = r
	}
	return r
}

// Validate applies sanity, deviation and freshness checks, then normalizes
// to the canonical quote currency. A non-nil reason with ok=false means the
// tick was intentionally dropped, not an error.
func (v *Validator) Validate(t domain.Tick, now time.Time) (nt domain.NormalizedTick, ok bool, reason RejectReason) {
	if !t.Price.IsPositive() {
		return domain.NormalizedTick{}, false, RejectNonPositive
	}
	if t.Price.LessThan(v.cfg.MinPrice) || t.Price.GreaterThan(v.cfg.MaxPrice) {
		return domain.NormalizedTick{}, false, RejectOutOfRange
	}

	r := v.ringFor(t.Venue)
	if mean, has := r.mean(); has && !mean.IsZero() {
		dev := t.Price.Sub(mean).Abs().Div(mean)
		if dev.GreaterThan(v.cfg.MaxPriceDeviation) {
			return domain.NormalizedTick{}, false, RejectDeviation
		}
	}

	if now.Sub(t.LastTradeTS) > v.cfg.MaxStalePrice {
		return domain.NormalizedTick{}, false, RejectStale
	}

	r.add(t.Price, now)

	if t.QuoteCcy == v.canon || t.QuoteCcy == "" {
		nt := domain.NormalizedTick{Tick: t, CanonicalPrice: t.Price, BridgeRate: decimal.NewFromInt(1), BridgeTS: now}
		v.publishTick(nt)
		return nt, true, ""
	}

	if v.bridge == nil {
		return domain.NormalizedTick{}, false, RejectBridgeStale
	}
	rate, bts, bridgeOK := v.bridge.Rate()
	if !bridgeOK || now.Sub(bts) > v.cfg.PriceValidity {
		return domain.NormalizedTick{}, false, RejectBridgeStale
	}

	nt = domain.NormalizedTick{
		Tick:           t,
		CanonicalPrice: t.Price.Mul(rate),
		BridgeRate:     rate,
		BridgeTS:       bts,
	}
	v.publishTick(nt)
	return nt, true, ""
}

func (v *Validator) publishTick(nt domain.NormalizedTick) {
	if v.bus == nil {
		return
	}
	t := nt.Tick
	v.bus.Publish(eventbus.Event{Kind: eventbus.KindTick, Venue: t.Venue, Tick: &t})
}
