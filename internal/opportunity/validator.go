// Package opportunity implements the pre-execution gate (C5): a re-check of
// a detected Opportunity against live depth, balances, exposure and venue
// health before the executor is allowed to act on it.
package opportunity

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kb-331/vrsc-arb/internal/circuitbreaker"
	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
	"github.com/kb-331/vrsc-arb/internal/metrics"
	"github.com/kb-331/vrsc-arb/internal/risk"
	"github.com/kb-331/vrsc-arb/internal/venue"
)

// Reason names why Validate rejected an Opportunity.
type Reason string

const (
	ReasonExpired        Reason = "expired"
	ReasonDepth           Reason = "insufficient_depth"
	ReasonPriceMoved      Reason = "price_moved"
	ReasonUnprofitable    Reason = "unprofitable_after_depth"
	ReasonBalance         Reason = "insufficient_balance"
	ReasonExposure        Reason = "exposure_limit"
	ReasonVenueUnhealthy  Reason = "venue_unhealthy"
)

// Result is the outcome of validating one Opportunity.
type Result struct {
	Valid            bool
	Reason           Reason
	AdjustedBaseAmount decimal.Decimal
}

// BreakerSource reports a venue's current breaker state; app.go adapts
// *ingestion.Hub to it through each venue's Worker.BreakerState.
type BreakerSource interface {
	BreakerState(domain.VenueID) circuitbreaker.State
}

// Validator re-checks an Opportunity against live depth and ledger state.
type Validator struct {
	cfg      config.ExecutionConfig
	ledger   *risk.Ledger
	adapters map[domain.VenueID]venue.Adapter
	breakers BreakerSource
	baseCcy  string
	quoteCcy map[domain.VenueID]string
	bus      eventbus.Sink
}

// New constructs a Validator over the given venue adapters. baseCcy is the
// traded asset's symbol (held on the sell-side venue); quoteCcy maps each
// venue to the currency its prices and buy-side balance are denominated in.
// bus may be nil, in which case rejections are only counted in metrics.
func New(cfg config.ExecutionConfig, ledger *risk.Ledger, adapters map[domain.VenueID]venue.Adapter, breakers BreakerSource, baseCcy string, quoteCcy map[domain.VenueID]string, bus eventbus.Sink) *Validator {
	return &Validator{cfg: cfg, ledger: ledger, adapters: adapters, breakers: breakers, baseCcy: baseCcy, quoteCcy: quoteCcy, bus: bus}
}

// Validate re-fetches live depth and balances for opp and decides whether
// it is still actionable, possibly with a reduced base amount.
func (v *Validator) Validate(ctx context.Context, opp domain.Opportunity, maxExposure decimal.Decimal) Result {
	now := time.Now()
	if opp.Expired(now) {
		return v.reject(ReasonExpired, opp)
	}

	if v.breakers != nil {
		if v.breakers.BreakerState(opp.BuyVenue) != circuitbreaker.Closed || v.breakers.BreakerState(opp.SellVenue) != circuitbreaker.Closed {
			return v.reject(ReasonVenueUnhealthy, opp)
		}
	}

	buyDepth, err := v.fetchDepth(ctx, opp.BuyVenue)
	if err != nil {
		return v.reject(ReasonDepth, opp)
	}
	sellDepth, err := v.fetchDepth(ctx, opp.SellVenue)
	if err != nil {
		return v.reject(ReasonDepth, opp)
	}

	buyAvg, buyFilled, ok := walk(buyDepth.Asks, opp.BaseAmount)
	if !ok {
		return v.reject(ReasonDepth, opp)
	}
	sellAvg, sellFilled, ok := walk(sellDepth.Bids, opp.BaseAmount)
	if !ok {
		return v.reject(ReasonDepth, opp)
	}

	adjusted := opp.BaseAmount
	if buyFilled.LessThan(adjusted) {
		adjusted = buyFilled
	}
	if sellFilled.LessThan(adjusted) {
		adjusted = sellFilled
	}
	if adjusted.LessThanOrEqual(decimal.Zero) {
		return v.reject(ReasonDepth, opp)
	}

	buySlip := buyAvg.Sub(opp.BuyPrice).Div(opp.BuyPrice)
	sellSlip := opp.SellPrice.Sub(sellAvg).Div(opp.SellPrice)
	if buySlip.GreaterThan(v.cfg.MaxSlippage) || sellSlip.GreaterThan(v.cfg.MaxSlippage) {
		return v.reject(ReasonPriceMoved, opp)
	}

	notional := adjusted.Mul(buyAvg)
	spread := sellAvg.Sub(buyAvg)
	estNet := spread.Mul(adjusted)
	if estNet.LessThan(decimal.Zero) {
		return v.reject(ReasonUnprofitable, opp)
	}

	quoteAvail := v.ledger.Available(opp.BuyVenue, v.quoteCcy[opp.BuyVenue])
	required := notional.Mul(decimal.NewFromInt(1).Add(v.cfg.FeeBuffer))
	if quoteAvail.LessThan(required) {
		return v.reject(ReasonBalance, opp)
	}
	baseAvail := v.ledger.Available(opp.SellVenue, v.baseCcy)
	if baseAvail.LessThan(adjusted) {
		return v.reject(ReasonBalance, opp)
	}

	if !maxExposure.IsZero() {
		if v.ledger.TotalExposure().Add(notional).GreaterThan(maxExposure) {
			return v.reject(ReasonExposure, opp)
		}
	}

	return Result{Valid: true, AdjustedBaseAmount: adjusted}
}

func (v *Validator) reject(reason Reason, opp domain.Opportunity) Result {
	metrics.OpportunitiesRejected.WithLabelValues(string(reason)).Inc()
	if v.bus != nil {
		v.bus.Publish(eventbus.Event{
			Kind:        eventbus.KindOpportunityRejected,
			Venue:       opp.BuyVenue,
			Reason:      string(reason),
			Opportunity: &opp,
		})
	}
	return Result{Reason: reason}
}

func (v *Validator) fetchDepth(ctx context.Context, id domain.VenueID) (domain.Depth, error) {
	a, ok := v.adapters[id]
	if !ok {
		return domain.Depth{}, venue.Wrap(id, "fetch_depth", venue.ErrNotFound, nil)
	}
	df, ok := a.(venue.DepthFetcher)
	if !ok {
		return domain.Depth{}, venue.Wrap(id, "fetch_depth", venue.ErrPreconditionFail, nil)
	}
	return df.FetchDepth(ctx, 50)
}

// walk simulates consuming levels up to want base units, returning the
// volume-weighted average price and the amount actually fillable.
func walk(levels []domain.DepthLevel, want decimal.Decimal) (avgPrice, filled decimal.Decimal, ok bool) {
	remaining := want
	costSum := decimal.Zero
	filledSum := decimal.Zero
	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		costSum = costSum.Add(take.Mul(lvl.Price))
		filledSum = filledSum.Add(take)
		remaining = remaining.Sub(take)
	}
	if filledSum.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	return costSum.Div(filledSum), filledSum, true
}
