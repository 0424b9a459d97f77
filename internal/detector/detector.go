// Package detector implements the opportunity detector (C4). It keeps the
// latest validated tick per venue and, on every update, evaluates only the
// pairs touching the venue that just changed — O(N) work per tick instead
// of O(N^2) over all venues — emitting the top-K candidates ranked by
// estimated net profit.
package detector

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
	"github.com/kb-331/vrsc-arb/internal/metrics"
)

// TopK is the number of ranked candidates emitted per evaluation.
const TopK = 5

// FeeSource supplies a venue's taker fee for the cost estimate; adapters
// implementing venue.FeeReader are wrapped to satisfy this at wiring time.
type FeeSource interface {
	TakerFee(v domain.VenueID) decimal.Decimal
}

// Detector holds the latest validated tick per venue and the sizing policy
// used to bound a candidate's notional.
type Detector struct {
	cfg      config.ArbitrageConfig
	fees     FeeSource
	sizer    func(v domain.VenueID) decimal.Decimal // max notional per venue
	maxSlip  decimal.Decimal
	log      *zap.Logger
	bus      eventbus.Sink

	latest map[domain.VenueID]domain.NormalizedTick
}

// New constructs a Detector. sizer returns the maximum notional a position
// on venue v may take (the position-sizing policy referenced by §4.4);
// maxSlippage is the pessimistic pre-check bound refined later by C5.
func New(cfg config.ArbitrageConfig, fees FeeSource, sizer func(domain.VenueID) decimal.Decimal, maxSlippage decimal.Decimal, log *zap.Logger, bus eventbus.Sink) *Detector {
	return &Detector{
		cfg:     cfg,
		fees:    fees,
		sizer:   sizer,
		maxSlip: maxSlippage,
		log:     log,
		bus:     bus,
		latest:  make(map[domain.VenueID]domain.NormalizedTick),
	}
}

// OnTick updates the venue's latest price and evaluates every pair touching
// it, returning the top-K ranked opportunities (possibly empty).
func (d *Detector) OnTick(nt domain.NormalizedTick, now time.Time) []domain.Opportunity {
	d.latest[nt.Venue] = nt

	var candidates []domain.Opportunity
	for other, ot := range d.latest {
		if other == nt.Venue {
			continue
		}
		if now.Sub(nt.ReceivedTS) > d.cfg.MaxTickAge || now.Sub(ot.ReceivedTS) > d.cfg.MaxTickAge {
			continue
		}
		if opp, ok := d.evaluate(nt, ot, now); ok {
			candidates = append(candidates, opp)
		}
		if opp, ok := d.evaluate(ot, nt, now); ok {
			candidates = append(candidates, opp)
		}
	}

	return rankTopK(candidates, TopK)
}

// evaluate considers buying on buy.Venue and selling on sell.Venue.
func (d *Detector) evaluate(buy, sell domain.NormalizedTick, now time.Time) (domain.Opportunity, bool) {
	buyPrice := buy.CanonicalPrice
	sellPrice := sell.CanonicalPrice
	if !sellPrice.GreaterThan(buyPrice) {
		return domain.Opportunity{}, false
	}

	spreadPct := sellPrice.Sub(buyPrice).Div(buyPrice)
	if spreadPct.LessThan(d.cfg.MinSpreadPercent) {
		return domain.Opportunity{}, false
	}

	volume := buy.VolumeQuote24h
	if sell.VolumeQuote24h.LessThan(volume) {
		volume = sell.VolumeQuote24h
	}
	if volume.LessThan(d.cfg.MinVolumeQuote) {
		return domain.Opportunity{}, false
	}

	notional := d.sizer(buy.Venue)
	if sellCap := d.sizer(sell.Venue); sellCap.LessThan(notional) {
		notional = sellCap
	}
	if notional.LessThanOrEqual(decimal.Zero) {
		return domain.Opportunity{}, false
	}
	baseAmount := notional.Div(buyPrice)

	buyFee := decimal.Zero
	sellFee := decimal.Zero
	if d.fees != nil {
		buyFee = d.fees.TakerFee(buy.Venue)
		sellFee = d.fees.TakerFee(sell.Venue)
	}
	estFees := notional.Mul(buyFee.Add(sellFee))
	estSlippage := notional.Mul(d.maxSlip)
	estGross := notional.Mul(spreadPct)
	estNet := estGross.Sub(estFees).Sub(estSlippage)

	if estNet.LessThan(d.cfg.MinProfitQuote) {
		return domain.Opportunity{}, false
	}

	expires := buy.ReceivedTS
	if sell.ReceivedTS.Before(expires) {
		expires = sell.ReceivedTS
	}
	expires = expires.Add(d.cfg.MaxTickAge)

	opp := domain.Opportunity{
		ID:             uuid.New(),
		BuyVenue:       buy.Venue,
		SellVenue:      sell.Venue,
		BuyPrice:       buyPrice,
		SellPrice:      sellPrice,
		SpreadPct:      spreadPct,
		EstVolumeQuote: volume,
		EstGross:       estGross,
		EstFees:        estFees,
		EstSlippage:    estSlippage,
		EstNet:         estNet,
		BaseAmount:     baseAmount,
		CreatedTS:      now,
		ExpiresTS:      expires,
	}
	metrics.OpportunitiesDetected.WithLabelValues(string(buy.Venue), string(sell.Venue)).Inc()
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Kind: eventbus.KindOpportunity, Opportunity: &opp})
	}
	return opp, true
}

// rankTopK sorts by EstNet descending (tie-break earliest expiry) and
// truncates to k.
func rankTopK(cands []domain.Opportunity, k int) []domain.Opportunity {
	for i := 1; i < len(cands); i++ {
		j := i
		for j > 0 && less(cands[j], cands[j-1]) {
			cands[j], cands[j-1] = cands[j-1], cands[j]
			j--
		}
	}
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

// less reports whether a should rank ahead of b.
func less(a, b domain.Opportunity) bool {
	if !a.EstNet.Equal(b.EstNet) {
		return a.EstNet.GreaterThan(b.EstNet)
	}
	return a.ExpiresTS.Before(b.ExpiresTS)
}
