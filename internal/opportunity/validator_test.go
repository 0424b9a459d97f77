package opportunity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/circuitbreaker"
	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
	"github.com/kb-331/vrsc-arb/internal/risk"
	"github.com/kb-331/vrsc-arb/internal/venue"
	"github.com/kb-331/vrsc-arb/internal/venue/mock"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type healthySources struct{}

func (healthySources) BreakerState(domain.VenueID) circuitbreaker.State { return circuitbreaker.Closed }

type openBreaker struct{ venue domain.VenueID }

func (o openBreaker) BreakerState(v domain.VenueID) circuitbreaker.State {
	if v == o.venue {
		return circuitbreaker.Open
	}
	return circuitbreaker.Closed
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{MaxSlippage: dec("0.01"), FeeBuffer: dec("0.002")}
}

func newFixture(t *testing.T) (*mock.Venue, *mock.Venue, *risk.Ledger, map[domain.VenueID]venue.Adapter) {
	t.Helper()
	buy := mock.New(domain.VenueID("mexc"), "USDT")
	sell := mock.New(domain.VenueID("univ3"), "USDT")
	adapters := map[domain.VenueID]venue.Adapter{
		domain.VenueID("mexc"):  buy,
		domain.VenueID("univ3"): sell,
	}
	ledger := risk.New(risk.Limits{MaxPositionSize: dec("10000"), MaxTotalExposure: dec("10000")}, zap.NewNop(), nil)
	return buy, sell, ledger, adapters
}

func baseOpportunity() domain.Opportunity {
	return domain.Opportunity{
		ID:         uuid.New(),
		BuyVenue:   domain.VenueID("mexc"),
		SellVenue:  domain.VenueID("univ3"),
		BuyPrice:   dec("100"),
		SellPrice:  dec("102"),
		BaseAmount: dec("10"),
		CreatedTS:  time.Now(),
		ExpiresTS:  time.Now().Add(time.Minute),
	}
}

func setupDepthAndBalances(buy, sell *mock.Venue, ledger *risk.Ledger) {
	buy.SetDepth(domain.Depth{Asks: []domain.DepthLevel{{Price: dec("100"), Size: dec("50")}}})
	sell.SetDepth(domain.Depth{Bids: []domain.DepthLevel{{Price: dec("102"), Size: dec("50")}}})
	ledger.UpdateBalance(domain.VenueID("mexc"), "USDT", dec("5000"))
	ledger.UpdateBalance(domain.VenueID("univ3"), "VRSC", dec("100"))
}

func TestValidate_ExpiredOpportunityRejected(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	setupDepthAndBalances(buy, sell, ledger)
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	opp := baseOpportunity()
	opp.ExpiresTS = time.Now().Add(-time.Second)

	res := v.Validate(context.Background(), opp, decimal.Zero)

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExpired, res.Reason)
}

func TestValidate_UnhealthyVenueRejected(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	setupDepthAndBalances(buy, sell, ledger)
	v := New(testExecConfig(), ledger, adapters, openBreaker{venue: "mexc"}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	res := v.Validate(context.Background(), baseOpportunity(), decimal.Zero)

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonVenueUnhealthy, res.Reason)
}

func TestValidate_ProfitableOpportunityWithSufficientDepthAndBalancePasses(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	setupDepthAndBalances(buy, sell, ledger)
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	res := v.Validate(context.Background(), baseOpportunity(), decimal.Zero)

	require.True(t, res.Valid)
	assert.True(t, res.AdjustedBaseAmount.Equal(dec("10")))
}

func TestValidate_ShallowDepthShrinksAdjustedBaseAmount(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	buy.SetDepth(domain.Depth{Asks: []domain.DepthLevel{{Price: dec("100"), Size: dec("4")}}})
	sell.SetDepth(domain.Depth{Bids: []domain.DepthLevel{{Price: dec("102"), Size: dec("50")}}})
	ledger.UpdateBalance(domain.VenueID("mexc"), "USDT", dec("5000"))
	ledger.UpdateBalance(domain.VenueID("univ3"), "VRSC", dec("100"))
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	res := v.Validate(context.Background(), baseOpportunity(), decimal.Zero)

	require.True(t, res.Valid)
	assert.True(t, res.AdjustedBaseAmount.Equal(dec("4")))
}

func TestValidate_NoDepthAtAllRejectedAsInsufficientDepth(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	ledger.UpdateBalance(domain.VenueID("mexc"), "USDT", dec("5000"))
	ledger.UpdateBalance(domain.VenueID("univ3"), "VRSC", dec("100"))
	_ = buy
	_ = sell
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	res := v.Validate(context.Background(), baseOpportunity(), decimal.Zero)

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonDepth, res.Reason)
}

func TestValidate_ExcessiveSlippageRejectedAsPriceMoved(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	buy.SetDepth(domain.Depth{Asks: []domain.DepthLevel{{Price: dec("105"), Size: dec("50")}}})
	sell.SetDepth(domain.Depth{Bids: []domain.DepthLevel{{Price: dec("102"), Size: dec("50")}}})
	ledger.UpdateBalance(domain.VenueID("mexc"), "USDT", dec("5000"))
	ledger.UpdateBalance(domain.VenueID("univ3"), "VRSC", dec("100"))
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	res := v.Validate(context.Background(), baseOpportunity(), decimal.Zero)

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonPriceMoved, res.Reason)
}

func TestValidate_InsufficientQuoteBalanceRejected(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	setupDepthAndBalances(buy, sell, ledger)
	ledger.UpdateBalance(domain.VenueID("mexc"), "USDT", dec("10"))
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	res := v.Validate(context.Background(), baseOpportunity(), decimal.Zero)

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonBalance, res.Reason)
}

func TestValidate_InsufficientBaseBalanceRejected(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	setupDepthAndBalances(buy, sell, ledger)
	ledger.UpdateBalance(domain.VenueID("univ3"), "VRSC", dec("1"))
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	res := v.Validate(context.Background(), baseOpportunity(), decimal.Zero)

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonBalance, res.Reason)
}

func TestValidate_ExposureOverLimitRejected(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	setupDepthAndBalances(buy, sell, ledger)
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, nil)

	res := v.Validate(context.Background(), baseOpportunity(), dec("500"))

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExposure, res.Reason)
}

func TestValidate_RejectionIsPublishedToTheBus(t *testing.T) {
	buy, sell, ledger, adapters := newFixture(t)
	setupDepthAndBalances(buy, sell, ledger)
	bus := eventbus.New(8)
	sub, unsub := bus.Subscribe()
	defer unsub()
	v := New(testExecConfig(), ledger, adapters, healthySources{}, "VRSC", map[domain.VenueID]string{"mexc": "USDT", "univ3": "USDT"}, bus)

	opp := baseOpportunity()
	opp.ExpiresTS = time.Now().Add(-time.Second)
	res := v.Validate(context.Background(), opp, decimal.Zero)
	require.False(t, res.Valid)

	select {
	case ev := <-sub:
		assert.Equal(t, eventbus.KindOpportunityRejected, ev.Kind)
		assert.Equal(t, string(ReasonExpired), ev.Reason)
		require.NotNil(t, ev.Opportunity)
		assert.Equal(t, opp.ID, ev.Opportunity.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an opportunity_rejected event")
	}
}
