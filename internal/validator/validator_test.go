package validator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testCfg() config.ValidationConfig {
	return config.ValidationConfig{
		MinPrice:          dec("0.0000001"),
		MaxPrice:          dec("10000000"),
		MaxPriceDeviation: dec("0.10"),
		PriceValidity:     30 * time.Second,
		MaxStalePrice:     5 * time.Minute,
	}
}

func baseTick(price string, at time.Time) domain.Tick {
	return domain.Tick{
		Venue:       "mexc",
		QuoteCcy:    "USDT",
		Price:       dec(price),
		LastTradeTS: at,
		ReceivedTS:  at,
	}
}

func TestValidate_NonPositivePriceRejected(t *testing.T) {
	v := New(testCfg(), nil, "USDT", zap.NewNop(), nil)
	now := time.Now()

	_, ok, reason := v.Validate(domain.Tick{Venue: "mexc", QuoteCcy: "USDT", Price: dec("0"), LastTradeTS: now, ReceivedTS: now}, now)

	assert.False(t, ok)
	assert.Equal(t, RejectNonPositive, reason)
}

func TestValidate_OutOfRangeRejected(t *testing.T) {
	v := New(testCfg(), nil, "USDT", zap.NewNop(), nil)
	now := time.Now()

	_, ok, reason := v.Validate(baseTick("50000000", now), now)

	assert.False(t, ok)
	assert.Equal(t, RejectOutOfRange, reason)
}

func TestValidate_StalePriceRejected(t *testing.T) {
	v := New(testCfg(), nil, "USDT", zap.NewNop(), nil)
	now := time.Now()

	_, ok, reason := v.Validate(baseTick("100", now.Add(-10*time.Minute)), now)

	assert.False(t, ok)
	assert.Equal(t, RejectStale, reason)
}

func TestValidate_DeviationFromRunningMeanRejected(t *testing.T) {
	v := New(testCfg(), nil, "USDT", zap.NewNop(), nil)
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, ok, _ := v.Validate(baseTick("100", now), now)
		require.True(t, ok)
	}

	_, ok, reason := v.Validate(baseTick("500", now), now)

	assert.False(t, ok)
	assert.Equal(t, RejectDeviation, reason)
}

func TestValidate_SameCurrencyPassesThroughUnbridged(t *testing.T) {
	v := New(testCfg(), nil, "USDT", zap.NewNop(), nil)
	now := time.Now()

	nt, ok, reason := v.Validate(baseTick("100", now), now)

	require.True(t, ok)
	assert.Empty(t, reason)
	assert.True(t, nt.CanonicalPrice.Equal(dec("100")))
	assert.True(t, nt.BridgeRate.Equal(decimal.NewFromInt(1)))
}

type fakeBridge struct {
	rate decimal.Decimal
	ts   time.Time
	ok   bool
}

func (f fakeBridge) Rate() (decimal.Decimal, time.Time, bool) { return f.rate, f.ts, f.ok }

func TestValidate_NonCanonicalCurrencyWithoutBridgeRejected(t *testing.T) {
	v := New(testCfg(), nil, "USDT", zap.NewNop(), nil)
	now := time.Now()

	tk := baseTick("100", now)
	tk.QuoteCcy = "USDC"

	_, ok, reason := v.Validate(tk, now)

	assert.False(t, ok)
	assert.Equal(t, RejectBridgeStale, reason)
}

func TestValidate_NonCanonicalCurrencyBridgedCorrectly(t *testing.T) {
	now := time.Now()
	bridge := fakeBridge{rate: dec("0.9995"), ts: now, ok: true}
	v := New(testCfg(), bridge, "USDT", zap.NewNop(), nil)

	tk := baseTick("100", now)
	tk.QuoteCcy = "USDC"

	nt, ok, reason := v.Validate(tk, now)

	require.True(t, ok)
	assert.Empty(t, reason)
	assert.True(t, nt.CanonicalPrice.Equal(dec("100").Mul(dec("0.9995"))))
}

func TestValidate_StaleBridgeRateRejected(t *testing.T) {
	now := time.Now()
	bridge := fakeBridge{rate: dec("1"), ts: now.Add(-time.Minute), ok: true}
	v := New(testCfg(), bridge, "USDT", zap.NewNop(), nil)

	tk := baseTick("100", now)
	tk.QuoteCcy = "USDC"

	_, ok, reason := v.Validate(tk, now)

	assert.False(t, ok)
	assert.Equal(t, RejectBridgeStale, reason)
}

type recordingSink struct{ events []eventbus.Event }

func (r *recordingSink) Publish(ev eventbus.Event) { r.events = append(r.events, ev) }

func TestValidate_PublishesTickEventOnSuccess(t *testing.T) {
	sink := &recordingSink{}
	v := New(testCfg(), nil, "USDT", zap.NewNop(), sink)
	now := time.Now()

	_, ok, _ := v.Validate(baseTick("100", now), now)

	require.True(t, ok)
	require.Len(t, sink.events, 1)
	assert.Equal(t, eventbus.KindTick, sink.events[0].Kind)
	assert.Equal(t, domain.VenueID("mexc"), sink.events[0].Venue)
}

func TestValidate_DoesNotPublishOnRejection(t *testing.T) {
	sink := &recordingSink{}
	v := New(testCfg(), nil, "USDT", zap.NewNop(), sink)
	now := time.Now()

	_, ok, _ := v.Validate(baseTick("0", now), now)

	require.False(t, ok)
	assert.Empty(t, sink.events)
}
