package risk

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

func newLedger() *Ledger {
	return New(Limits{
		MaxPositionSize:  dec("1000"),
		MaxTotalExposure: dec("5000"),
		MaxDailyLoss:     dec("200"),
		MinLiquidity:     dec("100"),
		ReserveTimeout:   30 * time.Second,
	}, zap.NewNop(), nil)
}

func TestReserve_RespectsAvailableBalance(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.UpdateBalance("mexc", "USDT", dec("100")))

	_, err := l.Reserve("mexc", "USDT", dec("150"), uuid.New(), time.Minute)

	require.Error(t, err)
	var insufficient *ErrInsufficientAvailable
	assert.ErrorAs(t, err, &insufficient)
}

func TestReserve_ReducesAvailableUntilReleased(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.UpdateBalance("mexc", "USDT", dec("100")))

	r, err := l.Reserve("mexc", "USDT", dec("60"), uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.True(t, l.Available("mexc", "USDT").Equal(dec("40")))

	l.Release(r.ID)
	assert.True(t, l.Available("mexc", "USDT").Equal(dec("100")))
}

func TestRelease_IsIdempotentOnUnknownID(t *testing.T) {
	l := newLedger()
	assert.NotPanics(t, func() { l.Release(uuid.New()) })
}

func TestConsume_DebitsTotalAndDropsReservation(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.UpdateBalance("mexc", "USDT", dec("100")))
	r, err := l.Reserve("mexc", "USDT", dec("60"), uuid.New(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Consume(r.ID, dec("60")))

	assert.True(t, l.Available("mexc", "USDT").Equal(dec("40")))
	err = l.Consume(r.ID, dec("1"))
	assert.Error(t, err, "consuming an already-consumed reservation must fail")
}

func TestCredit_NeverGoesNegative(t *testing.T) {
	l := newLedger()
	l.Credit("univ3", "VRSC", dec("-5"))

	assert.True(t, l.Available("univ3", "VRSC").IsZero())
}

func TestOpenUpdateClosePosition_TracksRealizedPnL(t *testing.T) {
	l := newLedger()
	pos := l.OpenPosition("mexc", domain.SideBuy, dec("10"), dec("100"))

	updated, err := l.UpdatePosition(pos.ID, dec("110"))
	require.NoError(t, err)
	assert.True(t, updated.UnrealizedPnL.Equal(dec("100")))

	closed, err := l.ClosePosition(pos.ID, dec("120"))
	require.NoError(t, err)
	assert.True(t, closed.RealizedPnL.Equal(dec("200")))
	assert.Equal(t, domain.PositionClosed, closed.Status)
	assert.True(t, closed.UnrealizedPnL.IsZero())

	stats := l.DailyStats()
	assert.Equal(t, 1, stats.Trades)
	assert.True(t, stats.RealizedPnL.Equal(dec("200")))
}

func TestClosePosition_SellSideInvertsPnLDirection(t *testing.T) {
	l := newLedger()
	pos := l.OpenPosition("mexc", domain.SideSell, dec("10"), dec("100"))

	closed, err := l.ClosePosition(pos.ID, dec("90"))

	require.NoError(t, err)
	assert.True(t, closed.RealizedPnL.Equal(dec("100")), "a sell position profits when price falls")
}

func TestCheckLimit_FlagsBreaches(t *testing.T) {
	l := newLedger()

	ok, reason := l.CheckLimit(LimitPosition, dec("2000"))
	assert.False(t, ok)
	assert.Equal(t, "max_position_size", reason)

	ok, _ = l.CheckLimit(LimitPosition, dec("500"))
	assert.True(t, ok)

	ok, reason = l.CheckLimit(LimitLiquidity, dec("50"))
	assert.False(t, ok)
	assert.Equal(t, "min_liquidity", reason)
}

func TestCheckLimit_BreachPublishesLimitBreachedEvent(t *testing.T) {
	bus := eventbus.New(8)
	sub, unsub := bus.Subscribe()
	defer unsub()
	l := New(Limits{MaxPositionSize: dec("1000")}, zap.NewNop(), bus)

	ok, reason := l.CheckLimit(LimitPosition, dec("2000"))
	require.False(t, ok)
	require.Equal(t, "max_position_size", reason)

	select {
	case ev := <-sub:
		assert.Equal(t, eventbus.KindLimitBreached, ev.Kind)
		assert.Equal(t, "max_position_size", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a limit_breached event")
	}
}

func TestTotalExposure_SumsOnlyOpenPositions(t *testing.T) {
	l := newLedger()
	open := l.OpenPosition("mexc", domain.SideBuy, dec("10"), dec("100"))
	toClose := l.OpenPosition("mexc", domain.SideBuy, dec("5"), dec("100"))
	_, err := l.ClosePosition(toClose.ID, dec("100"))
	require.NoError(t, err)

	exposure := l.TotalExposure()

	assert.True(t, exposure.Equal(dec("10").Mul(dec("100"))), "closed position %s must not count toward exposure", open.ID)
}

func TestExpireReservations_ReleasesPastTTL(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.UpdateBalance("mexc", "USDT", dec("100")))
	_, err := l.Reserve("mexc", "USDT", dec("50"), uuid.New(), -time.Second)
	require.NoError(t, err)

	expired := l.ExpireReservations()

	require.Len(t, expired, 1)
	assert.True(t, l.Available("mexc", "USDT").Equal(dec("100")))
}
