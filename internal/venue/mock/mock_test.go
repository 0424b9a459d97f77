package mock

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-331/vrsc-arb/internal/domain"
)

func TestFetchTicker_NoTickSetReturnsNotFound(t *testing.T) {
	v := New(domain.VenueID("mexc"), "USDT")

	_, err := v.FetchTicker(context.Background())

	assert.Error(t, err)
}

func TestPlaceOrder_ZeroFillDelayFillsImmediately(t *testing.T) {
	v := New(domain.VenueID("mexc"), "USDT")

	o, err := v.PlaceOrder(context.Background(), domain.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), "ref-1")

	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, o.State)
	require.Len(t, o.Fills, 1)
	assert.True(t, o.Fills[0].BaseAmount.Equal(decimal.NewFromInt(10)))
}

func TestPlaceOrder_NonZeroFillDelayLeavesOrderOpenUntilAdvanced(t *testing.T) {
	v := New(domain.VenueID("mexc"), "USDT")
	v.SetFillDelay(time.Hour)

	o, err := v.PlaceOrder(context.Background(), domain.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), "ref-2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, o.State)

	v.AdvanceFill("ref-2")

	got, err := v.GetOrderByClientRef(context.Background(), "ref-2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, got.State)
}

func TestPlaceOrder_RepeatedClientRefReturnsSameOrder(t *testing.T) {
	v := New(domain.VenueID("mexc"), "USDT")

	first, err := v.PlaceOrder(context.Background(), domain.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), "ref-3")
	require.NoError(t, err)

	second, err := v.PlaceOrder(context.Background(), domain.SideSell, decimal.NewFromInt(999), decimal.NewFromInt(1), "ref-3")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "a repeated client ref must not create a second order")
}

func TestCancelOrder_TerminalOrderCannotBeCancelled(t *testing.T) {
	v := New(domain.VenueID("mexc"), "USDT")
	o, err := v.PlaceOrder(context.Background(), domain.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), "ref-4")
	require.NoError(t, err)

	err = v.CancelOrder(context.Background(), o.ID.String())

	assert.Error(t, err)
}

func TestCancelOrder_OpenOrderTransitionsToCancelled(t *testing.T) {
	v := New(domain.VenueID("mexc"), "USDT")
	v.SetFillDelay(time.Hour)
	o, err := v.PlaceOrder(context.Background(), domain.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), "ref-5")
	require.NoError(t, err)

	require.NoError(t, v.CancelOrder(context.Background(), o.ID.String()))

	got, err := v.GetOrder(context.Background(), o.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.State)
}

func TestGetBalances_ReturnsACopyNotTheInternalMap(t *testing.T) {
	v := New(domain.VenueID("mexc"), "USDT")
	v.SetBalance("USDT", decimal.NewFromInt(100))

	balances, err := v.GetBalances(context.Background())
	require.NoError(t, err)
	balances["USDT"] = decimal.NewFromInt(999999)

	fresh, err := v.GetBalances(context.Background())
	require.NoError(t, err)
	assert.True(t, fresh["USDT"].Equal(decimal.NewFromInt(100)))
}
