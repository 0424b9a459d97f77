package univ3

import (
	"context"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticSizes_DoublesFromOne(t *testing.T) {
	sizes := syntheticSizes(4)

	require.Len(t, sizes, 4)
	assert.True(t, sizes[0].Equal(decimal.NewFromInt(1)))
	assert.True(t, sizes[1].Equal(decimal.NewFromInt(2)))
	assert.True(t, sizes[2].Equal(decimal.NewFromInt(4)))
	assert.True(t, sizes[3].Equal(decimal.NewFromInt(8)))
}

func TestScaleTo_AppliesDecimalsAsIntegerBase(t *testing.T) {
	got := scaleTo(decimal.NewFromFloat(1.5), 6)

	assert.Equal(t, big.NewInt(1500000).String(), got.String())
}

func TestScaleFrom_ReversesScaleTo(t *testing.T) {
	got := scaleFrom(big.NewInt(2500000), 6)

	assert.True(t, got.Equal(decimal.NewFromFloat(2.5)))
}

func TestScaleFrom_NilAmountIsZero(t *testing.T) {
	got := scaleFrom(nil, 8)

	assert.True(t, got.IsZero())
}

func TestBestFeeTier_DefaultsWhenUnconfigured(t *testing.T) {
	a := &Adapter{cfg: Config{}}

	assert.Equal(t, uint32(3000), a.bestFeeTier())
}

func TestBestFeeTier_UsesFirstConfiguredTier(t *testing.T) {
	a := &Adapter{cfg: Config{FeeTiers: []uint32{500, 3000, 10000}}}

	assert.Equal(t, uint32(500), a.bestFeeTier())
}

func TestCapabilities_PlaceOrderReflectsSigningKeyPresence(t *testing.T) {
	withoutKey := &Adapter{}
	assert.False(t, withoutKey.Capabilities().PlaceOrder)
}

func TestGetFees_ReturnsZeroSincePoolFeeIsAlreadyInTheQuote(t *testing.T) {
	a := &Adapter{cfg: Config{TakerFee: decimal.NewFromFloat(0.003)}}

	fees, err := a.GetFees(context.Background())

	require.NoError(t, err)
	assert.True(t, fees.Taker.IsZero())
	assert.True(t, fees.Maker.IsZero())
}

func TestParseOrderUUID_ParsesValidUUIDOrGeneratesNew(t *testing.T) {
	valid := uuid.New()

	got := parseOrderUUID(valid.String())
	assert.Equal(t, valid, got)

	fallback := parseOrderUUID("not-a-uuid")
	assert.NotEqual(t, uuid.Nil, fallback)
}
