package mexc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/venue"
)

func newAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	return New(domain.VenueID("mexc"), Config{
		APIKey:    "key",
		APISecret: "secret",
		RestURL:   srv.URL,
		Symbol:    "VRSCUSDT",
		QuoteCcy:  "USDT",
		BaseCcy:   "VRSC",
		TakerFee:  decimal.NewFromFloat(0.001),
		MakerFee:  decimal.NewFromFloat(0.0008),
	}, zap.NewNop())
}

func TestFetchTicker_ParsesMidFromBidAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/bookTicker", r.URL.Path)
		w.Write([]byte(`{"symbol":"VRSCUSDT","bidPrice":"1.00","askPrice":"1.02"}`))
	}))
	defer srv.Close()
	a := newAdapter(t, srv)

	tick, err := a.FetchTicker(context.Background())

	require.NoError(t, err)
	assert.True(t, tick.Price.Equal(decimal.NewFromFloat(1.01)))
	assert.Equal(t, domain.SourcePoll, tick.Source)
}

func TestFetchTicker_RateLimitedMapsToErrRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	a := newAdapter(t, srv)

	_, err := a.FetchTicker(context.Background())

	require.Error(t, err)
	var verr *venue.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, venue.ErrRateLimited, verr.Kind)
}

func TestFetchTicker_NonNumericPriceIsInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"VRSCUSDT","bidPrice":"oops","askPrice":"1.02"}`))
	}))
	defer srv.Close()
	a := newAdapter(t, srv)

	_, err := a.FetchTicker(context.Background())

	require.Error(t, err)
	var verr *venue.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, venue.ErrInvalidResponse, verr.Kind)
}

func TestGetFees_ReturnsConfiguredStaticSchedule(t *testing.T) {
	a := newAdapter(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	fees, err := a.GetFees(context.Background())

	require.NoError(t, err)
	assert.True(t, fees.Taker.Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, fees.Maker.Equal(decimal.NewFromFloat(0.0008)))
}

func TestGetBalances_ParsesFreeAmountsByAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MEXC-APIKEY"))
		w.Write([]byte(`{"balances":[{"asset":"USDT","free":"500.5"},{"asset":"VRSC","free":"10"}]}`))
	}))
	defer srv.Close()
	a := newAdapter(t, srv)

	balances, err := a.GetBalances(context.Background())

	require.NoError(t, err)
	assert.True(t, balances["USDT"].Equal(decimal.NewFromFloat(500.5)))
	assert.True(t, balances["VRSC"].Equal(decimal.NewFromInt(10)))
}

func TestPlaceOrder_ReplaysExistingOrderForKnownClientRef(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"orderId":"123","status":"FILLED","executedQty":"10","cummulativeQuoteQty":"1000","clientOrderId":"ref-1"}`))
	}))
	defer srv.Close()
	a := newAdapter(t, srv)

	first, err := a.PlaceOrder(context.Background(), domain.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, first.State)

	second, err := a.PlaceOrder(context.Background(), domain.SideBuy, decimal.NewFromInt(10), decimal.NewFromInt(100), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, second.State)

	assert.Equal(t, 3, calls, "first call is a POST plus a follow-up GetOrder; the replay is a single GetOrder")
}

func TestGetOrder_TranslatesStatusAndComputesFillFee(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"PARTIALLY_FILLED","executedQty":"5","cummulativeQuoteQty":"500","clientOrderId":"ref-2"}`))
	}))
	defer srv.Close()
	a := newAdapter(t, srv)

	o, err := a.GetOrder(context.Background(), "456")

	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartial, o.State)
	require.Len(t, o.Fills, 1)
	assert.True(t, o.Fills[0].FeeQuote.Equal(decimal.NewFromFloat(0.5)))
}
