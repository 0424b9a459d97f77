// Package mock provides an in-memory venue adapter used to unit test the
// ingestion, detection, validation and execution stages without touching a
// network. It implements every optional capability so tests can exercise
// the full pipeline against one venue type.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/venue"
)

// Venue is a fully in-memory adapter: prices, depth, balances and orders are
// all set and read through plain fields guarded by a mutex.
type Venue struct {
	mu sync.Mutex

	id       domain.VenueID
	quoteCcy string

	tick      domain.Tick
	depth     domain.Depth
	balances  map[string]decimal.Decimal
	fees      domain.Fees
	orders    map[string]domain.Order // by order ID
	byClient  map[string]string       // clientRef -> order ID
	fillDelay time.Duration           // simulated latency to "filled"

	sink venue.StreamSink
}

// New constructs a mock venue quoting in quoteCcy with zero balances.
func New(id domain.VenueID, quoteCcy string) *Venue {
	return &Venue{
		id:       id,
		quoteCcy: quoteCcy,
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]domain.Order),
		byClient: make(map[string]string),
		fees:     domain.Fees{Maker: decimal.NewFromFloat(0.0008), Taker: decimal.NewFromFloat(0.001)},
	}
}

func (v *Venue) ID() domain.VenueID { return v.id }
func (v *Venue) QuoteCcy() string   { return v.quoteCcy }

func (v *Venue) Capabilities() venue.Capabilities {
	return venue.Capabilities{Streaming: true, Orderbook: true, PlaceOrder: true, CancelOrder: true, Balance: true, Fees: true}
}

// SetTick installs the next tick FetchTicker/Subscribe pushes will report.
func (v *Venue) SetTick(t domain.Tick) {
	v.mu.Lock()
	v.tick = t
	sink := v.sink
	v.mu.Unlock()
	if sink != nil {
		sink.OnTick(t)
	}
}

// SetDepth installs the book FetchDepth returns.
func (v *Venue) SetDepth(d domain.Depth) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.depth = d
}

// SetBalance sets a currency balance directly (bypassing reservations).
func (v *Venue) SetBalance(ccy string, amt decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[ccy] = amt
}

// SetFillDelay controls how long PlaceOrder waits before marking an order
// filled; zero fills immediately.
func (v *Venue) SetFillDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fillDelay = d
}

func (v *Venue) FetchTicker(ctx context.Context) (domain.Tick, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tick.Venue == "" {
		return domain.Tick{}, venue.Wrap(v.id, "fetch_ticker", venue.ErrNotFound, nil)
	}
	return v.tick, nil
}

func (v *Venue) FetchDepth(ctx context.Context, levels int) (domain.Depth, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.depth, nil
}

func (v *Venue) Subscribe(ctx context.Context, sink venue.StreamSink) error {
	v.mu.Lock()
	v.sink = sink
	v.mu.Unlock()
	return nil
}

func (v *Venue) Unsubscribe() error {
	v.mu.Lock()
	v.sink = nil
	v.mu.Unlock()
	return nil
}

func (v *Venue) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(v.balances))
	for k, val := range v.balances {
		out[k] = val
	}
	return out, nil
}

func (v *Venue) GetFees(ctx context.Context) (domain.Fees, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fees, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, side domain.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (domain.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existingID, ok := v.byClient[clientRef]; ok {
		return v.orders[existingID], nil
	}

	o := domain.Order{
		ID:         uuid.New(),
		ClientRef:  clientRef,
		Venue:      v.id,
		Side:       side,
		BaseAmount: baseAmount,
		LimitPrice: limitPrice,
		State:      domain.OrderOpen,
		CreatedTS:  time.Now(),
		UpdatedTS:  time.Now(),
	}
	if v.fillDelay == 0 {
		o.State = domain.OrderFilled
		o.Fills = Fill1(baseAmount, limitPrice, v.fees.Taker)
	}
	v.orders[o.ID.String()] = o
	v.byClient[clientRef] = o.ID.String()
	return o, nil
}

// Fill1 is a helper building a single full fill; kept unexported-shaped but
// exported for reuse from tests that assemble expected orders.
func Fill1(base, price, feeRate decimal.Decimal) []domain.Fill {
	quote := base.Mul(price)
	return []domain.Fill{{
		BaseAmount:  base,
		QuoteAmount: quote,
		FeeQuote:    quote.Mul(feeRate),
		TS:          time.Now(),
	}}
}

// AdvanceFill marks an outstanding order filled, simulating a delayed
// venue confirmation for orphaned-order recovery tests.
func (v *Venue) AdvanceFill(clientRef string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byClient[clientRef]
	if !ok {
		return
	}
	o := v.orders[id]
	if o.State.Terminal() {
		return
	}
	o.State = domain.OrderFilled
	o.Fills = Fill1(o.BaseAmount, o.LimitPrice, v.fees.Taker)
	o.UpdatedTS = time.Now()
	v.orders[id] = o
}

func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return venue.Wrap(v.id, "cancel_order", venue.ErrNotFound, nil)
	}
	if o.State.Terminal() {
		return venue.Wrap(v.id, "cancel_order", venue.ErrPreconditionFail, nil)
	}
	o.State = domain.OrderCancelled
	o.UpdatedTS = time.Now()
	v.orders[orderID] = o
	return nil
}

func (v *Venue) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return domain.Order{}, venue.Wrap(v.id, "get_order", venue.ErrNotFound, nil)
	}
	return o, nil
}

func (v *Venue) GetOrderByClientRef(ctx context.Context, clientRef string) (domain.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byClient[clientRef]
	if !ok {
		return domain.Order{}, venue.Wrap(v.id, "get_order", venue.ErrNotFound, nil)
	}
	return v.orders[id], nil
}
