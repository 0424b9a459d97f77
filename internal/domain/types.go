// Package domain holds the shared value types that flow through the
// arbitrage pipeline: ticks, opportunities, orders, reservations, positions.
// All monetary fields are decimal.Decimal; only durations, timestamps and
// dimensionless ratios use native numeric types.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VenueID identifies one price/execution venue for the pair being watched.
type VenueID string

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TickSource records whether a Tick arrived over a push stream or a poll.
type TickSource string

const (
	SourceStream TickSource = "stream"
	SourcePoll   TickSource = "poll"
)

// Tick is one venue's view of the pair's price at a point in time.
type Tick struct {
	Venue          VenueID
	QuoteCcy       string
	Price          decimal.Decimal
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	LastTradeTS    time.Time
	ReceivedTS     time.Time
	VolumeQuote24h decimal.Decimal
	Source         TickSource
}

// HasBook reports whether both sides of the book were populated.
func (t Tick) HasBook() bool {
	return !t.Bid.IsZero() && !t.Ask.IsZero()
}

// NormalizedTick is a Tick re-quoted into the canonical quote currency.
type NormalizedTick struct {
	Tick
	CanonicalPrice decimal.Decimal
	BridgeRate     decimal.Decimal
	BridgeTS       time.Time
}

// DepthLevel is one (price, size) rung of an order book side.
type DepthLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Depth is a finite, price-ordered snapshot of one venue's order book.
type Depth struct {
	Venue      VenueID
	Bids       []DepthLevel // descending price
	Asks       []DepthLevel // ascending price
	ReceivedTS time.Time
}

// Opportunity is a candidate cross-venue arbitrage detected from the latest
// validated ticks. It is re-checked against live state before execution.
type Opportunity struct {
	ID             uuid.UUID
	BuyVenue       VenueID
	SellVenue      VenueID
	BuyPrice       decimal.Decimal
	SellPrice      decimal.Decimal
	SpreadPct      decimal.Decimal
	EstVolumeQuote decimal.Decimal
	EstGross       decimal.Decimal
	EstFees        decimal.Decimal
	EstSlippage    decimal.Decimal
	EstNet         decimal.Decimal
	BaseAmount     decimal.Decimal
	CreatedTS      time.Time
	ExpiresTS      time.Time
}

// Expired reports whether the opportunity is no longer actionable at ts.
func (o Opportunity) Expired(ts time.Time) bool {
	return !ts.Before(o.ExpiresTS)
}

// OrderState is the lifecycle stage of a placed order.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderOpen      OrderState = "open"
	OrderPartial   OrderState = "partial"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderFailed    OrderState = "failed"
)

// Terminal reports whether the state can no longer transition.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// Fill is one partial or full execution of an order.
type Fill struct {
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	FeeQuote    decimal.Decimal
	TS          time.Time
}

// Order is a single-venue order and its accumulated fills.
type Order struct {
	ID         uuid.UUID
	ClientRef  string
	Venue      VenueID
	Side       Side
	BaseAmount decimal.Decimal
	LimitPrice decimal.Decimal
	State      OrderState
	Fills      []Fill
	CreatedTS  time.Time
	UpdatedTS  time.Time
}

// FilledBase sums the base amount across all recorded fills.
func (o Order) FilledBase() decimal.Decimal {
	sum := decimal.Zero
	for _, f := range o.Fills {
		sum = sum.Add(f.BaseAmount)
	}
	return sum
}

// AvgFillPrice returns the volume-weighted average fill price, or zero if
// nothing has filled yet.
func (o Order) AvgFillPrice() decimal.Decimal {
	baseSum := decimal.Zero
	quoteSum := decimal.Zero
	for _, f := range o.Fills {
		baseSum = baseSum.Add(f.BaseAmount)
		quoteSum = quoteSum.Add(f.QuoteAmount)
	}
	if baseSum.IsZero() {
		return decimal.Zero
	}
	return quoteSum.Div(baseSum)
}

// Reservation is a hold placed against a venue balance pending order outcome.
type Reservation struct {
	ID        uuid.UUID
	Venue     VenueID
	Currency  string
	Amount    decimal.Decimal
	OrderID   uuid.UUID
	CreatedTS time.Time
	ExpiresTS time.Time
}

// PositionStatus is the lifecycle stage of a Position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// TakeProfitTarget is one sticky take-profit rung; Hit never clears once set.
type TakeProfitTarget struct {
	Price decimal.Decimal
	Hit   bool
}

// Position is accumulated base-currency exposure on a single venue, opened
// when an executor leg fills without an immediate matching opposite fill.
type Position struct {
	ID             uuid.UUID
	Venue          VenueID
	Side           Side
	BaseAmount     decimal.Decimal
	EntryPrice     decimal.Decimal
	StopLoss       decimal.Decimal
	TakeProfits    []TakeProfitTarget
	Status         PositionStatus
	RealizedPnL    decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	OpenedTS       time.Time
	ClosedTS       time.Time
}

// HealthState is the circuit-breaker-observable state of a venue worker.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOpen     HealthState = "open"
)

// VenueHealth summarizes a venue worker's recent reliability.
type VenueHealth struct {
	Venue              VenueID
	State              HealthState
	ConsecutiveErrors  int
	ConsecutiveSuccess int
	LastErrorTS        time.Time
	LastSuccessTS      time.Time
	CircuitOpenedTS    time.Time
	LastReason         string
}

// DailyStats accumulates per-day execution counters used by risk checks.
type DailyStats struct {
	DayStart    time.Time
	Trades      int
	VolumeQuote decimal.Decimal
	RealizedPnL decimal.Decimal
	MaxDrawdown decimal.Decimal
}

// Fees describes a venue's maker/taker fee schedule.
type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}
