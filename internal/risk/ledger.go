// Package risk holds the authoritative in-memory balance, reservation and
// position state, plus the exposure/loss limit checks every opportunity and
// execution must pass. All mutations serialize through one ledger-wide
// mutex so that available = total - reservations is always a consistent
// snapshot (see Ledger.Available).
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
	"github.com/kb-331/vrsc-arb/internal/metrics"
)

// Limits are the configured risk ceilings enforced by CheckLimit.
type Limits struct {
	MaxPositionSize    decimal.Decimal
	MaxTotalExposure   decimal.Decimal
	MaxDailyExposure   decimal.Decimal
	MaxDailyLoss       decimal.Decimal
	MaxDrawdown        decimal.Decimal
	MinLiquidity       decimal.Decimal
	ReserveTimeout     time.Duration
	MaxPositionsPerVenue int
}

type balanceKey struct {
	Venue domain.VenueID
	Ccy   string
}

// Ledger is the single source of truth for balances, reservations and
// positions. Construct with New and reuse for the process lifetime.
type Ledger struct {
	cfg Limits
	log *zap.Logger
	bus eventbus.Sink

	mu           sync.Mutex
	totals       map[balanceKey]decimal.Decimal
	reservations map[uuid.UUID]domain.Reservation
	positions    map[uuid.UUID]domain.Position
	daily        domain.DailyStats
}

// New constructs an empty ledger. bus may be nil, in which case events are
// simply not emitted (a nil Sink is a valid no-op collaborator).
func New(cfg Limits, log *zap.Logger, bus eventbus.Sink) *Ledger {
	return &Ledger{
		cfg:          cfg,
		log:          log,
		bus:          bus,
		totals:       make(map[balanceKey]decimal.Decimal),
		reservations: make(map[uuid.UUID]domain.Reservation),
		positions:    make(map[uuid.UUID]domain.Position),
		daily:        domain.DailyStats{DayStart: dayStart(time.Now())},
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) publish(ev eventbus.Event) {
	if l.bus != nil {
		l.bus.Publish(ev)
	}
}

// UpdateBalance sets the authoritative total for (venue, ccy). amount must
// be non-negative.
func (l *Ledger) UpdateBalance(v domain.VenueID, ccy string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("risk: negative balance %s for %s/%s", amount, v, ccy)
	}
	l.mu.Lock()
	l.totals[balanceKey{v, ccy}] = amount
	l.mu.Unlock()
	l.publish(eventbus.Event{Kind: eventbus.KindBalanceUpdated, Venue: v, Detail: map[string]string{"ccy": ccy, "total": amount.String()}})
	return nil
}

func (l *Ledger) reservedLocked(v domain.VenueID, ccy string) decimal.Decimal {
	sum := decimal.Zero
	now := time.Now()
	for _, r := range l.reservations {
		if r.Venue == v && r.Currency == ccy && r.ExpiresTS.After(now) {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

// Available returns total - live reservations for (venue, ccy). Invariant
// I1: this is always >= 0.
func (l *Ledger) Available(v domain.VenueID, ccy string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.totals[balanceKey{v, ccy}]
	avail := total.Sub(l.reservedLocked(v, ccy))
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// ErrInsufficientAvailable is returned by Reserve when the balance cannot
// cover the requested amount.
type ErrInsufficientAvailable struct {
	Venue     domain.VenueID
	Currency  string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *ErrInsufficientAvailable) Error() string {
	return fmt.Sprintf("risk: insufficient available %s/%s: want %s have %s", e.Venue, e.Currency, e.Requested, e.Available)
}

// Reserve atomically checks and inserts a hold against (venue, ccy). The
// hold expires automatically at ttl and must be released or consumed
// before then.
func (l *Ledger) Reserve(v domain.VenueID, ccy string, amount decimal.Decimal, orderID uuid.UUID, ttl time.Duration) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.totals[balanceKey{v, ccy}]
	avail := total.Sub(l.reservedLocked(v, ccy))
	if avail.LessThan(amount) {
		return domain.Reservation{}, &ErrInsufficientAvailable{Venue: v, Currency: ccy, Requested: amount, Available: avail}
	}

	now := time.Now()
	r := domain.Reservation{
		ID:        uuid.New(),
		Venue:     v,
		Currency:  ccy,
		Amount:    amount,
		OrderID:   orderID,
		CreatedTS: now,
		ExpiresTS: now.Add(ttl),
	}
	l.reservations[r.ID] = r
	metrics.ReservationsOpen.WithLabelValues(string(v)).Inc()
	return r, nil
}

// Release drops a reservation without touching the underlying balance.
// Idempotent: releasing an already-absent reservation is a no-op (Law L1).
func (l *Ledger) Release(id uuid.UUID) {
	l.mu.Lock()
	r, ok := l.reservations[id]
	delete(l.reservations, id)
	l.mu.Unlock()
	if ok {
		metrics.ReservationsOpen.WithLabelValues(string(r.Venue)).Dec()
	}
}

// Consume converts a reservation into a realized balance delta on the
// reservation's own (venue, currency): spent is subtracted (the amount the
// fill actually moved, which may differ slightly from the reserved amount
// once fees and partial fills are accounted for) and the reservation is
// removed (Law L2). The complementary currency a fill produces (e.g. the
// base asset a buy order acquires) is credited separately via Credit, since
// it usually lands on a different venue than the one that was reserved.
func (l *Ledger) Consume(id uuid.UUID, spent decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[id]
	if !ok {
		return fmt.Errorf("risk: consume: reservation %s not found", id)
	}
	delete(l.reservations, id)
	metrics.ReservationsOpen.WithLabelValues(string(r.Venue)).Dec()

	key := balanceKey{r.Venue, r.Currency}
	l.totals[key] = l.totals[key].Sub(spent)
	return nil
}

// Credit adds delta (positive or negative) to a venue/currency total
// outside of the reservation flow, used for the side of a fill that was
// never reserved (e.g. the base asset a buy order acquires).
func (l *Ledger) Credit(v domain.VenueID, ccy string, delta decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{v, ccy}
	next := l.totals[key].Add(delta)
	if next.IsNegative() {
		next = decimal.Zero
	}
	l.totals[key] = next
}

// OpenPosition records accumulated exposure that has no immediate opposing
// fill (partial-fill carry, orphaned leg, or failed opposite leg).
func (l *Ledger) OpenPosition(v domain.VenueID, side domain.Side, base, entryPrice decimal.Decimal) domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := domain.Position{
		ID:         uuid.New(),
		Venue:      v,
		Side:       side,
		BaseAmount: base,
		EntryPrice: entryPrice,
		Status:     domain.PositionOpen,
		OpenedTS:   time.Now(),
	}
	l.positions[p.ID] = p
	metrics.PositionsOpen.Inc()
	l.publish(eventbus.Event{Kind: eventbus.KindPositionOpened, Venue: v, Position: &p})
	return p
}

// UpdatePosition recomputes unrealized PnL against currentPrice and
// evaluates take-profit targets; targets are sticky once hit. The
// position's StopLoss is not evaluated here.
func (l *Ledger) UpdatePosition(id uuid.UUID, currentPrice decimal.Decimal) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("risk: position %s not found", id)
	}
	diff := currentPrice.Sub(p.EntryPrice)
	if p.Side == domain.SideSell {
		diff = diff.Neg()
	}
	p.UnrealizedPnL = diff.Mul(p.BaseAmount)
	for i, tp := range p.TakeProfits {
		if tp.Hit {
			continue
		}
		crossed := currentPrice.GreaterThanOrEqual(tp.Price)
		if p.Side == domain.SideSell {
			crossed = currentPrice.LessThanOrEqual(tp.Price)
		}
		if crossed {
			p.TakeProfits[i].Hit = true
		}
	}
	l.positions[id] = p
	l.publish(eventbus.Event{Kind: eventbus.KindPositionUpdated, Venue: p.Venue, Position: &p})
	return p, nil
}

// ClosePosition realizes PnL against exitPrice and marks the position
// terminal.
func (l *Ledger) ClosePosition(id uuid.UUID, exitPrice decimal.Decimal) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("risk: position %s not found", id)
	}
	diff := exitPrice.Sub(p.EntryPrice)
	if p.Side == domain.SideSell {
		diff = diff.Neg()
	}
	p.RealizedPnL = diff.Mul(p.BaseAmount)
	p.UnrealizedPnL = decimal.Zero
	p.Status = domain.PositionClosed
	p.ClosedTS = time.Now()
	l.positions[id] = p
	l.daily.Trades++
	l.daily.RealizedPnL = l.daily.RealizedPnL.Add(p.RealizedPnL)
	metrics.PositionsOpen.Dec()
	l.publish(eventbus.Event{Kind: eventbus.KindPositionClosed, Venue: p.Venue, Position: &p})
	return p, nil
}

// LimitKind names one of the enforceable ceilings.
type LimitKind string

const (
	LimitPosition  LimitKind = "position"
	LimitExposure  LimitKind = "exposure"
	LimitLoss      LimitKind = "loss"
	LimitDrawdown  LimitKind = "drawdown"
	LimitSlippage  LimitKind = "slippage"
	LimitLiquidity LimitKind = "liquidity"
)

// CheckLimit reports whether value stays within the configured ceiling for
// kind; ok is false and reason explains the breach otherwise.
func (l *Ledger) CheckLimit(kind LimitKind, value decimal.Decimal) (ok bool, reason string) {
	switch kind {
	case LimitPosition:
		if !l.cfg.MaxPositionSize.IsZero() && value.GreaterThan(l.cfg.MaxPositionSize) {
			return l.breach(kind, "max_position_size", value)
		}
	case LimitExposure:
		if !l.cfg.MaxTotalExposure.IsZero() && value.GreaterThan(l.cfg.MaxTotalExposure) {
			return l.breach(kind, "max_total_exposure", value)
		}
	case LimitLoss:
		if !l.cfg.MaxDailyLoss.IsZero() && value.GreaterThan(l.cfg.MaxDailyLoss) {
			return l.breach(kind, "max_daily_loss", value)
		}
	case LimitDrawdown:
		if !l.cfg.MaxDrawdown.IsZero() && value.GreaterThan(l.cfg.MaxDrawdown) {
			return l.breach(kind, "max_drawdown", value)
		}
	case LimitLiquidity:
		if !l.cfg.MinLiquidity.IsZero() && value.LessThan(l.cfg.MinLiquidity) {
			return l.breach(kind, "min_liquidity", value)
		}
	}
	return true, ""
}

// breach records a limit violation on the bus and returns the (false,
// reason) pair CheckLimit's callers expect.
func (l *Ledger) breach(kind LimitKind, reason string, value decimal.Decimal) (bool, string) {
	l.publish(eventbus.Event{
		Kind:   eventbus.KindLimitBreached,
		Reason: reason,
		Detail: map[string]string{"limit_kind": string(kind), "value": value.String()},
	})
	return false, reason
}

// TotalExposure sums the notional of all open positions, valued at entry
// price (a conservative approximation used for the exposure ceiling).
func (l *Ledger) TotalExposure() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := decimal.Zero
	for _, p := range l.positions {
		if p.Status == domain.PositionOpen {
			sum = sum.Add(p.BaseAmount.Mul(p.EntryPrice))
		}
	}
	return sum
}

// ExpireReservations releases every reservation past its TTL and emits a
// reserve_timeout event for each; callers run this on a ticker at least
// every ReserveTimeout/4.
func (l *Ledger) ExpireReservations() []domain.Reservation {
	now := time.Now()
	l.mu.Lock()
	var expired []domain.Reservation
	for id, r := range l.reservations {
		if !r.ExpiresTS.After(now) {
			expired = append(expired, r)
			delete(l.reservations, id)
		}
	}
	l.mu.Unlock()
	for _, r := range expired {
		metrics.ReservationsOpen.WithLabelValues(string(r.Venue)).Dec()
		l.publish(eventbus.Event{Kind: eventbus.KindReserveTimeout, Venue: r.Venue, Detail: map[string]string{
			"reservation_id": r.ID.String(), "currency": r.Currency, "amount": r.Amount.String(),
		}})
	}
	return expired
}

// RunExpiryLoop starts ExpireReservations on a ticker until stop is closed.
func (l *Ledger) RunExpiryLoop(stop <-chan struct{}) {
	interval := l.cfg.ReserveTimeout / 4
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.ExpireReservations()
		}
	}
}

// DailyStats returns a snapshot of today's counters, resetting the window
// if a new UTC day has begun.
func (l *Ledger) DailyStats() domain.DailyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if today := dayStart(time.Now()); today.After(l.daily.DayStart) {
		l.daily = domain.DailyStats{DayStart: today}
	}
	return l.daily
}
