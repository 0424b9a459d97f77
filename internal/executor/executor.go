// Package executor implements the atomic two-leg executor (C6): balance
// reservation, staged order placement with idempotency-keyed retries,
// fill-waiting, settlement into the ledger from the reported fills, and the
// recovery protocol for partial fills and orphaned orders. Settlement does
// not re-poll venue balances, and the configured Confirmations count is not
// read here. Only one execution per (venue pair)
// runs at a time; subsequent opportunities for a busy pair are dropped with
// reason executor_busy.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
	"github.com/kb-331/vrsc-arb/internal/metrics"
	"github.com/kb-331/vrsc-arb/internal/risk"
	"github.com/kb-331/vrsc-arb/internal/venue"
)

// State is one stage of the execution state machine.
type State string

const (
	StateIdle                State = "idle"
	StateReserving           State = "reserving"
	StateBuyPlaced           State = "buy_placed"
	StateBuyFilled           State = "buy_filled"
	StateSellPlaced          State = "sell_placed"
	StateSellFilled          State = "sell_filled"
	StateSettled             State = "settled"
	StateRecovering          State = "recovering"
	StateFailed              State = "failed"
	StateCompensatedSettled  State = "compensated_settled"
)

// Outcome summarizes a finished execution for the caller and for audit.
type Outcome struct {
	ExecutionID string
	FinalState  State
	Reason      string
	FilledBase  decimal.Decimal
	RealizedNet decimal.Decimal
}

// Executor runs one Opportunity at a time per venue pair through the state
// machine described in the design's atomic-executor section.
type Executor struct {
	cfg     config.ExecutionConfig
	ledger  *risk.Ledger
	bus     eventbus.Sink
	log     *zap.Logger
	baseCcy string
	quoteCcy map[domain.VenueID]string
	adapters map[domain.VenueID]venue.Adapter

	mu    sync.Mutex
	busy  map[[2]domain.VenueID]bool
}

// New constructs an Executor over the given adapters.
func New(cfg config.ExecutionConfig, ledger *risk.Ledger, adapters map[domain.VenueID]venue.Adapter, baseCcy string, quoteCcy map[domain.VenueID]string, log *zap.Logger, bus eventbus.Sink) *Executor {
	return &Executor{
		cfg:      cfg,
		ledger:   ledger,
		bus:      bus,
		log:      log,
		baseCcy:  baseCcy,
		quoteCcy: quoteCcy,
		adapters: adapters,
		busy:     make(map[[2]domain.VenueID]bool),
	}
}

func pairKey(a, b domain.VenueID) [2]domain.VenueID { return [2]domain.VenueID{a, b} }

func (e *Executor) tryLock(pair [2]domain.VenueID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[pair] {
		return false
	}
	e.busy[pair] = true
	return true
}

func (e *Executor) unlock(pair [2]domain.VenueID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, pair)
}

func (e *Executor) publish(kind eventbus.Kind, execID string, stage string, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Kind: kind, ExecutionID: execID, Stage: stage, Reason: reason})
}

// Execute drives opp, with baseAmount already adjusted by the opportunity
// validator, through the full state machine and returns its outcome.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity, baseAmount decimal.Decimal) (out Outcome) {
	start := time.Now()
	defer func() {
		metrics.ExecutionStageDuration.WithLabelValues("execute_total").Observe(time.Since(start).Seconds())
		metrics.ExecutionsTotal.WithLabelValues(string(out.FinalState)).Inc()
		if out.FinalState == StateSettled {
			f, _ := out.RealizedNet.Float64()
			metrics.RealizedNet.Observe(f)
		}
	}()

	pair := pairKey(opp.BuyVenue, opp.SellVenue)
	if !e.tryLock(pair) {
		return Outcome{ExecutionID: opp.ID.String(), FinalState: StateFailed, Reason: "executor_busy"}
	}
	defer e.unlock(pair)

	execID := opp.ID.String()
	e.publish(eventbus.KindExecutionStarted, execID, string(StateReserving), "")

	deadline := time.Now().Add(e.cfg.SettlementTimeout)
	warnAt := time.Now().Add(time.Duration(float64(e.cfg.SettlementTimeout) * mustFloat(e.cfg.WarningThreshold)))
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	go e.watchWarning(ctx, execID, warnAt)

	buyAdapter, ok := e.adapters[opp.BuyVenue].(venue.OrderPlacer)
	if !ok {
		return Outcome{ExecutionID: execID, FinalState: StateFailed, Reason: "buy_venue_cannot_place_orders"}
	}
	sellAdapter, ok := e.adapters[opp.SellVenue].(venue.OrderPlacer)
	if !ok {
		return Outcome{ExecutionID: execID, FinalState: StateFailed, Reason: "sell_venue_cannot_place_orders"}
	}

	notional := baseAmount.Mul(opp.BuyPrice)
	required := notional.Mul(decimal.NewFromInt(1).Add(e.cfg.FeeBuffer))

	buyRes, err := e.ledger.Reserve(opp.BuyVenue, e.quoteCcy[opp.BuyVenue], required, opp.ID, e.cfg.OrderTimeout+e.cfg.SettlementTimeout)
	if err != nil {
		return Outcome{ExecutionID: execID, FinalState: StateFailed, Reason: "insufficient_available_buy"}
	}
	sellRes, err := e.ledger.Reserve(opp.SellVenue, e.baseCcy, baseAmount, opp.ID, e.cfg.OrderTimeout+e.cfg.SettlementTimeout)
	if err != nil {
		e.ledger.Release(buyRes.ID)
		return Outcome{ExecutionID: execID, FinalState: StateFailed, Reason: "insufficient_available_sell"}
	}

	e.publish(eventbus.KindStageCompleted, execID, string(StateReserving), "")

	buyOrder, err := e.placeAndWait(ctx, buyAdapter, opp.BuyVenue, domain.SideBuy, baseAmount, opp.BuyPrice, execID+"-buy", execID, StateBuyPlaced)
	if err != nil {
		e.ledger.Release(buyRes.ID)
		e.ledger.Release(sellRes.ID)
		e.publish(eventbus.KindSettlementFailed, execID, string(StateBuyPlaced), "orphaned_buy")
		return Outcome{ExecutionID: execID, FinalState: StateRecovering, Reason: "orphaned_buy"}
	}
	e.publish(eventbus.KindStageCompleted, execID, string(StateBuyFilled), "")

	filledBase := buyOrder.FilledBase()
	minAcceptable := baseAmount.Mul(e.cfg.MinFillFraction)
	if filledBase.LessThan(minAcceptable) {
		// Partial buy below the acceptance threshold: stop short of the
		// sell leg and carry the filled amount as an open position.
		e.ledger.Release(sellRes.ID)
		e.settleBuyOnly(buyOrder, opp, buyRes)
		if filledBase.IsPositive() {
			e.ledger.OpenPosition(opp.BuyVenue, domain.SideBuy, filledBase, buyOrder.AvgFillPrice())
		}
		e.publish(eventbus.KindSettlementFailed, execID, string(StateBuyFilled), "partial_fill")
		return Outcome{ExecutionID: execID, FinalState: StateFailed, Reason: "partial_fill", FilledBase: filledBase}
	}

	sellOrder, err := e.sellWithRetry(ctx, sellAdapter, opp, filledBase, execID)
	if err != nil {
		// sell_failed_after_buy_filled: the buy leg is already settled, so
		// the filled base becomes an open position rather than being lost,
		// after RetryAttempts placements spaced by RetryDelay are exhausted.
		e.ledger.Release(sellRes.ID)
		e.settleBuyOnly(buyOrder, opp, buyRes)
		e.ledger.OpenPosition(opp.BuyVenue, domain.SideBuy, filledBase, buyOrder.AvgFillPrice())
		e.publish(eventbus.KindSettlementFailed, execID, string(StateSellPlaced), "sell_failed_after_buy_filled")
		return Outcome{ExecutionID: execID, FinalState: StateRecovering, Reason: "sell_failed_after_buy_filled", FilledBase: filledBase}
	}
	e.publish(eventbus.KindStageCompleted, execID, string(StateSellFilled), "")

	e.settleBuyOnly(buyOrder, opp, buyRes)
	e.settleSell(sellOrder, opp, sellRes)

	realizedNet := sellOrder.FilledBase().Mul(sellOrder.AvgFillPrice()).Sub(filledBase.Mul(buyOrder.AvgFillPrice()))
	e.publish(eventbus.KindSettlementCompleted, execID, string(StateSettled), "")
	return Outcome{ExecutionID: execID, FinalState: StateSettled, FilledBase: sellOrder.FilledBase(), RealizedNet: realizedNet}
}

// sellWithRetry attempts the sell leg up to cfg.RetryAttempts times, spaced
// by cfg.RetryDelay, before giving up: Recovery protocol requires exhausting
// the configured retries before the caller falls back to recording an open
// position. Each retry placement gets a fresh client ref so it is never
// treated as a replay of the earlier failed attempt.
func (e *Executor) sellWithRetry(ctx context.Context, adapter venue.OrderPlacer, opp domain.Opportunity, baseAmount decimal.Decimal, execID string) (domain.Order, error) {
	attempts := e.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var order domain.Order
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ref := execID + "-sell"
		if attempt > 1 {
			ref = fmt.Sprintf("%s-sell-retry-%d", execID, attempt)
		}
		order, err = e.placeAndWait(ctx, adapter, opp.SellVenue, domain.SideSell, baseAmount, opp.SellPrice, ref, execID, StateSellPlaced)
		if err == nil {
			return order, nil
		}
		if attempt == attempts {
			break
		}
		e.log.Warn("sell leg failed, retrying",
			zap.String("execution_id", execID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(e.cfg.RetryDelay):
		}
	}
	return order, err
}

// placeAndWait places an order with an idempotency key and polls until it
// reaches a terminal state or the stage deadline elapses. On a placement
// timeout it resolves the outcome by client-ref lookup rather than
// retrying the placement call, guaranteeing no order is ever double-placed.
func (e *Executor) placeAndWait(ctx context.Context, adapter venue.OrderPlacer, v domain.VenueID, side domain.Side, baseAmount, limitPrice decimal.Decimal, clientRef string, execID string, stage State) (domain.Order, error) {
	e.publish(eventbus.KindStageStarted, execID, string(stage), "")

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	order, err := adapter.PlaceOrder(stageCtx, side, baseAmount, limitPrice, clientRef)
	if err != nil {
		resolved, rerr := e.resolveOrphan(ctx, adapter, clientRef)
		if rerr != nil {
			return domain.Order{}, fmt.Errorf("placeAndWait: %s placement unresolved: %w", clientRef, err)
		}
		order = resolved
	}

	deadline := time.Now().Add(e.cfg.OrderTimeout)
	for !order.State.Terminal() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(time.Second):
		}
		next, err := adapter.GetOrder(ctx, order.ID.String())
		if err == nil {
			order = next
		}
	}

	if !order.State.Terminal() {
		e.publish(eventbus.KindStageTimeout, execID, string(stage), "order_not_terminal_before_deadline")
	}

	if order.State == domain.OrderFilled {
		return order, nil
	}
	if order.State == domain.OrderPartial || order.State == domain.OrderOpen {
		_ = adapter.CancelOrder(ctx, order.ID.String())
		final, err := adapter.GetOrder(ctx, order.ID.String())
		if err == nil {
			order = final
		}
		return order, nil
	}
	return order, fmt.Errorf("placeAndWait: %s terminal state %s", clientRef, order.State)
}

// resolveOrphan repeatedly polls get_order by client-ref after a placement
// call returned an error of unknown outcome, up to OrphanResolveDeadline.
func (e *Executor) resolveOrphan(ctx context.Context, adapter venue.OrderPlacer, clientRef string) (domain.Order, error) {
	deadline := time.Now().Add(e.cfg.OrphanResolveDeadline)
	for time.Now().Before(deadline) {
		order, err := adapter.GetOrderByClientRef(ctx, clientRef)
		if err == nil {
			return order, nil
		}
		select {
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return domain.Order{}, fmt.Errorf("resolveOrphan: %s unresolved after deadline", clientRef)
}

func (e *Executor) settleBuyOnly(o domain.Order, opp domain.Opportunity, res domain.Reservation) {
	spent := decimal.Zero
	fee := decimal.Zero
	for _, f := range o.Fills {
		spent = spent.Add(f.QuoteAmount)
		fee = fee.Add(f.FeeQuote)
	}
	_ = e.ledger.Consume(res.ID, spent.Add(fee))
	e.ledger.Credit(opp.SellVenue, e.baseCcy, o.FilledBase())
}

func (e *Executor) settleSell(o domain.Order, opp domain.Opportunity, res domain.Reservation) {
	received := decimal.Zero
	fee := decimal.Zero
	for _, f := range o.Fills {
		received = received.Add(f.QuoteAmount)
		fee = fee.Add(f.FeeQuote)
	}
	_ = e.ledger.Consume(res.ID, o.FilledBase())
	e.ledger.Credit(opp.SellVenue, e.quoteCcy[opp.SellVenue], received.Sub(fee))
}

func (e *Executor) watchWarning(ctx context.Context, execID string, warnAt time.Time) {
	d := time.Until(warnAt)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		e.publish(eventbus.KindExecutionWarning, execID, "", "settlement_timeout_approaching")
	}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// NewExecutionID is exposed for callers (and tests) that need to correlate
// a client_ref scheme with a fresh identifier before an Opportunity exists.
func NewExecutionID() string { return uuid.New().String() }
