// Package venue defines the capability contract every price/execution venue
// must satisfy. Concrete adapters (mexc, univ3, mock) live in subpackages
// and are wired together only through these interfaces, mirroring the
// optional-capability pattern used for exchange adapters elsewhere in this
// codebase's ancestry rather than one fat interface every venue must fully
// implement.
package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/kb-331/vrsc-arb/internal/domain"
)

// ErrorKind classifies a venue failure so callers can decide whether to
// retry, back off, or treat it as final.
type ErrorKind string

const (
	ErrTransport         ErrorKind = "transport"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrInvalidResponse   ErrorKind = "invalid_response"
	ErrAuth              ErrorKind = "auth"
	ErrVenueDown         ErrorKind = "venue_down"
	ErrNotFound          ErrorKind = "not_found"
	ErrInsufficientFunds ErrorKind = "insufficient_funds"
	ErrPreconditionFail  ErrorKind = "precondition_failed"
	ErrTimeout           ErrorKind = "timeout"
)

// Error wraps a venue failure with the operation and venue that produced it.
type Error struct {
	Venue     domain.VenueID
	Operation string
	Kind      ErrorKind
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("venue %s: %s: %s: %v", e.Venue, e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("venue %s: %s: %s", e.Venue, e.Operation, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure category is worth an automatic retry.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrTransport, ErrRateLimited, ErrTimeout:
		return true
	default:
		return false
	}
}

// Wrap builds a venue Error, the constructor every adapter method should
// funnel its failures through.
func Wrap(v domain.VenueID, op string, kind ErrorKind, err error) *Error {
	return &Error{Venue: v, Operation: op, Kind: kind, Err: err}
}

// Capabilities enumerates what an adapter can do; adapters advertise a
// subset rather than being forced to stub out the rest.
type Capabilities struct {
	Streaming   bool
	Orderbook   bool
	PlaceOrder  bool
	CancelOrder bool
	Balance     bool
	Fees        bool
}

// Identity is the capability every adapter must satisfy: who it is and what
// it can do. All other capabilities are optional interfaces an adapter may
// additionally implement; C2/C6 use a type assertion to discover them.
type Identity interface {
	ID() domain.VenueID
	QuoteCcy() string
	Capabilities() Capabilities
}

// TickerFetcher is the pull-based fallback every streaming venue should also
// offer, and the only access path for a poll-only venue.
type TickerFetcher interface {
	FetchTicker(ctx context.Context) (domain.Tick, error)
}

// StreamSink receives ticks pushed by a Streamer; C2 supplies the sink.
type StreamSink interface {
	OnTick(domain.Tick)
	OnStreamError(error)
}

// Streamer is implemented by venues that can push live ticks.
type Streamer interface {
	Subscribe(ctx context.Context, sink StreamSink) error
	Unsubscribe() error
}

// DepthFetcher is implemented by venues that expose order-book depth.
type DepthFetcher interface {
	FetchDepth(ctx context.Context, levels int) (domain.Depth, error)
}

// OrderPlacer is implemented by venues that can accept orders. clientRef is
// an idempotency key: replaying the same clientRef after a timeout must
// observe rather than duplicate the original order.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, side domain.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetOrderByClientRef(ctx context.Context, clientRef string) (domain.Order, error)
}

// BalanceReader is implemented by venues that can report account balances.
type BalanceReader interface {
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// FeeReader is implemented by venues that expose their own fee schedule.
type FeeReader interface {
	GetFees(ctx context.Context) (domain.Fees, error)
}

// Adapter is the union other packages type-switch against when they need to
// discover which optional capabilities a concrete venue offers.
type Adapter interface {
	Identity
}
