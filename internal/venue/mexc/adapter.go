// Package mexc adapts the MEXC spot REST/WebSocket API to the venue
// capability interfaces: HMAC-signed order placement with a client-supplied
// order id for idempotency, and a JSON book-ticker stream in place of the
// protobuf one (no protobuf definitions for the stream exist anywhere in
// the lineage this adapter is built from, so the wire format here is JSON,
// not the exchange's newer aggregated protobuf channel).
package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/venue"
)

// Config carries the connection details for one MEXC account/symbol.
type Config struct {
	APIKey    string
	APISecret string
	RestURL   string
	WsURL     string
	Symbol    string // e.g. "VRSCUSDT"
	QuoteCcy  string // e.g. "USDT"
	BaseCcy   string // e.g. "VRSC"
	TakerFee  decimal.Decimal
	MakerFee  decimal.Decimal
}

// Adapter is the MEXC venue adapter. It implements Identity, TickerFetcher,
// Streamer, OrderPlacer, BalanceReader and FeeReader; it does not implement
// DepthFetcher.
type Adapter struct {
	id  domain.VenueID
	cfg Config
	log *zap.Logger
	http *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
	sink venue.StreamSink

	ordersMu sync.Mutex
	byClient map[string]string // clientRef -> mexc orderId, for idempotent replay
}

// New constructs an adapter for the given venue id and MEXC account.
func New(id domain.VenueID, cfg Config, log *zap.Logger) *Adapter {
	return &Adapter{
		id:       id,
		cfg:      cfg,
		log:      log,
		http:     &http.Client{Timeout: 6 * time.Second},
		byClient: make(map[string]string),
	}
}

func (a *Adapter) ID() domain.VenueID { return a.id }
func (a *Adapter) QuoteCcy() string    { return a.cfg.QuoteCcy }

func (a *Adapter) Capabilities() venue.Capabilities {
	return venue.Capabilities{Streaming: true, Orderbook: false, PlaceOrder: true, CancelOrder: true, Balance: true, Fees: true}
}

func (a *Adapter) sign(q string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte(q))
	return hex.EncodeToString(mac.Sum(nil))
}

type bookTickerResp struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// FetchTicker pulls the current best bid/ask over REST.
func (a *Adapter) FetchTicker(ctx context.Context) (domain.Tick, error) {
	endpoint := a.cfg.RestURL + "/api/v3/ticker/bookTicker?symbol=" + url.QueryEscape(a.cfg.Symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Tick{}, venue.Wrap(a.id, "fetch_ticker", venue.ErrTransport, err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return domain.Tick{}, venue.Wrap(a.id, "fetch_ticker", venue.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.Tick{}, venue.Wrap(a.id, "fetch_ticker", venue.ErrRateLimited, nil)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return domain.Tick{}, venue.Wrap(a.id, "fetch_ticker", venue.ErrInvalidResponse, fmt.Errorf("%d: %s", resp.StatusCode, b))
	}
	var br bookTickerResp
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return domain.Tick{}, venue.Wrap(a.id, "fetch_ticker", venue.ErrInvalidResponse, err)
	}
	bid, err1 := decimal.NewFromString(br.BidPrice)
	ask, err2 := decimal.NewFromString(br.AskPrice)
	if err1 != nil || err2 != nil {
		return domain.Tick{}, venue.Wrap(a.id, "fetch_ticker", venue.ErrInvalidResponse, fmt.Errorf("non-numeric bid/ask"))
	}
	now := time.Now()
	return domain.Tick{
		Venue:       a.id,
		QuoteCcy:    a.cfg.QuoteCcy,
		Price:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		Bid:         bid,
		Ask:         ask,
		LastTradeTS: now,
		ReceivedTS:  now,
		Source:      domain.SourcePoll,
	}, nil
}

// bookTickerPush is the JSON push-channel shape for spot@public.bookTicker.
type bookTickerPush struct {
	Channel string `json:"c"`
	Symbol  string `json:"s"`
	Data    struct {
		BidPrice string `json:"b"`
		AskPrice string `json:"a"`
	} `json:"d"`
	Timestamp int64 `json:"t"`
}

// Subscribe dials the MEXC public WebSocket and streams book-ticker updates
// as JSON frames (see the package doc for why JSON rather than protobuf).
func (a *Adapter) Subscribe(ctx context.Context, sink venue.StreamSink) error {
	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second, EnableCompression: true}
	conn, _, err := dialer.DialContext(ctx, a.cfg.WsURL, http.Header{"Origin": []string{"https://www.mexc.com"}})
	if err != nil {
		return venue.Wrap(a.id, "subscribe", venue.ErrTransport, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.sink = sink
	a.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	sub := struct {
		ID     int      `json:"id"`
		Method string   `json:"method"`
		Params []string `json:"params"`
	}{ID: 1, Method: "SUBSCRIPTION", Params: []string{"spot@public.bookTicker.v3.api@" + strings.ToUpper(a.cfg.Symbol)}}
	if err := conn.WriteJSON(sub); err != nil {
		return venue.Wrap(a.id, "subscribe", venue.ErrTransport, err)
	}

	go a.pingLoop(ctx, conn)
	go a.readLoop(ctx, conn, sink)
	return nil
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(20 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"PING"}`)); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, sink venue.StreamSink) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			sink.OnStreamError(venue.Wrap(a.id, "stream_read", venue.ErrTransport, err))
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		var push bookTickerPush
		if err := json.Unmarshal(data, &push); err != nil {
			continue
		}
		if push.Data.BidPrice == "" && push.Data.AskPrice == "" {
			continue
		}
		bid, err1 := decimal.NewFromString(push.Data.BidPrice)
		ask, err2 := decimal.NewFromString(push.Data.AskPrice)
		if err1 != nil || err2 != nil {
			continue
		}
		ts := time.Now()
		if push.Timestamp > 0 {
			ts = time.UnixMilli(push.Timestamp)
		}
		sink.OnTick(domain.Tick{
			Venue:       a.id,
			QuoteCcy:    a.cfg.QuoteCcy,
			Price:       bid.Add(ask).Div(decimal.NewFromInt(2)),
			Bid:         bid,
			Ask:         ask,
			LastTradeTS: ts,
			ReceivedTS:  time.Now(),
			Source:      domain.SourceStream,
		})
	}
}

// Unsubscribe closes the active WebSocket connection, if any.
func (a *Adapter) Unsubscribe() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

// PlaceOrder submits an IOC limit order keyed by clientRef so a retried
// call after a timeout observes the original order instead of duplicating
// it (MEXC rejects a second order carrying a newClientOrderId already seen
// today).
func (a *Adapter) PlaceOrder(ctx context.Context, side domain.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (domain.Order, error) {
	a.ordersMu.Lock()
	if existingID, ok := a.byClient[clientRef]; ok {
		a.ordersMu.Unlock()
		return a.GetOrder(ctx, existingID)
	}
	a.ordersMu.Unlock()

	mexcSide := "BUY"
	if side == domain.SideSell {
		mexcSide = "SELL"
	}

	params := url.Values{}
	params.Set("symbol", a.cfg.Symbol)
	params.Set("side", mexcSide)
	params.Set("type", "LIMIT")
	params.Set("quantity", baseAmount.String())
	params.Set("price", limitPrice.String())
	params.Set("timeInForce", "IOC")
	params.Set("newClientOrderId", clientRef)
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", "5000")
	params.Set("signature", a.sign(params.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RestURL+"/api/v3/order", strings.NewReader(params.Encode()))
	if err != nil {
		return domain.Order{}, venue.Wrap(a.id, "place_order", venue.ErrTransport, err)
	}
	req.Header.Set("X-MEXC-APIKEY", a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		// Placement outcome unknown: the caller must resolve this by
		// client ref rather than retry, since the order may have reached
		// the matching engine despite the transport error.
		return domain.Order{}, venue.Wrap(a.id, "place_order", venue.ErrTimeout, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return domain.Order{}, venue.Wrap(a.id, "place_order", venue.ErrInvalidResponse, fmt.Errorf("%d: %s", resp.StatusCode, body))
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return domain.Order{}, venue.Wrap(a.id, "place_order", venue.ErrInvalidResponse, err)
	}
	orderID := orderIDFromResponse(obj)

	a.ordersMu.Lock()
	a.byClient[clientRef] = orderID
	a.ordersMu.Unlock()

	a.log.Info("order placed", zap.String("order_id", orderID), zap.String("client_ref", clientRef), zap.String("symbol", a.cfg.Symbol))
	return a.GetOrder(ctx, orderID)
}

func orderIDFromResponse(obj map[string]any) string {
	switch v := obj["orderId"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// GetOrder polls MEXC's order-query endpoint and translates the result into
// a domain.Order with a single aggregate fill (MEXC's IOC orders fill once).
func (a *Adapter) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	q := url.Values{}
	q.Set("symbol", a.cfg.Symbol)
	q.Set("orderId", orderID)
	q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	q.Set("recvWindow", "5000")
	q.Set("signature", a.sign(q.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.RestURL+"/api/v3/order?"+q.Encode(), nil)
	if err != nil {
		return domain.Order{}, venue.Wrap(a.id, "get_order", venue.ErrTransport, err)
	}
	req.Header.Set("X-MEXC-APIKEY", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return domain.Order{}, venue.Wrap(a.id, "get_order", venue.ErrTransport, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return domain.Order{}, venue.Wrap(a.id, "get_order", venue.ErrInvalidResponse, fmt.Errorf("%d: %s", resp.StatusCode, body))
	}

	var ord map[string]any
	if err := json.Unmarshal(body, &ord); err != nil {
		return domain.Order{}, venue.Wrap(a.id, "get_order", venue.ErrInvalidResponse, err)
	}

	execQty := decimalField(ord, "executedQty")
	cummQuote := decimalField(ord, "cummulativeQuoteQty")
	status, _ := ord["status"].(string)
	clientRef, _ := ord["clientOrderId"].(string)

	o := domain.Order{
		ClientRef: clientRef,
		Venue:     a.id,
		State:     translateStatus(status),
		UpdatedTS: time.Now(),
	}
	if execQty.IsPositive() {
		o.Fills = []domain.Fill{{
			BaseAmount:  execQty,
			QuoteAmount: cummQuote,
			FeeQuote:    cummQuote.Mul(a.cfg.TakerFee),
			TS:          time.Now(),
		}}
		a.log.Info("order filled", zap.String("order_id", orderID), zap.String("status", status))
	} else {
		a.log.Info("order closed without execution", zap.String("order_id", orderID), zap.String("status", status))
	}
	return o, nil
}

func decimalField(obj map[string]any, key string) decimal.Decimal {
	s, ok := obj[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func translateStatus(mexcStatus string) domain.OrderState {
	switch mexcStatus {
	case "FILLED":
		return domain.OrderFilled
	case "PARTIALLY_FILLED":
		return domain.OrderPartial
	case "CANCELED", "EXPIRED":
		return domain.OrderCancelled
	case "NEW":
		return domain.OrderOpen
	default:
		return domain.OrderFailed
	}
}

// GetOrderByClientRef resolves a previously submitted clientRef to its
// current state, the orphaned-order recovery path used when PlaceOrder's
// own HTTP call failed without a conclusive answer.
func (a *Adapter) GetOrderByClientRef(ctx context.Context, clientRef string) (domain.Order, error) {
	a.ordersMu.Lock()
	orderID, ok := a.byClient[clientRef]
	a.ordersMu.Unlock()
	if ok {
		return a.GetOrder(ctx, orderID)
	}

	q := url.Values{}
	q.Set("symbol", a.cfg.Symbol)
	q.Set("origClientOrderId", clientRef)
	q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	q.Set("recvWindow", "5000")
	q.Set("signature", a.sign(q.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.RestURL+"/api/v3/order?"+q.Encode(), nil)
	if err != nil {
		return domain.Order{}, venue.Wrap(a.id, "get_order_by_client_ref", venue.ErrTransport, err)
	}
	req.Header.Set("X-MEXC-APIKEY", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return domain.Order{}, venue.Wrap(a.id, "get_order_by_client_ref", venue.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.Order{}, venue.Wrap(a.id, "get_order_by_client_ref", venue.ErrNotFound, nil)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return domain.Order{}, venue.Wrap(a.id, "get_order_by_client_ref", venue.ErrInvalidResponse, fmt.Errorf("%d: %s", resp.StatusCode, body))
	}

	var ord map[string]any
	if err := json.Unmarshal(body, &ord); err != nil {
		return domain.Order{}, venue.Wrap(a.id, "get_order_by_client_ref", venue.ErrInvalidResponse, err)
	}
	orderID = fmt.Sprintf("%v", ord["orderId"])
	a.ordersMu.Lock()
	a.byClient[clientRef] = orderID
	a.ordersMu.Unlock()
	return a.GetOrder(ctx, orderID)
}

// CancelOrder cancels a resting order; IOC orders are typically already
// terminal by the time a cancel would be issued, so a precondition-failed
// response here is expected and not logged as an error.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	q := url.Values{}
	q.Set("symbol", a.cfg.Symbol)
	q.Set("orderId", orderID)
	q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	q.Set("recvWindow", "5000")
	q.Set("signature", a.sign(q.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.cfg.RestURL+"/api/v3/order?"+q.Encode(), nil)
	if err != nil {
		return venue.Wrap(a.id, "cancel_order", venue.ErrTransport, err)
	}
	req.Header.Set("X-MEXC-APIKEY", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return venue.Wrap(a.id, "cancel_order", venue.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return venue.Wrap(a.id, "cancel_order", venue.ErrPreconditionFail, nil)
	}
	return nil
}

// GetBalances reads the account's spot wallet balances.
func (a *Adapter) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	q := url.Values{}
	q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	q.Set("recvWindow", "5000")
	q.Set("signature", a.sign(q.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.RestURL+"/api/v3/account?"+q.Encode(), nil)
	if err != nil {
		return nil, venue.Wrap(a.id, "get_balances", venue.ErrTransport, err)
	}
	req.Header.Set("X-MEXC-APIKEY", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, venue.Wrap(a.id, "get_balances", venue.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, venue.Wrap(a.id, "get_balances", venue.ErrInvalidResponse, fmt.Errorf("%d: %s", resp.StatusCode, body))
	}

	var acct struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return nil, venue.Wrap(a.id, "get_balances", venue.ErrInvalidResponse, err)
	}
	out := make(map[string]decimal.Decimal, len(acct.Balances))
	for _, b := range acct.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		out[b.Asset] = free
	}
	return out, nil
}

// GetFees returns the configured static fee schedule; MEXC's own fee-tier
// endpoint requires a 30-day volume lookup this adapter does not perform.
func (a *Adapter) GetFees(ctx context.Context) (domain.Fees, error) {
	return domain.Fees{Maker: a.cfg.MakerFee, Taker: a.cfg.TakerFee}, nil
}
