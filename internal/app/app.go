// Package app wires the process's config, logger and pipeline stages into a
// running pipeline, mirroring the bootstrap shape used elsewhere in this
// codebase's lineage: cobra commands hold a thin App and delegate to it
// rather than constructing the pipeline inline in main.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/bridge"
	"github.com/kb-331/vrsc-arb/internal/circuitbreaker"
	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/dash"
	"github.com/kb-331/vrsc-arb/internal/detector"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
	"github.com/kb-331/vrsc-arb/internal/executor"
	"github.com/kb-331/vrsc-arb/internal/ingestion"
	"github.com/kb-331/vrsc-arb/internal/metrics"
	"github.com/kb-331/vrsc-arb/internal/opportunity"
	"github.com/kb-331/vrsc-arb/internal/redisfeed"
	"github.com/kb-331/vrsc-arb/internal/risk"
	"github.com/kb-331/vrsc-arb/internal/store"
	"github.com/kb-331/vrsc-arb/internal/validator"
	"github.com/kb-331/vrsc-arb/internal/venue"
	"github.com/kb-331/vrsc-arb/internal/venue/mexc"
	"github.com/kb-331/vrsc-arb/internal/venue/univ3"
)

const canonicalQuoteCcy = "USDT"

// App owns the fully wired pipeline for one process lifetime.
type App struct {
	cfg *config.Config
	log *zap.Logger
}

// New constructs an App over an already-loaded, validated config.
func New(cfg *config.Config, log *zap.Logger) *App {
	return &App{cfg: cfg, log: log}
}

func (a *App) pairAssets() (base string, err error) {
	parts := strings.SplitN(a.cfg.Pair, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("app: pair %q must be formatted BASE/QUOTE", a.cfg.Pair)
	}
	return parts[0], nil
}

// buildAdapters constructs the CEX and DEX venue adapters for the pair.
func (a *App) buildAdapters(base string) (map[domain.VenueID]venue.Adapter, error) {
	adapters := make(map[domain.VenueID]venue.Adapter)

	mexcID := domain.VenueID("mexc")
	adapters[mexcID] = mexc.New(mexcID, mexc.Config{
		APIKey:    a.cfg.MEXC.APIKey,
		APISecret: a.cfg.MEXC.APISecret,
		RestURL:   a.cfg.MEXC.RestURL,
		WsURL:     a.cfg.MEXC.WsURL,
		Symbol:    base + canonicalQuoteCcy,
		QuoteCcy:  canonicalQuoteCcy,
		BaseCcy:   base,
	}, a.log)

	if a.cfg.Chain.RPCHTTP != "" {
		univ3ID := domain.VenueID("univ3")
		ad, err := univ3.New(univ3ID, univ3.Config{
			RPCHTTP:       a.cfg.Chain.RPCHTTP,
			WalletPK:      a.cfg.Chain.WalletPK,
			QuoterV2:      a.cfg.Chain.QuoterV2,
			Multicall:     a.cfg.Chain.Multicall,
			GasLimitSwap:  a.cfg.Chain.GasLimitSwap,
			BaseToken:     common.HexToAddress(a.cfg.Chain.BaseToken),
			QuoteToken:    common.HexToAddress(a.cfg.Chain.QuoteToken),
			BaseDecimals:  a.cfg.Chain.BaseDecimals,
			QuoteDecimals: a.cfg.Chain.QuoteDecimals,
			FeeTiers:      a.cfg.Chain.FeeTiers,
			QuoteCcy:      canonicalQuoteCcy,
		}, a.log)
		if err != nil {
			return nil, fmt.Errorf("app: build univ3 adapter: %w", err)
		}
		adapters[univ3ID] = ad
	}

	if len(adapters) < 2 {
		return nil, fmt.Errorf("app: at least two venues are required, got %d (set chain.rpc_http to enable the DEX leg)", len(adapters))
	}
	return adapters, nil
}

// feeSource caches each venue's taker fee at startup for the detector's
// pre-filter estimate; the pre-execution validator re-checks live depth
// regardless, so a stale cached fee here can only make the estimate
// conservative, never unsafe.
type feeSource struct {
	fees map[domain.VenueID]decimal.Decimal
}

func (f feeSource) TakerFee(v domain.VenueID) decimal.Decimal { return f.fees[v] }

func loadFees(ctx context.Context, adapters map[domain.VenueID]venue.Adapter, log *zap.Logger) feeSource {
	fs := feeSource{fees: make(map[domain.VenueID]decimal.Decimal)}
	for id, a := range adapters {
		fr, ok := a.(venue.FeeReader)
		if !ok {
			continue
		}
		fees, err := fr.GetFees(ctx)
		if err != nil {
			log.Warn("fee schedule fetch failed, defaulting to zero", zap.String("venue", string(id)), zap.Error(err))
			continue
		}
		fs.fees[id] = fees.Taker
	}
	return fs
}

// hubBreakers adapts *ingestion.Hub to opportunity.BreakerSource.
type hubBreakers struct{ hub *ingestion.Hub }

func (h hubBreakers) BreakerState(v domain.VenueID) circuitbreaker.State {
	w := h.hub.Worker(v)
	if w == nil {
		return circuitbreaker.Open
	}
	return w.BreakerState()
}

// Run wires and drives the full pipeline until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	base, err := a.pairAssets()
	if err != nil {
		return err
	}

	bus := eventbus.New(1024)
	ledger := risk.New(risk.Limits{
		MaxPositionSize:      a.cfg.Risk.MaxPositionSize,
		MaxTotalExposure:     a.cfg.Risk.MaxTotalExposure,
		MaxDailyExposure:     a.cfg.Risk.MaxDailyExposure,
		MaxDailyLoss:         a.cfg.Risk.MaxDailyLoss,
		MaxDrawdown:          a.cfg.Risk.MaxDrawdown,
		MinLiquidity:         a.cfg.Risk.MinLiquidity,
		ReserveTimeout:       a.cfg.Risk.ReserveTimeout,
		MaxPositionsPerVenue: a.cfg.Risk.MaxPositionsPerVenue,
	}, a.log, bus)

	adapters, err := a.buildAdapters(base)
	if err != nil {
		return err
	}

	quoteCcy := make(map[domain.VenueID]string, len(adapters))
	for id, ad := range adapters {
		quoteCcy[id] = ad.QuoteCcy()
	}

	var bridgeProvider *bridge.Provider
	needsBridge := false
	for _, ccy := range quoteCcy {
		if ccy != canonicalQuoteCcy {
			needsBridge = true
		}
	}
	if needsBridge {
		if a.cfg.Bridge.URL == "" {
			a.log.Warn("a venue quotes outside the canonical currency but bridge.url is unset; its ticks will be rejected as bridge_stale")
		} else {
			bridgeProvider = bridge.New(httpRateFetcher(a.cfg.Bridge.URL), a.cfg.Bridge.Interval, a.log)
			go bridgeProvider.Run(ctx)
		}
	}

	hub := ingestion.New(a.cfg.Ingestion, a.log, bus, 256)
	for id, ad := range adapters {
		rl := a.cfg.Ingestion.RateLimits[string(id)]
		hub.AddVenue(id, ad, ingestion.VenueRateLimit{RPS: rl.RPS, Concurrency: rl.Concurrency})
	}
	go hub.Run(ctx, 500*time.Millisecond)

	val := validator.New(a.cfg.Validation, bridgeSource{bridgeProvider}, canonicalQuoteCcy, a.log, bus)

	fees := loadFees(ctx, adapters, a.log)
	sizer := func(domain.VenueID) decimal.Decimal { return a.cfg.Risk.MaxPositionSize }
	det := detector.New(a.cfg.Arbitrage, fees, sizer, a.cfg.Execution.MaxSlippage, a.log, bus)

	oppVal := opportunity.New(a.cfg.Execution, ledger, adapters, hubBreakers{hub}, base, quoteCcy, bus)
	exec := executor.New(a.cfg.Execution, ledger, adapters, base, quoteCcy, a.log, bus)

	metrics.Serve(ctx, a.cfg.Metrics.ListenAddr, nil, a.log)

	dashboard := dash.New(a.log)
	go dashboard.Run(ctx, bus)
	go dash.StartHTTP(ctx, dashboard, a.cfg.Dashboard.ListenAddr, a.log)

	if a.cfg.Store.PostgresDSN != "" {
		st, err := store.Open(ctx, a.cfg.Store.PostgresDSN, a.log)
		if err != nil {
			a.log.Error("audit store disabled: open failed", zap.Error(err))
		} else {
			defer st.Close()
			go st.Run(ctx, bus)
		}
	}
	if a.cfg.Store.RedisAddr != "" {
		rdb := redisfeed.NewClient(a.cfg.Store.RedisAddr)
		mirror := redisfeed.New(rdb, a.cfg.Store.RedisStream, 0, a.log)
		go mirror.Run(ctx, bus)
	}

	stop := make(chan struct{})
	go ledger.RunExpiryLoop(stop)
	defer close(stop)

	a.log.Info("arbmon started",
		zap.String("pair", a.cfg.Pair),
		zap.Bool("dry_run", a.cfg.DryRun),
		zap.Strings("venues", venueNames(adapters)),
	)

	return a.driveLoop(ctx, hub, val, det, oppVal, exec)
}

func (a *App) driveLoop(ctx context.Context, hub *ingestion.Hub, val *validator.Validator, det *detector.Detector, oppVal *opportunity.Validator, exec *executor.Executor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-hub.Out():
			nt, ok, reason := val.Validate(tick, time.Now())
			if !ok {
				a.log.Debug("tick rejected", zap.String("venue", string(tick.Venue)), zap.String("reason", string(reason)))
				continue
			}
			for _, opp := range det.OnTick(nt, time.Now()) {
				a.considerOpportunity(ctx, opp, oppVal, exec)
			}
		}
	}
}

func (a *App) considerOpportunity(ctx context.Context, opp domain.Opportunity, oppVal *opportunity.Validator, exec *executor.Executor) {
	res := oppVal.Validate(ctx, opp, a.cfg.Risk.MaxTotalExposure)
	if !res.Valid {
		a.log.Debug("opportunity rejected",
			zap.String("buy_venue", string(opp.BuyVenue)),
			zap.String("sell_venue", string(opp.SellVenue)),
			zap.String("reason", string(res.Reason)),
		)
		return
	}
	if a.cfg.DryRun {
		a.log.Info("dry run: would execute",
			zap.String("buy_venue", string(opp.BuyVenue)),
			zap.String("sell_venue", string(opp.SellVenue)),
			zap.String("base_amount", res.AdjustedBaseAmount.String()),
			zap.String("est_net", opp.EstNet.String()),
		)
		return
	}
	go func() {
		outcome := exec.Execute(ctx, opp, res.AdjustedBaseAmount)
		a.log.Info("execution finished",
			zap.String("execution_id", outcome.ExecutionID),
			zap.String("final_state", string(outcome.FinalState)),
			zap.String("reason", outcome.Reason),
		)
	}()
}

func venueNames(adapters map[domain.VenueID]venue.Adapter) []string {
	names := make([]string, 0, len(adapters))
	for id := range adapters {
		names = append(names, string(id))
	}
	return names
}

// exchangeRateResp mirrors the subset of a Coinbase-style exchange-rates
// response the bridge cares about: a map of currency code to rate.
type exchangeRateResp struct {
	Data struct {
		Rates map[string]string `json:"rates"`
	} `json:"data"`
}

// httpRateFetcher builds a bridge.Fetcher that pulls the canonical quote
// currency's rate out of a Coinbase-style exchange-rates endpoint.
func httpRateFetcher(url string) bridge.Fetcher {
	client := &http.Client{Timeout: 6 * time.Second}
	return func(ctx context.Context) (decimal.Decimal, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bridge: build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bridge: fetch: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return decimal.Zero, fmt.Errorf("bridge: %d: %s", resp.StatusCode, b)
		}
		var er exchangeRateResp
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return decimal.Zero, fmt.Errorf("bridge: decode: %w", err)
		}
		raw, ok := er.Data.Rates[canonicalQuoteCcy]
		if !ok {
			return decimal.Zero, fmt.Errorf("bridge: no %s rate in response", canonicalQuoteCcy)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bridge: parse rate: %w", err)
		}
		return rate, nil
	}
}

// bridgeSource adapts a possibly-nil *bridge.Provider to validator.BridgeSource.
type bridgeSource struct{ p *bridge.Provider }

func (b bridgeSource) Rate() (decimal.Decimal, time.Time, bool) {
	if b.p == nil {
		return decimal.Zero, time.Time{}, false
	}
	return b.p.Rate()
}

// ValidateConfig re-runs the config's own Validate pass; used by the
// validate-config subcommand to fail fast without starting the pipeline.
func (a *App) ValidateConfig() error {
	return a.cfg.Validate()
}

// ShowHealth prints a snapshot of the configured venues and their
// currently-reachable capabilities, without starting the ingestion fabric.
func (a *App) ShowHealth(ctx context.Context) error {
	base, err := a.pairAssets()
	if err != nil {
		return err
	}
	adapters, err := a.buildAdapters(base)
	if err != nil {
		return err
	}
	for id, ad := range adapters {
		caps := ad.Capabilities()
		a.log.Info("venue",
			zap.String("id", string(id)),
			zap.String("quote_ccy", ad.QuoteCcy()),
			zap.Bool("streaming", caps.Streaming),
			zap.Bool("orderbook", caps.Orderbook),
			zap.Bool("place_order", caps.PlaceOrder),
			zap.Bool("balance", caps.Balance),
		)
		if tf, ok := ad.(venue.TickerFetcher); ok {
			tick, err := tf.FetchTicker(ctx)
			if err != nil {
				a.log.Warn("ticker fetch failed", zap.String("venue", string(id)), zap.Error(err))
				continue
			}
			a.log.Info("ticker", zap.String("venue", string(id)), zap.String("price", tick.Price.String()))
		}
	}
	return nil
}
