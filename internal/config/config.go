// Package config loads and validates the process configuration: viper reads
// a YAML file overlaid with environment variables, mirroring the layering
// used for other services in this codebase's lineage, extended here with a
// fail-fast Validate pass over every pipeline stage's tunables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// VenueRateLimit is the token-bucket configuration for one venue.
type VenueRateLimit struct {
	RPS         float64 `mapstructure:"rps"`
	Concurrency int     `mapstructure:"concurrency"`
}

// IngestionConfig tunes the price ingestion fabric (C2).
type IngestionConfig struct {
	RateLimits map[string]VenueRateLimit `mapstructure:"rate_limits"`

	Circuit struct {
		ErrorThreshold    int           `mapstructure:"error_threshold"`
		ResetTimeout      time.Duration `mapstructure:"reset_timeout"`
		RecoveryThreshold int           `mapstructure:"recovery_threshold"`
	} `mapstructure:"circuit"`

	Heartbeat struct {
		CheckInterval  time.Duration `mapstructure:"check_interval"`
		Timeout        time.Duration `mapstructure:"timeout"`
		MaxMissedBeats int           `mapstructure:"max_missed_beats"`
	} `mapstructure:"heartbeat"`

	Reconnect struct {
		BaseDelay   time.Duration `mapstructure:"base_delay"`
		MaxAttempts int           `mapstructure:"max_attempts"`
	} `mapstructure:"reconnect"`
}

// ValidationConfig tunes the price validator/normalizer (C3).
type ValidationConfig struct {
	MinPrice          decimal.Decimal `mapstructure:"min_price"`
	MaxPrice          decimal.Decimal `mapstructure:"max_price"`
	MaxPriceDeviation decimal.Decimal `mapstructure:"max_price_deviation"`
	PriceValidity   time.Duration   `mapstructure:"price_validity"`
	MaxStalePrice     time.Duration   `mapstructure:"max_stale_price"`
}

// ArbitrageConfig tunes the opportunity detector (C4).
type ArbitrageConfig struct {
	MinSpreadPercent decimal.Decimal `mapstructure:"min_spread_percent"`
	MinVolumeQuote   decimal.Decimal `mapstructure:"min_volume_quote"`
	MinProfitQuote   decimal.Decimal `mapstructure:"min_profit_quote"`
	MaxTickAge       time.Duration   `mapstructure:"max_tick_age"`
}

// ExecutionConfig tunes the opportunity validator (C5) and executor (C6).
type ExecutionConfig struct {
	MaxSlippage         decimal.Decimal `mapstructure:"max_slippage"`
	MinFillFraction     decimal.Decimal `mapstructure:"min_fill_fraction"`
	OrderTimeout        time.Duration   `mapstructure:"order_timeout"`
	SettlementTimeout   time.Duration   `mapstructure:"settlement_timeout"`
	WarningThreshold    decimal.Decimal `mapstructure:"warning_threshold"`
	Confirmations       int             `mapstructure:"confirmations"`
	RetryAttempts       int             `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration   `mapstructure:"retry_delay"`
	OrphanResolveDeadline time.Duration `mapstructure:"orphan_resolve_deadline"`
	FeeBuffer           decimal.Decimal `mapstructure:"fee_buffer"`
}

// RiskConfig tunes the risk/position ledger (C7).
type RiskConfig struct {
	MaxPositionSize      decimal.Decimal   `mapstructure:"max_position_size"`
	MaxTotalExposure     decimal.Decimal   `mapstructure:"max_total_exposure"`
	MaxDailyExposure     decimal.Decimal   `mapstructure:"max_daily_exposure"`
	MaxDailyLoss         decimal.Decimal   `mapstructure:"max_daily_loss"`
	MaxDrawdown          decimal.Decimal   `mapstructure:"max_drawdown"`
	MinLiquidity         decimal.Decimal   `mapstructure:"min_liquidity"`
	ReserveTimeout       time.Duration     `mapstructure:"reserve_timeout"`
	MaxPositionsPerVenue int               `mapstructure:"max_positions_per_venue"`
	StopLossPercent      decimal.Decimal   `mapstructure:"stop_loss_percent"`
	TakeProfitTargets    []decimal.Decimal `mapstructure:"take_profit_targets"`
}

// BridgeConfig points at the reference-rate source used to normalize a
// non-canonical-currency venue's quotes into the canonical quote currency.
type BridgeConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
}

// StoreConfig points at the optional durable audit collaborators (S5/S6).
type StoreConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisStream string `mapstructure:"redis_stream"`
}

// MEXCConfig carries the CEX venue adapter's connection details.
type MEXCConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	RestURL   string `mapstructure:"rest_url"`
	WsURL     string `mapstructure:"ws_url"`
}

// ChainConfig carries the on-chain venue adapter's connection details.
type ChainConfig struct {
	RPCHTTP       string   `mapstructure:"rpc_http"`
	RPCWS         string   `mapstructure:"rpc_ws"`
	WalletPK      string   `mapstructure:"wallet_pk"`
	GasLimitSwap  uint64   `mapstructure:"gas_limit_swap"`
	BaseToken     string   `mapstructure:"base_token"`
	BaseDecimals  int      `mapstructure:"base_decimals"`
	QuoteToken    string   `mapstructure:"usdt"`
	QuoteDecimals int      `mapstructure:"quote_decimals"`
	QuoterV2      string   `mapstructure:"quoter_v2"`
	Multicall     string   `mapstructure:"multicall"`
	FeeTiers      []uint32 `mapstructure:"fee_tiers"`
}

// Config is the fully materialized process configuration.
type Config struct {
	Pair       string           `mapstructure:"pair"`
	DryRun     bool             `mapstructure:"dry_run"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Validation ValidationConfig `mapstructure:"validation"`
	Arbitrage  ArbitrageConfig  `mapstructure:"arbitrage"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Store      StoreConfig      `mapstructure:"store"`
	MEXC       MEXCConfig       `mapstructure:"mexc"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Metrics    struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"metrics"`
	Dashboard struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"dashboard"`
}

// Load reads path (or ./config.yaml if empty) overlaid with ARBMON_-prefixed
// environment variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARBMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)

	v.SetDefault("ingestion.circuit.error_threshold", 5)
	v.SetDefault("ingestion.circuit.reset_timeout", "60s")
	v.SetDefault("ingestion.circuit.recovery_threshold", 3)
	v.SetDefault("ingestion.heartbeat.check_interval", "5s")
	v.SetDefault("ingestion.heartbeat.timeout", "30s")
	v.SetDefault("ingestion.heartbeat.max_missed_beats", 3)
	v.SetDefault("ingestion.reconnect.base_delay", "1s")
	v.SetDefault("ingestion.reconnect.max_attempts", 5)

	v.SetDefault("validation.min_price", "0.0000001")
	v.SetDefault("validation.max_price", "10000000")
	v.SetDefault("validation.max_price_deviation", "0.10")
	v.SetDefault("validation.price_validity", "30s")
	v.SetDefault("validation.max_stale_price", "5m")

	v.SetDefault("arbitrage.min_spread_percent", "0.005")
	v.SetDefault("arbitrage.min_volume_quote", "1000")
	v.SetDefault("arbitrage.min_profit_quote", "1")
	v.SetDefault("arbitrage.max_tick_age", "5s")

	v.SetDefault("execution.max_slippage", "0.003")
	v.SetDefault("execution.min_fill_fraction", "0.95")
	v.SetDefault("execution.order_timeout", "30s")
	v.SetDefault("execution.settlement_timeout", "5m")
	v.SetDefault("execution.warning_threshold", "0.8")
	v.SetDefault("execution.confirmations", 3)
	v.SetDefault("execution.retry_attempts", 3)
	v.SetDefault("execution.retry_delay", "10s")
	v.SetDefault("execution.orphan_resolve_deadline", "3m")
	v.SetDefault("execution.fee_buffer", "0.002")

	v.SetDefault("risk.reserve_timeout", "30s")
	v.SetDefault("risk.max_positions_per_venue", 3)

	v.SetDefault("bridge.url", "https://api.coinbase.com/v2/exchange-rates?currency=USDT")
	v.SetDefault("bridge.interval", "30s")

	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("dashboard.listen_addr", ":8090")

	v.SetDefault("chain.base_decimals", 8)
	v.SetDefault("chain.quote_decimals", 6)
	v.SetDefault("mexc.rest_url", "https://api.mexc.com")
	v.SetDefault("mexc.ws_url", "wss://wbs-api.mexc.com/ws")
}

// Validate performs fail-fast sanity checks; a config that fails this
// causes the process to exit with status 2.
func (c *Config) Validate() error {
	if c.Pair == "" {
		return fmt.Errorf("config: pair must be set")
	}
	if c.Arbitrage.MinSpreadPercent.IsNegative() {
		return fmt.Errorf("config: arbitrage.min_spread_percent cannot be negative")
	}
	if c.Execution.MinFillFraction.LessThanOrEqual(decimal.Zero) || c.Execution.MinFillFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: execution.min_fill_fraction must be in (0, 1]")
	}
	if c.Validation.MinPrice.GreaterThanOrEqual(c.Validation.MaxPrice) {
		return fmt.Errorf("config: validation.min_price must be less than max_price")
	}
	if c.Ingestion.Circuit.ErrorThreshold <= 0 {
		return fmt.Errorf("config: ingestion.circuit.error_threshold must be positive")
	}
	if c.Execution.Confirmations <= 0 {
		return fmt.Errorf("config: execution.confirmations must be positive")
	}
	return nil
}
