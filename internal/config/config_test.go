package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	path := writeConfig(t, "pair: VRSC/USDT\n")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 5, cfg.Ingestion.Circuit.ErrorThreshold)
	assert.Equal(t, 60*time.Second, cfg.Ingestion.Circuit.ResetTimeout)
	assert.True(t, cfg.Execution.MinFillFraction.Equal(decimal.NewFromFloat(0.95)))
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Bridge.Interval)
	assert.NotEmpty(t, cfg.Bridge.URL)
}

func TestLoad_FileValuesOverrideDefaults(t *testing.T) {
	path := writeConfig(t, `
pair: VRSC/USDT
dry_run: false
execution:
  max_slippage: "0.01"
ingestion:
  circuit:
    error_threshold: 10
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.False(t, cfg.DryRun)
	assert.True(t, cfg.Execution.MaxSlippage.Equal(decimal.NewFromFloat(0.01)))
	assert.Equal(t, 10, cfg.Ingestion.Circuit.ErrorThreshold)
}

func TestLoad_MissingPairFailsValidation(t *testing.T) {
	path := writeConfig(t, "dry_run: true\n")

	_, err := Load(path)

	assert.Error(t, err)
}

func TestLoad_ParsesDurationAndFeeTierStrings(t *testing.T) {
	path := writeConfig(t, `
pair: VRSC/USDT
execution:
  order_timeout: 45s
chain:
  fee_tiers: [100, 500, 3000]
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Execution.OrderTimeout)
	assert.Equal(t, []uint32{100, 500, 3000}, cfg.Chain.FeeTiers)
}

func TestValidate_RejectsEmptyPair(t *testing.T) {
	cfg := &Config{}
	cfg.Arbitrage.MinSpreadPercent = decimal.Zero
	cfg.Execution.MinFillFraction = decimal.NewFromFloat(0.5)
	cfg.Validation.MinPrice = decimal.NewFromFloat(1)
	cfg.Validation.MaxPrice = decimal.NewFromFloat(2)
	cfg.Ingestion.Circuit.ErrorThreshold = 1
	cfg.Execution.Confirmations = 1

	err := cfg.Validate()

	assert.ErrorContains(t, err, "pair")
}

func TestValidate_RejectsNegativeMinSpread(t *testing.T) {
	cfg := validConfig()
	cfg.Arbitrage.MinSpreadPercent = decimal.NewFromFloat(-0.01)

	err := cfg.Validate()

	assert.ErrorContains(t, err, "min_spread_percent")
}

func TestValidate_RejectsMinFillFractionOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.MinFillFraction = decimal.NewFromFloat(1.5)

	err := cfg.Validate()

	assert.ErrorContains(t, err, "min_fill_fraction")
}

func TestValidate_RejectsMinPriceNotLessThanMaxPrice(t *testing.T) {
	cfg := validConfig()
	cfg.Validation.MinPrice = decimal.NewFromFloat(10)
	cfg.Validation.MaxPrice = decimal.NewFromFloat(10)

	err := cfg.Validate()

	assert.ErrorContains(t, err, "min_price")
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()

	assert.NoError(t, cfg.Validate())
}

func validConfig() *Config {
	cfg := &Config{Pair: "VRSC/USDT"}
	cfg.Arbitrage.MinSpreadPercent = decimal.NewFromFloat(0.005)
	cfg.Execution.MinFillFraction = decimal.NewFromFloat(0.95)
	cfg.Validation.MinPrice = decimal.NewFromFloat(0.01)
	cfg.Validation.MaxPrice = decimal.NewFromFloat(100)
	cfg.Ingestion.Circuit.ErrorThreshold = 5
	cfg.Execution.Confirmations = 3
	return cfg
}
