package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
	"engine_account": "0x000000000000000000000000000000000000e001",
	"profit_receiver": "0x000000000000000000000000000000000000fee1",
	"emergency_liquidator": "0x0000000000000000000000000000000000911911",
	"min_profit_amount": "1000000000000000000",
	"slippage_tolerance_bps": 50,
	"assets": [
		{"symbol": "WETH", "address": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "decimals": 18, "price_usd": "200000000000"},
		{"symbol": "sUSD", "address": "0x57Ab1ec28D129707052df4dF418D58a2D46d5f51", "decimals": 18, "price_usd": "1000000000"}
	],
	"pools": [
		{
			"token0": "0x57Ab1ec28D129707052df4dF418D58a2D46d5f51",
			"token1": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			"fee_tier": 3000,
			"reserve0": "90000000000000000000000",
			"reserve1": "1000000000000000000000"
		}
	]
}`

const validYAML = `
engine_account: "0x000000000000000000000000000000000000e001"
profit_receiver: "0x000000000000000000000000000000000000fee1"
emergency_liquidator: "0x0000000000000000000000000000000000911911"
min_profit_amount: "0"
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	cfg, err := LoadConfig(writeTemp(t, "liqbot.json", validJSON))
	require.NoError(t, err)

	assert.Equal(t, "1000000000000000000", cfg.MinProfit().String())
	assert.Equal(t, uint64(50), cfg.SlippageToleranceBps)
	assert.Equal(t, uint32(3000), cfg.DefaultFeeTier, "defaults fill unset fields")
	assert.Len(t, cfg.Assets, 2)
	assert.Len(t, cfg.Pools, 1)
}

func TestLoadConfigYAML(t *testing.T) {
	cfg, err := LoadConfig(writeTemp(t, "liqbot.yaml", validYAML))
	require.NoError(t, err)
	assert.Equal(t, "0", cfg.MinProfit().String())
	assert.Equal(t, uint64(15000), cfg.Risk.DefaultMinRatioBps)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.EngineAccount = "not-an-address"
	cfg.ProfitReceiver = ""
	cfg.EmergencyLiquidator = ""
	cfg.MinProfitAmount = "abc"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine_account")
	assert.Contains(t, err.Error(), "profit_receiver")
	assert.Contains(t, err.Error(), "min_profit_amount")
}

func TestValidateRejectsUnknownPoolToken(t *testing.T) {
	cfg := defaultConfig()
	cfg.EngineAccount = "0x000000000000000000000000000000000000e001"
	cfg.ProfitReceiver = "0x000000000000000000000000000000000000fee1"
	cfg.EmergencyLiquidator = "0x0000000000000000000000000000000000911911"
	cfg.Pools = []PoolSeed{{
		Token0:   "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		Token1:   "0x57Ab1ec28D129707052df4dF418D58a2D46d5f51",
		FeeTier:  3000,
		Reserve0: "1",
		Reserve1: "1",
	}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown token")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvMinProfit, "42")
	cfg, err := LoadConfig(writeTemp(t, "liqbot.json", validJSON))
	require.NoError(t, err)
	assert.Equal(t, "42", cfg.MinProfit().String())
}
