package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
)

// Config is the bot's full configuration: policy settings plus the seed data
// used to build the in-process world (assets, pools, positions).
type Config struct {
	// Accounts
	EngineAccount       string `json:"engine_account" yaml:"engine_account"`
	ProfitReceiver      string `json:"profit_receiver" yaml:"profit_receiver"`
	EmergencyLiquidator string `json:"emergency_liquidator" yaml:"emergency_liquidator"`

	// Liquidation policy
	MinProfitAmount      string `json:"min_profit_amount" yaml:"min_profit_amount"`
	SlippageToleranceBps uint64 `json:"slippage_tolerance_bps" yaml:"slippage_tolerance_bps"`
	AssumedSlippageBps   uint64 `json:"assumed_slippage_bps" yaml:"assumed_slippage_bps"`
	DefaultFeeTier       uint32 `json:"default_fee_tier" yaml:"default_fee_tier"`

	// Scan loop
	ScanInterval  time.Duration   `json:"scan_interval" yaml:"scan_interval"`
	ScanRateLimit RateLimitConfig `json:"scan_rate_limit" yaml:"scan_rate_limit"`

	// Observability
	PrometheusEnabled  bool   `json:"prometheus_enabled" yaml:"prometheus_enabled"`
	PrometheusEndpoint string `json:"prometheus_endpoint" yaml:"prometheus_endpoint"`

	// Protocol risk parameters
	Risk RiskConfig `json:"risk" yaml:"risk"`

	// World seeds
	Assets       []AssetConfig  `json:"assets" yaml:"assets"`
	Pools        []PoolSeed     `json:"pools" yaml:"pools"`
	Positions    []PositionSeed `json:"positions" yaml:"positions"`
	WatchedPairs []PairSeed     `json:"watched_pairs" yaml:"watched_pairs"`
	Borrowers    []string       `json:"borrowers" yaml:"borrowers"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

type RiskConfig struct {
	DefaultMinRatioBps        uint64            `json:"default_min_ratio_bps" yaml:"default_min_ratio_bps"`
	DefaultAuctionDiscountBps uint64            `json:"default_auction_discount_bps" yaml:"default_auction_discount_bps"`
	MinRatios                 map[string]uint64 `json:"min_ratios" yaml:"min_ratios"`               // by debt asset address
	RiskMultipliers           map[string]uint64 `json:"risk_multipliers" yaml:"risk_multipliers"`   // by collateral asset address
	AuctionDiscounts          map[string]uint64 `json:"auction_discounts" yaml:"auction_discounts"` // by collateral asset address
}

type AssetConfig struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Address  string `json:"address" yaml:"address"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
	PriceUSD string `json:"price_usd" yaml:"price_usd"` // 8-decimal fixed point
}

type PoolSeed struct {
	Token0   string `json:"token0" yaml:"token0"`
	Token1   string `json:"token1" yaml:"token1"`
	FeeTier  uint32 `json:"fee_tier" yaml:"fee_tier"`
	Reserve0 string `json:"reserve0" yaml:"reserve0"`
	Reserve1 string `json:"reserve1" yaml:"reserve1"`
}

type PositionSeed struct {
	Borrower         string `json:"borrower" yaml:"borrower"`
	DebtAsset        string `json:"debt_asset" yaml:"debt_asset"`
	CollateralAsset  string `json:"collateral_asset" yaml:"collateral_asset"`
	CollateralAmount string `json:"collateral_amount" yaml:"collateral_amount"`
	DebtAmount       string `json:"debt_amount" yaml:"debt_amount"`
}

type PairSeed struct {
	DebtAsset       string `json:"debt_asset" yaml:"debt_asset"`
	CollateralAsset string `json:"collateral_asset" yaml:"collateral_asset"`
	FeeTier         uint32 `json:"fee_tier" yaml:"fee_tier"`
}

// LoadConfig reads a JSON or YAML config file, applies environment overrides
// and validates the result. A missing .env file is not an error.
func LoadConfig(cfgFile string) (*Config, error) {
	LoadEnv()

	if cfgFile == "" {
		cfgFile = GetEnvWithDefault(EnvConfigPath, "liqbot.json")
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	switch strings.ToLower(filepath.Ext(cfgFile)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		MinProfitAmount:      "0",
		SlippageToleranceBps: 50,
		AssumedSlippageBps:   100,
		DefaultFeeTier:       3000,
		ScanInterval:         5 * time.Second,
		ScanRateLimit: RateLimitConfig{
			RequestsPerSecond: 2,
			BurstSize:         1,
		},
		PrometheusEndpoint: ":9090",
		Risk: RiskConfig{
			DefaultMinRatioBps:        15000,
			DefaultAuctionDiscountBps: 1000,
		},
	}
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv(EnvMinProfit); v != "" {
		config.MinProfitAmount = v
	}
	if v := os.Getenv(EnvPrometheusEndpoint); v != "" {
		config.PrometheusEndpoint = v
	}
	if v := os.Getenv(EnvProfitReceiver); v != "" {
		config.ProfitReceiver = v
	}
	if v := os.Getenv(EnvEmergencyLiquidator); v != "" {
		config.EmergencyLiquidator = v
	}
}

// Validate checks the configuration, collecting every failure.
func (c *Config) Validate() error {
	var errs []string

	if !common.IsHexAddress(c.EngineAccount) {
		errs = append(errs, "engine_account must be a valid address")
	}
	if !common.IsHexAddress(c.ProfitReceiver) {
		errs = append(errs, "profit_receiver must be a valid address")
	}
	if !common.IsHexAddress(c.EmergencyLiquidator) {
		errs = append(errs, "emergency_liquidator must be a valid address")
	}
	if _, ok := new(big.Int).SetString(c.MinProfitAmount, 10); !ok {
		errs = append(errs, "min_profit_amount must be a base-10 integer")
	}
	if c.SlippageToleranceBps >= 10000 {
		errs = append(errs, "slippage_tolerance_bps must be below 10000")
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, "scan_interval must be positive")
	}
	if c.ScanRateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, "scan rate limit requests_per_second must be positive")
	}
	if c.ScanRateLimit.BurstSize <= 0 {
		errs = append(errs, "scan rate limit burst_size must be positive")
	}
	if c.Risk.DefaultMinRatioBps == 0 {
		errs = append(errs, "default_min_ratio_bps must be positive")
	}

	known := make(map[string]bool, len(c.Assets))
	for i, asset := range c.Assets {
		if !common.IsHexAddress(asset.Address) {
			errs = append(errs, fmt.Sprintf("asset %d: invalid address", i))
			continue
		}
		if _, ok := new(big.Int).SetString(asset.PriceUSD, 10); !ok {
			errs = append(errs, fmt.Sprintf("asset %s: price_usd must be a base-10 integer", asset.Symbol))
		}
		known[strings.ToLower(asset.Address)] = true
	}
	for i, pool := range c.Pools {
		for _, token := range []string{pool.Token0, pool.Token1} {
			if !known[strings.ToLower(token)] {
				errs = append(errs, fmt.Sprintf("pool %d: unknown token %s", i, token))
			}
		}
		for _, reserve := range []string{pool.Reserve0, pool.Reserve1} {
			if _, ok := new(big.Int).SetString(reserve, 10); !ok {
				errs = append(errs, fmt.Sprintf("pool %d: reserves must be base-10 integers", i))
			}
		}
	}
	for i, pos := range c.Positions {
		if !common.IsHexAddress(pos.Borrower) {
			errs = append(errs, fmt.Sprintf("position %d: invalid borrower", i))
		}
		if !known[strings.ToLower(pos.DebtAsset)] || !known[strings.ToLower(pos.CollateralAsset)] {
			errs = append(errs, fmt.Sprintf("position %d: unknown asset", i))
		}
		for _, amount := range []string{pos.CollateralAmount, pos.DebtAmount} {
			if _, ok := new(big.Int).SetString(amount, 10); !ok {
				errs = append(errs, fmt.Sprintf("position %d: amounts must be base-10 integers", i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MinProfit returns the parsed minimum profit amount.
func (c *Config) MinProfit() *big.Int {
	v, _ := new(big.Int).SetString(c.MinProfitAmount, 10)
	if v == nil {
		v = new(big.Int)
	}
	return v
}

// ParseAmount parses a base-10 amount string, defaulting to zero.
func ParseAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// SaveConfig writes the configuration as indented JSON.
func SaveConfig(cfg *Config, cfgFile string) error {
	file, err := os.Create(cfgFile)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "    ")
	return encoder.Encode(cfg)
}
