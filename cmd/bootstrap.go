package cmd

import (
	"fmt"

	"github.com/michaelpento.lv/liqbot/config"
	"github.com/michaelpento.lv/liqbot/engine"
	"github.com/michaelpento.lv/liqbot/ledger"
	"github.com/michaelpento.lv/liqbot/oracle"
	"github.com/michaelpento.lv/liqbot/orchestrator"
	"github.com/michaelpento.lv/liqbot/venue"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// world holds the fully wired liquidation stack built from a config file.
type world struct {
	cfg          *config.Config
	oracle       *oracle.StaticOracle
	ledger       *ledger.Ledger
	venue        *venue.PoolManager
	engine       *engine.Engine
	orchestrator *orchestrator.Orchestrator
	borrowers    []common.Address
}

// buildWorld seeds oracle prices, risk parameters, pools, positions and the
// watch-list from the config, then wires the engine and orchestrator on top.
func buildWorld(cfg *config.Config, log *zap.Logger) (*world, error) {
	priceOracle := oracle.NewStaticOracle(log)
	for _, asset := range cfg.Assets {
		addr := common.HexToAddress(asset.Address)
		if err := priceOracle.SetPrice(addr, config.ParseAmount(asset.PriceUSD), asset.Decimals); err != nil {
			return nil, fmt.Errorf("failed to seed price for %s: %w", asset.Symbol, err)
		}
	}

	posLedger := ledger.New(priceOracle, ledger.Config{
		DefaultMinRatioBps:        cfg.Risk.DefaultMinRatioBps,
		DefaultAuctionDiscountBps: cfg.Risk.DefaultAuctionDiscountBps,
	}, log)
	for addr, bps := range cfg.Risk.MinRatios {
		posLedger.SetMinRatio(common.HexToAddress(addr), bps)
	}
	for addr, bps := range cfg.Risk.RiskMultipliers {
		posLedger.SetRiskMultiplier(common.HexToAddress(addr), bps)
	}
	for addr, bps := range cfg.Risk.AuctionDiscounts {
		posLedger.SetAuctionDiscount(common.HexToAddress(addr), bps)
	}

	poolManager := venue.NewPoolManager(log)
	for i, seed := range cfg.Pools {
		token0 := common.HexToAddress(seed.Token0)
		token1 := common.HexToAddress(seed.Token1)
		reserve0 := config.ParseAmount(seed.Reserve0)
		reserve1 := config.ParseAmount(seed.Reserve1)

		key := venue.NewPoolKey(token0, token1, seed.FeeTier)
		if key.Token0 != token0 {
			reserve0, reserve1 = reserve1, reserve0
		}
		if err := poolManager.CreatePool(key, reserve0, reserve1); err != nil {
			return nil, fmt.Errorf("failed to create pool %d: %w", i, err)
		}
	}

	liquidationEngine := engine.New(poolManager, posLedger, priceOracle, engine.Config{
		Account:            common.HexToAddress(cfg.EngineAccount),
		DefaultFeeTier:     cfg.DefaultFeeTier,
		AssumedSlippageBps: cfg.AssumedSlippageBps,
	}, log)

	for i, seed := range cfg.Positions {
		_, err := posLedger.OpenPosition(
			common.HexToAddress(seed.Borrower),
			common.HexToAddress(seed.DebtAsset),
			common.HexToAddress(seed.CollateralAsset),
			config.ParseAmount(seed.CollateralAmount),
			config.ParseAmount(seed.DebtAmount),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open position %d: %w", i, err)
		}
	}

	emergency := common.HexToAddress(cfg.EmergencyLiquidator)
	orch, err := orchestrator.New(liquidationEngine, orchestrator.Params{
		MinProfitAmount:      cfg.MinProfit(),
		SlippageToleranceBps: cfg.SlippageToleranceBps,
		ProfitReceiver:       common.HexToAddress(cfg.ProfitReceiver),
		EmergencyLiquidator:  emergency,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	for _, pair := range cfg.WatchedPairs {
		err := orch.AddTokenPair(emergency,
			common.HexToAddress(pair.DebtAsset),
			common.HexToAddress(pair.CollateralAsset),
			pair.FeeTier)
		if err != nil {
			return nil, fmt.Errorf("failed to register watched pair: %w", err)
		}
	}

	return &world{
		cfg:          cfg,
		oracle:       priceOracle,
		ledger:       posLedger,
		venue:        poolManager,
		engine:       liquidationEngine,
		orchestrator: orch,
		borrowers:    watchedBorrowers(cfg),
	}, nil
}

// watchedBorrowers returns the configured borrower list, falling back to the
// distinct borrowers of the seeded positions.
func watchedBorrowers(cfg *config.Config) []common.Address {
	if len(cfg.Borrowers) > 0 {
		borrowers := make([]common.Address, 0, len(cfg.Borrowers))
		for _, s := range cfg.Borrowers {
			borrowers = append(borrowers, common.HexToAddress(s))
		}
		return borrowers
	}

	seen := make(map[common.Address]bool)
	var borrowers []common.Address
	for _, seed := range cfg.Positions {
		addr := common.HexToAddress(seed.Borrower)
		if !seen[addr] {
			seen[addr] = true
			borrowers = append(borrowers, addr)
		}
	}
	return borrowers
}
