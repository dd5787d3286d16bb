package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/liqbot/oracle"
	"github.com/michaelpento.lv/liqbot/utils/math"
)

// Position is one borrower position: a single debt asset backed by a single
// collateral asset. Positions are never deleted, only deactivated.
type Position struct {
	DebtAsset        common.Address
	CollateralAsset  common.Address
	CollateralAmount *big.Int
	DebtAmount       *big.Int
	Active           bool
}

// Config holds the risk parameters read on every liquidatability check.
type Config struct {
	// DefaultMinRatioBps applies to debt assets with no per-asset override
	// (15000 = 150%).
	DefaultMinRatioBps uint64

	// DefaultAuctionDiscountBps is the liquidator bonus applied when a
	// collateral asset has no per-asset override (1000 = 10%).
	DefaultAuctionDiscountBps uint64
}

// Ledger stores borrower positions and performs liquidations against them.
// Collateralization ratios are recomputed from the oracle on every check and
// never cached.
type Ledger struct {
	mu     sync.RWMutex
	oracle oracle.PriceOracle
	config Config
	logger *zap.Logger

	positions       map[common.Address][]*Position
	minRatios       map[common.Address]uint64 // keyed by debt asset, bps
	riskMultipliers map[common.Address]uint64 // keyed by collateral asset, bps
	discounts       map[common.Address]uint64 // keyed by collateral asset, bps

	snapshots []map[common.Address][]*Position
}

// RatioInfinite is the sentinel ratio reported for positions with zero debt.
var RatioInfinite = new(big.Int).Set(gethmath.MaxBig256)

// New creates an empty ledger.
func New(priceOracle oracle.PriceOracle, config Config, logger *zap.Logger) *Ledger {
	if config.DefaultMinRatioBps == 0 {
		config.DefaultMinRatioBps = 15000
	}
	return &Ledger{
		oracle:          priceOracle,
		config:          config,
		logger:          logger,
		positions:       make(map[common.Address][]*Position),
		minRatios:       make(map[common.Address]uint64),
		riskMultipliers: make(map[common.Address]uint64),
		discounts:       make(map[common.Address]uint64),
	}
}

// OpenPosition records a new active position and returns its id, a
// per-borrower monotonically increasing counter.
func (l *Ledger) OpenPosition(borrower, debtAsset, collateralAsset common.Address, collateralAmount, debtAmount *big.Int) (uint64, error) {
	if math.IsZero(debtAmount) {
		return 0, fmt.Errorf("position debt amount must be positive")
	}
	if collateralAmount == nil || collateralAmount.Sign() < 0 {
		return 0, fmt.Errorf("invalid collateral amount")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := &Position{
		DebtAsset:        debtAsset,
		CollateralAsset:  collateralAsset,
		CollateralAmount: math.Clone(collateralAmount),
		DebtAmount:       math.Clone(debtAmount),
		Active:           true,
	}
	l.positions[borrower] = append(l.positions[borrower], pos)
	id := uint64(len(l.positions[borrower]) - 1)

	l.logger.Info("Position opened",
		zap.String("borrower", borrower.Hex()),
		zap.Uint64("position_id", id),
		zap.String("debt", debtAmount.String()),
		zap.String("collateral", collateralAmount.String()))
	return id, nil
}

// Position returns a copy of the position with the given id.
func (l *Ledger) Position(borrower common.Address, id uint64) (Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	list := l.positions[borrower]
	if id >= uint64(len(list)) {
		return Position{}, fmt.Errorf("unknown position %d for borrower %s", id, borrower.Hex())
	}
	pos := list[id]
	return Position{
		DebtAsset:        pos.DebtAsset,
		CollateralAsset:  pos.CollateralAsset,
		CollateralAmount: math.Clone(pos.CollateralAmount),
		DebtAmount:       math.Clone(pos.DebtAmount),
		Active:           pos.Active,
	}, nil
}

// SetMinRatio overrides the minimum collateralization ratio for a debt asset.
func (l *Ledger) SetMinRatio(debtAsset common.Address, ratioBps uint64) {
	l.mu.Lock()
	l.minRatios[debtAsset] = ratioBps
	l.mu.Unlock()
}

// SetRiskMultiplier sets the risk multiplier for a collateral asset
// (10000 = 1.0).
func (l *Ledger) SetRiskMultiplier(collateralAsset common.Address, multiplierBps uint64) {
	l.mu.Lock()
	l.riskMultipliers[collateralAsset] = multiplierBps
	l.mu.Unlock()
}

// SetAuctionDiscount sets the liquidator bonus for a collateral asset.
func (l *Ledger) SetAuctionDiscount(collateralAsset common.Address, discountBps uint64) {
	l.mu.Lock()
	l.discounts[collateralAsset] = discountBps
	l.mu.Unlock()
}

// CollateralRatio recomputes the current collateralization ratio for the
// borrower's active positions on the given pair, in basis points. Returns
// RatioInfinite when there is no debt and zero when there is no collateral.
func (l *Ledger) CollateralRatio(borrower, debtAsset, collateralAsset common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ratioLocked(borrower, debtAsset, collateralAsset)
}

func (l *Ledger) ratioLocked(borrower, debtAsset, collateralAsset common.Address) (*big.Int, error) {
	totalCollateral, totalDebt := l.totalsLocked(borrower, debtAsset, collateralAsset)
	if totalDebt.Sign() == 0 {
		return new(big.Int).Set(RatioInfinite), nil
	}
	if totalCollateral.Sign() == 0 {
		return new(big.Int), nil
	}

	collateralUSD, err := l.oracle.USDValue(collateralAsset, totalCollateral)
	if err != nil {
		return nil, fmt.Errorf("failed to value collateral: %w", err)
	}
	debtUSD, err := l.oracle.USDValue(debtAsset, totalDebt)
	if err != nil {
		return nil, fmt.Errorf("failed to value debt: %w", err)
	}
	if debtUSD.Sign() == 0 {
		return new(big.Int).Set(RatioInfinite), nil
	}
	return math.BpsRatio(collateralUSD, debtUSD), nil
}

// EffectiveRequiredRatio returns the minimum ratio the pair must hold, in
// basis points: per-asset minimum scaled by the collateral risk multiplier.
func (l *Ledger) EffectiveRequiredRatio(debtAsset, collateralAsset common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.requiredRatioLocked(debtAsset, collateralAsset)
}

func (l *Ledger) requiredRatioLocked(debtAsset, collateralAsset common.Address) uint64 {
	minRatio, ok := l.minRatios[debtAsset]
	if !ok {
		minRatio = l.config.DefaultMinRatioBps
	}
	multiplier, ok := l.riskMultipliers[collateralAsset]
	if !ok {
		multiplier = math.BpsDenominator
	}
	return minRatio * multiplier / math.BpsDenominator
}

// IsLiquidatable reports whether the borrower's positions on the pair are
// below the required ratio, and if so the maximum liquidatable debt amount.
func (l *Ledger) IsLiquidatable(borrower, debtAsset, collateralAsset common.Address) (bool, *big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ratio, err := l.ratioLocked(borrower, debtAsset, collateralAsset)
	if err != nil {
		return false, nil, err
	}
	required := new(big.Int).SetUint64(l.requiredRatioLocked(debtAsset, collateralAsset))
	if ratio.Cmp(required) >= 0 {
		return false, new(big.Int), nil
	}
	_, totalDebt := l.totalsLocked(borrower, debtAsset, collateralAsset)
	return true, totalDebt, nil
}

// SimulateLiquidation computes the collateral a liquidation of debtAmount
// would seize, without mutating any position. Same math as Liquidate.
func (l *Ledger) SimulateLiquidation(borrower, debtAsset, collateralAsset common.Address, debtAmount *big.Int) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totalCollateral, totalDebt := l.totalsLocked(borrower, debtAsset, collateralAsset)
	if debtAmount == nil || debtAmount.Sign() <= 0 || debtAmount.Cmp(totalDebt) > 0 {
		return nil, fmt.Errorf("debt amount %v outside liquidatable range [1, %v]", debtAmount, totalDebt)
	}

	seize, err := l.seizeForDebtLocked(debtAsset, collateralAsset, debtAmount)
	if err != nil {
		return nil, err
	}
	return math.Min(seize, totalCollateral), nil
}

// Liquidate repays debtAmount of the borrower's debt on the pair and seizes
// the corresponding collateral, discounted in the liquidator's favor.
// Positions are consumed oldest first; a fully repaid position is closed with
// any residual collateral zeroed.
func (l *Ledger) Liquidate(borrower, debtAsset, collateralAsset common.Address, debtAmount *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ratio, err := l.ratioLocked(borrower, debtAsset, collateralAsset)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).SetUint64(l.requiredRatioLocked(debtAsset, collateralAsset))
	if ratio.Cmp(required) >= 0 {
		return nil, fmt.Errorf("position for borrower %s is not liquidatable", borrower.Hex())
	}

	_, totalDebt := l.totalsLocked(borrower, debtAsset, collateralAsset)
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return nil, fmt.Errorf("liquidation debt amount must be positive")
	}
	if debtAmount.Cmp(totalDebt) > 0 {
		return nil, fmt.Errorf("liquidation amount %v exceeds outstanding debt %v", debtAmount, totalDebt)
	}

	seized := new(big.Int)
	remaining := math.Clone(debtAmount)
	for _, pos := range l.positions[borrower] {
		if remaining.Sign() == 0 {
			break
		}
		if !pos.Active || pos.DebtAsset != debtAsset || pos.CollateralAsset != collateralAsset {
			continue
		}

		repay := math.Min(remaining, pos.DebtAmount)
		seize, err := l.seizeForDebtLocked(debtAsset, collateralAsset, repay)
		if err != nil {
			return nil, err
		}
		seize = math.Min(seize, pos.CollateralAmount)

		pos.DebtAmount = new(big.Int).Sub(pos.DebtAmount, repay)
		pos.CollateralAmount = new(big.Int).Sub(pos.CollateralAmount, seize)
		if pos.DebtAmount.Sign() == 0 {
			pos.CollateralAmount = new(big.Int)
			pos.Active = false
		}

		seized.Add(seized, seize)
		remaining.Sub(remaining, repay)
	}

	l.logger.Info("Position liquidated",
		zap.String("borrower", borrower.Hex()),
		zap.String("debt_repaid", debtAmount.String()),
		zap.String("collateral_seized", seized.String()))
	return seized, nil
}

// Snapshot captures the current position table and returns an id for
// RevertToSnapshot.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := make(map[common.Address][]*Position, len(l.positions))
	for borrower, list := range l.positions {
		dup := make([]*Position, len(list))
		for i, pos := range list {
			dup[i] = &Position{
				DebtAsset:        pos.DebtAsset,
				CollateralAsset:  pos.CollateralAsset,
				CollateralAmount: math.Clone(pos.CollateralAmount),
				DebtAmount:       math.Clone(pos.DebtAmount),
				Active:           pos.Active,
			}
		}
		copied[borrower] = dup
	}
	l.snapshots = append(l.snapshots, copied)
	return len(l.snapshots) - 1
}

// RevertToSnapshot restores the position table captured by Snapshot and
// discards it and any later snapshots.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 0 || id >= len(l.snapshots) {
		return
	}
	l.positions = l.snapshots[id]
	l.snapshots = l.snapshots[:id]
}

// DiscardSnapshot drops a snapshot taken for an attempt that committed.
func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 0 || id >= len(l.snapshots) {
		return
	}
	l.snapshots = l.snapshots[:id]
}

func (l *Ledger) totalsLocked(borrower, debtAsset, collateralAsset common.Address) (*big.Int, *big.Int) {
	totalCollateral := new(big.Int)
	totalDebt := new(big.Int)
	for _, pos := range l.positions[borrower] {
		if !pos.Active || pos.DebtAsset != debtAsset || pos.CollateralAsset != collateralAsset {
			continue
		}
		totalCollateral.Add(totalCollateral, pos.CollateralAmount)
		totalDebt.Add(totalDebt, pos.DebtAmount)
	}
	return totalCollateral, totalDebt
}

// seizeForDebtLocked converts a repaid debt amount into the collateral owed
// to the liquidator: the debt's USD value plus the auction discount.
func (l *Ledger) seizeForDebtLocked(debtAsset, collateralAsset common.Address, debtAmount *big.Int) (*big.Int, error) {
	debtUSD, err := l.oracle.USDValue(debtAsset, debtAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to value repaid debt: %w", err)
	}

	discount, ok := l.discounts[collateralAsset]
	if !ok {
		discount = l.config.DefaultAuctionDiscountBps
	}
	seize, err := l.oracle.TokenAmountForUSD(collateralAsset, math.Premium(debtUSD, discount))
	if err != nil {
		return nil, fmt.Errorf("failed to price seized collateral: %w", err)
	}
	return seize, nil
}
