package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/liqbot/engine"
	"github.com/michaelpento.lv/liqbot/types"
	"github.com/michaelpento.lv/liqbot/utils/math"
)

// historySize bounds the retained record of completed liquidations.
const historySize = 256

var (
	// ErrNotAuthorized is returned when the caller may not manage the
	// watch-list or policy.
	ErrNotAuthorized = errors.New("caller not authorized")

	// ErrNotEmergencyLiquidator is returned when a non-emergency caller
	// requests the emergency path.
	ErrNotEmergencyLiquidator = errors.New("caller is not the emergency liquidator")

	// ErrInsufficientProfit is returned when the estimated profit is under
	// the configured floor.
	ErrInsufficientProfit = errors.New("estimated profit below minimum")

	// ErrArrayLengthMismatch is returned for malformed batch input.
	ErrArrayLengthMismatch = errors.New("batch argument lengths differ")
)

// Params are the orchestrator's mutable policy settings, overwritten
// atomically by UpdateParameters.
type Params struct {
	MinProfitAmount      *big.Int
	SlippageToleranceBps uint64
	ProfitReceiver       common.Address
	EmergencyLiquidator  common.Address
}

// Orchestrator maintains the watch-list of asset pairs, scans borrower
// candidates for profitable liquidations and drives single or batched
// execution through the engine.
type Orchestrator struct {
	mu     sync.RWMutex
	engine *engine.Engine
	params Params
	pairs  []types.TokenPair
	logger *zap.Logger

	history *lru.Cache

	metrics struct {
		scans       prometheus.Counter
		scanLatency prometheus.Histogram
		executed    prometheus.Counter
		batchSkips  prometheus.Counter
	}
}

// New creates an orchestrator around the engine.
func New(liquidationEngine *engine.Engine, params Params, logger *zap.Logger) (*Orchestrator, error) {
	if params.MinProfitAmount == nil {
		params.MinProfitAmount = new(big.Int)
	}
	history, err := lru.New(historySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}

	o := &Orchestrator{
		engine:  liquidationEngine,
		params:  params,
		logger:  logger,
		history: history,
	}

	o.metrics.scans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scans_total",
		Help: "Total number of liquidation scans",
	})
	o.metrics.scanLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_scan_latency_seconds",
		Help:    "Latency of liquidation scans",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
	o.metrics.executed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_liquidations_executed_total",
		Help: "Total number of liquidations dispatched through the orchestrator",
	})
	o.metrics.batchSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_batch_candidates_skipped_total",
		Help: "Number of batch candidates skipped as unprofitable or failing",
	})

	return o, nil
}

// AddTokenPair appends a pair to the watch-list. Callable by the profit
// receiver or the emergency liquidator. Duplicate entries are preserved.
func (o *Orchestrator) AddTokenPair(caller, debtAsset, collateralAsset common.Address, feeTier uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if caller != o.params.ProfitReceiver && caller != o.params.EmergencyLiquidator {
		return fmt.Errorf("%w: %s may not manage the watch-list", ErrNotAuthorized, caller.Hex())
	}

	o.pairs = append(o.pairs, types.TokenPair{
		DebtAsset:       debtAsset,
		CollateralAsset: collateralAsset,
		FeeTier:         feeTier,
	})
	o.logger.Info("Token pair added to watch-list",
		zap.String("debt", debtAsset.Hex()),
		zap.String("collateral", collateralAsset.Hex()),
		zap.Uint32("fee_tier", feeTier))
	return nil
}

// TokenPairs returns a copy of the watch-list.
func (o *Orchestrator) TokenPairs() []types.TokenPair {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]types.TokenPair(nil), o.pairs...)
}

// UpdateParameters overwrites all policy settings atomically. Callable only
// by the emergency liquidator.
func (o *Orchestrator) UpdateParameters(caller common.Address, params Params) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if caller != o.params.EmergencyLiquidator {
		return fmt.Errorf("%w: %s may not update parameters", ErrNotAuthorized, caller.Hex())
	}
	if params.MinProfitAmount == nil {
		params.MinProfitAmount = new(big.Int)
	}
	o.params = params

	o.logger.Info("Orchestrator parameters updated",
		zap.String("min_profit", params.MinProfitAmount.String()),
		zap.Uint64("slippage_bps", params.SlippageToleranceBps),
		zap.String("profit_receiver", params.ProfitReceiver.Hex()),
		zap.String("emergency_liquidator", params.EmergencyLiquidator.Hex()))
	return nil
}

// Parameters returns the current policy settings.
func (o *Orchestrator) Parameters() Params {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p := o.params
	p.MinProfitAmount = math.Clone(o.params.MinProfitAmount)
	return p
}

// ScanForLiquidations checks every (borrower, watched pair) combination and
// returns the ones that are liquidatable with an estimated profit at or above
// the configured floor, in stable borrowers-by-pairs order. A borrower
// appears once per qualifying pair.
func (o *Orchestrator) ScanForLiquidations(ctx context.Context, borrowers []common.Address) ([]types.Opportunity, error) {
	start := time.Now()
	defer func() {
		o.metrics.scanLatency.Observe(time.Since(start).Seconds())
	}()
	o.metrics.scans.Inc()

	o.mu.RLock()
	pairs := append([]types.TokenPair(nil), o.pairs...)
	minProfit := math.Clone(o.params.MinProfitAmount)
	o.mu.RUnlock()

	var opportunities []types.Opportunity
	for _, borrower := range borrowers {
		for _, pair := range pairs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			report, err := o.engine.CheckLiquidationProfitability(pair.DebtAsset, pair.CollateralAsset, borrower)
			if err != nil {
				o.logger.Warn("Profitability check failed during scan",
					zap.String("borrower", borrower.Hex()),
					zap.String("debt", pair.DebtAsset.Hex()),
					zap.Error(err))
				continue
			}
			if !report.Liquidatable || report.EstimatedProfit.Cmp(minProfit) < 0 {
				continue
			}

			opportunities = append(opportunities, types.Opportunity{
				Borrower:            borrower,
				DebtAsset:           pair.DebtAsset,
				CollateralAsset:     pair.CollateralAsset,
				MaxDebtAmount:       report.MaxDebtAmount,
				EstimatedProfit:     report.EstimatedProfit,
				EstimatedCollateral: report.EstimatedCollateral,
				FeeTier:             pair.FeeTier,
			})
		}
	}
	return opportunities, nil
}

// ExecuteLiquidation re-checks profitability and dispatches one liquidation
// through the engine. Emergency mode is restricted to the emergency
// liquidator and bypasses the profit floor. Engine failures propagate
// unchanged; the attempt either fully commits or fully reverts.
func (o *Orchestrator) ExecuteLiquidation(ctx context.Context, caller, debtAsset, collateralAsset, borrower common.Address, debtAmount *big.Int, feeTier uint32, isEmergency bool) (*types.LiquidationEvent, error) {
	o.mu.RLock()
	params := o.params
	o.mu.RUnlock()

	if isEmergency && caller != params.EmergencyLiquidator {
		return nil, fmt.Errorf("%w: %s", ErrNotEmergencyLiquidator, caller.Hex())
	}

	report, err := o.engine.CheckLiquidationProfitability(debtAsset, collateralAsset, borrower)
	if err != nil {
		return nil, err
	}
	if !report.Liquidatable {
		return nil, fmt.Errorf("%w: borrower %s", engine.ErrNotLiquidatable, borrower.Hex())
	}
	if !isEmergency && report.EstimatedProfit.Cmp(params.MinProfitAmount) < 0 {
		return nil, fmt.Errorf("%w: estimated %v, want %v",
			ErrInsufficientProfit, report.EstimatedProfit, params.MinProfitAmount)
	}

	amount := math.Clone(debtAmount)
	if amount.Sign() == 0 {
		amount = math.Clone(report.MaxDebtAmount)
	}
	minCollateral := math.Discount(report.EstimatedCollateral, params.SlippageToleranceBps)

	minProfit := params.MinProfitAmount
	if isEmergency {
		minProfit = new(big.Int)
	}

	event, err := o.engine.FlashLiquidate(ctx, params.ProfitReceiver, engine.Request{
		DebtAsset:       debtAsset,
		CollateralAsset: collateralAsset,
		Borrower:        borrower,
		DebtAmount:      amount,
		MinProfit:       minProfit,
		MinCollateral:   minCollateral,
		FeeTier:         feeTier,
	})
	if err != nil {
		return nil, err
	}
	event.Emergency = isEmergency

	o.metrics.executed.Inc()
	o.history.Add(event.AttemptID, event)
	o.logger.Info("Liquidation completed",
		zap.Uint64("attempt_id", event.AttemptID),
		zap.String("borrower", borrower.Hex()),
		zap.String("profit", event.Profit.String()),
		zap.Bool("emergency", isEmergency))
	return event, nil
}

// BatchExecuteLiquidations runs a set of candidates with per-candidate
// failure isolation: unprofitable or failing candidates are skipped and never
// block the rest of the batch. Returns the events of the candidates that
// committed.
func (o *Orchestrator) BatchExecuteLiquidations(ctx context.Context, caller common.Address, borrowers, debtAssets, collateralAssets []common.Address, debtAmounts []*big.Int, feeTiers []uint32) ([]*types.LiquidationEvent, error) {
	n := len(borrowers)
	if len(debtAssets) != n || len(collateralAssets) != n || len(debtAmounts) != n || len(feeTiers) != n {
		return nil, fmt.Errorf("%w: %d/%d/%d/%d/%d",
			ErrArrayLengthMismatch, n, len(debtAssets), len(collateralAssets), len(debtAmounts), len(feeTiers))
	}

	var events []*types.LiquidationEvent
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return events, err
		}

		event, err := o.ExecuteLiquidation(ctx, caller, debtAssets[i], collateralAssets[i], borrowers[i], debtAmounts[i], feeTiers[i], false)
		if err != nil {
			o.metrics.batchSkips.Inc()
			o.logger.Warn("Batch candidate skipped",
				zap.Int("index", i),
				zap.String("borrower", borrowers[i].Hex()),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// EmergencyLiquidate liquidates regardless of the profit floor. Restricted to
// the emergency liquidator.
func (o *Orchestrator) EmergencyLiquidate(ctx context.Context, caller, debtAsset, collateralAsset, borrower common.Address, debtAmount *big.Int, feeTier uint32) (*types.LiquidationEvent, error) {
	o.mu.RLock()
	emergency := o.params.EmergencyLiquidator
	o.mu.RUnlock()

	if caller != emergency {
		return nil, fmt.Errorf("%w: %s", ErrNotEmergencyLiquidator, caller.Hex())
	}
	return o.ExecuteLiquidation(ctx, caller, debtAsset, collateralAsset, borrower, debtAmount, feeTier, true)
}

// History returns the retained completed liquidations, newest last.
func (o *Orchestrator) History() []*types.LiquidationEvent {
	keys := o.history.Keys()
	events := make([]*types.LiquidationEvent, 0, len(keys))
	for _, key := range keys {
		if value, ok := o.history.Peek(key); ok {
			events = append(events, value.(*types.LiquidationEvent))
		}
	}
	return events
}
