package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/liqbot/ledger"
	"github.com/michaelpento.lv/liqbot/oracle"
	"github.com/michaelpento.lv/liqbot/types"
	"github.com/michaelpento.lv/liqbot/utils/math"
	"github.com/michaelpento.lv/liqbot/venue"
)

// Config holds the engine's mutable process-wide settings.
type Config struct {
	// Account is the engine's account at the venue. Flash-borrowed funds,
	// seized collateral and swap proceeds all flow through it.
	Account common.Address

	// DefaultFeeTier is used whenever a caller passes fee tier zero.
	DefaultFeeTier uint32

	// AssumedSlippageBps is the fixed slippage applied by the profitability
	// estimate in place of a full swap simulation.
	AssumedSlippageBps uint64
}

// Request describes one flash liquidation attempt.
type Request struct {
	DebtAsset       common.Address
	CollateralAsset common.Address
	Borrower        common.Address
	DebtAmount      *big.Int // zero means "use maximum liquidatable amount"
	MinProfit       *big.Int
	MinCollateral   *big.Int
	FeeTier         uint32 // zero means the configured default
}

// Profitability is the engine's read-only liquidation estimate. Estimated is
// always true: the profit figure applies a fixed assumed slippage rather than
// simulating the reverse swap, and must be treated as a heuristic.
type Profitability struct {
	Liquidatable        bool
	MaxDebtAmount       *big.Int
	EstimatedProfit     *big.Int
	EstimatedCollateral *big.Int
	Estimated           bool
}

// attemptState carries results out of the callback back to FlashLiquidate.
type attemptState struct {
	params           *types.LiquidationParams
	collateralSeized *big.Int
	profit           *big.Int
}

// Engine executes atomic flash liquidations: borrow the debt asset from the
// venue, liquidate the position, swap the seized collateral back, settle the
// borrow and pay out the profit. Any failure reverts the whole attempt.
type Engine struct {
	mu     sync.Mutex
	venue  *venue.PoolManager
	ledger *ledger.Ledger
	oracle oracle.PriceOracle
	config Config
	logger *zap.Logger

	inFlight map[common.Hash]bool
	pending  map[common.Hash]*attemptState
	nonce    uint64
	failures []*types.LiquidationFailure

	metrics struct {
		attempts     prometheus.Counter
		successes    prometheus.Counter
		failures     prometheus.CounterVec
		profitVolume prometheus.Counter
		inFlight     prometheus.Gauge
		latency      prometheus.Histogram
		successRate  prometheus.Gauge
	}
}

// New creates a flash liquidation engine and registers it as the venue's
// post-swap hook.
func New(poolManager *venue.PoolManager, positionLedger *ledger.Ledger, priceOracle oracle.PriceOracle, config Config, logger *zap.Logger) *Engine {
	if config.DefaultFeeTier == 0 {
		config.DefaultFeeTier = 3000
	}
	if config.AssumedSlippageBps == 0 {
		config.AssumedSlippageBps = 100
	}

	e := &Engine{
		venue:    poolManager,
		ledger:   positionLedger,
		oracle:   priceOracle,
		config:   config,
		logger:   logger,
		inFlight: make(map[common.Hash]bool),
		pending:  make(map[common.Hash]*attemptState),
	}

	e.metrics.attempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidation_attempts_total",
		Help: "Total number of flash liquidation attempts",
	})
	e.metrics.successes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidation_successes_total",
		Help: "Total number of committed flash liquidations",
	})
	e.metrics.failures = *prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidation_failures_total",
		Help: "Number of aborted liquidation attempts by reason",
	}, []string{"reason"})
	e.metrics.profitVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidation_profit_volume",
		Help: "Cumulative realized profit in debt asset base units",
	})
	e.metrics.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidation_in_flight",
		Help: "Number of liquidation callbacks currently executing",
	})
	e.metrics.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "liquidation_latency_seconds",
		Help:    "Latency of flash liquidation attempts",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
	e.metrics.successRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidation_success_rate",
		Help: "Fraction of attempts that committed",
	})

	poolManager.RegisterHook(e)
	return e
}

// SetDefaultFeeTier updates the fee tier used when callers pass zero.
func (e *Engine) SetDefaultFeeTier(feeTier uint32) {
	e.mu.Lock()
	e.config.DefaultFeeTier = feeTier
	e.mu.Unlock()
}

// maxRecordedFailures bounds the in-memory failure record.
const maxRecordedFailures = 64

func (e *Engine) recordFailure(f *types.LiquidationFailure) {
	e.mu.Lock()
	e.failures = append(e.failures, f)
	if len(e.failures) > maxRecordedFailures {
		e.failures = e.failures[len(e.failures)-maxRecordedFailures:]
	}
	e.mu.Unlock()
}

// RecentFailures returns the most recent aborted attempts, oldest first.
func (e *Engine) RecentFailures() []*types.LiquidationFailure {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.LiquidationFailure, len(e.failures))
	copy(out, e.failures)
	return out
}

// FlashLiquidate executes one atomic liquidation attempt for caller. The
// venue invokes OnSwapComplete synchronously before this call returns; on any
// failure the venue and ledger are reverted to their pre-attempt state and
// the typed error is returned. A requested debt amount of zero, or one above
// the liquidatable maximum, is clamped to the maximum.
func (e *Engine) FlashLiquidate(ctx context.Context, caller common.Address, req Request) (*types.LiquidationEvent, error) {
	start := time.Now()
	defer func() {
		e.metrics.latency.Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	liquidatable, maxDebt, err := e.ledger.IsLiquidatable(req.Borrower, req.DebtAsset, req.CollateralAsset)
	if err != nil {
		return nil, fmt.Errorf("liquidatability check failed: %w", err)
	}
	if !liquidatable {
		return nil, fmt.Errorf("%w: borrower %s", ErrNotLiquidatable, req.Borrower.Hex())
	}

	debtAmount := math.Clone(req.DebtAmount)
	if debtAmount.Sign() == 0 || debtAmount.Cmp(maxDebt) > 0 {
		debtAmount = math.Clone(maxDebt)
	}

	feeTier := req.FeeTier
	if feeTier == 0 {
		e.mu.Lock()
		feeTier = e.config.DefaultFeeTier
		e.mu.Unlock()
	}
	key := venue.NewPoolKey(req.DebtAsset, req.CollateralAsset, feeTier)

	params := &types.LiquidationParams{
		Borrower:            req.Borrower,
		DebtAsset:           req.DebtAsset,
		CollateralAsset:     req.CollateralAsset,
		DebtAmount:          debtAmount,
		MinProfitAmount:     math.Clone(req.MinProfit),
		MinCollateralAmount: math.Clone(req.MinCollateral),
		FeeTier:             feeTier,
		Caller:              caller,
	}
	payload, err := params.EncodePayload()
	if err != nil {
		return nil, err
	}
	attemptID := e.nextAttemptID(params)

	poolID := key.ID()
	e.mu.Lock()
	e.pending[poolID] = &attemptState{params: params}
	e.mu.Unlock()

	e.metrics.attempts.Inc()
	vsnap := e.venue.Snapshot()
	lsnap := e.ledger.Snapshot()

	borrowErr := e.venue.FlashBorrow(e.config.Account, key, req.DebtAsset, debtAmount, payload)

	e.mu.Lock()
	state := e.pending[poolID]
	delete(e.pending, poolID)
	e.mu.Unlock()

	if borrowErr != nil {
		e.ledger.RevertToSnapshot(lsnap)
		e.venue.RevertToSnapshot(vsnap)
		e.metrics.failures.WithLabelValues(failureReason(borrowErr)).Inc()
		e.recordFailure(&types.LiquidationFailure{
			AttemptID: attemptID,
			Borrower:  req.Borrower,
			DebtAsset: req.DebtAsset,
			Reason:    failureReason(borrowErr),
			Timestamp: time.Now(),
		})
		e.updateSuccessRate()
		e.logger.Warn("Flash liquidation aborted",
			zap.Uint64("attempt_id", attemptID),
			zap.String("borrower", req.Borrower.Hex()),
			zap.String("debt_amount", debtAmount.String()),
			zap.Error(borrowErr))
		return nil, borrowErr
	}

	e.ledger.DiscardSnapshot(lsnap)
	e.venue.DiscardSnapshot(vsnap)

	event := &types.LiquidationEvent{
		AttemptID:        attemptID,
		Borrower:         req.Borrower,
		DebtAsset:        req.DebtAsset,
		CollateralAsset:  req.CollateralAsset,
		DebtAmount:       debtAmount,
		CollateralSeized: state.collateralSeized,
		Profit:           state.profit,
		Timestamp:        time.Now(),
	}

	e.metrics.successes.Inc()
	if state.profit != nil && state.profit.IsUint64() {
		e.metrics.profitVolume.Add(float64(state.profit.Uint64()))
	}
	e.updateSuccessRate()

	e.logger.Info("Flash liquidation committed",
		zap.Uint64("attempt_id", attemptID),
		zap.String("borrower", req.Borrower.Hex()),
		zap.String("debt_amount", debtAmount.String()),
		zap.String("collateral_seized", event.CollateralSeized.String()),
		zap.String("profit", event.Profit.String()))
	return event, nil
}

// OnSwapComplete is the venue's post-swap callback. It also fires for
// ordinary swaps unrelated to liquidation; those carry no payload and return
// a neutral no-op, as does a re-entrant callback for a pool whose guard is
// already set.
func (e *Engine) OnSwapComplete(caller common.Address, key venue.PoolKey, result venue.SwapResult, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	poolID := key.ID()
	e.mu.Lock()
	if e.inFlight[poolID] {
		e.mu.Unlock()
		return nil
	}
	e.inFlight[poolID] = true
	e.mu.Unlock()
	e.metrics.inFlight.Inc()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, poolID)
		e.mu.Unlock()
		e.metrics.inFlight.Dec()
	}()

	params, err := types.DecodeLiquidationParams(payload)
	if err != nil {
		return fmt.Errorf("invalid liquidation payload: %w", err)
	}

	if result.AssetOut != params.DebtAsset {
		return fmt.Errorf("%w: received %s, want %s",
			ErrDebtAssetMismatch, result.AssetOut.Hex(), params.DebtAsset.Hex())
	}

	collateral, profit, err := e.runSequence(key, params)
	if err != nil {
		e.logger.Warn("Liquidation sequence failed",
			zap.String("borrower", params.Borrower.Hex()),
			zap.String("pool", poolID.Hex()),
			zap.Error(err))
		return err
	}

	e.mu.Lock()
	if state, ok := e.pending[poolID]; ok {
		state.collateralSeized = collateral
		state.profit = profit
	}
	e.mu.Unlock()
	return nil
}

// runSequence drives the liquidation through its strict step order. Each
// stage short-circuits on the first failure, which FlashLiquidate turns into
// a full revert of the attempt.
func (e *Engine) runSequence(key venue.PoolKey, params *types.LiquidationParams) (*big.Int, *big.Int, error) {
	account := e.config.Account

	// Repay the borrower's debt at the protocol and take the collateral.
	collateral, err := e.ledger.Liquidate(params.Borrower, params.DebtAsset, params.CollateralAsset, params.DebtAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLiquidationProtocol, err)
	}
	if err := e.venue.Burn(account, params.DebtAsset, params.DebtAmount); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLiquidationProtocol, err)
	}
	e.venue.Mint(account, params.CollateralAsset, collateral)

	if params.MinCollateralAmount != nil && collateral.Cmp(params.MinCollateralAmount) < 0 {
		return nil, nil, fmt.Errorf("%w: seized %v, want at least %v",
			ErrCollateralBelowMinimum, collateral, params.MinCollateralAmount)
	}

	// Convert the collateral back into the debt asset.
	swapResult, err := e.venue.Swap(account, key, params.CollateralAsset, collateral)
	if err != nil {
		return nil, nil, fmt.Errorf("collateral swap failed: %w", err)
	}
	debtReceived := swapResult.AmountOut

	if debtReceived.Cmp(params.DebtAmount) < 0 {
		return nil, nil, fmt.Errorf("%w: received %v, owe %v",
			ErrInsufficientRepayment, debtReceived, params.DebtAmount)
	}

	profit := new(big.Int).Sub(debtReceived, params.DebtAmount)
	if params.MinProfitAmount != nil && profit.Cmp(params.MinProfitAmount) < 0 {
		return nil, nil, fmt.Errorf("%w: profit %v, want at least %v",
			ErrProfitBelowMinimum, profit, params.MinProfitAmount)
	}

	if err := e.venue.Settle(account, key, params.DebtAsset, params.DebtAmount); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSettlementFailure, err)
	}

	if profit.Sign() > 0 {
		if err := e.venue.Transfer(account, params.Caller, params.DebtAsset, profit); err != nil {
			return nil, nil, fmt.Errorf("%w: profit payout: %v", ErrSettlementFailure, err)
		}
	}
	return collateral, profit, nil
}

// CheckLiquidationProfitability is the read-only opportunity check. The
// profit figure uses a fixed assumed slippage instead of simulating the
// reverse swap and is a lower-confidence heuristic, not a guarantee.
func (e *Engine) CheckLiquidationProfitability(debtAsset, collateralAsset, borrower common.Address) (Profitability, error) {
	liquidatable, maxDebt, err := e.ledger.IsLiquidatable(borrower, debtAsset, collateralAsset)
	if err != nil {
		return Profitability{}, fmt.Errorf("liquidatability check failed: %w", err)
	}
	if !liquidatable || maxDebt.Sign() == 0 {
		return Profitability{
			MaxDebtAmount:       new(big.Int),
			EstimatedProfit:     new(big.Int),
			EstimatedCollateral: new(big.Int),
			Estimated:           true,
		}, nil
	}

	collateral, err := e.ledger.SimulateLiquidation(borrower, debtAsset, collateralAsset, maxDebt)
	if err != nil {
		return Profitability{}, fmt.Errorf("liquidation simulation failed: %w", err)
	}

	profit, err := e.estimateProfit(debtAsset, collateralAsset, maxDebt, collateral)
	if err != nil {
		return Profitability{}, err
	}

	return Profitability{
		Liquidatable:        true,
		MaxDebtAmount:       maxDebt,
		EstimatedProfit:     profit,
		EstimatedCollateral: collateral,
		Estimated:           true,
	}, nil
}

// SimulateLiquidation estimates the collateral and profit for liquidating
// debtAmount (zero means maximum) without mutating any state.
func (e *Engine) SimulateLiquidation(borrower, debtAsset, collateralAsset common.Address, debtAmount *big.Int) (*big.Int, *big.Int, error) {
	liquidatable, maxDebt, err := e.ledger.IsLiquidatable(borrower, debtAsset, collateralAsset)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidatability check failed: %w", err)
	}
	if !liquidatable {
		return nil, nil, fmt.Errorf("%w: borrower %s", ErrNotLiquidatable, borrower.Hex())
	}

	amount := math.Clone(debtAmount)
	if amount.Sign() == 0 || amount.Cmp(maxDebt) > 0 {
		amount = math.Clone(maxDebt)
	}

	collateral, err := e.ledger.SimulateLiquidation(borrower, debtAsset, collateralAsset, amount)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidation simulation failed: %w", err)
	}
	profit, err := e.estimateProfit(debtAsset, collateralAsset, amount, collateral)
	if err != nil {
		return nil, nil, err
	}
	return collateral, profit, nil
}

// estimateProfit values the collateral in debt-asset terms and applies the
// configured assumed slippage in place of a swap simulation.
func (e *Engine) estimateProfit(debtAsset, collateralAsset common.Address, debtAmount, collateral *big.Int) (*big.Int, error) {
	collateralUSD, err := e.oracle.USDValue(collateralAsset, collateral)
	if err != nil {
		return nil, fmt.Errorf("failed to value collateral: %w", err)
	}
	debtOut, err := e.oracle.TokenAmountForUSD(debtAsset, collateralUSD)
	if err != nil {
		return nil, fmt.Errorf("failed to price debt asset: %w", err)
	}

	e.mu.Lock()
	slippage := e.config.AssumedSlippageBps
	e.mu.Unlock()

	debtOut = math.Discount(debtOut, slippage)
	if debtOut.Cmp(debtAmount) <= 0 {
		return new(big.Int), nil
	}
	return new(big.Int).Sub(debtOut, debtAmount), nil
}

// nextAttemptID derives a log-correlation id from the attempt parameters and
// a process-local nonce.
func (e *Engine) nextAttemptID(params *types.LiquidationParams) uint64 {
	e.mu.Lock()
	e.nonce++
	nonce := e.nonce
	e.mu.Unlock()

	h := xxhash.New()
	_, _ = h.Write(params.Borrower.Bytes())
	_, _ = h.Write(params.DebtAsset.Bytes())
	_, _ = h.Write(params.CollateralAsset.Bytes())
	_, _ = h.Write(params.DebtAmount.Bytes())
	var nb [8]byte
	for i := 0; i < 8; i++ {
		nb[i] = byte(nonce >> (8 * (7 - i)))
	}
	_, _ = h.Write(nb[:])
	return h.Sum64()
}

// updateSuccessRate recomputes the success-rate gauge from the attempt and
// success counters.
func (e *Engine) updateSuccessRate() {
	read := func(c prometheus.Counter) float64 {
		ch := make(chan prometheus.Metric, 1)
		c.Collect(ch)
		metric := <-ch
		out := &dto.Metric{}
		if err := metric.Write(out); err == nil && out.Counter != nil {
			return out.Counter.GetValue()
		}
		return 0
	}

	total := read(e.metrics.attempts)
	if total > 0 {
		e.metrics.successRate.Set(read(e.metrics.successes) / total)
	}
}
