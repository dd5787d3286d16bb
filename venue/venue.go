package venue

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/liqbot/utils/math"
)

// feeDenominator scales fee tiers, which are expressed in hundredths of a
// basis point (3000 = 0.30%), matching the usual AMM convention.
const feeDenominator = 1_000_000

// ErrUnsettledDebt is returned when a flash-borrow callback completes without
// repaying the borrowed amount.
var ErrUnsettledDebt = errors.New("flash borrow not settled before callback end")

// PoolKey identifies a pool by its ordered asset pair and fee tier.
type PoolKey struct {
	Token0  common.Address
	Token1  common.Address
	FeeTier uint32
}

// NewPoolKey builds a key with the canonical token ordering.
func NewPoolKey(a, b common.Address, feeTier uint32) PoolKey {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return PoolKey{Token0: a, Token1: b, FeeTier: feeTier}
}

// ID returns the pool's identifying hash.
func (k PoolKey) ID() common.Hash {
	var buf [44]byte
	copy(buf[0:20], k.Token0.Bytes())
	copy(buf[20:40], k.Token1.Bytes())
	buf[40] = byte(k.FeeTier >> 24)
	buf[41] = byte(k.FeeTier >> 16)
	buf[42] = byte(k.FeeTier >> 8)
	buf[43] = byte(k.FeeTier)
	return crypto.Keccak256Hash(buf[:])
}

// Contains reports whether asset is one of the pool's two tokens.
func (k PoolKey) Contains(asset common.Address) bool {
	return asset == k.Token0 || asset == k.Token1
}

// Other returns the pool token paired with asset.
func (k PoolKey) Other(asset common.Address) common.Address {
	if asset == k.Token0 {
		return k.Token1
	}
	return k.Token0
}

// SwapResult describes the asset movement produced by one swap or
// flash-borrow, as seen by the initiating account.
type SwapResult struct {
	AssetIn   common.Address
	AssetOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
}

// SwapHook receives the post-swap callback the venue fires after every swap
// and flash-borrow. A hook returning an error aborts the operation.
type SwapHook interface {
	OnSwapComplete(caller common.Address, key PoolKey, result SwapResult, payload []byte) error
}

type pool struct {
	key      PoolKey
	reserve0 *big.Int
	reserve1 *big.Int
}

type flashDebt struct {
	borrower common.Address
	asset    common.Address
	amount   *big.Int
}

type venueState struct {
	pools       map[common.Hash]*pool
	balances    map[common.Address]map[common.Address]*big.Int
	outstanding map[common.Hash]*flashDebt
}

// PoolManager executes swaps and flash-borrows against in-memory
// constant-product pools and keeps per-account token balances.
type PoolManager struct {
	mu     sync.Mutex
	state  venueState
	hook   SwapHook
	logger *zap.Logger

	snapshots []venueState

	metrics struct {
		swaps        prometheus.Counter
		flashBorrows prometheus.Counter
		settleErrors prometheus.Counter
	}
}

// NewPoolManager creates an empty pool manager.
func NewPoolManager(logger *zap.Logger) *PoolManager {
	m := &PoolManager{
		state: venueState{
			pools:       make(map[common.Hash]*pool),
			balances:    make(map[common.Address]map[common.Address]*big.Int),
			outstanding: make(map[common.Hash]*flashDebt),
		},
		logger: logger,
	}

	m.metrics.swaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "venue_swaps_total",
		Help: "Total number of swaps executed",
	})
	m.metrics.flashBorrows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "venue_flash_borrows_total",
		Help: "Total number of flash borrows initiated",
	})
	m.metrics.settleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "venue_settle_errors_total",
		Help: "Total number of flash borrows that failed to settle",
	})

	return m
}

// RegisterHook sets the callback invoked after every swap and flash-borrow.
func (m *PoolManager) RegisterHook(hook SwapHook) {
	m.mu.Lock()
	m.hook = hook
	m.mu.Unlock()
}

// CreatePool initializes a pool with the given reserves, in key token order.
func (m *PoolManager) CreatePool(key PoolKey, reserve0, reserve1 *big.Int) error {
	if math.IsZero(reserve0) || math.IsZero(reserve1) {
		return fmt.Errorf("pool reserves must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := key.ID()
	if _, ok := m.state.pools[id]; ok {
		return fmt.Errorf("pool %s already exists", id.Hex())
	}
	m.state.pools[id] = &pool{
		key:      key,
		reserve0: math.Clone(reserve0),
		reserve1: math.Clone(reserve1),
	}

	m.logger.Info("Pool created",
		zap.String("pool", id.Hex()),
		zap.String("token0", key.Token0.Hex()),
		zap.String("token1", key.Token1.Hex()),
		zap.Uint32("fee_tier", key.FeeTier))
	return nil
}

// HasPool reports whether a pool exists for the key.
func (m *PoolManager) HasPool(key PoolKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.pools[key.ID()]
	return ok
}

// Reserves returns the current pool reserves in key token order.
func (m *PoolManager) Reserves(key PoolKey) (*big.Int, *big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.pools[key.ID()]
	if !ok {
		return nil, nil, fmt.Errorf("unknown pool %s", key.ID().Hex())
	}
	return math.Clone(p.reserve0), math.Clone(p.reserve1), nil
}

// Mint credits an account with tokens arriving from outside the venue.
func (m *PoolManager) Mint(to, asset common.Address, amount *big.Int) {
	if math.IsZero(amount) {
		return
	}
	m.mu.Lock()
	m.creditLocked(to, asset, amount)
	m.mu.Unlock()
}

// Burn removes tokens leaving the venue (e.g. paid out to a protocol).
func (m *PoolManager) Burn(from, asset common.Address, amount *big.Int) error {
	if math.IsZero(amount) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitLocked(from, asset, amount)
}

// Transfer moves tokens between venue accounts.
func (m *PoolManager) Transfer(from, to, asset common.Address, amount *big.Int) error {
	if math.IsZero(amount) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.debitLocked(from, asset, amount); err != nil {
		return err
	}
	m.creditLocked(to, asset, amount)
	return nil
}

// BalanceOf returns the account's balance of asset.
func (m *PoolManager) BalanceOf(account, asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.state.balances[account][asset]; ok {
		return math.Clone(bal)
	}
	return new(big.Int)
}

// QuoteSwap computes the output of swapping amountIn of assetIn through the
// pool, without executing it.
func (m *PoolManager) QuoteSwap(key PoolKey, assetIn common.Address, amountIn *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.pools[key.ID()]
	if !ok {
		return nil, fmt.Errorf("unknown pool %s", key.ID().Hex())
	}
	out, _, _, err := p.amountOut(assetIn, amountIn)
	return out, err
}

// Swap executes a directional swap for caller and fires the post-swap hook.
func (m *PoolManager) Swap(caller common.Address, key PoolKey, assetIn common.Address, amountIn *big.Int) (SwapResult, error) {
	m.mu.Lock()

	p, ok := m.state.pools[key.ID()]
	if !ok {
		m.mu.Unlock()
		return SwapResult{}, fmt.Errorf("unknown pool %s", key.ID().Hex())
	}

	out, reserveIn, reserveOut, err := p.amountOut(assetIn, amountIn)
	if err != nil {
		m.mu.Unlock()
		return SwapResult{}, err
	}
	if out.Sign() == 0 {
		m.mu.Unlock()
		return SwapResult{}, fmt.Errorf("swap output is zero")
	}

	if err := m.debitLocked(caller, assetIn, amountIn); err != nil {
		m.mu.Unlock()
		return SwapResult{}, err
	}
	assetOut := key.Other(assetIn)
	m.creditLocked(caller, assetOut, out)
	reserveIn.Add(reserveIn, amountIn)
	reserveOut.Sub(reserveOut, out)

	result := SwapResult{
		AssetIn:   assetIn,
		AssetOut:  assetOut,
		AmountIn:  math.Clone(amountIn),
		AmountOut: math.Clone(out),
	}
	hook := m.hook
	m.mu.Unlock()

	m.metrics.swaps.Inc()

	// Ordinary swaps carry no payload; the hook treats them as a no-op.
	if hook != nil {
		if err := hook.OnSwapComplete(caller, key, result, nil); err != nil {
			return SwapResult{}, fmt.Errorf("post-swap hook rejected swap: %w", err)
		}
	}
	return result, nil
}

// FlashBorrow lends amount of asset from the pool to caller for the duration
// of the callback. The hook must settle the full amount via Settle before
// returning, otherwise the borrow fails with ErrUnsettledDebt. Callers are
// expected to snapshot and revert surrounding state on error.
func (m *PoolManager) FlashBorrow(caller common.Address, key PoolKey, asset common.Address, amount *big.Int, payload []byte) error {
	if math.IsZero(amount) {
		return fmt.Errorf("flash borrow amount must be positive")
	}
	if !key.Contains(asset) {
		return fmt.Errorf("asset %s not in pool %s", asset.Hex(), key.ID().Hex())
	}

	m.mu.Lock()

	id := key.ID()
	p, ok := m.state.pools[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown pool %s", id.Hex())
	}
	if _, busy := m.state.outstanding[id]; busy {
		m.mu.Unlock()
		return fmt.Errorf("pool %s already has an open flash borrow", id.Hex())
	}

	reserve := p.reserveOf(asset)
	if reserve.Cmp(amount) < 0 {
		m.mu.Unlock()
		return fmt.Errorf("insufficient pool liquidity: have %v, want %v", reserve, amount)
	}

	reserve.Sub(reserve, amount)
	m.creditLocked(caller, asset, amount)
	m.state.outstanding[id] = &flashDebt{
		borrower: caller,
		asset:    asset,
		amount:   math.Clone(amount),
	}

	hook := m.hook
	m.mu.Unlock()

	m.metrics.flashBorrows.Inc()

	if hook == nil {
		return fmt.Errorf("no hook registered for flash borrow callback")
	}

	result := SwapResult{
		AssetOut:  asset,
		AmountOut: math.Clone(amount),
		AmountIn:  new(big.Int),
	}
	if err := hook.OnSwapComplete(caller, key, result, payload); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if debt, open := m.state.outstanding[id]; open && debt.amount.Sign() > 0 {
		m.metrics.settleErrors.Inc()
		return fmt.Errorf("%w: %v of %s outstanding", ErrUnsettledDebt, debt.amount, debt.asset.Hex())
	}
	delete(m.state.outstanding, id)
	return nil
}

// Settle repays part or all of the pool's open flash borrow from the payer's
// balance.
func (m *PoolManager) Settle(from common.Address, key PoolKey, asset common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := key.ID()
	debt, ok := m.state.outstanding[id]
	if !ok {
		return fmt.Errorf("no open flash borrow for pool %s", id.Hex())
	}
	if debt.asset != asset {
		return fmt.Errorf("settlement asset %s does not match borrowed %s", asset.Hex(), debt.asset.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid settlement amount")
	}
	if amount.Cmp(debt.amount) > 0 {
		return fmt.Errorf("settlement amount %v exceeds outstanding %v", amount, debt.amount)
	}

	if err := m.debitLocked(from, asset, amount); err != nil {
		return err
	}
	p := m.state.pools[id]
	reserve := p.reserveOf(asset)
	reserve.Add(reserve, amount)
	debt.amount = new(big.Int).Sub(debt.amount, amount)
	if debt.amount.Sign() == 0 {
		delete(m.state.outstanding, id)
	}
	return nil
}

// Snapshot captures the full venue state and returns an id for
// RevertToSnapshot.
func (m *PoolManager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots = append(m.snapshots, m.state.clone())
	return len(m.snapshots) - 1
}

// RevertToSnapshot restores the state captured by Snapshot and discards it
// and any later snapshots.
func (m *PoolManager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.state = m.snapshots[id]
	m.snapshots = m.snapshots[:id]
}

// DiscardSnapshot drops a snapshot taken for an attempt that committed.
func (m *PoolManager) DiscardSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.snapshots = m.snapshots[:id]
}

func (m *PoolManager) creditLocked(account, asset common.Address, amount *big.Int) {
	book, ok := m.state.balances[account]
	if !ok {
		book = make(map[common.Address]*big.Int)
		m.state.balances[account] = book
	}
	if bal, ok := book[asset]; ok {
		bal.Add(bal, amount)
	} else {
		book[asset] = math.Clone(amount)
	}
}

func (m *PoolManager) debitLocked(account, asset common.Address, amount *big.Int) error {
	bal, ok := m.state.balances[account][asset]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance of %s for account %s", asset.Hex(), account.Hex())
	}
	bal.Sub(bal, amount)
	return nil
}

// amountOut computes the constant-product output for amountIn of assetIn and
// returns the live reserve pointers for the caller to mutate.
func (p *pool) amountOut(assetIn common.Address, amountIn *big.Int) (*big.Int, *big.Int, *big.Int, error) {
	if !p.key.Contains(assetIn) {
		return nil, nil, nil, fmt.Errorf("asset %s not in pool", assetIn.Hex())
	}
	if math.IsZero(amountIn) {
		return nil, nil, nil, fmt.Errorf("swap input must be positive")
	}

	reserveIn, reserveOut := p.reserve0, p.reserve1
	if assetIn == p.key.Token1 {
		reserveIn, reserveOut = p.reserve1, p.reserve0
	}

	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(feeDenominator-int64(p.key.FeeTier)))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(feeDenominator))
	denominator.Add(denominator, amountInWithFee)

	return numerator.Div(numerator, denominator), reserveIn, reserveOut, nil
}

func (p *pool) reserveOf(asset common.Address) *big.Int {
	if asset == p.key.Token0 {
		return p.reserve0
	}
	return p.reserve1
}

func (s venueState) clone() venueState {
	pools := make(map[common.Hash]*pool, len(s.pools))
	for id, p := range s.pools {
		pools[id] = &pool{
			key:      p.key,
			reserve0: math.Clone(p.reserve0),
			reserve1: math.Clone(p.reserve1),
		}
	}
	balances := make(map[common.Address]map[common.Address]*big.Int, len(s.balances))
	for account, book := range s.balances {
		dup := make(map[common.Address]*big.Int, len(book))
		for asset, bal := range book {
			dup[asset] = math.Clone(bal)
		}
		balances[account] = dup
	}
	outstanding := make(map[common.Hash]*flashDebt, len(s.outstanding))
	for id, debt := range s.outstanding {
		outstanding[id] = &flashDebt{
			borrower: debt.borrower,
			asset:    debt.asset,
			amount:   math.Clone(debt.amount),
		}
	}
	return venueState{pools: pools, balances: balances, outstanding: outstanding}
}
