package orchestrator

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/liqbot/engine"
	"github.com/michaelpento.lv/liqbot/ledger"
	"github.com/michaelpento.lv/liqbot/oracle"
	"github.com/michaelpento.lv/liqbot/venue"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	sUSD = common.HexToAddress("0x57Ab1ec28D129707052df4dF418D58a2D46d5f51")

	alice = common.HexToAddress("0x0000000000000000000000000000000000a11ce1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000b0b01")
	carol = common.HexToAddress("0x0000000000000000000000000000000000ca2012")

	receiver   = common.HexToAddress("0x000000000000000000000000000000000000fee1")
	emergency  = common.HexToAddress("0x0000000000000000000000000000000000911911")
	stranger   = common.HexToAddress("0x0000000000000000000000000000000000badbad")
	engineAcct = common.HexToAddress("0x000000000000000000000000000000000000e001")
)

func usd(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), oracle.USDScale())
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// tenths returns n tenths of a token (n * 10^17).
func tenths(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
}

type world struct {
	oracle       *oracle.StaticOracle
	ledger       *ledger.Ledger
	venue        *venue.PoolManager
	engine       *engine.Engine
	orchestrator *Orchestrator
}

// newWorld builds two underwater borrowers (alice, bob) and one healthy one
// (carol), all on the sUSD/WETH pair.
func newWorld(t *testing.T) *world {
	logger := zaptest.NewLogger(t)

	o := oracle.NewStaticOracle(logger)
	require.NoError(t, o.SetPrice(weth, usd(2000), 18))
	require.NoError(t, o.SetPrice(sUSD, usd(10), 18))

	l := ledger.New(o, ledger.Config{DefaultMinRatioBps: 15000, DefaultAuctionDiscountBps: 1000}, logger)
	for _, b := range []common.Address{alice, bob} {
		_, err := l.OpenPosition(b, sUSD, weth, tenths(15), tokens(100))
		require.NoError(t, err)
	}
	// Carol is overcollateralized and stays healthy after the price drop.
	_, err := l.OpenPosition(carol, sUSD, weth, tokens(10), tokens(100))
	require.NoError(t, err)

	m := venue.NewPoolManager(logger)
	key := venue.NewPoolKey(sUSD, weth, 3000)
	r0, r1 := tokens(90_000), tokens(1000)
	if key.Token0 == weth {
		r0, r1 = r1, r0
	}
	require.NoError(t, m.CreatePool(key, r0, r1))

	e := engine.New(m, l, o, engine.Config{Account: engineAcct, DefaultFeeTier: 3000, AssumedSlippageBps: 100}, logger)

	orch, err := New(e, Params{
		MinProfitAmount:      tokens(1),
		SlippageToleranceBps: 50,
		ProfitReceiver:       receiver,
		EmergencyLiquidator:  emergency,
	}, logger)
	require.NoError(t, err)

	// Underwater from here on.
	require.NoError(t, o.SetPrice(weth, usd(900), 18))

	return &world{oracle: o, ledger: l, venue: m, engine: e, orchestrator: orch}
}

func TestAddTokenPairAuthorization(t *testing.T) {
	w := newWorld(t)

	require.NoError(t, w.orchestrator.AddTokenPair(receiver, sUSD, weth, 3000))
	require.NoError(t, w.orchestrator.AddTokenPair(emergency, sUSD, weth, 500))

	err := w.orchestrator.AddTokenPair(stranger, sUSD, weth, 3000)
	require.ErrorIs(t, err, ErrNotAuthorized)

	assert.Len(t, w.orchestrator.TokenPairs(), 2)
}

func TestWatchListKeepsDuplicates(t *testing.T) {
	w := newWorld(t)

	require.NoError(t, w.orchestrator.AddTokenPair(receiver, sUSD, weth, 3000))
	require.NoError(t, w.orchestrator.AddTokenPair(receiver, sUSD, weth, 3000))
	assert.Len(t, w.orchestrator.TokenPairs(), 2)

	// Duplicate watch-list entries produce duplicate scan results.
	opportunities, err := w.orchestrator.ScanForLiquidations(context.Background(), []common.Address{alice})
	require.NoError(t, err)
	assert.Len(t, opportunities, 2)
}

func TestUpdateParameters(t *testing.T) {
	w := newWorld(t)

	next := Params{
		MinProfitAmount:      tokens(5),
		SlippageToleranceBps: 100,
		ProfitReceiver:       receiver,
		EmergencyLiquidator:  emergency,
	}
	require.ErrorIs(t, w.orchestrator.UpdateParameters(receiver, next), ErrNotAuthorized)
	require.ErrorIs(t, w.orchestrator.UpdateParameters(stranger, next), ErrNotAuthorized)

	require.NoError(t, w.orchestrator.UpdateParameters(emergency, next))
	got := w.orchestrator.Parameters()
	assert.Equal(t, tokens(5).String(), got.MinProfitAmount.String())
	assert.Equal(t, uint64(100), got.SlippageToleranceBps)
}

func TestScanForLiquidations(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.orchestrator.AddTokenPair(receiver, sUSD, weth, 3000))

	opportunities, err := w.orchestrator.ScanForLiquidations(context.Background(),
		[]common.Address{alice, carol, bob})
	require.NoError(t, err)
	require.Len(t, opportunities, 2, "carol is healthy and must not appear")

	// Stable borrowers-by-pairs order.
	assert.Equal(t, alice, opportunities[0].Borrower)
	assert.Equal(t, bob, opportunities[1].Borrower)
	for _, opp := range opportunities {
		assert.Equal(t, tokens(100).String(), opp.MaxDebtAmount.String())
		assert.Positive(t, opp.EstimatedProfit.Sign())
	}
}

func TestScanRespectsProfitFloor(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.orchestrator.AddTokenPair(receiver, sUSD, weth, 3000))

	require.NoError(t, w.orchestrator.UpdateParameters(emergency, Params{
		MinProfitAmount:      tokens(1_000_000),
		SlippageToleranceBps: 50,
		ProfitReceiver:       receiver,
		EmergencyLiquidator:  emergency,
	}))

	opportunities, err := w.orchestrator.ScanForLiquidations(context.Background(), []common.Address{alice, bob})
	require.NoError(t, err)
	assert.Empty(t, opportunities)
}

func TestExecuteLiquidation(t *testing.T) {
	w := newWorld(t)

	event, err := w.orchestrator.ExecuteLiquidation(context.Background(),
		stranger, sUSD, weth, alice, big.NewInt(0), 0, false)
	require.NoError(t, err, "non-emergency execution needs no authorization")
	require.NotNil(t, event)

	assert.Equal(t, tokens(100).String(), event.DebtAmount.String())
	assert.False(t, event.Emergency)
	assert.Equal(t, event.Profit.String(), w.venue.BalanceOf(receiver, sUSD).String(),
		"profit goes to the configured receiver")

	// Recorded in history.
	history := w.orchestrator.History()
	require.Len(t, history, 1)
	assert.Equal(t, event.AttemptID, history[0].AttemptID)
}

func TestExecuteLiquidationProfitFloor(t *testing.T) {
	w := newWorld(t)

	require.NoError(t, w.orchestrator.UpdateParameters(emergency, Params{
		MinProfitAmount:      tokens(1_000_000),
		SlippageToleranceBps: 50,
		ProfitReceiver:       receiver,
		EmergencyLiquidator:  emergency,
	}))

	_, err := w.orchestrator.ExecuteLiquidation(context.Background(),
		stranger, sUSD, weth, alice, big.NewInt(0), 0, false)
	require.ErrorIs(t, err, ErrInsufficientProfit)

	// The emergency path bypasses the floor.
	event, err := w.orchestrator.EmergencyLiquidate(context.Background(),
		emergency, sUSD, weth, alice, big.NewInt(0), 0)
	require.NoError(t, err)
	assert.True(t, event.Emergency)
}

func TestExecuteLiquidationNotLiquidatable(t *testing.T) {
	w := newWorld(t)

	_, err := w.orchestrator.ExecuteLiquidation(context.Background(),
		stranger, sUSD, weth, carol, big.NewInt(0), 0, false)
	require.ErrorIs(t, err, engine.ErrNotLiquidatable)
}

func TestEmergencyAuthorization(t *testing.T) {
	w := newWorld(t)

	_, err := w.orchestrator.EmergencyLiquidate(context.Background(),
		stranger, sUSD, weth, alice, big.NewInt(0), 0)
	require.ErrorIs(t, err, ErrNotEmergencyLiquidator)

	_, err = w.orchestrator.ExecuteLiquidation(context.Background(),
		receiver, sUSD, weth, alice, big.NewInt(0), 0, true)
	require.ErrorIs(t, err, ErrNotEmergencyLiquidator)
}

func TestBatchExecuteLiquidations(t *testing.T) {
	w := newWorld(t)

	// Three candidates: two valid, carol deliberately healthy.
	borrowers := []common.Address{alice, carol, bob}
	debts := []common.Address{sUSD, sUSD, sUSD}
	collaterals := []common.Address{weth, weth, weth}
	amounts := []*big.Int{big.NewInt(0), big.NewInt(0), big.NewInt(0)}
	feeTiers := []uint32{3000, 3000, 3000}

	events, err := w.orchestrator.BatchExecuteLiquidations(context.Background(),
		stranger, borrowers, debts, collaterals, amounts, feeTiers)
	require.NoError(t, err)
	require.Len(t, events, 2, "the bad candidate must not block the others")

	assert.Equal(t, alice, events[0].Borrower)
	assert.Equal(t, bob, events[1].Borrower)
}

func TestBatchLengthValidation(t *testing.T) {
	w := newWorld(t)

	_, err := w.orchestrator.BatchExecuteLiquidations(context.Background(), stranger,
		[]common.Address{alice, bob},
		[]common.Address{sUSD},
		[]common.Address{weth, weth},
		[]*big.Int{big.NewInt(0), big.NewInt(0)},
		[]uint32{3000, 3000})
	require.ErrorIs(t, err, ErrArrayLengthMismatch)
}
