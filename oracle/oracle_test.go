package oracle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func usd(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), USDScale())
}

func TestStaticOracle(t *testing.T) {
	logger := zaptest.NewLogger(t)
	o := NewStaticOracle(logger)

	require.NoError(t, o.SetPrice(weth, usd(2000), 18))
	require.NoError(t, o.SetPrice(dai, usd(1), 18))

	t.Run("USDValue", func(t *testing.T) {
		oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
		value, err := o.USDValue(weth, oneEth)
		require.NoError(t, err)
		assert.Equal(t, usd(2000).String(), value.String())

		half := new(big.Int).Div(oneEth, big.NewInt(2))
		value, err = o.USDValue(weth, half)
		require.NoError(t, err)
		assert.Equal(t, usd(1000).String(), value.String())
	})

	t.Run("TokenAmountForUSD", func(t *testing.T) {
		amount, err := o.TokenAmountForUSD(weth, usd(4000))
		require.NoError(t, err)
		twoEth := new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
		assert.Equal(t, twoEth.String(), amount.String())
	})

	t.Run("RoundTrip", func(t *testing.T) {
		amount := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
		value, err := o.USDValue(dai, amount)
		require.NoError(t, err)
		back, err := o.TokenAmountForUSD(dai, value)
		require.NoError(t, err)
		assert.Equal(t, amount.String(), back.String())
	})

	t.Run("UnknownAsset", func(t *testing.T) {
		unknown := common.HexToAddress("0x1234")
		_, err := o.USDValue(unknown, big.NewInt(1))
		require.Error(t, err)
		_, err = o.TokenAmountForUSD(unknown, big.NewInt(1))
		require.Error(t, err)
	})

	t.Run("InvalidPrice", func(t *testing.T) {
		require.Error(t, o.SetPrice(weth, nil, 18))
		require.Error(t, o.SetPrice(weth, big.NewInt(-1), 18))
	})
}
