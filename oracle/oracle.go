package oracle

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// USDDecimals is the fixed-point scale of all USD values the oracle reports.
const USDDecimals = 8

var usdScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(USDDecimals), nil)

// PriceOracle maps token amounts to USD values and back.
type PriceOracle interface {
	// USDValue returns the USD value (8 decimals) of amount of asset.
	USDValue(asset common.Address, amount *big.Int) (*big.Int, error)

	// TokenAmountForUSD returns the token amount worth usd (8 decimals).
	TokenAmountForUSD(asset common.Address, usd *big.Int) (*big.Int, error)
}

type assetInfo struct {
	price    *big.Int // USD per whole token, 8 decimals
	decimals uint8
}

// StaticOracle is an in-memory PriceOracle with admin-settable prices.
type StaticOracle struct {
	mu     sync.RWMutex
	assets map[common.Address]assetInfo
	logger *zap.Logger
}

// NewStaticOracle creates an empty oracle.
func NewStaticOracle(logger *zap.Logger) *StaticOracle {
	return &StaticOracle{
		assets: make(map[common.Address]assetInfo),
		logger: logger,
	}
}

// SetPrice sets the USD price (8 decimals per whole token) and decimal count
// for an asset. Overwrites any previous entry.
func (o *StaticOracle) SetPrice(asset common.Address, price *big.Int, decimals uint8) error {
	if price == nil || price.Sign() < 0 {
		return fmt.Errorf("invalid price for asset %s", asset.Hex())
	}

	o.mu.Lock()
	o.assets[asset] = assetInfo{price: new(big.Int).Set(price), decimals: decimals}
	o.mu.Unlock()

	o.logger.Debug("Oracle price updated",
		zap.String("asset", asset.Hex()),
		zap.String("price_usd", price.String()),
		zap.Uint8("decimals", decimals))
	return nil
}

// USDValue implements PriceOracle.
func (o *StaticOracle) USDValue(asset common.Address, amount *big.Int) (*big.Int, error) {
	info, err := o.lookup(asset)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return new(big.Int), nil
	}

	// value = amount * price / 10^decimals
	value := new(big.Int).Mul(amount, info.price)
	return value.Div(value, pow10(info.decimals)), nil
}

// TokenAmountForUSD implements PriceOracle.
func (o *StaticOracle) TokenAmountForUSD(asset common.Address, usd *big.Int) (*big.Int, error) {
	info, err := o.lookup(asset)
	if err != nil {
		return nil, err
	}
	if info.price.Sign() == 0 {
		return nil, fmt.Errorf("zero price for asset %s", asset.Hex())
	}
	if usd == nil {
		return new(big.Int), nil
	}

	// amount = usd * 10^decimals / price
	amount := new(big.Int).Mul(usd, pow10(info.decimals))
	return amount.Div(amount, info.price), nil
}

func (o *StaticOracle) lookup(asset common.Address) (assetInfo, error) {
	o.mu.RLock()
	info, ok := o.assets[asset]
	o.mu.RUnlock()
	if !ok {
		return assetInfo{}, fmt.Errorf("no price configured for asset %s", asset.Hex())
	}
	return info, nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// USDScale returns the oracle's USD fixed-point scale (10^8).
func USDScale() *big.Int {
	return new(big.Int).Set(usdScale)
}
