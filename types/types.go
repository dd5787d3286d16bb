package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// LiquidationParams carries one liquidation attempt through the venue's
// flash-borrow callback. Constructed at call time, consumed entirely within
// the attempt, never persisted.
type LiquidationParams struct {
	Borrower            common.Address
	DebtAsset           common.Address
	CollateralAsset     common.Address
	DebtAmount          *big.Int
	MinProfitAmount     *big.Int
	MinCollateralAmount *big.Int
	FeeTier             uint32
	Caller              common.Address // receives the profit on success
}

// EncodePayload serializes the params for the flash-borrow callback.
func (p *LiquidationParams) EncodePayload() ([]byte, error) {
	data, err := rlp.EncodeToBytes(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode liquidation params: %w", err)
	}
	return data, nil
}

// DecodeLiquidationParams deserializes a callback payload.
func DecodeLiquidationParams(data []byte) (*LiquidationParams, error) {
	params := new(LiquidationParams)
	if err := rlp.DecodeBytes(data, params); err != nil {
		return nil, fmt.Errorf("failed to decode liquidation params: %w", err)
	}
	return params, nil
}

// TokenPair is a watch-list entry: one debt/collateral pair on one fee tier.
type TokenPair struct {
	DebtAsset       common.Address
	CollateralAsset common.Address
	FeeTier         uint32
}

// Opportunity is one qualifying (borrower, pair) combination found by a scan.
type Opportunity struct {
	Borrower            common.Address
	DebtAsset           common.Address
	CollateralAsset     common.Address
	MaxDebtAmount       *big.Int
	EstimatedProfit     *big.Int
	EstimatedCollateral *big.Int
	FeeTier             uint32
}

// LiquidationEvent records a completed liquidation with realized amounts.
type LiquidationEvent struct {
	AttemptID        uint64
	Borrower         common.Address
	DebtAsset        common.Address
	CollateralAsset  common.Address
	DebtAmount       *big.Int
	CollateralSeized *big.Int
	Profit           *big.Int
	Emergency        bool
	Timestamp        time.Time
}

// LiquidationFailure records an attempt that aborted, with the failure reason.
type LiquidationFailure struct {
	AttemptID uint64
	Borrower  common.Address
	DebtAsset common.Address
	Reason    string
	Timestamp time.Time
}
