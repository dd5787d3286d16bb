package engine

import "errors"

// Failure kinds for a liquidation attempt. Every error raised inside the
// liquidation sequence is fatal to the whole attempt: the engine reverts the
// venue and ledger to their pre-attempt snapshots before returning it.
var (
	// ErrNotLiquidatable is returned when the position does not meet the
	// underwater threshold at check time.
	ErrNotLiquidatable = errors.New("position is not liquidatable")

	// ErrDebtAssetMismatch is returned when the flash-borrowed asset differs
	// from the one named in the liquidation parameters.
	ErrDebtAssetMismatch = errors.New("flash-borrowed asset does not match debt asset")

	// ErrLiquidationProtocol is returned when the lending protocol rejects
	// the liquidation call.
	ErrLiquidationProtocol = errors.New("liquidation protocol rejected the call")

	// ErrCollateralBelowMinimum is the slippage guard on seized collateral.
	ErrCollateralBelowMinimum = errors.New("seized collateral below minimum")

	// ErrInsufficientRepayment is returned when the collateral swap does not
	// produce enough debt tokens to repay the flash borrow.
	ErrInsufficientRepayment = errors.New("swap output insufficient to repay flash borrow")

	// ErrProfitBelowMinimum is returned when realized profit is under the
	// caller's floor.
	ErrProfitBelowMinimum = errors.New("realized profit below minimum")

	// ErrSettlementFailure is returned when the venue refuses to settle the
	// borrowed debt asset.
	ErrSettlementFailure = errors.New("failed to settle flash borrow")
)

// failureReason maps an attempt error onto a stable metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrDebtAssetMismatch):
		return "debt_asset_mismatch"
	case errors.Is(err, ErrLiquidationProtocol):
		return "protocol_error"
	case errors.Is(err, ErrCollateralBelowMinimum):
		return "collateral_below_minimum"
	case errors.Is(err, ErrInsufficientRepayment):
		return "insufficient_repayment"
	case errors.Is(err, ErrProfitBelowMinimum):
		return "profit_below_minimum"
	case errors.Is(err, ErrSettlementFailure):
		return "settlement_failure"
	default:
		return "other"
	}
}
