package events

import (
	"math/big"

	"kusd/core/types"
	"kusd/crypto"
)

const (
	// TypeCollateralDeposit is emitted when collateral enters ledger custody.
	TypeCollateralDeposit = "collateral.deposit"
	// TypeCollateralWithdrawn is emitted when a borrower reclaims collateral.
	TypeCollateralWithdrawn = "collateral.withdrawn"
	TypeCollateralBorrow    = "collateral.borrow"
	TypeCollateralRepay     = "collateral.repay"
	// TypeCollateralLiquidation is emitted when a liquidator repays debt and
	// seizes collateral.
	TypeCollateralLiquidation = "collateral.liquidation"
	TypeCollateralTokenAdded  = "collateral.token_added"
)

type CollateralDeposit struct {
	User     crypto.Address
	Asset    string
	Amount   *big.Int
	USDValue *big.Int
}

func (CollateralDeposit) EventType() string { return TypeCollateralDeposit }

func (e CollateralDeposit) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralDeposit,
		Attributes: map[string]string{
			"user":     e.User.String(),
			"asset":    normalizeAsset(e.Asset),
			"amount":   amountString(e.Amount),
			"usdValue": amountString(e.USDValue),
		},
	}
}

type CollateralWithdrawn struct {
	User     crypto.Address
	Asset    string
	Amount   *big.Int
	USDValue *big.Int
}

func (CollateralWithdrawn) EventType() string { return TypeCollateralWithdrawn }

func (e CollateralWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralWithdrawn,
		Attributes: map[string]string{
			"user":     e.User.String(),
			"asset":    normalizeAsset(e.Asset),
			"amount":   amountString(e.Amount),
			"usdValue": amountString(e.USDValue),
		},
	}
}

type CollateralBorrow struct {
	User   crypto.Address
	Amount *big.Int
	Fee    *big.Int
}

func (CollateralBorrow) EventType() string { return TypeCollateralBorrow }

func (e CollateralBorrow) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralBorrow,
		Attributes: map[string]string{
			"user":   e.User.String(),
			"amount": amountString(e.Amount),
			"fee":    amountString(e.Fee),
		},
	}
}

type CollateralRepay struct {
	User          crypto.Address
	Amount        *big.Int
	RemainingDebt *big.Int
}

func (CollateralRepay) EventType() string { return TypeCollateralRepay }

func (e CollateralRepay) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralRepay,
		Attributes: map[string]string{
			"user":          e.User.String(),
			"amount":        amountString(e.Amount),
			"remainingDebt": amountString(e.RemainingDebt),
		},
	}
}

type CollateralLiquidation struct {
	Liquidator   crypto.Address
	Borrower     crypto.Address
	Asset        string
	RepayAmount  *big.Int
	SeizedAmount *big.Int
}

func (CollateralLiquidation) EventType() string { return TypeCollateralLiquidation }

func (e CollateralLiquidation) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralLiquidation,
		Attributes: map[string]string{
			"liquidator":   e.Liquidator.String(),
			"borrower":     e.Borrower.String(),
			"asset":        normalizeAsset(e.Asset),
			"repayAmount":  amountString(e.RepayAmount),
			"seizedAmount": amountString(e.SeizedAmount),
		},
	}
}

type CollateralTokenAdded struct {
	Asset     string
	SupplyCap *big.Int
}

func (CollateralTokenAdded) EventType() string { return TypeCollateralTokenAdded }

func (e CollateralTokenAdded) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralTokenAdded,
		Attributes: map[string]string{
			"asset":     normalizeAsset(e.Asset),
			"supplyCap": amountString(e.SupplyCap),
		},
	}
}
