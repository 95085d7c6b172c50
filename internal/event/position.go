package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SupplyCollateral adds collateral to a borrower's position.
type SupplyCollateral struct {
	MarketID common.Hash
	Borrower common.Address
	Assets   *big.Int
	BlockRef BlockRef
}

func (e *SupplyCollateral) IdempotencyKey() string {
	return fmt.Sprintf("SupplyCollateral:%s", e.BlockRef.Key())
}

func (e *SupplyCollateral) EventType() EventType { return EventTypeSupplyCollateral }
func (e *SupplyCollateral) Market() common.Hash  { return e.MarketID }
func (e *SupplyCollateral) Block() BlockRef      { return e.BlockRef }

// WithdrawCollateral removes collateral from a borrower's position.
type WithdrawCollateral struct {
	MarketID common.Hash
	Borrower common.Address
	Assets   *big.Int
	BlockRef BlockRef
}

func (e *WithdrawCollateral) IdempotencyKey() string {
	return fmt.Sprintf("WithdrawCollateral:%s", e.BlockRef.Key())
}

func (e *WithdrawCollateral) EventType() EventType { return EventTypeWithdrawCollateral }
func (e *WithdrawCollateral) Market() common.Hash  { return e.MarketID }
func (e *WithdrawCollateral) Block() BlockRef      { return e.BlockRef }

// Borrow draws loan assets against a position's collateral.
type Borrow struct {
	MarketID common.Hash
	Borrower common.Address
	Assets   *big.Int
	Shares   *big.Int
	BlockRef BlockRef
}

func (e *Borrow) IdempotencyKey() string {
	return fmt.Sprintf("Borrow:%s", e.BlockRef.Key())
}

func (e *Borrow) EventType() EventType { return EventTypeBorrow }
func (e *Borrow) Market() common.Hash  { return e.MarketID }
func (e *Borrow) Block() BlockRef      { return e.BlockRef }

// Repay pays down a position's borrow shares.
type Repay struct {
	MarketID common.Hash
	Borrower common.Address
	Assets   *big.Int
	Shares   *big.Int
	BlockRef BlockRef
}

func (e *Repay) IdempotencyKey() string {
	return fmt.Sprintf("Repay:%s", e.BlockRef.Key())
}

func (e *Repay) EventType() EventType { return EventTypeRepay }
func (e *Repay) Market() common.Hash  { return e.MarketID }
func (e *Repay) Block() BlockRef      { return e.BlockRef }

// Liquidate seizes collateral from an underwater position. RepaidShares is the
// debt bought back by the liquidator; BadDebtShares/BadDebtAssets is debt
// written off against the supply side when the seized collateral was
// insufficient.
type Liquidate struct {
	MarketID      common.Hash
	Borrower      common.Address
	Liquidator    common.Address
	RepaidAssets  *big.Int
	RepaidShares  *big.Int
	SeizedAssets  *big.Int
	BadDebtAssets *big.Int
	BadDebtShares *big.Int
	BlockRef      BlockRef
}

func (e *Liquidate) IdempotencyKey() string {
	return fmt.Sprintf("Liquidate:%s", e.BlockRef.Key())
}

func (e *Liquidate) EventType() EventType { return EventTypeLiquidate }
func (e *Liquidate) Market() common.Hash  { return e.MarketID }
func (e *Liquidate) Block() BlockRef      { return e.BlockRef }
