package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CreateMarket announces a new isolated market with its immutable parameters.
type CreateMarket struct {
	MarketID        common.Hash
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	IRM             common.Address
	LLTV            *big.Int // 18-decimal fixed point, 0 < LLTV < 1e18
	BlockRef        BlockRef
}

func (e *CreateMarket) IdempotencyKey() string {
	return fmt.Sprintf("CreateMarket:%s", e.BlockRef.Key())
}

func (e *CreateMarket) EventType() EventType { return EventTypeCreateMarket }
func (e *CreateMarket) Market() common.Hash  { return e.MarketID }
func (e *CreateMarket) Block() BlockRef      { return e.BlockRef }

// Supply adds loan assets to a market's supply side.
type Supply struct {
	MarketID common.Hash
	Supplier common.Address
	Assets   *big.Int
	Shares   *big.Int
	BlockRef BlockRef
}

func (e *Supply) IdempotencyKey() string {
	return fmt.Sprintf("Supply:%s", e.BlockRef.Key())
}

func (e *Supply) EventType() EventType { return EventTypeSupply }
func (e *Supply) Market() common.Hash  { return e.MarketID }
func (e *Supply) Block() BlockRef      { return e.BlockRef }

// AccrueInterest compounds interest into a market's totals. FeeShares is the
// protocol fee minted as supply shares; zero when no fee is configured.
type AccrueInterest struct {
	MarketID  common.Hash
	Interest  *big.Int
	FeeShares *big.Int
	BlockRef  BlockRef
}

func (e *AccrueInterest) IdempotencyKey() string {
	return fmt.Sprintf("AccrueInterest:%s", e.BlockRef.Key())
}

func (e *AccrueInterest) EventType() EventType { return EventTypeAccrueInterest }
func (e *AccrueInterest) Market() common.Hash  { return e.MarketID }
func (e *AccrueInterest) Block() BlockRef      { return e.BlockRef }
