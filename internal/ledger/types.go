package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Market is the materialized state of one isolated lending market.
// Created by CreateMarket, mutated by every accounting event, never deleted.
type Market struct {
	ID              common.Hash
	ChainID         uint64
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	IRM             common.Address

	// Liquidation loan-to-value threshold, WAD-scaled. 0 < LLTV < 1e18.
	LLTV *big.Int

	TotalSupplyAssets *big.Int
	TotalSupplyShares *big.Int
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int

	// Block timestamp of the last applied event
	LastUpdate uint64
}

// PositionKey identifies a borrower's position within a market.
type PositionKey struct {
	MarketID common.Hash
	Borrower common.Address
}

// Position is a borrower's state in one market. Zero balances are retained,
// never pruned.
type Position struct {
	MarketID     common.Hash
	Borrower     common.Address
	BorrowShares *big.Int
	Collateral   *big.Int
	LastUpdated  uint64
}

// Key returns the position's store key.
func (p *Position) Key() PositionKey {
	return PositionKey{MarketID: p.MarketID, Borrower: p.Borrower}
}

// OraclePriceObservation is one immutable price sample, keyed
// (oracle, block number). Prices are 36-decimal fixed point.
type OraclePriceObservation struct {
	Oracle      common.Address
	Price       *big.Int
	BlockNumber uint64
	Timestamp   uint64
}

// FeeCollection records protocol fee shares minted by an AccrueInterest event.
type FeeCollection struct {
	ID                uuid.UUID
	MarketID          common.Hash
	FeeShares         *big.Int
	TotalSupplyAssets *big.Int
	TotalSupplyShares *big.Int
	BlockNumber       uint64
	LogIndex          uint32
	Timestamp         uint64
}

/// RiskRow is the joined read the liquidation scanner consumes: an active
// position with its market totals and the freshest price at or before the
// scan block.
type RiskRow struct {
	MarketID          common.Hash
	Borrower          common.Address
	BorrowShares      *big.Int
	Collateral        *big.Int
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
	LLTV              *big.Int
	Oracle            common.Address
	Price             *big.Int
	PriceBlock        uint64
}

func (m *Market) clone() *Market {
	c := *m
	c.LLTV = new(big.Int).Set(m.LLTV)
	c.TotalSupplyAssets = new(big.Int).Set(m.TotalSupplyAssets)
	c.TotalSupplyShares = new(big.Int).Set(m.TotalSupplyShares)
	c.TotalBorrowAssets = new(big.Int).Set(m.TotalBorrowAssets)
	c.TotalBorrowShares = new(big.Int).Set(m.TotalBorrowShares)
	return &c
}

func (p *Position) clone() *Position {
	c := *p
	c.BorrowShares = new(big.Int).Set(p.BorrowShares)
	c.Collateral = new(big.Int).Set(p.Collateral)
	return &c
}

func (o *OraclePriceObservation) clone() *OraclePriceObservation {
	c := *o
	c.Price = new(big.Int).Set(o.Price)
	return &c
}
