package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrMarketExists      = errors.New("ledger: market already exists")
	ErrMarketNotFound    = errors.New("ledger: market not found")
	ErrPositionNotFound  = errors.New("ledger: position not found")
	ErrObservationExists = errors.New("ledger: price observation already recorded")
)

// Store holds the authoritative reconstructed ledger state. Mutations go
// through per-key read-modify-write methods under the store lock, so a
// mutation applied for one event is visible to every later read. Reads
// return deep copies — callers never share big.Int instances with the store.
type Store struct {
	mu        sync.RWMutex
	markets   map[common.Hash]*Market
	positions map[PositionKey]*Position

	// Price history per oracle, ascending block order, deduped by
	// (oracle, block number).
	prices     map[common.Address][]*OraclePriceObservation
	priceIndex map[priceKey]struct{}

	fees []*FeeCollection
}

type priceKey struct {
	oracle common.Address
	block  uint64
}

func NewStore() *Store {
	return &Store{
		markets:    make(map[common.Hash]*Market),
		positions:  make(map[PositionKey]*Position),
		prices:     make(map[common.Address][]*OraclePriceObservation),
		priceIndex: make(map[priceKey]struct{}),
	}
}

// InsertMarket adds a new market. Fails if the id is already present.
func (s *Store) InsertMarket(m *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.ID)
	}
	s.markets[m.ID] = m.clone()
	return nil
}

// GetMarket returns a copy of the market row, or false if unknown.
func (s *Store) GetMarket(id common.Hash) (*Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// UpdateMarket applies mutate to the market row atomically.
func (s *Store) UpdateMarket(id common.Hash, mutate func(*Market) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return mutate(m)
}

// Markets returns copies of all market rows, ordered by id.
func (s *Store) Markets() []*Market {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// GetPosition returns a copy of the position row, or false if unknown.
func (s *Store) GetPosition(key PositionKey) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// UpsertPosition applies mutate to the position row, creating a zero-balance
// row first if the key is new.
func (s *Store) UpsertPosition(key PositionKey, mutate func(*Position) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[key]
	if !ok {
		p = &Position{
			MarketID:     key.MarketID,
			Borrower:     key.Borrower,
			BorrowShares: new(big.Int),
			Collateral:   new(big.Int),
		}
		s.positions[key] = p
	}
	return mutate(p)
}

// UpdatePosition applies mutate to an existing position row. Fails with
// ErrPositionNotFound if the key has never been seen — the caller treats
// that as a consistency fault.
func (s *Store) UpdatePosition(key PositionKey, mutate func(*Position) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[key]
	if !ok {
		return fmt.Errorf("%w: market=%s borrower=%s", ErrPositionNotFound, key.MarketID, key.Borrower)
	}
	return mutate(p)
}

// PutObservation appends a price observation. Returns ErrObservationExists
// when (oracle, block) was already recorded; the write is ignored.
func (s *Store) PutObservation(obs *OraclePriceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := priceKey{oracle: obs.Oracle, block: obs.BlockNumber}
	if _, dup := s.priceIndex[key]; dup {
		return fmt.Errorf("%w: oracle=%s block=%d", ErrObservationExists, obs.Oracle, obs.BlockNumber)
	}
	s.priceIndex[key] = struct{}{}

	history := s.prices[obs.Oracle]
	clone := obs.clone()

	// Observations normally arrive in block order; fall back to a sorted
	// insert when a late sample shows up.
	if n := len(history); n == 0 || history[n-1].BlockNumber < clone.BlockNumber {
		s.prices[obs.Oracle] = append(history, clone)
		return nil
	}

	i := sort.Search(len(history), func(i int) bool {
		return history[i].BlockNumber > clone.BlockNumber
	})
	history = append(history, nil)
	copy(history[i+1:], history[i:])
	history[i] = clone
	s.prices[obs.Oracle] = history
	return nil
}

// LatestPrice returns the freshest observation for oracle at or before
// atBlock, or false if none exists yet.
func (s *Store) LatestPrice(oracle common.Address, atBlock uint64) (*OraclePriceObservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs, ok := s.latestPriceLocked(oracle, atBlock)
	if !ok {
		return nil, false
	}
	return obs.clone(), true
}

func (s *Store) latestPriceLocked(oracle common.Address, atBlock uint64) (*OraclePriceObservation, bool) {
	history := s.prices[oracle]
	if len(history) == 0 {
		return nil, false
	}

	// First index with BlockNumber > atBlock; the observation before it is
	// the latest at-or-before sample.
	i := sort.Search(len(history), func(i int) bool {
		return history[i].BlockNumber > atBlock
	})
	if i == 0 {
		return nil, false
	}
	return history[i-1], true
}

// AppendFeeCollection records a protocol fee collection row.
func (s *Store) AppendFeeCollection(fc *FeeCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *fc
	c.FeeShares = new(big.Int).Set(fc.FeeShares)
	c.TotalSupplyAssets = new(big.Int).Set(fc.TotalSupplyAssets)
	c.TotalSupplyShares = new(big.Int).Set(fc.TotalSupplyShares)
	s.fees = append(s.fees, &c)
}

// FeeCollections returns all recorded fee collections for a market in
// insertion order.
func (s *Store) FeeCollections(marketID common.Hash) []*FeeCollection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*FeeCollection
	for _, fc := range s.fees {
		if fc.MarketID != marketID {
			continue
		}
		c := *fc
		c.FeeShares = new(big.Int).Set(fc.FeeShares)
		c.TotalSupplyAssets = new(big.Int).Set(fc.TotalSupplyAssets)
		c.TotalSupplyShares = new(big.Int).Set(fc.TotalSupplyShares)
		out = append(out, &c)
	}
	return out
}

// ScanRiskPositions joins every position with borrowShares > 0 and
// collateral > 0 to its market and the latest price observation at or before
// atBlock. Positions whose oracle has no observation yet are omitted — they
// cannot be classified. Rows are ordered by (market id, borrower) so a scan
// is deterministic.
func (s *Store) ScanRiskPositions(atBlock uint64) []*RiskRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*RiskRow
	for key, p := range s.positions {
		if p.BorrowShares.Sign() <= 0 || p.Collateral.Sign() <= 0 {
			continue
		}

		m, ok := s.markets[key.MarketID]
		if !ok {
			continue
		}

		obs, ok := s.latestPriceLocked(m.Oracle, atBlock)
		if !ok {
			continue
		}

		rows = append(rows, &RiskRow{
			MarketID:          key.MarketID,
			Borrower:          key.Borrower,
			BorrowShares:      new(big.Int).Set(p.BorrowShares),
			Collateral:        new(big.Int).Set(p.Collateral),
			TotalBorrowAssets: new(big.Int).Set(m.TotalBorrowAssets),
			TotalBorrowShares: new(big.Int).Set(m.TotalBorrowShares),
			LLTV:              new(big.Int).Set(m.LLTV),
			Oracle:            m.Oracle,
			Price:             new(big.Int).Set(obs.Price),
			PriceBlock:        obs.BlockNumber,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if c := bytes.Compare(rows[i].MarketID[:], rows[j].MarketID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(rows[i].Borrower[:], rows[j].Borrower[:]) < 0
	})
	return rows
}
