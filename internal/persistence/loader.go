package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"BlueLedger/internal/event"
	"BlueLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// StateLoader rebuilds the in-memory ledger from Postgres on restart. The
// materialized tables carry full post-event snapshots, so recovery is a bulk
// read, not an event replay.
type StateLoader struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewStateLoader(db *sql.DB, logger zerolog.Logger) *StateLoader {
	return &StateLoader{
		db:     db,
		logger: logger.With().Str("component", "state_loader").Logger(),
	}
}

// LoadState populates store with every persisted market, position, and price
// observation.
func (sl *StateLoader) LoadState(ctx context.Context, store *ledger.Store) error {
	markets, err := sl.loadMarkets(ctx, store)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	positions, err := sl.loadPositions(ctx, store)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	observations, err := sl.loadObservations(ctx, store)
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}

	sl.logger.Info().
		Int("markets", markets).
		Int("positions", positions).
		Int("observations", observations).
		Msg("ledger state restored")
	return nil
}

// LoadWatermark returns the coordinates of the last persisted event, or
// false on a cold start.
func (sl *StateLoader) LoadWatermark(ctx context.Context) (event.BlockRef, bool, error) {
	row := sl.db.QueryRowContext(ctx, `
		SELECT block_number, log_index, block_timestamp
		FROM blue.market_state_deltas
		ORDER BY block_number DESC, log_index DESC
		LIMIT 1
	`)

	var ref event.BlockRef
	err := row.Scan(&ref.Number, &ref.LogIndex, &ref.Timestamp)
	if err == sql.ErrNoRows {
		return event.BlockRef{}, false, nil
	}
	if err != nil {
		return event.BlockRef{}, false, fmt.Errorf("load watermark: %w", err)
	}
	return ref, true, nil
}

func (sl *StateLoader) loadMarkets(ctx context.Context, store *ledger.Store) (int, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT id, chain_id, loan_token, collateral_token, oracle, irm, lltv,
		       total_supply_assets, total_supply_shares,
		       total_borrow_assets, total_borrow_shares, last_update
		FROM blue.markets
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			id, loanToken, collateralToken, oracle, irm        string
			lltv, supplyAssets, supplyShares, borrowA, borrowS string
			chainID, lastUpdate                                uint64
		)
		if err := rows.Scan(&id, &chainID, &loanToken, &collateralToken, &oracle, &irm,
			&lltv, &supplyAssets, &supplyShares, &borrowA, &borrowS, &lastUpdate); err != nil {
			return count, err
		}

		m := &ledger.Market{
			ID:              common.HexToHash(id),
			ChainID:         chainID,
			LoanToken:       common.HexToAddress(loanToken),
			CollateralToken: common.HexToAddress(collateralToken),
			Oracle:          common.HexToAddress(oracle),
			IRM:             common.HexToAddress(irm),
			LastUpdate:      lastUpdate,
		}
		for _, f := range []struct {
			dst **big.Int
			col string
			val string
		}{
			{&m.LLTV, "lltv", lltv},
			{&m.TotalSupplyAssets, "total_supply_assets", supplyAssets},
			{&m.TotalSupplyShares, "total_supply_shares", supplyShares},
			{&m.TotalBorrowAssets, "total_borrow_assets", borrowA},
			{&m.TotalBorrowShares, "total_borrow_shares", borrowS},
		} {
			v, err := parseNumeric(f.col, f.val)
			if err != nil {
				return count, fmt.Errorf("market %s: %w", id, err)
			}
			*f.dst = v
		}

		if err := store.InsertMarket(m); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func (sl *StateLoader) loadPositions(ctx context.Context, store *ledger.Store) (int, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT market_id, borrower, borrow_shares, collateral, last_updated
		FROM blue.positions
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			marketID, borrower, borrowShares, collateral string
			lastUpdated                                  uint64
		)
		if err := rows.Scan(&marketID, &borrower, &borrowShares, &collateral, &lastUpdated); err != nil {
			return count, err
		}

		shares, err := parseNumeric("borrow_shares", borrowShares)
		if err != nil {
			return count, err
		}
		coll, err := parseNumeric("collateral", collateral)
		if err != nil {
			return count, err
		}

		key := ledger.PositionKey{
			MarketID: common.HexToHash(marketID),
			Borrower: common.HexToAddress(borrower),
		}
		err = store.UpsertPosition(key, func(p *ledger.Position) error {
			p.BorrowShares.Set(shares)
			p.Collateral.Set(coll)
			p.LastUpdated = lastUpdated
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func (sl *StateLoader) loadObservations(ctx context.Context, store *ledger.Store) (int, error) {
	rows, err := sl.db.QueryContext(ctx, `
		SELECT oracle, price, block_number, block_timestamp
		FROM blue.oracle_prices
		ORDER BY oracle, block_number
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			oracle, price    string
			block, timestamp uint64
		)
		if err := rows.Scan(&oracle, &price, &block, &timestamp); err != nil {
			return count, err
		}

		p, err := parseNumeric("price", price)
		if err != nil {
			return count, err
		}

		err = store.PutObservation(&ledger.OraclePriceObservation{
			Oracle:      common.HexToAddress(oracle),
			Price:       p,
			BlockNumber: block,
			Timestamp:   timestamp,
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

func parseNumeric(col, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("column %s: not an integer: %q", col, s)
	}
	return v, nil
}
