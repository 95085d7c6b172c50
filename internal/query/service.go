package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BlueLedger/internal/observability"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("query: not found")

// QueryService serves read-side queries from the materialized Postgres
// tables. Amounts stay decimal strings end to end; the read path never
// re-parses them into machine integers.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// MarketRead is the market read shape.
type MarketRead struct {
	ID                string `json:"id"`
	ChainID           uint64 `json:"chain_id"`
	LoanToken         string `json:"loan_token"`
	CollateralToken   string `json:"collateral_token"`
	Oracle            string `json:"oracle"`
	IRM               string `json:"irm"`
	LLTV              string `json:"lltv"`
	TotalSupplyAssets string `json:"total_supply_assets"`
	TotalSupplyShares string `json:"total_supply_shares"`
	TotalBorrowAssets string `json:"total_borrow_assets"`
	TotalBorrowShares string `json:"total_borrow_shares"`
	LastUpdate        uint64 `json:"last_update"`
}

// PositionRead is the position read shape.
type PositionRead struct {
	MarketID     string `json:"market_id"`
	Borrower     string `json:"borrower"`
	BorrowShares string `json:"borrow_shares"`
	Collateral   string `json:"collateral"`
	LastUpdated  uint64 `json:"last_updated"`
}

// PriceRead is the latest observation for an oracle.
type PriceRead struct {
	Oracle      string `json:"oracle"`
	Price       string `json:"price"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   uint64 `json:"timestamp"`
}

// FeeCollectionRead is one protocol fee collection row.
type FeeCollectionRead struct {
	ID                string `json:"id"`
	MarketID          string `json:"market_id"`
	FeeShares         string `json:"fee_shares"`
	TotalSupplyAssets string `json:"total_supply_assets"`
	TotalSupplyShares string `json:"total_supply_shares"`
	BlockNumber       uint64 `json:"block_number"`
	Timestamp         uint64 `json:"timestamp"`
}

const marketColumns = `id, chain_id, loan_token, collateral_token, oracle, irm, lltv,
	total_supply_assets, total_supply_shares, total_borrow_assets, total_borrow_shares, last_update`

// ListMarkets returns all markets ordered by id.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]MarketRead, error) {
	defer qs.observe("list_markets", time.Now())

	rows, err := qs.db.QueryContext(ctx, `SELECT `+marketColumns+` FROM blue.markets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var out []MarketRead
	for rows.Next() {
		var m MarketRead
		if err := scanMarket(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMarket returns one market by id.
func (qs *QueryService) GetMarket(ctx context.Context, id string) (*MarketRead, error) {
	defer qs.observe("get_market", time.Now())

	row := qs.db.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM blue.markets WHERE id = $1`, id)

	var m MarketRead
	err := scanMarket(row, &m)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	return &m, nil
}

// ListPositions returns positions for a market, active debt first.
func (qs *QueryService) ListPositions(ctx context.Context, marketID string) ([]PositionRead, error) {
	defer qs.observe("list_positions", time.Now())

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, borrower, borrow_shares, collateral, last_updated
		FROM blue.positions
		WHERE market_id = $1
		ORDER BY borrow_shares DESC, borrower
	`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRead
	for rows.Next() {
		var p PositionRead
		if err := rows.Scan(&p.MarketID, &p.Borrower, &p.BorrowShares, &p.Collateral, &p.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition returns one position.
func (qs *QueryService) GetPosition(ctx context.Context, marketID, borrower string) (*PositionRead, error) {
	defer qs.observe("get_position", time.Now())

	row := qs.db.QueryRowContext(ctx, `
		SELECT market_id, borrower, borrow_shares, collateral, last_updated
		FROM blue.positions
		WHERE market_id = $1 AND borrower = $2
	`, marketID, borrower)

	var p PositionRead
	err := row.Scan(&p.MarketID, &p.Borrower, &p.BorrowShares, &p.Collateral, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, marketID, borrower)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return &p, nil
}

// LatestPrice returns the freshest observation for an oracle at or before
// atBlock. atBlock of zero means "latest known".
func (qs *QueryService) LatestPrice(ctx context.Context, oracle string, atBlock uint64) (*PriceRead, error) {
	defer qs.observe("latest_price", time.Now())

	query := `
		SELECT oracle, price, block_number, block_timestamp
		FROM blue.oracle_prices
		WHERE oracle = $1`
	args := []interface{}{oracle}
	if atBlock > 0 {
		query += ` AND block_number <= $2`
		args = append(args, atBlock)
	}
	query += ` ORDER BY block_number DESC LIMIT 1`

	var p PriceRead
	err := qs.db.QueryRowContext(ctx, query, args...).Scan(&p.Oracle, &p.Price, &p.BlockNumber, &p.Timestamp)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no observation for oracle %s", ErrNotFound, oracle)
	}
	if err != nil {
		return nil, fmt.Errorf("latest price: %w", err)
	}
	return &p, nil
}

// FeeCollections returns a market's fee history, newest first.
func (qs *QueryService) FeeCollections(ctx context.Context, marketID string, limit int) ([]FeeCollectionRead, error) {
	defer qs.observe("fee_collections", time.Now())

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT id, market_id, fee_shares, total_supply_assets, total_supply_shares,
		       block_number, block_timestamp
		FROM blue.fee_collections
		WHERE market_id = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT $2
	`, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("fee collections: %w", err)
	}
	defer rows.Close()

	var out []FeeCollectionRead
	for rows.Next() {
		var fc FeeCollectionRead
		if err := rows.Scan(&fc.ID, &fc.MarketID, &fc.FeeShares,
			&fc.TotalSupplyAssets, &fc.TotalSupplyShares, &fc.BlockNumber, &fc.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner, m *MarketRead) error {
	return row.Scan(
		&m.ID, &m.ChainID, &m.LoanToken, &m.CollateralToken, &m.Oracle, &m.IRM, &m.LLTV,
		&m.TotalSupplyAssets, &m.TotalSupplyShares, &m.TotalBorrowAssets, &m.TotalBorrowShares,
		&m.LastUpdate,
	)
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics != nil {
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
