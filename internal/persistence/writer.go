package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"BlueLedger/internal/core"
	"BlueLedger/internal/ledger"

	"github.com/google/uuid"
)

// LedgerWriter materializes ledger state into Postgres using multi-row
// INSERTs. Amount columns are NUMERIC(78,0): chain amounts are 256-bit and
// must round-trip without truncation, so they travel as decimal strings.
type LedgerWriter struct {
	db *sql.DB
}

func NewLedgerWriter(db *sql.DB) *LedgerWriter {
	return &LedgerWriter{db: db}
}

// MarketRow is a row in blue.markets.
type MarketRow struct {
	ID                string
	ChainID           uint64
	LoanToken         string
	CollateralToken   string
	Oracle            string
	IRM               string
	LLTV              string
	TotalSupplyAssets string
	TotalSupplyShares string
	TotalBorrowAssets string
	TotalBorrowShares string
	LastUpdate        uint64
}

// PositionRow is a row in blue.positions.
type PositionRow struct {
	MarketID     string
	Borrower     string
	BorrowShares string
	Collateral   string
	LastUpdated  uint64
}

// DeltaRow is a row in blue.market_state_deltas: the signed per-event
// accounting change, keyed by (event_type, block_number, log_index).
type DeltaRow struct {
	EventType         string
	MarketID          string
	SupplyAssetsDelta string
	SupplySharesDelta string
	BorrowAssetsDelta string
	BorrowSharesDelta string
	CollateralDelta   string
	BlockNumber       uint64
	LogIndex          uint32
	Timestamp         uint64
}

// FeeRow is a row in blue.fee_collections.
type FeeRow struct {
	ID                uuid.UUID
	MarketID          string
	FeeShares         string
	TotalSupplyAssets string
	TotalSupplyShares string
	BlockNumber       uint64
	LogIndex          uint32
	Timestamp         uint64
}

// ObservationRow is a row in blue.oracle_prices.
type ObservationRow struct {
	Oracle      string
	Price       string
	BlockNumber uint64
	Timestamp   uint64
}

// MarketRowFrom converts an in-memory market snapshot.
func MarketRowFrom(m *ledger.Market) MarketRow {
	return MarketRow{
		ID:                m.ID.Hex(),
		ChainID:           m.ChainID,
		LoanToken:         m.LoanToken.Hex(),
		CollateralToken:   m.CollateralToken.Hex(),
		Oracle:            m.Oracle.Hex(),
		IRM:               m.IRM.Hex(),
		LLTV:              m.LLTV.String(),
		TotalSupplyAssets: m.TotalSupplyAssets.String(),
		TotalSupplyShares: m.TotalSupplyShares.String(),
		TotalBorrowAssets: m.TotalBorrowAssets.String(),
		TotalBorrowShares: m.TotalBorrowShares.String(),
		LastUpdate:        m.LastUpdate,
	}
}

// PositionRowFrom converts an in-memory position snapshot.
func PositionRowFrom(p *ledger.Position) PositionRow {
	return PositionRow{
		MarketID:     p.MarketID.Hex(),
		Borrower:     p.Borrower.Hex(),
		BorrowShares: p.BorrowShares.String(),
		Collateral:   p.Collateral.String(),
		LastUpdated:  p.LastUpdated,
	}
}

// DeltaRowFrom converts a projector state delta.
func DeltaRowFrom(eventType string, d *core.StateDelta) DeltaRow {
	return DeltaRow{
		EventType:         eventType,
		MarketID:          d.MarketID.Hex(),
		SupplyAssetsDelta: d.SupplyAssetsDelta.String(),
		SupplySharesDelta: d.SupplySharesDelta.String(),
		BorrowAssetsDelta: d.BorrowAssetsDelta.String(),
		BorrowSharesDelta: d.BorrowSharesDelta.String(),
		CollateralDelta:   d.CollateralDelta.String(),
		BlockNumber:       d.BlockNumber,
		LogIndex:          d.LogIndex,
		Timestamp:         d.Timestamp,
	}
}

// FeeRowFrom converts an in-memory fee collection.
func FeeRowFrom(fc *ledger.FeeCollection) FeeRow {
	return FeeRow{
		ID:                fc.ID,
		MarketID:          fc.MarketID.Hex(),
		FeeShares:         fc.FeeShares.String(),
		TotalSupplyAssets: fc.TotalSupplyAssets.String(),
		TotalSupplyShares: fc.TotalSupplyShares.String(),
		BlockNumber:       fc.BlockNumber,
		LogIndex:          fc.LogIndex,
		Timestamp:         fc.Timestamp,
	}
}

// ObservationRowFrom converts an in-memory price observation.
func ObservationRowFrom(obs *ledger.OraclePriceObservation) ObservationRow {
	return ObservationRow{
		Oracle:      obs.Oracle.Hex(),
		Price:       obs.Price.String(),
		BlockNumber: obs.BlockNumber,
		Timestamp:   obs.Timestamp,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// UpsertMarkets writes market snapshots; the latest snapshot for an id wins.
func (w *LedgerWriter) UpsertMarkets(ctx context.Context, tx execer, rows []MarketRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO blue.markets
		(id, chain_id, loan_token, collateral_token, oracle, irm, lltv,
		 total_supply_assets, total_supply_shares, total_borrow_assets, total_borrow_shares, last_update)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*12)
	for i, r := range rows {
		values = append(values, placeholders(i, 12))
		args = append(args,
			r.ID, r.ChainID, r.LoanToken, r.CollateralToken, r.Oracle, r.IRM, r.LLTV,
			r.TotalSupplyAssets, r.TotalSupplyShares, r.TotalBorrowAssets, r.TotalBorrowShares, r.LastUpdate,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (id) DO UPDATE SET
		total_supply_assets = EXCLUDED.total_supply_assets,
		total_supply_shares = EXCLUDED.total_supply_shares,
		total_borrow_assets = EXCLUDED.total_borrow_assets,
		total_borrow_shares = EXCLUDED.total_borrow_shares,
		last_update = EXCLUDED.last_update`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertPositions writes position snapshots keyed by (market_id, borrower).
func (w *LedgerWriter) UpsertPositions(ctx context.Context, tx execer, rows []PositionRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO blue.positions
		(market_id, borrower, borrow_shares, collateral, last_updated)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*5)
	for i, r := range rows {
		values = append(values, placeholders(i, 5))
		args = append(args, r.MarketID, r.Borrower, r.BorrowShares, r.Collateral, r.LastUpdated)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (market_id, borrower) DO UPDATE SET
		borrow_shares = EXCLUDED.borrow_shares,
		collateral = EXCLUDED.collateral,
		last_updated = EXCLUDED.last_updated`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteDeltas appends delta rows. Replays hit the primary key and are
// dropped, which is what makes the table double as the dedup lookup.
func (w *LedgerWriter) WriteDeltas(ctx context.Context, tx execer, rows []DeltaRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO blue.market_state_deltas
		(event_type, market_id, supply_assets_delta, supply_shares_delta,
		 borrow_assets_delta, borrow_shares_delta, collateral_delta,
		 block_number, log_index, block_timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*10)
	for i, r := range rows {
		values = append(values, placeholders(i, 10))
		args = append(args,
			r.EventType, r.MarketID, r.SupplyAssetsDelta, r.SupplySharesDelta,
			r.BorrowAssetsDelta, r.BorrowSharesDelta, r.CollateralDelta,
			r.BlockNumber, r.LogIndex, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_type, block_number, log_index) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteFeeCollections appends fee collection rows.
func (w *LedgerWriter) WriteFeeCollections(ctx context.Context, tx execer, rows []FeeRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO blue.fee_collections
		(id, market_id, fee_shares, total_supply_assets, total_supply_shares,
		 block_number, log_index, block_timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)
	for i, r := range rows {
		values = append(values, placeholders(i, 8))
		args = append(args,
			r.ID, r.MarketID, r.FeeShares, r.TotalSupplyAssets, r.TotalSupplyShares,
			r.BlockNumber, r.LogIndex, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteObservations appends price observations, first write wins.
func (w *LedgerWriter) WriteObservations(ctx context.Context, tx execer, rows []ObservationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO blue.oracle_prices
		(oracle, price, block_number, block_timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*4)
	for i, r := range rows {
		values = append(values, placeholders(i, 4))
		args = append(args, r.Oracle, r.Price, r.BlockNumber, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (oracle, block_number) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($n, $n+1, ...)" for row i of width fields.
func placeholders(i, width int) string {
	base := i * width
	parts := make([]string, width)
	for j := 0; j < width; j++ {
		parts[j] = fmt.Sprintf("$%d", base+j+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
