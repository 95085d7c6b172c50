package persistence

import (
	"context"
	"math/big"
	"testing"

	"BlueLedger/internal/core"
	"BlueLedger/internal/ledger"
	"BlueLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TestWriterLoaderRoundTrip writes a full slice of state through the writer
// and restores it with the loader, the same path a restart takes.
func TestWriterLoaderRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	market := testutil.Market(1)
	market.TotalSupplyAssets = big.NewInt(10_000)
	market.TotalSupplyShares = big.NewInt(10_000)
	market.TotalBorrowAssets = big.NewInt(4_000)
	market.TotalBorrowShares = big.NewInt(4_000)
	market.LastUpdate = 1_700_000_100

	position := &ledger.Position{
		MarketID:     market.ID,
		Borrower:     common.Address{0x11},
		BorrowShares: big.NewInt(4_000),
		Collateral:   big.NewInt(9_000),
		LastUpdated:  1_700_000_100,
	}

	obs := &ledger.OraclePriceObservation{
		Oracle:      market.Oracle,
		Price:       new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)),
		BlockNumber: 100,
		Timestamp:   1_700_000_100,
	}

	delta := &core.StateDelta{
		MarketID:          market.ID,
		SupplyAssetsDelta: big.NewInt(10_000),
		SupplySharesDelta: big.NewInt(10_000),
		BorrowAssetsDelta: big.NewInt(4_000),
		BorrowSharesDelta: big.NewInt(4_000),
		CollateralDelta:   new(big.Int),
		BlockNumber:       100,
		LogIndex:          7,
		Timestamp:         1_700_000_100,
	}

	fee := &ledger.FeeCollection{
		ID:                uuid.New(),
		MarketID:          market.ID,
		FeeShares:         big.NewInt(15),
		TotalSupplyAssets: big.NewInt(10_000),
		TotalSupplyShares: big.NewInt(10_000),
		BlockNumber:       100,
		LogIndex:          7,
		Timestamp:         1_700_000_100,
	}

	writer := NewLedgerWriter(db)
	if err := writer.UpsertMarkets(ctx, db, []MarketRow{MarketRowFrom(market)}); err != nil {
		t.Fatalf("upsert markets: %v", err)
	}
	if err := writer.UpsertPositions(ctx, db, []PositionRow{PositionRowFrom(position)}); err != nil {
		t.Fatalf("upsert positions: %v", err)
	}
	if err := writer.WriteObservations(ctx, db, []ObservationRow{ObservationRowFrom(obs)}); err != nil {
		t.Fatalf("write observations: %v", err)
	}
	if err := writer.WriteDeltas(ctx, db, []DeltaRow{DeltaRowFrom("Supply", delta)}); err != nil {
		t.Fatalf("write deltas: %v", err)
	}
	if err := writer.WriteFeeCollections(ctx, db, []FeeRow{FeeRowFrom(fee)}); err != nil {
		t.Fatalf("write fees: %v", err)
	}

	// Conflict-key rewrites must be silent no-ops for append-only tables.
	if err := writer.WriteDeltas(ctx, db, []DeltaRow{DeltaRowFrom("Supply", delta)}); err != nil {
		t.Fatalf("rewrite deltas: %v", err)
	}

	store := ledger.NewStore()
	loader := NewStateLoader(db, zerolog.Nop())
	if err := loader.LoadState(ctx, store); err != nil {
		t.Fatalf("load state: %v", err)
	}

	got, ok := store.GetMarket(market.ID)
	if !ok {
		t.Fatal("market not restored")
	}
	if got.TotalSupplyAssets.Cmp(market.TotalSupplyAssets) != 0 ||
		got.TotalBorrowShares.Cmp(market.TotalBorrowShares) != 0 {
		t.Errorf("market totals not restored: supply=%s borrow_shares=%s",
			got.TotalSupplyAssets, got.TotalBorrowShares)
	}
	if got.LLTV.Cmp(market.LLTV) != 0 {
		t.Errorf("lltv = %s, want %s", got.LLTV, market.LLTV)
	}

	pos, ok := store.GetPosition(position.Key())
	if !ok {
		t.Fatal("position not restored")
	}
	if pos.Collateral.Cmp(position.Collateral) != 0 {
		t.Errorf("collateral = %s, want %s", pos.Collateral, position.Collateral)
	}

	price, ok := store.LatestPrice(market.Oracle, 100)
	if !ok {
		t.Fatal("observation not restored")
	}
	if price.Price.Cmp(obs.Price) != 0 {
		t.Errorf("price = %s, want %s", price.Price, obs.Price)
	}

	watermark, ok, err := loader.LoadWatermark(ctx)
	if err != nil {
		t.Fatalf("load watermark: %v", err)
	}
	if !ok {
		t.Fatal("watermark missing after delta write")
	}
	if watermark.Number != 100 || watermark.LogIndex != 7 {
		t.Errorf("watermark = %d:%d, want 100:7", watermark.Number, watermark.LogIndex)
	}
}

// TestDeltaIdempotencyCheckerSeen verifies the cold-path dedup lookup against
// the delta log.
func TestDeltaIdempotencyCheckerSeen(t *testing.T) {
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	market := testutil.Market(2)
	writer := NewLedgerWriter(db)
	if err := writer.UpsertMarkets(ctx, db, []MarketRow{MarketRowFrom(market)}); err != nil {
		t.Fatalf("upsert markets: %v", err)
	}

	delta := &core.StateDelta{
		MarketID:          market.ID,
		SupplyAssetsDelta: big.NewInt(1),
		SupplySharesDelta: big.NewInt(1),
		BorrowAssetsDelta: new(big.Int),
		BorrowSharesDelta: new(big.Int),
		CollateralDelta:   new(big.Int),
		BlockNumber:       200,
		LogIndex:          3,
		Timestamp:         1_700_000_200,
	}
	if err := writer.WriteDeltas(ctx, db, []DeltaRow{DeltaRowFrom("Supply", delta)}); err != nil {
		t.Fatalf("write deltas: %v", err)
	}

	checker := NewDeltaIdempotencyChecker(db)

	seen, err := checker.Seen("Supply", 200, 3)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Error("written delta should be seen")
	}

	seen, err = checker.Seen("Supply", 200, 4)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Error("unwritten delta should not be seen")
	}
}
