package ledger_test

import (
	"errors"
	"math/big"
	"testing"

	"BlueLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

func newTestMarket(id byte) *ledger.Market {
	return &ledger.Market{
		ID:                common.Hash{id},
		ChainID:           1,
		LoanToken:         common.Address{0xaa},
		CollateralToken:   common.Address{0xbb},
		Oracle:            common.Address{0xcc, id},
		IRM:               common.Address{0xdd},
		LLTV:              big.NewInt(800_000_000_000_000_000), // 80%
		TotalSupplyAssets: new(big.Int),
		TotalSupplyShares: new(big.Int),
		TotalBorrowAssets: new(big.Int),
		TotalBorrowShares: new(big.Int),
	}
}

func TestStore_InsertMarket_Duplicate(t *testing.T) {
	s := ledger.NewStore()
	m := newTestMarket(1)

	if err := s.InsertMarket(m); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertMarket(m); !errors.Is(err, ledger.ErrMarketExists) {
		t.Errorf("second insert: got %v, want ErrMarketExists", err)
	}
}

func TestStore_GetMarket_ReturnsCopy(t *testing.T) {
	s := ledger.NewStore()
	if err := s.InsertMarket(newTestMarket(1)); err != nil {
		t.Fatal(err)
	}

	got, ok := s.GetMarket(common.Hash{1})
	if !ok {
		t.Fatal("market should exist")
	}
	got.TotalBorrowAssets.SetInt64(999)

	again, _ := s.GetMarket(common.Hash{1})
	if again.TotalBorrowAssets.Sign() != 0 {
		t.Error("mutating a returned market must not affect the store")
	}
}

func TestStore_UpdateMarket_Missing(t *testing.T) {
	s := ledger.NewStore()
	err := s.UpdateMarket(common.Hash{9}, func(m *ledger.Market) error { return nil })
	if !errors.Is(err, ledger.ErrMarketNotFound) {
		t.Errorf("got %v, want ErrMarketNotFound", err)
	}
}

func TestStore_UpsertPosition_CreatesZeroBalances(t *testing.T) {
	s := ledger.NewStore()
	key := ledger.PositionKey{MarketID: common.Hash{1}, Borrower: common.Address{0x01}}

	err := s.UpsertPosition(key, func(p *ledger.Position) error {
		if p.BorrowShares.Sign() != 0 || p.Collateral.Sign() != 0 {
			t.Error("new position should start with zero balances")
		}
		p.Collateral.SetInt64(500)
		return nil
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok := s.GetPosition(key)
	if !ok {
		t.Fatal("position should exist after upsert")
	}
	if got.Collateral.Int64() != 500 {
		t.Errorf("collateral = %s, want 500", got.Collateral)
	}
}

func TestStore_UpdatePosition_Missing(t *testing.T) {
	s := ledger.NewStore()
	key := ledger.PositionKey{MarketID: common.Hash{1}, Borrower: common.Address{0x01}}

	err := s.UpdatePosition(key, func(p *ledger.Position) error { return nil })
	if !errors.Is(err, ledger.ErrPositionNotFound) {
		t.Errorf("got %v, want ErrPositionNotFound", err)
	}
}

func TestStore_PutObservation_Idempotent(t *testing.T) {
	s := ledger.NewStore()
	oracle := common.Address{0xcc}

	obs := &ledger.OraclePriceObservation{
		Oracle:      oracle,
		Price:       big.NewInt(1_000),
		BlockNumber: 100,
		Timestamp:   1700000000,
	}
	if err := s.PutObservation(obs); err != nil {
		t.Fatalf("first put: %v", err)
	}

	// Replay of the same (oracle, block) must be rejected so the caller can
	// ignore it without double-recording.
	dup := &ledger.OraclePriceObservation{
		Oracle:      oracle,
		Price:       big.NewInt(2_000),
		BlockNumber: 100,
		Timestamp:   1700000000,
	}
	if err := s.PutObservation(dup); !errors.Is(err, ledger.ErrObservationExists) {
		t.Errorf("duplicate put: got %v, want ErrObservationExists", err)
	}

	got, ok := s.LatestPrice(oracle, 100)
	if !ok {
		t.Fatal("observation should exist")
	}
	if got.Price.Int64() != 1_000 {
		t.Errorf("price = %s, want original 1000", got.Price)
	}
}

func TestStore_LatestPrice_AtOrBefore(t *testing.T) {
	s := ledger.NewStore()
	oracle := common.Address{0xcc}

	for _, block := range []uint64{100, 110, 120} {
		err := s.PutObservation(&ledger.OraclePriceObservation{
			Oracle:      oracle,
			Price:       big.NewInt(int64(block)),
			BlockNumber: block,
		})
		if err != nil {
			t.Fatalf("put block %d: %v", block, err)
		}
	}

	tests := []struct {
		atBlock   uint64
		wantOK    bool
		wantPrice int64
	}{
		{99, false, 0},
		{100, true, 100},
		{115, true, 110},
		{120, true, 120},
		{1_000_000, true, 120},
	}

	for _, tt := range tests {
		got, ok := s.LatestPrice(oracle, tt.atBlock)
		if ok != tt.wantOK {
			t.Errorf("LatestPrice(at=%d): ok=%v, want %v", tt.atBlock, ok, tt.wantOK)
			continue
		}
		if ok && got.Price.Int64() != tt.wantPrice {
			t.Errorf("LatestPrice(at=%d) = %s, want %d", tt.atBlock, got.Price, tt.wantPrice)
		}
	}
}

func TestStore_LatestPrice_LateSampleSorted(t *testing.T) {
	s := ledger.NewStore()
	oracle := common.Address{0xcc}

	for _, block := range []uint64{100, 120, 110} {
		err := s.PutObservation(&ledger.OraclePriceObservation{
			Oracle:      oracle,
			Price:       big.NewInt(int64(block)),
			BlockNumber: block,
		})
		if err != nil {
			t.Fatalf("put block %d: %v", block, err)
		}
	}

	got, ok := s.LatestPrice(oracle, 115)
	if !ok || got.Price.Int64() != 110 {
		t.Errorf("LatestPrice(at=115) = %v %v, want 110", got, ok)
	}
}

func TestStore_ScanRiskPositions_Filters(t *testing.T) {
	s := ledger.NewStore()
	m := newTestMarket(1)
	m.TotalBorrowAssets = big.NewInt(1100)
	m.TotalBorrowShares = big.NewInt(1000)
	if err := s.InsertMarket(m); err != nil {
		t.Fatal(err)
	}

	set := func(borrower byte, shares, collateral int64) {
		key := ledger.PositionKey{MarketID: m.ID, Borrower: common.Address{borrower}}
		err := s.UpsertPosition(key, func(p *ledger.Position) error {
			p.BorrowShares.SetInt64(shares)
			p.Collateral.SetInt64(collateral)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	set(0x01, 100, 500) // active
	set(0x02, 0, 500)   // no debt — excluded
	set(0x03, 100, 0)   // no collateral — excluded

	// No price yet: nothing is scannable.
	if rows := s.ScanRiskPositions(200); len(rows) != 0 {
		t.Fatalf("scan without price: got %d rows, want 0", len(rows))
	}

	err := s.PutObservation(&ledger.OraclePriceObservation{
		Oracle:      m.Oracle,
		Price:       new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil),
		BlockNumber: 150,
	})
	if err != nil {
		t.Fatal(err)
	}

	rows := s.ScanRiskPositions(200)
	if len(rows) != 1 {
		t.Fatalf("scan: got %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row.Borrower != (common.Address{0x01}) {
		t.Errorf("borrower = %s, want 0x01...", row.Borrower)
	}
	if row.TotalBorrowAssets.Int64() != 1100 || row.TotalBorrowShares.Int64() != 1000 {
		t.Errorf("market totals not joined: %s/%s", row.TotalBorrowAssets, row.TotalBorrowShares)
	}
	if row.PriceBlock != 150 {
		t.Errorf("price block = %d, want 150", row.PriceBlock)
	}
}

func TestStore_ScanRiskPositions_DeterministicOrder(t *testing.T) {
	s := ledger.NewStore()
	for id := byte(1); id <= 2; id++ {
		m := newTestMarket(id)
		m.TotalBorrowAssets = big.NewInt(100)
		m.TotalBorrowShares = big.NewInt(100)
		if err := s.InsertMarket(m); err != nil {
			t.Fatal(err)
		}
		if err := s.PutObservation(&ledger.OraclePriceObservation{
			Oracle:      m.Oracle,
			Price:       big.NewInt(1),
			BlockNumber: 10,
		}); err != nil {
			t.Fatal(err)
		}
		for _, b := range []byte{0x02, 0x01} {
			key := ledger.PositionKey{MarketID: m.ID, Borrower: common.Address{b}}
			if err := s.UpsertPosition(key, func(p *ledger.Position) error {
				p.BorrowShares.SetInt64(10)
				p.Collateral.SetInt64(10)
				return nil
			}); err != nil {
				t.Fatal(err)
			}
		}
	}

	rows := s.ScanRiskPositions(10)
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(rows))
	}
	want := []struct {
		market   byte
		borrower byte
	}{{1, 0x01}, {1, 0x02}, {2, 0x01}, {2, 0x02}}
	for i, w := range want {
		if rows[i].MarketID != (common.Hash{w.market}) || rows[i].Borrower != (common.Address{w.borrower}) {
			t.Errorf("row %d: market=%s borrower=%s, want market{%d} borrower{%d}",
				i, rows[i].MarketID, rows[i].Borrower, w.market, w.borrower)
		}
	}
}
