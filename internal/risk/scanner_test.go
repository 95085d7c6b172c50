package risk

import (
	"math"
	"math/big"
	"testing"

	"BlueLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var oraclePriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)

// setupMarket installs a market with lltv 80%, identical borrow totals so
// shares convert 1:1 to assets (modulo the virtual offset), and a unit price.
func setupMarket(t *testing.T, s *ledger.Store, totalBorrow int64) *ledger.Market {
	t.Helper()
	m := &ledger.Market{
		ID:                common.Hash{0x01},
		Oracle:            common.Address{0xcc},
		LLTV:              big.NewInt(800_000_000_000_000_000),
		TotalSupplyAssets: big.NewInt(1_000_000),
		TotalSupplyShares: big.NewInt(1_000_000),
		TotalBorrowAssets: big.NewInt(totalBorrow),
		TotalBorrowShares: big.NewInt(totalBorrow),
	}
	if err := s.InsertMarket(m); err != nil {
		t.Fatal(err)
	}
	if err := s.PutObservation(&ledger.OraclePriceObservation{
		Oracle:      m.Oracle,
		Price:       new(big.Int).Set(oraclePriceScale), // 1.0
		BlockNumber: 100,
	}); err != nil {
		t.Fatal(err)
	}
	return m
}

func setPosition(t *testing.T, s *ledger.Store, m *ledger.Market, borrower byte, shares, collateral int64) {
	t.Helper()
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

func scanOne(t *testing.T, s *ledger.Store) *ScanResult {
	t.Helper()
	result, err := NewScanner(s, nil, zerolog.Nop()).Scan(100)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return result
}

func TestScanner_HealthyPosition(t *testing.T) {
	s := ledger.NewStore()
	m := setupMarket(t, s, 750)
	setPosition(t, s, m, 0x01, 750, 1000)

	result := scanOne(t, s)
	if result.TotalScanned != 1 || result.Healthy != 1 {
		t.Errorf("scanned=%d healthy=%d, want 1/1", result.TotalScanned, result.Healthy)
	}
	if len(result.Positions) != 0 {
		t.Error("healthy positions must not be listed")
	}
}

func TestScanner_LiquidatablePosition(t *testing.T) {
	s := ledger.NewStore()
	m := setupMarket(t, s, 810)
	setPosition(t, s, m, 0x01, 810, 1000)

	result := scanOne(t, s)
	if result.Liquidatable != 1 {
		t.Fatalf("liquidatable=%d, want 1", result.Liquidatable)
	}

	cp := result.Positions[0]
	if cp.Classification != ClassificationLiquidatable {
		t.Errorf("classification = %s", cp.Classification)
	}
	// ceil((810 * 1e18) / 1000) with toAssetsUp virtual offsets still lands
	// on 810 when totals are identical.
	if cp.BorrowedAssets.Int64() != 810 {
		t.Errorf("borrowed assets = %s, want 810", cp.BorrowedAssets)
	}
	if cp.CurrentLTV.Cmp(big.NewInt(810_000_000_000_000_000)) != 0 {
		t.Errorf("current ltv = %s, want 0.81e18", cp.CurrentLTV)
	}
	if math.Abs(cp.RiskRatio-1.0125) > 1e-9 {
		t.Errorf("risk ratio = %v, want 1.0125", cp.RiskRatio)
	}

	// Incentive: 1 / (0.3*0.8 + 0.7) = 1/0.94.
	wantFactor := 1 / 0.94
	if math.Abs(cp.IncentiveFactor-wantFactor) > 1e-9 {
		t.Errorf("incentive = %v, want %v", cp.IncentiveFactor, wantFactor)
	}
	// floor(810 * 1.06382978...) = 861.
	if cp.PossibleSeizure == nil || cp.PossibleSeizure.Int64() != 861 {
		t.Errorf("possible seizure = %v, want 861", cp.PossibleSeizure)
	}
}

func TestScanner_ThresholdBuckets(t *testing.T) {
	tests := []struct {
		name     string
		borrowed int64
		want     Classification
	}{
		{"well under", 500, ClassificationHealthy},
		{"just under warning", 759, ClassificationHealthy}, // ratio 0.94875
		{"warning boundary", 760, ClassificationWarning},   // ratio exactly 0.95
		{"between", 783, ClassificationWarning},            // ratio 0.97875
		{"high risk boundary", 784, ClassificationHighRisk}, // ratio exactly 0.98
		{"at max borrow", 800, ClassificationHighRisk},      // borrowed == maxBorrow, not over
		{"over max borrow", 801, ClassificationLiquidatable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ledger.NewStore()
			m := setupMarket(t, s, tt.borrowed)
			setPosition(t, s, m, 0x01, tt.borrowed, 1000)

			result := scanOne(t, s)
			var got Classification
			if len(result.Positions) > 0 {
				got = result.Positions[0].Classification
			} else if result.Healthy == 1 {
				got = ClassificationHealthy
			} else {
				t.Fatal("position not scanned")
			}
			if got != tt.want {
				t.Errorf("borrowed=%d: got %s, want %s", tt.borrowed, got, tt.want)
			}
		})
	}
}

func TestScanner_NoPriceNoClassification(t *testing.T) {
	s := ledger.NewStore()
	m := &ledger.Market{
		ID:                common.Hash{0x01},
		Oracle:            common.Address{0xcc},
		LLTV:              big.NewInt(800_000_000_000_000_000),
		TotalSupplyAssets: new(big.Int),
		TotalSupplyShares: new(big.Int),
		TotalBorrowAssets: big.NewInt(100),
		TotalBorrowShares: big.NewInt(100),
	}
	if err := s.InsertMarket(m); err != nil {
		t.Fatal(err)
	}
	setPosition(t, s, m, 0x01, 100, 1000)

	result := scanOne(t, s)
	if result.TotalScanned != 0 || len(result.Positions) != 0 {
		t.Error("a position without a price observation must be skipped, not classified")
	}
}

func TestScanner_WorthlessCollateral(t *testing.T) {
	s := ledger.NewStore()
	m := &ledger.Market{
		ID:                common.Hash{0x01},
		Oracle:            common.Address{0xcc},
		LLTV:              big.NewInt(800_000_000_000_000_000),
		TotalSupplyAssets: new(big.Int),
		TotalSupplyShares: new(big.Int),
		TotalBorrowAssets: big.NewInt(100),
		TotalBorrowShares: big.NewInt(100),
	}
	if err := s.InsertMarket(m); err != nil {
		t.Fatal(err)
	}
	// Price 1 (raw): collateral value floors to zero.
	if err := s.PutObservation(&ledger.OraclePriceObservation{
		Oracle:      m.Oracle,
		Price:       big.NewInt(1),
		BlockNumber: 100,
	}); err != nil {
		t.Fatal(err)
	}
	setPosition(t, s, m, 0x01, 100, 1000)

	result := scanOne(t, s)
	if result.Liquidatable != 1 {
		t.Fatalf("liquidatable=%d, want 1", result.Liquidatable)
	}
	cp := result.Positions[0]
	if cp.CurrentLTV != nil {
		t.Error("zero collateral value has no finite ltv")
	}
	if cp.PossibleSeizure == nil {
		t.Error("seizure should still be computed from borrowed assets")
	}
}

func TestScanner_IncentiveFactorCap(t *testing.T) {
	// Low lltv pushes the raw factor over the cap:
	// 1 / (0.3*0.1 + 0.7) = 1/0.73 ≈ 1.37 → capped at 1.15.
	got := IncentiveFactor(big.NewInt(100_000_000_000_000_000))
	if got != maxIncentiveFactor {
		t.Errorf("factor = %v, want cap %v", got, maxIncentiveFactor)
	}

	// High lltv stays under the cap: 1 / (0.3*0.945 + 0.7) ≈ 1.0168.
	got = IncentiveFactor(big.NewInt(945_000_000_000_000_000))
	want := 1 / (0.3*0.945 + 0.7)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("factor = %v, want %v", got, want)
	}
}

func TestScanner_DeterministicOrder(t *testing.T) {
	s := ledger.NewStore()
	m := setupMarket(t, s, 2000)
	// Two over-limit positions inserted in reverse borrower order.
	setPosition(t, s, m, 0x02, 1000, 1000)
	setPosition(t, s, m, 0x01, 1000, 1000)

	result := scanOne(t, s)
	if len(result.Positions) != 2 {
		t.Fatalf("got %d rows, want 2", len(result.Positions))
	}
	if result.Positions[0].Borrower != (common.Address{0x01}) ||
		result.Positions[1].Borrower != (common.Address{0x02}) {
		t.Error("scan output must be ordered by borrower")
	}
}
