package pricing

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"BlueLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

type fakeSource struct {
	mu     sync.Mutex
	prices map[common.Address]*big.Int
	fails  map[common.Address]int // remaining failures per oracle
	calls  map[common.Address]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		prices: make(map[common.Address]*big.Int),
		fails:  make(map[common.Address]int),
		calls:  make(map[common.Address]int),
	}
}

func (f *fakeSource) Price(_ context.Context, oracle common.Address, _ uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[oracle]++
	if f.fails[oracle] > 0 {
		f.fails[oracle]--
		return nil, errors.New("feed unavailable")
	}
	p, ok := f.prices[oracle]
	if !ok {
		return nil, errors.New("unknown oracle")
	}
	return new(big.Int).Set(p), nil
}

func addMarket(t *testing.T, s *ledger.Store, id byte, oracle common.Address) {
	t.Helper()
	err := s.InsertMarket(&ledger.Market{
		ID:                common.Hash{id},
		Oracle:            oracle,
		LLTV:              big.NewInt(800_000_000_000_000_000),
		TotalSupplyAssets: new(big.Int),
		TotalSupplyShares: new(big.Int),
		TotalBorrowAssets: new(big.Int),
		TotalBorrowShares: new(big.Int),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestIngestor_SampleBlock(t *testing.T) {
	store := ledger.NewStore()
	source := newFakeSource()

	oracleA := common.Address{0x0a}
	oracleB := common.Address{0x0b}
	addMarket(t, store, 1, oracleA)
	addMarket(t, store, 2, oracleB)
	addMarket(t, store, 3, oracleA) // shared oracle, sampled once

	source.prices[oracleA] = big.NewInt(100)
	source.prices[oracleB] = big.NewInt(200)

	ing := NewIngestor(store, source, IngestorConfig{}, nil, zerolog.Nop())
	if err := ing.SampleBlock(context.Background(), 500, 1_700_000_000); err != nil {
		t.Fatalf("sample: %v", err)
	}

	if source.calls[oracleA] != 1 {
		t.Errorf("shared oracle fetched %d times, want 1", source.calls[oracleA])
	}

	obs, ok := store.LatestPrice(oracleA, 500)
	if !ok || obs.Price.Int64() != 100 {
		t.Errorf("oracle A observation = %v %v, want 100", obs, ok)
	}
	obs, ok = store.LatestPrice(oracleB, 500)
	if !ok || obs.Price.Int64() != 200 {
		t.Errorf("oracle B observation = %v %v, want 200", obs, ok)
	}
}

func TestIngestor_DenylistSkipped(t *testing.T) {
	store := ledger.NewStore()
	source := newFakeSource()

	ignored := common.Address{0xde}
	addMarket(t, store, 1, ignored)
	source.prices[ignored] = big.NewInt(100)

	ing := NewIngestor(store, source, IngestorConfig{
		Denylist: []common.Address{ignored},
	}, nil, zerolog.Nop())
	if err := ing.SampleBlock(context.Background(), 500, 0); err != nil {
		t.Fatalf("sample: %v", err)
	}

	if source.calls[ignored] != 0 {
		t.Error("denylisted oracle must never be fetched")
	}
	if _, ok := store.LatestPrice(ignored, 500); ok {
		t.Error("denylisted oracle must have no observations")
	}
}

func TestIngestor_FailingOracleDoesNotBlockOthers(t *testing.T) {
	store := ledger.NewStore()
	source := newFakeSource()

	broken := common.Address{0x0a}
	healthy := common.Address{0x0b}
	addMarket(t, store, 1, broken)
	addMarket(t, store, 2, healthy)
	source.prices[healthy] = big.NewInt(42)
	source.fails[broken] = 100

	ing := NewIngestor(store, source, IngestorConfig{}, nil, zerolog.Nop())
	if err := ing.SampleBlock(context.Background(), 500, 0); err != nil {
		t.Fatalf("sample must not fail on a broken oracle: %v", err)
	}

	if _, ok := store.LatestPrice(broken, 500); ok {
		t.Error("broken oracle should have no observation")
	}
	if obs, ok := store.LatestPrice(healthy, 500); !ok || obs.Price.Int64() != 42 {
		t.Error("healthy oracle should still be sampled")
	}
}

func TestIngestor_RetrySucceeds(t *testing.T) {
	store := ledger.NewStore()
	source := newFakeSource()

	flaky := common.Address{0x0a}
	addMarket(t, store, 1, flaky)
	source.prices[flaky] = big.NewInt(7)
	source.fails[flaky] = 2

	ing := NewIngestor(store, source, IngestorConfig{
		FetchRetry: 3,
		RetryDelay: 1, // nanosecond, keep the test fast
	}, nil, zerolog.Nop())
	if err := ing.SampleBlock(context.Background(), 500, 0); err != nil {
		t.Fatalf("sample: %v", err)
	}

	if obs, ok := store.LatestPrice(flaky, 500); !ok || obs.Price.Int64() != 7 {
		t.Error("retry should recover a flaky oracle")
	}
	if source.calls[flaky] != 3 {
		t.Errorf("flaky oracle fetched %d times, want 3", source.calls[flaky])
	}
}

func TestIngestor_ResampleIsIdempotent(t *testing.T) {
	store := ledger.NewStore()
	source := newFakeSource()

	oracle := common.Address{0x0a}
	addMarket(t, store, 1, oracle)
	source.prices[oracle] = big.NewInt(100)

	ing := NewIngestor(store, source, IngestorConfig{}, nil, zerolog.Nop())
	if err := ing.SampleBlock(context.Background(), 500, 0); err != nil {
		t.Fatal(err)
	}

	// Second pass over the same block: the new quote is fetched but the
	// original observation wins.
	source.prices[oracle] = big.NewInt(999)
	if err := ing.SampleBlock(context.Background(), 500, 0); err != nil {
		t.Fatal(err)
	}

	obs, _ := store.LatestPrice(oracle, 500)
	if obs.Price.Int64() != 100 {
		t.Errorf("observation = %s, want original 100", obs.Price)
	}
}
