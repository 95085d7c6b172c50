package core

import (
	"errors"
	"testing"
)

type fakeDBChecker struct {
	seen  bool
	err   error
	calls int
}

func (f *fakeDBChecker) Seen(_ string, _ uint64, _ uint32) (bool, error) {
	f.calls++
	return f.seen, f.err
}

func TestIdempotencyLRUEviction(t *testing.T) {
	lru := newIdempotencyLRU(2)

	lru.add("a")
	lru.add("b")
	lru.add("c")

	if lru.contains("a") {
		t.Error("oldest key should have been evicted")
	}
	if !lru.contains("b") || !lru.contains("c") {
		t.Error("recent keys should survive eviction")
	}
	if got := lru.size(); got != 2 {
		t.Errorf("size = %d, want 2", got)
	}
}

func TestIdempotencyLRURecencyOnHit(t *testing.T) {
	lru := newIdempotencyLRU(2)

	lru.add("a")
	lru.add("b")
	lru.contains("a") // refresh
	lru.add("c")

	if !lru.contains("a") {
		t.Error("refreshed key should survive eviction")
	}
	if lru.contains("b") {
		t.Error("stale key should have been evicted")
	}
}

func TestIdempotencyDBTierPromotesToLRU(t *testing.T) {
	db := &fakeDBChecker{seen: true}
	ic := NewIdempotencyChecker(16, db, nil)

	if !ic.IsDuplicate("Supply", "Supply:100:0", 100, 0) {
		t.Fatal("db-seen event should be a duplicate")
	}
	if db.calls != 1 {
		t.Fatalf("db calls = %d, want 1", db.calls)
	}

	// Second lookup hits the LRU, not the database.
	if !ic.IsDuplicate("Supply", "Supply:100:0", 100, 0) {
		t.Fatal("promoted key should be a duplicate")
	}
	if db.calls != 1 {
		t.Errorf("db calls = %d, want 1 (LRU should answer)", db.calls)
	}
}

func TestIdempotencyDBErrorDoesNotBlock(t *testing.T) {
	db := &fakeDBChecker{err: errors.New("connection refused")}
	ic := NewIdempotencyChecker(16, db, nil)

	if ic.IsDuplicate("Supply", "Supply:100:0", 100, 0) {
		t.Error("lookup failure must not report a duplicate")
	}
}

func TestIdempotencyNilDBTier(t *testing.T) {
	ic := NewIdempotencyChecker(16, nil, nil)

	if ic.IsDuplicate("Supply", "Supply:100:0", 100, 0) {
		t.Error("unseen event should not be a duplicate")
	}
	ic.MarkProcessed("Supply:100:0")
	if !ic.IsDuplicate("Supply", "Supply:100:0", 100, 0) {
		t.Error("processed event should be a duplicate")
	}
}
