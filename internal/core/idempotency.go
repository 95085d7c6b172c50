package core

import (
	"container/list"
	"time"

	"BlueLedger/internal/observability"
)

// DBIdempotencyChecker is the cold-path dedup lookup, backed by the
// market_state_deltas table.
type DBIdempotencyChecker interface {
	Seen(eventType string, block uint64, logIndex uint32) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication for mutating writes:
// an in-memory LRU over (type, block, logIndex) keys backed by an optional
// database lookup. Upstream delivery is finalized and gap-free, but the
// projector still guards every mutation against replay.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate reports whether the event has already been applied.
func (ic *IdempotencyChecker) IsDuplicate(eventType, key string, block uint64, logIndex uint32) bool {
	if ic.lru.contains(key) {
		if ic.metrics != nil {
			ic.metrics.DedupDuplicates.WithLabelValues(eventType, "lru").Inc()
		}
		return true
	}

	if ic.dbChecker != nil {
		start := time.Now()
		seen, err := ic.dbChecker.Seen(eventType, block, logIndex)
		if ic.metrics != nil {
			ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			// Conservative: a lookup failure must not block projection.
			return false
		}
		if seen {
			ic.lru.add(key)
			if ic.metrics != nil {
				ic.metrics.DedupDuplicates.WithLabelValues(eventType, "postgres").Inc()
			}
			return true
		}
	}

	return false
}

// MarkProcessed records the key after a successful apply.
func (ic *IdempotencyChecker) MarkProcessed(key string) {
	ic.lru.add(key)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.size()))
	}
}

// idempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe — only accessed from the single projection goroutine.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(string))
		}
	}
}

func (lru *idempotencyLRU) size() int {
	return lru.lruList.Len()
}
