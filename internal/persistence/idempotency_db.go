package persistence

import (
	"context"
	"database/sql"
	"time"
)

// DeltaIdempotencyChecker is the cold-path dedup lookup, backed by the delta
// log's primary key. Implements core.DBIdempotencyChecker.
type DeltaIdempotencyChecker struct {
	db *sql.DB
}

func NewDeltaIdempotencyChecker(db *sql.DB) *DeltaIdempotencyChecker {
	return &DeltaIdempotencyChecker{db: db}
}

// Seen reports whether the (event_type, block, log_index) coordinate already
// has a persisted delta row.
func (dc *DeltaIdempotencyChecker) Seen(eventType string, block uint64, logIndex uint32) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM blue.market_state_deltas
        WHERE event_type = $1 AND block_number = $2 AND log_index = $3
        LIMIT 1
    `

	var exists int
	err := dc.db.QueryRowContext(ctx, query, eventType, block, logIndex).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
