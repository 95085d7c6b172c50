package core

import (
	"fmt"

	"BlueLedger/internal/event"
)

// OrderValidator enforces strictly ascending (block, logIndex) application
// order. Running totals make event application non-commutative, so a
// regression that is not a known duplicate is a consistency fault.
// Not thread-safe — only accessed from the single projection goroutine.
type OrderValidator struct {
	started bool
	last    event.BlockRef
}

func NewOrderValidator() *OrderValidator {
	return &OrderValidator{}
}

// Validate checks that ref advances the stream. Duplicates (replays of an
// already-applied coordinate) are allowed through for the caller to skip.
func (ov *OrderValidator) Validate(ref event.BlockRef, isDuplicate bool) error {
	if !ov.started {
		ov.started = true
		ov.last = ref
		return nil
	}

	if ov.last.Less(ref) {
		ov.last = ref
		return nil
	}

	if isDuplicate {
		// Redelivery of an applied event — skipped by the caller.
		return nil
	}

	return fmt.Errorf("out-of-order event: last applied block=%d logIndex=%d, got block=%d logIndex=%d",
		ov.last.Number, ov.last.LogIndex, ref.Number, ref.LogIndex)
}

// LastApplied returns the most recent validated coordinate.
func (ov *OrderValidator) LastApplied() (event.BlockRef, bool) {
	return ov.last, ov.started
}

// Restore initializes the validator from a persisted watermark.
func (ov *OrderValidator) Restore(ref event.BlockRef) {
	ov.started = true
	ov.last = ref
}
