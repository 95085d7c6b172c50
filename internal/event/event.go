package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for protocol event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateMarket
	EventTypeSupplyCollateral
	EventTypeWithdrawCollateral
	EventTypeSupply
	EventTypeBorrow
	EventTypeRepay
	EventTypeAccrueInterest
	EventTypeLiquidate
)

// BlockRef pins an event to its on-chain coordinates. Events are delivered
// and must be applied in ascending (Number, LogIndex) order.
type BlockRef struct {
	// Block number the event was emitted in
	Number uint64

	// Block timestamp (unix seconds) — the only timestamp the ledger uses
	Timestamp uint64

	// Log index within the block
	LogIndex uint32
}

// Key returns the stable dedup key for this block coordinate.
func (b BlockRef) Key() string {
	return fmt.Sprintf("%d:%d", b.Number, b.LogIndex)
}

// Less reports whether b precedes other in event order.
func (b BlockRef) Less(other BlockRef) bool {
	if b.Number != other.Number {
		return b.Number < other.Number
	}
	return b.LogIndex < other.LogIndex
}

// Event is the interface all protocol event payloads implement.
// The set of implementations is closed: the projector's dispatch switch
// covers every kind and fails on anything else.
type Event interface {
	// IdempotencyKey returns the stable dedup key (type + block coordinates)
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Market returns the market the event belongs to
	Market() common.Hash

	// Block returns the on-chain coordinates
	Block() BlockRef
}

func (et EventType) String() string {
	switch et {
	case EventTypeCreateMarket:
		return "CreateMarket"
	case EventTypeSupplyCollateral:
		return "SupplyCollateral"
	case EventTypeWithdrawCollateral:
		return "WithdrawCollateral"
	case EventTypeSupply:
		return "Supply"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeRepay:
		return "Repay"
	case EventTypeAccrueInterest:
		return "AccrueInterest"
	case EventTypeLiquidate:
		return "Liquidate"
	default:
		return "Unknown"
	}
}
