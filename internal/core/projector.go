package core

import (
	"fmt"
	"math/big"
	"time"

	"BlueLedger/internal/event"
	"BlueLedger/internal/ledger"
	fpmath "BlueLedger/internal/math"
	"BlueLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// StateDelta is the per-event accounting delta, one row per mutating event.
// Deltas are signed: a Repay produces negative borrow deltas, a Liquidate a
// negative collateral delta.
type StateDelta struct {
	MarketID          common.Hash
	SupplyAssetsDelta *big.Int
	SupplySharesDelta *big.Int
	BorrowAssetsDelta *big.Int
	BorrowSharesDelta *big.Int
	CollateralDelta   *big.Int
	BlockNumber       uint64
	LogIndex          uint32
	Timestamp         uint64
}

// Output carries everything the persistence worker needs to materialize one
/// applied event: post-apply entity snapshots plus the delta row.
type Output struct {
	EventType event.EventType
	Market    *ledger.Market
	Position  *ledger.Position
	Delta     *StateDelta
	Fee       *ledger.FeeCollection
}

// Projector applies protocol events to the ledger store, one transition per
// event kind. It runs on a single goroutine: event application is strictly
// sequential because later totals depend on earlier ones.
type Projector struct {
	chainID uint64
	store   *ledger.Store
	dedup   *IdempotencyChecker
	order   *OrderValidator
	metrics *observability.Metrics

	// Blocking sends: the projector stalls rather than lose a row.
	persistChan chan<- Output
}

func NewProjector(
	chainID uint64,
	store *ledger.Store,
	dedup *IdempotencyChecker,
	persistChan chan<- Output,
	metrics *observability.Metrics,
) *Projector {
	return &Projector{
		chainID:     chainID,
		store:       store,
		dedup:       dedup,
		order:       NewOrderValidator(),
		metrics:     metrics,
		persistChan: persistChan,
	}
}

// ProcessEvent runs the projection pipeline for one event: dedup check,
// order validation, dispatch, emit, mark processed. A returned error is a
// consistency fault — the caller must halt projection, not skip the event.
func (p *Projector) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()
	ref := evt.Block()

	isDuplicate := p.dedup.IsDuplicate(eventType, key, ref.Number, ref.LogIndex)

	if err := p.order.Validate(ref, isDuplicate); err != nil {
		if p.metrics != nil {
			p.metrics.EventsRejected.WithLabelValues(eventType, "out_of_order").Inc()
		}
		return fmt.Errorf("order validation failed: %w", err)
	}

	if isDuplicate {
		if p.metrics != nil {
			p.metrics.EventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	output, err := p.dispatch(evt)
	if err != nil {
		return fmt.Errorf("apply %s (block=%d logIndex=%d): %w", eventType, ref.Number, ref.LogIndex, err)
	}

	p.persistChan <- *output

	p.dedup.MarkProcessed(key)

	if p.metrics != nil {
		p.metrics.EventsApplied.WithLabelValues(eventType).Inc()
		p.metrics.EventApplyDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		p.metrics.LastAppliedBlock.Set(float64(ref.Number))
	}

	return nil
}

func (p *Projector) dispatch(evt event.Event) (*Output, error) {
	switch e := evt.(type) {
	case *event.CreateMarket:
		return p.handleCreateMarket(e)
	case *event.SupplyCollateral:
		return p.handleSupplyCollateral(e)
	case *event.WithdrawCollateral:
		return p.handleWithdrawCollateral(e)
	case *event.Supply:
		return p.handleSupply(e)
	case *event.Borrow:
		return p.handleBorrow(e)
	case *event.Repay:
		return p.handleRepay(e)
	case *event.AccrueInterest:
		return p.handleAccrueInterest(e)
	case *event.Liquidate:
		return p.handleLiquidate(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (p *Projector) handleCreateMarket(e *event.CreateMarket) (*Output, error) {
	if e.LLTV.Sign() <= 0 || e.LLTV.Cmp(fpmath.WAD) >= 0 {
		return nil, fmt.Errorf("market %s: lltv %s outside (0, 1e18)", e.MarketID, e.LLTV)
	}

	m := &ledger.Market{
		ID:                e.MarketID,
		ChainID:           p.chainID,
		LoanToken:         e.LoanToken,
		CollateralToken:   e.CollateralToken,
		Oracle:            e.Oracle,
		IRM:               e.IRM,
		LLTV:              new(big.Int).Set(e.LLTV),
		TotalSupplyAssets: new(big.Int),
		TotalSupplyShares: new(big.Int),
		TotalBorrowAssets: new(big.Int),
		TotalBorrowShares: new(big.Int),
		LastUpdate:        e.BlockRef.Timestamp,
	}
	if err := p.store.InsertMarket(m); err != nil {
		return nil, err
	}

	return &Output{
		EventType: e.EventType(),
		Market:    m,
		Delta:     p.zeroDelta(e.MarketID, e.BlockRef),
	}, nil
}

func (p *Projector) handleSupplyCollateral(e *event.SupplyCollateral) (*Output, error) {
	if _, ok := p.store.GetMarket(e.MarketID); !ok {
		return nil, fmt.Errorf("%w: %s (during collateral supply)", ledger.ErrMarketNotFound, e.MarketID)
	}

	key := ledger.PositionKey{MarketID: e.MarketID, Borrower: e.Borrower}
	err := p.store.UpsertPosition(key, func(pos *ledger.Position) error {
		pos.Collateral.Add(pos.Collateral, e.Assets)
		pos.LastUpdated = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	pos, _ := p.store.GetPosition(key)
	delta := p.zeroDelta(e.MarketID, e.BlockRef)
	delta.CollateralDelta.Set(e.Assets)

	return &Output{EventType: e.EventType(), Position: pos, Delta: delta}, nil
}

func (p *Projector) handleWithdrawCollateral(e *event.WithdrawCollateral) (*Output, error) {
	key := ledger.PositionKey{MarketID: e.MarketID, Borrower: e.Borrower}
	err := p.store.UpdatePosition(key, func(pos *ledger.Position) error {
		if pos.Collateral.Cmp(e.Assets) < 0 {
			return fmt.Errorf("collateral underflow: have %s, withdrawing %s", pos.Collateral, e.Assets)
		}
		pos.Collateral.Sub(pos.Collateral, e.Assets)
		pos.LastUpdated = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	pos, _ := p.store.GetPosition(key)
	delta := p.zeroDelta(e.MarketID, e.BlockRef)
	delta.CollateralDelta.Neg(e.Assets)

	return &Output{EventType: e.EventType(), Position: pos, Delta: delta}, nil
}

func (p *Projector) handleSupply(e *event.Supply) (*Output, error) {
	err := p.store.UpdateMarket(e.MarketID, func(m *ledger.Market) error {
		m.TotalSupplyAssets.Add(m.TotalSupplyAssets, e.Assets)
		m.TotalSupplyShares.Add(m.TotalSupplyShares, e.Shares)
		m.LastUpdate = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, _ := p.store.GetMarket(e.MarketID)
	delta := p.zeroDelta(e.MarketID, e.BlockRef)
	delta.SupplyAssetsDelta.Set(e.Assets)
	delta.SupplySharesDelta.Set(e.Shares)

	return &Output{EventType: e.EventType(), Market: m, Delta: delta}, nil
}

func (p *Projector) handleBorrow(e *event.Borrow) (*Output, error) {
	if _, ok := p.store.GetMarket(e.MarketID); !ok {
		return nil, fmt.Errorf("%w: %s (during borrow)", ledger.ErrMarketNotFound, e.MarketID)
	}

	key := ledger.PositionKey{MarketID: e.MarketID, Borrower: e.Borrower}
	err := p.store.UpsertPosition(key, func(pos *ledger.Position) error {
		pos.BorrowShares.Add(pos.BorrowShares, e.Shares)
		pos.LastUpdated = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.store.UpdateMarket(e.MarketID, func(m *ledger.Market) error {
		m.TotalBorrowAssets.Add(m.TotalBorrowAssets, e.Assets)
		m.TotalBorrowShares.Add(m.TotalBorrowShares, e.Shares)
		m.LastUpdate = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, _ := p.store.GetMarket(e.MarketID)
	pos, _ := p.store.GetPosition(key)
	delta := p.zeroDelta(e.MarketID, e.BlockRef)
	delta.BorrowAssetsDelta.Set(e.Assets)
	delta.BorrowSharesDelta.Set(e.Shares)

	return &Output{EventType: e.EventType(), Market: m, Position: pos, Delta: delta}, nil
}

func (p *Projector) handleRepay(e *event.Repay) (*Output, error) {
	key := ledger.PositionKey{MarketID: e.MarketID, Borrower: e.Borrower}
	err := p.store.UpdatePosition(key, func(pos *ledger.Position) error {
		if pos.BorrowShares.Cmp(e.Shares) < 0 {
			return fmt.Errorf("borrow share underflow: have %s, repaying %s", pos.BorrowShares, e.Shares)
		}
		pos.BorrowShares.Sub(pos.BorrowShares, e.Shares)
		pos.LastUpdated = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.store.UpdateMarket(e.MarketID, func(m *ledger.Market) error {
		if m.TotalBorrowAssets.Cmp(e.Assets) < 0 || m.TotalBorrowShares.Cmp(e.Shares) < 0 {
			return fmt.Errorf("market borrow total underflow: assets %s-%s shares %s-%s",
				m.TotalBorrowAssets, e.Assets, m.TotalBorrowShares, e.Shares)
		}
		m.TotalBorrowAssets.Sub(m.TotalBorrowAssets, e.Assets)
		m.TotalBorrowShares.Sub(m.TotalBorrowShares, e.Shares)
		m.LastUpdate = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, _ := p.store.GetMarket(e.MarketID)
	pos, _ := p.store.GetPosition(key)
	delta := p.zeroDelta(e.MarketID, e.BlockRef)
	delta.BorrowAssetsDelta.Neg(e.Assets)
	delta.BorrowSharesDelta.Neg(e.Shares)

	return &Output{EventType: e.EventType(), Market: m, Position: pos, Delta: delta}, nil
}

func (p *Projector) handleAccrueInterest(e *event.AccrueInterest) (*Output, error) {
	err := p.store.UpdateMarket(e.MarketID, func(m *ledger.Market) error {
		m.TotalBorrowAssets.Add(m.TotalBorrowAssets, e.Interest)
		m.TotalSupplyAssets.Add(m.TotalSupplyAssets, e.Interest)
		m.TotalSupplyShares.Add(m.TotalSupplyShares, e.FeeShares)
		m.LastUpdate = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, _ := p.store.GetMarket(e.MarketID)
	delta := p.zeroDelta(e.MarketID, e.BlockRef)
	delta.BorrowAssetsDelta.Set(e.Interest)
	delta.SupplyAssetsDelta.Set(e.Interest)
	delta.SupplySharesDelta.Set(e.FeeShares)

	output := &Output{EventType: e.EventType(), Market: m, Delta: delta}

	if e.FeeShares.Sign() > 0 {
		fee := &ledger.FeeCollection{
			ID:                uuid.New(),
			MarketID:          e.MarketID,
			FeeShares:         new(big.Int).Set(e.FeeShares),
			TotalSupplyAssets: new(big.Int).Set(m.TotalSupplyAssets),
			TotalSupplyShares: new(big.Int).Set(m.TotalSupplyShares),
			BlockNumber:       e.BlockRef.Number,
			LogIndex:          e.BlockRef.LogIndex,
			Timestamp:         e.BlockRef.Timestamp,
		}
		p.store.AppendFeeCollection(fee)
		output.Fee = fee
	}

	return output, nil
}

func (p *Projector) handleLiquidate(e *event.Liquidate) (*Output, error) {
	closedShares := new(big.Int).Add(e.RepaidShares, e.BadDebtShares)
	closedAssets := new(big.Int).Add(e.RepaidAssets, e.BadDebtAssets)

	key := ledger.PositionKey{MarketID: e.MarketID, Borrower: e.Borrower}
	err := p.store.UpdatePosition(key, func(pos *ledger.Position) error {
		if pos.BorrowShares.Cmp(closedShares) < 0 {
			return fmt.Errorf("borrow share underflow: have %s, closing %s", pos.BorrowShares, closedShares)
		}
		if pos.Collateral.Cmp(e.SeizedAssets) < 0 {
			return fmt.Errorf("collateral underflow: have %s, seizing %s", pos.Collateral, e.SeizedAssets)
		}
		pos.BorrowShares.Sub(pos.BorrowShares, closedShares)
		pos.Collateral.Sub(pos.Collateral, e.SeizedAssets)
		pos.LastUpdated = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.store.UpdateMarket(e.MarketID, func(m *ledger.Market) error {
		if m.TotalBorrowAssets.Cmp(closedAssets) < 0 || m.TotalBorrowShares.Cmp(closedShares) < 0 {
			return fmt.Errorf("market borrow total underflow during liquidation")
		}
		if m.TotalSupplyAssets.Cmp(e.BadDebtAssets) < 0 {
			return fmt.Errorf("market supply total underflow writing off bad debt %s", e.BadDebtAssets)
		}
		m.TotalBorrowAssets.Sub(m.TotalBorrowAssets, closedAssets)
		m.TotalBorrowShares.Sub(m.TotalBorrowShares, closedShares)
		m.TotalSupplyAssets.Sub(m.TotalSupplyAssets, e.BadDebtAssets)
		m.LastUpdate = e.BlockRef.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, _ := p.store.GetMarket(e.MarketID)
	pos, _ := p.store.GetPosition(key)
	delta := p.zeroDelta(e.MarketID, e.BlockRef)
	delta.BorrowAssetsDelta.Neg(closedAssets)
	delta.BorrowSharesDelta.Neg(closedShares)
	delta.SupplyAssetsDelta.Neg(e.BadDebtAssets)
	delta.CollateralDelta.Neg(e.SeizedAssets)

	return &Output{EventType: e.EventType(), Market: m, Position: pos, Delta: delta}, nil
}

func (p *Projector) zeroDelta(marketID common.Hash, ref event.BlockRef) *StateDelta {
	return &StateDelta{
		MarketID:          marketID,
		SupplyAssetsDelta: new(big.Int),
		SupplySharesDelta: new(big.Int),
		BorrowAssetsDelta: new(big.Int),
		BorrowSharesDelta: new(big.Int),
		CollateralDelta:   new(big.Int),
		BlockNumber:       ref.Number,
		LogIndex:          ref.LogIndex,
		Timestamp:         ref.Timestamp,
	}
}

// LastApplied exposes the order validator's watermark for readiness checks
// and restart.
func (p *Projector) LastApplied() (event.BlockRef, bool) {
	return p.order.LastApplied()
}

// RestoreWatermark seeds the order validator after a restart so replayed
// history below the watermark is rejected unless recognized as duplicate.
func (p *Projector) RestoreWatermark(ref event.BlockRef) {
	p.order.Restore(ref)
}
