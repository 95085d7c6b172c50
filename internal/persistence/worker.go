package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"BlueLedger/internal/core"
	"BlueLedger/internal/ledger"
	"BlueLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains the projector's output channel and the price observation
// channel and batch-writes to Postgres. The output channel uses BLOCKING
// sends from the projector, so if this worker falls behind the projector
// stalls, guaranteeing no applied event is lost before it hits the delta log.
type Worker struct {
	writer       *LedgerWriter
	db           *sql.DB
	outputChan   <-chan core.Output
	obsChan      <-chan *ledger.OraclePriceObservation
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	outputChan <-chan core.Output,
	obsChan <-chan *ledger.OraclePriceObservation,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewLedgerWriter(db),
		db:           db,
		outputChan:   outputChan,
		obsChan:      obsChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence_worker").Logger(),
	}
}

// batch accumulates rows between flushes. Market and position snapshots are
// keyed so only the latest snapshot per entity is written; delta, fee, and
// observation rows are append-only.
type batch struct {
	markets      map[string]MarketRow
	positions    map[string]PositionRow
	deltas       []DeltaRow
	fees         []FeeRow
	observations []ObservationRow
	lastBlock    uint64
}

func newBatch(capacity int) *batch {
	return &batch{
		markets:   make(map[string]MarketRow, capacity),
		positions: make(map[string]PositionRow, capacity),
		deltas:    make([]DeltaRow, 0, capacity),
	}
}

func (b *batch) add(out core.Output) {
	if out.Market != nil {
		b.markets[out.Market.ID.Hex()] = MarketRowFrom(out.Market)
	}
	if out.Position != nil {
		row := PositionRowFrom(out.Position)
		b.positions[row.MarketID+"/"+row.Borrower] = row
	}
	if out.Delta != nil {
		b.deltas = append(b.deltas, DeltaRowFrom(out.EventType.String(), out.Delta))
		if out.Delta.BlockNumber > b.lastBlock {
			b.lastBlock = out.Delta.BlockNumber
		}
	}
	if out.Fee != nil {
		b.fees = append(b.fees, FeeRowFrom(out.Fee))
	}
}

func (b *batch) empty() bool {
	return len(b.deltas) == 0 && len(b.observations) == 0
}

func (b *batch) size() int {
	return len(b.deltas) + len(b.observations)
}

// Run starts the worker loop. It flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	b := newBatch(w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if !b.empty() {
				if err := w.flush(context.Background(), b); err != nil {
					w.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.outputChan:
			if !ok {
				if !b.empty() {
					if err := w.flush(context.Background(), b); err != nil {
						w.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}
			b.add(out)

			if b.size() >= w.batchSize {
				w.flushWithRetry(ctx, b)
				b = newBatch(w.batchSize)
				timer.Reset(w.flushTimeout)
			}

		case obs, ok := <-w.obsChan:
			if !ok {
				w.obsChan = nil
				continue
			}
			b.observations = append(b.observations, ObservationRowFrom(obs))

			if b.size() >= w.batchSize {
				w.flushWithRetry(ctx, b)
				b = newBatch(w.batchSize)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if !b.empty() {
				w.flushWithRetry(ctx, b)
				b = newBatch(w.batchSize)
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or the context is cancelled,
// and on cancellation makes one last attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, b *batch) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", b.size()).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), b); err != nil {
					w.logger.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return
		}
		w.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (w *Worker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	markets := make([]MarketRow, 0, len(b.markets))
	for _, r := range b.markets {
		markets = append(markets, r)
	}
	positions := make([]PositionRow, 0, len(b.positions))
	for _, r := range b.positions {
		positions = append(positions, r)
	}

	if err := w.writer.UpsertMarkets(ctx, tx, markets); err != nil {
		w.countError("write_markets")
		return fmt.Errorf("write markets: %w", err)
	}
	if err := w.writer.UpsertPositions(ctx, tx, positions); err != nil {
		w.countError("write_positions")
		return fmt.Errorf("write positions: %w", err)
	}
	if err := w.writer.WriteDeltas(ctx, tx, b.deltas); err != nil {
		w.countError("write_deltas")
		return fmt.Errorf("write deltas: %w", err)
	}
	if err := w.writer.WriteFeeCollections(ctx, tx, b.fees); err != nil {
		w.countError("write_fees")
		return fmt.Errorf("write fee collections: %w", err)
	}
	if err := w.writer.WriteObservations(ctx, tx, b.observations); err != nil {
		w.countError("write_observations")
		return fmt.Errorf("write observations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return fmt.Errorf("commit: %w", err)
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(b.size()))
		w.metrics.PersistRowsWritten.WithLabelValues("markets").Add(float64(len(markets)))
		w.metrics.PersistRowsWritten.WithLabelValues("positions").Add(float64(len(positions)))
		w.metrics.PersistRowsWritten.WithLabelValues("market_state_deltas").Add(float64(len(b.deltas)))
		w.metrics.PersistRowsWritten.WithLabelValues("fee_collections").Add(float64(len(b.fees)))
		w.metrics.PersistRowsWritten.WithLabelValues("oracle_prices").Add(float64(len(b.observations)))
		if b.lastBlock > 0 {
			w.metrics.PersistLastBlock.Set(float64(b.lastBlock))
		}
	}

	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
