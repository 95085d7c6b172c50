package pricing

import (
	"context"
	"errors"
	"math/big"
	"time"

	"BlueLedger/internal/ledger"
	"BlueLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PriceSource fetches the collateral price quoted by an oracle at a specific
// block, scaled by 1e36.
type PriceSource interface {
	Price(ctx context.Context, oracle common.Address, block uint64) (*big.Int, error)
}

// Ingestor samples every distinct market oracle once per block tick and
// records the observations in the ledger store. Oracles on the denylist are
// skipped entirely; a failing oracle is logged and skipped for the tick, it
// never blocks the others.
type Ingestor struct {
	store    *ledger.Store
	source   PriceSource
	denylist map[common.Address]struct{}
	sink     chan<- *ledger.OraclePriceObservation
	metrics  *observability.Metrics
	logger   zerolog.Logger

	// Fan-out bound for concurrent fetches.
	maxInflight int
	fetchRetry  int
	retryDelay  time.Duration
}

type IngestorConfig struct {
	Denylist    []common.Address
	MaxInflight int
	FetchRetry  int
	RetryDelay  time.Duration

	// Sink receives each newly stored observation, typically the
	// persistence worker's observation channel. Optional.
	Sink chan<- *ledger.OraclePriceObservation
}

func NewIngestor(
	store *ledger.Store,
	source PriceSource,
	cfg IngestorConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Ingestor {
	denylist := make(map[common.Address]struct{}, len(cfg.Denylist))
	for _, addr := range cfg.Denylist {
		denylist[addr] = struct{}{}
	}

	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 8
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 250 * time.Millisecond
	}

	return &Ingestor{
		store:       store,
		source:      source,
		denylist:    denylist,
		sink:        cfg.Sink,
		metrics:     metrics,
		logger:      logger.With().Str("component", "price_ingestor").Logger(),
		maxInflight: maxInflight,
		fetchRetry:  cfg.FetchRetry,
		retryDelay:  retryDelay,
	}
}

// SampleBlock fetches a price from every distinct, non-denylisted oracle
// across known markets and records one observation per oracle for the block.
// Already-recorded (oracle, block) pairs are left untouched.
func (ing *Ingestor) SampleBlock(ctx context.Context, block uint64, timestamp uint64) error {
	oracles := ing.distinctOracles()
	if len(oracles) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.maxInflight)

	for _, oracle := range oracles {
		oracle := oracle
		g.Go(func() error {
			if err := ing.sampleOracle(ctx, oracle, block, timestamp); err != nil {
				// Per-oracle failures are logged, not propagated. One broken
				// feed must not starve the rest of a sample.
				ing.logger.Warn().
					Err(err).
					Str("oracle", oracle.Hex()).
					Uint64("block", block).
					Msg("oracle sample failed")
			}
			return nil
		})
	}

	return g.Wait()
}

func (ing *Ingestor) sampleOracle(ctx context.Context, oracle common.Address, block, timestamp uint64) error {
	start := time.Now()

	price, err := ing.fetchWithRetry(ctx, oracle, block)
	if ing.metrics != nil {
		ing.metrics.PriceFetchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ing.metrics != nil {
			ing.metrics.PriceFetches.WithLabelValues("error").Inc()
		}
		return err
	}
	if ing.metrics != nil {
		ing.metrics.PriceFetches.WithLabelValues("ok").Inc()
	}

	obs := &ledger.OraclePriceObservation{
		Oracle:      oracle,
		Price:       price,
		BlockNumber: block,
		Timestamp:   timestamp,
	}
	err = ing.store.PutObservation(obs)
	if errors.Is(err, ledger.ErrObservationExists) {
		return nil
	}
	if err != nil {
		return err
	}

	if ing.metrics != nil {
		ing.metrics.ObservationsStored.Inc()
	}

	if ing.sink != nil {
		select {
		case ing.sink <- obs:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (ing *Ingestor) fetchWithRetry(ctx context.Context, oracle common.Address, block uint64) (*big.Int, error) {
	var lastErr error
	for attempt := 0; attempt <= ing.fetchRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(ing.retryDelay * time.Duration(attempt)):
			}
		}

		price, err := ing.source.Price(ctx, oracle, block)
		if err == nil {
			return price, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// distinctOracles collects the unique oracle addresses across all markets,
// minus the denylist.
func (ing *Ingestor) distinctOracles() []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address

	for _, m := range ing.store.Markets() {
		if _, skip := ing.denylist[m.Oracle]; skip {
			if ing.metrics != nil {
				ing.metrics.OraclesSkipped.Inc()
			}
			continue
		}
		if _, dup := seen[m.Oracle]; dup {
			continue
		}
		seen[m.Oracle] = struct{}{}
		out = append(out, m.Oracle)
	}
	return out
}
