package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"BlueLedger/internal/core"
	"BlueLedger/internal/ingestion"
	"BlueLedger/internal/ledger"
	"BlueLedger/internal/observability"
	"BlueLedger/internal/persistence"
	"BlueLedger/internal/pricing"
	"BlueLedger/internal/query"
	"BlueLedger/internal/risk"
	"BlueLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Config holds all runtime configuration, loaded from BLUE_* env vars.
type Config struct {
	PostgresDSN   string
	NATSURL       string
	GRPCAddr      string
	HTTPAddr      string
	MigrationsDir string

	ChainID uint64

	PriceAPIURL     string
	PriceTimeout    time.Duration
	PriceFetchRetry int
	OracleDenylist  []common.Address

	PersistChanSize  int
	PersistBatchSize int
	PersistFlushMs   int

	IdempotencyLRUCapacity int
}

func loadConfig() Config {
	return Config{
		PostgresDSN:   envOrDefault("BLUE_POSTGRES_DSN", "postgres://localhost:5432/blueledger?sslmode=disable"),
		NATSURL:       envOrDefault("BLUE_NATS_URL", "nats://localhost:4222"),
		GRPCAddr:      envOrDefault("BLUE_GRPC_ADDR", ":9090"),
		HTTPAddr:      envOrDefault("BLUE_HTTP_ADDR", ":8080"),
		MigrationsDir: envOrDefault("BLUE_MIGRATIONS_DIR", "migrations"),

		ChainID: uint64(envIntOrDefault("BLUE_CHAIN_ID", 1)),

		PriceAPIURL:     envOrDefault("BLUE_PRICE_API_URL", "http://localhost:8545/price"),
		PriceTimeout:    time.Duration(envIntOrDefault("BLUE_PRICE_TIMEOUT_MS", 5000)) * time.Millisecond,
		PriceFetchRetry: envIntOrDefault("BLUE_PRICE_FETCH_RETRY", 2),
		OracleDenylist:  parseDenylist(os.Getenv("BLUE_ORACLE_DENYLIST")),

		PersistChanSize:  envIntOrDefault("BLUE_PERSIST_CHAN_SIZE", 1024),
		PersistBatchSize: envIntOrDefault("BLUE_PERSIST_BATCH_SIZE", 50),
		PersistFlushMs:   envIntOrDefault("BLUE_PERSIST_FLUSH_MS", 10),

		IdempotencyLRUCapacity: envIntOrDefault("BLUE_IDEMPOTENCY_LRU_CAPACITY", 1_000_000),
	}
}

func main() {
	logger := observability.NewLogger("blueledger")
	cfg := loadConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open postgres")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("ping postgres")
	}

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	// --- State restore ---
	// The materialized tables already hold the full projected state, so
	// recovery is a bulk read plus the delta-log watermark. No event replay.
	store := ledger.NewStore()
	loader := persistence.NewStateLoader(db, logger)
	if err := loader.LoadState(ctx, store); err != nil {
		logger.Fatal().Err(err).Msg("load state")
	}

	dedup := core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, persistence.NewDeltaIdempotencyChecker(db), metrics)

	persistChan := make(chan core.Output, cfg.PersistChanSize)
	obsChan := make(chan *ledger.OraclePriceObservation, 1024)

	projector := core.NewProjector(cfg.ChainID, store, dedup, persistChan, metrics)

	watermark, haveWatermark, err := loader.LoadWatermark(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load watermark")
	}
	if haveWatermark {
		projector.RestoreWatermark(watermark)
		logger.Info().
			Uint64("block", watermark.Number).
			Uint32("log_index", watermark.LogIndex).
			Msg("restored projection watermark")
	} else {
		logger.Info().Msg("cold start, no watermark")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure streams")
	}
	if err := ingestion.EnsureRiskStream(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure risk stream")
	}

	eventChan := make(chan ingestion.RawEvent, 4096)
	blockChan := make(chan ingestion.RawEvent, 64)
	subscriber := ingestion.NewNATSSubscriber(js, eventChan, blockChan, logger)

	// --- Pricing and risk ---
	priceSource := pricing.NewHTTPSource(cfg.PriceAPIURL, cfg.PriceTimeout)
	ingestor := pricing.NewIngestor(store, priceSource, pricing.IngestorConfig{
		Denylist:   cfg.OracleDenylist,
		FetchRetry: cfg.PriceFetchRetry,
		Sink:       obsChan,
	}, metrics, logger)

	scanner := risk.NewScanner(store, metrics, logger)
	publisher := ingestion.NewRiskAlertPublisher(js, metrics, logger)

	// --- Persistence worker ---
	worker := persistence.NewWorker(db, persistChan, obsChan,
		cfg.PersistBatchSize, time.Duration(cfg.PersistFlushMs)*time.Millisecond, metrics, logger)

	// --- API server ---
	queryService := query.NewQueryService(db, metrics)
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		QueryService: queryService,
		Scanner:      scanner,
		LatestBlock: func() (uint64, bool) {
			ref, ok := projector.LastApplied()
			return ref.Number, ok
		},
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	go func() {
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	go func() {
		if err := runProjectionLoop(ctx, eventChan, projector, metrics, logger); err != nil {
			errChan <- fmt.Errorf("projection: %w", err)
		}
	}()

	go runBlockLoop(ctx, blockChan, ingestor, scanner, publisher, logger)

	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	go reportChannelDepth(ctx, metrics, persistChan, eventChan)

	if err := subscriber.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("subscribe")
	}

	srv.SetServing(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Uint64("chain_id", cfg.ChainID).
		Msg("blueledger started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	srv.SetServing(false)
	cancel()
	subscriber.Stop()

	// Give the worker time for its final flush.
	time.Sleep(2 * time.Second)
	logger.Info().Msg("blueledger shutdown complete")
}

// runProjectionLoop drains raw protocol events, parses them, and applies them
// through the projector. Unparseable events are acked so they do not loop on
// redelivery. A projector error is a consistency fault: the event is nak'd
// and the loop halts, because continuing past it would corrupt every total
// applied afterwards.
func runProjectionLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawEvent,
	projector *core.Projector,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}

			evt, err := ingestion.ParseRawEvent(raw)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("event parse failed")
				if metrics != nil {
					metrics.EventsRejected.WithLabelValues("unknown", "parse").Inc()
				}
				raw.AckFunc()
				continue
			}

			if err := projector.ProcessEvent(evt); err != nil {
				logger.Error().
					Err(err).
					Str("type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("projection halted on consistency fault")
				raw.NakFunc()
				return err
			}
			raw.AckFunc()
		}
	}
}

// runBlockLoop drains block ticks: sample oracle prices for the block, then
// scan all borrowing positions and publish the non-healthy ones. A failed
// tick is acked and skipped; the next tick supersedes it.
func runBlockLoop(
	ctx context.Context,
	blockChan <-chan ingestion.RawEvent,
	ingestor *pricing.Ingestor,
	scanner *risk.Scanner,
	publisher *ingestion.RiskAlertPublisher,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-blockChan:
			if !ok {
				return
			}

			tick, err := ingestion.ParseBlockTick(raw.Data)
			if err != nil {
				logger.Warn().Err(err).Msg("block tick parse failed")
				raw.AckFunc()
				continue
			}

			if err := ingestor.SampleBlock(ctx, tick.BlockNumber, tick.Timestamp); err != nil {
				logger.Warn().Err(err).Uint64("block", tick.BlockNumber).Msg("price sampling failed")
			}

			result, err := scanner.Scan(tick.BlockNumber)
			if err != nil {
				logger.Error().Err(err).Uint64("block", tick.BlockNumber).Msg("risk scan failed")
				raw.AckFunc()
				continue
			}
			publisher.PublishScan(ctx, result)

			raw.AckFunc()
		}
	}
}

// reportChannelDepth samples channel utilization for the backpressure gauges.
func reportChannelDepth(
	ctx context.Context,
	metrics *observability.Metrics,
	persistChan chan core.Output,
	eventChan chan ingestion.RawEvent,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			metrics.SetChannelMetrics("events", len(eventChan), cap(eventChan))
		}
	}
}

func parseDenylist(raw string) []common.Address {
	if raw == "" {
		return nil
	}
	var out []common.Address
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			continue
		}
		out = append(out, common.HexToAddress(part))
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}
