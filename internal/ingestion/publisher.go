package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"BlueLedger/internal/observability"
	"BlueLedger/internal/risk"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RiskStreamName holds outbound risk alerts on blue.risk.{classification}.{market_id}.
const (
	RiskStreamName = "BLUE_RISK"
	RiskSubjects   = "blue.risk.>"
)

// RiskAlert is the outbound payload for one at-risk position.
type RiskAlert struct {
	ScanID          string    `json:"scan_id"`
	Block           uint64    `json:"block"`
	MarketID        string    `json:"market_id"`
	Borrower        string    `json:"borrower"`
	Classification  string    `json:"classification"`
	Collateral      string    `json:"collateral"`
	BorrowShares    string    `json:"borrow_shares"`
	BorrowedAssets  string    `json:"borrowed_assets"`
	CurrentLTV      string    `json:"current_ltv,omitempty"`
	MaxLTV          string    `json:"max_ltv"`
	RiskRatio       float64   `json:"risk_ratio"`
	IncentiveFactor float64   `json:"incentive_factor,omitempty"`
	PossibleSeizure string    `json:"possible_seizure,omitempty"`
	PriceBlock      uint64    `json:"price_block"`
	Timestamp       time.Time `json:"timestamp"`
}

// RiskAlertPublisher publishes scan results to NATS for downstream keepers
// and alerting. Publish failures are logged and dropped: the next scan
// re-emits current state, so an alert is never worth stalling projection for.
type RiskAlertPublisher struct {
	js      jetstream.JetStream
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRiskAlertPublisher(js jetstream.JetStream, metrics *observability.Metrics, logger zerolog.Logger) *RiskAlertPublisher {
	return &RiskAlertPublisher{
		js:      js,
		metrics: metrics,
		logger:  logger.With().Str("component", "risk_publisher").Logger(),
	}
}

// PublishScan emits one alert per non-healthy position in the result.
func (rp *RiskAlertPublisher) PublishScan(ctx context.Context, result *risk.ScanResult) {
	for _, cp := range result.Positions {
		alert := RiskAlert{
			ScanID:         result.ScanID.String(),
			Block:          result.Block,
			MarketID:       cp.MarketID.Hex(),
			Borrower:       cp.Borrower.Hex(),
			Classification: cp.Classification.String(),
			Collateral:     cp.Collateral.String(),
			BorrowShares:   cp.BorrowShares.String(),
			BorrowedAssets: cp.BorrowedAssets.String(),
			MaxLTV:         cp.MaxLTV.String(),
			RiskRatio:      cp.RiskRatio,
			PriceBlock:     cp.PriceBlock,
			Timestamp:      result.Timestamp,
		}
		if cp.CurrentLTV != nil {
			alert.CurrentLTV = cp.CurrentLTV.String()
		}
		if cp.Classification == risk.ClassificationLiquidatable {
			alert.IncentiveFactor = cp.IncentiveFactor
			if cp.PossibleSeizure != nil {
				alert.PossibleSeizure = cp.PossibleSeizure.String()
			}
		}

		if err := rp.publish(ctx, alert); err != nil {
			rp.logger.Warn().
				Err(err).
				Str("market_id", alert.MarketID).
				Str("borrower", alert.Borrower).
				Msg("risk alert publish failed")
			continue
		}
		if rp.metrics != nil {
			rp.metrics.AlertsPublished.WithLabelValues(alert.Classification).Inc()
		}
	}
}

func (rp *RiskAlertPublisher) publish(ctx context.Context, alert RiskAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	subject := fmt.Sprintf("blue.risk.%s.%s", alert.Classification, alert.MarketID)
	_, err = rp.js.Publish(ctx, subject, data)
	return err
}

// EnsureRiskStream creates the outbound risk stream.
func EnsureRiskStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      RiskStreamName,
		Subjects:  []string{RiskSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create risk stream: %w", err)
	}
	logger.Info().Str("stream", RiskStreamName).Msg("ensured stream")
	return nil
}
