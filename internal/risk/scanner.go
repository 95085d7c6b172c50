package risk

import (
	"fmt"
	"math/big"
	"time"

	"BlueLedger/internal/ledger"
	fpmath "BlueLedger/internal/math"
	"BlueLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Classification is a position's health bucket.
type Classification int32

const (
	ClassificationHealthy Classification = iota
	ClassificationWarning
	ClassificationHighRisk
	ClassificationLiquidatable
)

func (c Classification) String() string {
	switch c {
	case ClassificationHealthy:
		return "healthy"
	case ClassificationWarning:
		return "warning"
	case ClassificationHighRisk:
		return "high_risk"
	case ClassificationLiquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}

// Alert thresholds on currentLtv/lltv. Scaled to integer hundredths so the
// bucket boundaries are exact.
const (
	warningThresholdPct  = 95
	highRiskThresholdPct = 98
)

// maxIncentiveFactor caps the liquidation incentive at 15%.
const maxIncentiveFactor = 1.15

// ClassifiedPosition is one scan output row.
type ClassifiedPosition struct {
	MarketID       common.Hash
	Borrower       common.Address
	Collateral     *big.Int
	BorrowShares   *big.Int
	BorrowedAssets *big.Int

	// CurrentLTV is WAD-scaled; nil when the collateral value rounds to
	// zero and no finite LTV exists.
	CurrentLTV *big.Int
	MaxLTV     *big.Int

	Classification Classification

	// RiskRatio is currentLtv/lltv as a float, for alert severity only.
	RiskRatio float64

	// Set only for liquidatable positions.
	IncentiveFactor float64
	PossibleSeizure *big.Int

	PriceBlock uint64
}

// ScanResult is the outcome of one full scan over the ledger.
type ScanResult struct {
	ScanID    uuid.UUID
	Block     uint64
	Timestamp time.Time

	// Positions needing attention, ordered by (market id, borrower).
	// Healthy positions are counted but not listed.
	Positions []*ClassifiedPosition

	TotalScanned int
	Healthy      int
	Warning      int
	HighRisk     int
	Liquidatable int
}

// Scanner classifies open borrow positions against their market's LLTV using
// the latest price at or before the scan block. A scan is stateless: it is
// recomputed fresh from current ledger state every time.
type Scanner struct {
	store   *ledger.Store
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewScanner(store *ledger.Store, metrics *observability.Metrics, logger zerolog.Logger) *Scanner {
	return &Scanner{
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "risk_scanner").Logger(),
	}
}

// Scan evaluates every position with debt and collateral at atBlock.
func (s *Scanner) Scan(atBlock uint64) (*ScanResult, error) {
	start := time.Now()

	result := &ScanResult{
		ScanID:    uuid.New(),
		Block:     atBlock,
		Timestamp: start.UTC(),
	}

	rows := s.store.ScanRiskPositions(atBlock)
	result.TotalScanned = len(rows)

	for _, row := range rows {
		cp, err := s.classify(row)
		if err != nil {
			return nil, fmt.Errorf("classify market=%s borrower=%s: %w", row.MarketID, row.Borrower, err)
		}

		switch cp.Classification {
		case ClassificationHealthy:
			result.Healthy++
			continue
		case ClassificationWarning:
			result.Warning++
		case ClassificationHighRisk:
			result.HighRisk++
		case ClassificationLiquidatable:
			result.Liquidatable++
		}
		result.Positions = append(result.Positions, cp)
	}

	if s.metrics != nil {
		s.metrics.ScansCompleted.Inc()
		s.metrics.ScanDuration.Observe(time.Since(start).Seconds())
		s.metrics.PositionsScanned.Observe(float64(result.TotalScanned))
		s.metrics.PositionsByBucket.WithLabelValues("healthy").Set(float64(result.Healthy))
		s.metrics.PositionsByBucket.WithLabelValues("warning").Set(float64(result.Warning))
		s.metrics.PositionsByBucket.WithLabelValues("high_risk").Set(float64(result.HighRisk))
		s.metrics.PositionsByBucket.WithLabelValues("liquidatable").Set(float64(result.Liquidatable))
	}

	s.logger.Debug().
		Uint64("block", atBlock).
		Int("scanned", result.TotalScanned).
		Int("liquidatable", result.Liquidatable).
		Int("high_risk", result.HighRisk).
		Int("warning", result.Warning).
		Dur("took", time.Since(start)).
		Msg("risk scan complete")

	return result, nil
}

// classify applies the fixed-point health computation to one joined row.
// Every quantity feeding the liquidatable decision stays in integer
// arithmetic; floats appear only in the severity ratio and the incentive
// factor.
func (s *Scanner) classify(row *ledger.RiskRow) (*ClassifiedPosition, error) {
	borrowedAssets, err := fpmath.ToAssetsUp(row.BorrowShares, row.TotalBorrowAssets, row.TotalBorrowShares)
	if err != nil {
		return nil, fmt.Errorf("borrowed assets: %w", err)
	}

	collateralValue, err := fpmath.MulDivDown(row.Collateral, row.Price, fpmath.OraclePriceScale)
	if err != nil {
		return nil, fmt.Errorf("collateral value: %w", err)
	}

	maxBorrow, err := fpmath.MulDivDown(collateralValue, row.LLTV, fpmath.WAD)
	if err != nil {
		return nil, fmt.Errorf("max borrow: %w", err)
	}

	cp := &ClassifiedPosition{
		MarketID:       row.MarketID,
		Borrower:       row.Borrower,
		Collateral:     new(big.Int).Set(row.Collateral),
		BorrowShares:   new(big.Int).Set(row.BorrowShares),
		BorrowedAssets: borrowedAssets,
		MaxLTV:         new(big.Int).Set(row.LLTV),
		PriceBlock:     row.PriceBlock,
	}

	if collateralValue.Sign() == 0 {
		// Price so low the collateral rounds to worthless. Any debt is
		// over the (zero) limit; LTV has no finite value.
		cp.Classification = ClassificationLiquidatable
		cp.RiskRatio = 1
		s.attachSeizure(cp, row.LLTV, borrowedAssets)
		return cp, nil
	}

	currentLTV, err := fpmath.MulDivUp(borrowedAssets, fpmath.WAD, collateralValue)
	if err != nil {
		return nil, fmt.Errorf("current ltv: %w", err)
	}
	cp.CurrentLTV = currentLTV

	ratioNum := new(big.Float).SetInt(currentLTV)
	ratioDen := new(big.Float).SetInt(row.LLTV)
	cp.RiskRatio, _ = new(big.Float).Quo(ratioNum, ratioDen).Float64()

	switch {
	case borrowedAssets.Cmp(maxBorrow) > 0:
		cp.Classification = ClassificationLiquidatable
		s.attachSeizure(cp, row.LLTV, borrowedAssets)
	case atThreshold(currentLTV, row.LLTV, highRiskThresholdPct):
		cp.Classification = ClassificationHighRisk
	case atThreshold(currentLTV, row.LLTV, warningThresholdPct):
		cp.Classification = ClassificationWarning
	default:
		cp.Classification = ClassificationHealthy
	}

	return cp, nil
}

// atThreshold reports currentLtv/lltv >= pct/100 without division:
// currentLtv * 100 >= lltv * pct.
func atThreshold(currentLTV, lltv *big.Int, pct int64) bool {
	lhs := new(big.Int).Mul(currentLTV, big.NewInt(100))
	rhs := new(big.Int).Mul(lltv, big.NewInt(pct))
	return lhs.Cmp(rhs) >= 0
}

func (s *Scanner) attachSeizure(cp *ClassifiedPosition, lltv, borrowedAssets *big.Int) {
	factor := IncentiveFactor(lltv)
	cp.IncentiveFactor = factor

	// Scale the factor to WAD once, then stay in integer math.
	factorWad := new(big.Int)
	new(big.Float).Mul(big.NewFloat(factor), new(big.Float).SetInt(fpmath.WAD)).Int(factorWad)

	seizure, err := fpmath.MulDivDown(borrowedAssets, factorWad, fpmath.WAD)
	if err != nil {
		// Inputs are non-negative and WAD is constant; unreachable.
		s.logger.Error().Err(err).Msg("seizure computation failed")
		return
	}
	cp.PossibleSeizure = seizure
}

// IncentiveFactor returns min(1.15, 1 / (0.3 * lltv/1e18 + 0.7)).
func IncentiveFactor(lltv *big.Int) float64 {
	lltvFloat, _ := new(big.Float).Quo(
		new(big.Float).SetInt(lltv),
		new(big.Float).SetInt(fpmath.WAD),
	).Float64()

	factor := 1 / (0.3*lltvFloat + 0.7)
	if factor > maxIncentiveFactor {
		return maxIncentiveFactor
	}
	return factor
}
