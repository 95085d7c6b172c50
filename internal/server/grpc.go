package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"BlueLedger/internal/observability"
	"BlueLedger/internal/query"
	"BlueLedger/internal/risk"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// BlockProvider reports the block the ledger has projected up to.
type BlockProvider func() (uint64, bool)

// Server hosts the read API: a gRPC endpoint carrying health and reflection,
// and an HTTP mux serving the JSON query surface, probes, and metrics.
type Server struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// Deps holds the dependencies for the API surface.
type Deps struct {
	QueryService  *query.QueryService
	Scanner       *risk.Scanner
	LatestBlock   BlockProvider
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewServer creates the server with all routes registered.
func NewServer(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui.
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger.With().Str("component", "server").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: s.buildHTTPHandler(deps),
	}
	return s
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildHTTPHandler(deps *Deps) http.Handler {
	mux := runtime.NewServeMux()
	api := &apiHandlers{deps: deps}

	mux.HandlePath(http.MethodGet, "/v1/markets", api.listMarkets)
	mux.HandlePath(http.MethodGet, "/v1/markets/{id}", api.getMarket)
	mux.HandlePath(http.MethodGet, "/v1/markets/{id}/positions", api.listPositions)
	mux.HandlePath(http.MethodGet, "/v1/markets/{id}/positions/{borrower}", api.getPosition)
	mux.HandlePath(http.MethodGet, "/v1/markets/{id}/fees", api.listFees)
	mux.HandlePath(http.MethodGet, "/v1/prices/{oracle}", api.latestPrice)
	mux.HandlePath(http.MethodGet, "/v1/risk/scan", api.riskScan)

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux
}

type apiHandlers struct {
	deps *Deps
}

func (h *apiHandlers) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	markets, err := h.deps.QueryService.ListMarkets(r.Context())
	h.respond(w, "list_markets", map[string]interface{}{"markets": markets}, err)
}

func (h *apiHandlers) getMarket(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	market, err := h.deps.QueryService.GetMarket(r.Context(), pathParams["id"])
	h.respond(w, "get_market", market, err)
}

func (h *apiHandlers) listPositions(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	positions, err := h.deps.QueryService.ListPositions(r.Context(), pathParams["id"])
	h.respond(w, "list_positions", map[string]interface{}{"positions": positions}, err)
}

func (h *apiHandlers) getPosition(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	position, err := h.deps.QueryService.GetPosition(r.Context(), pathParams["id"], pathParams["borrower"])
	h.respond(w, "get_position", position, err)
}

func (h *apiHandlers) listFees(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	fees, err := h.deps.QueryService.FeeCollections(r.Context(), pathParams["id"], limit)
	h.respond(w, "list_fees", map[string]interface{}{"fee_collections": fees}, err)
}

func (h *apiHandlers) latestPrice(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	atBlock, _ := strconv.ParseUint(r.URL.Query().Get("at_block"), 10, 64)
	price, err := h.deps.QueryService.LatestPrice(r.Context(), pathParams["oracle"], atBlock)
	h.respond(w, "latest_price", price, err)
}

// riskScan runs an on-demand scan against current in-memory state. The scan
// is stateless so serving it directly is safe.
func (h *apiHandlers) riskScan(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	atBlock, _ := strconv.ParseUint(r.URL.Query().Get("at_block"), 10, 64)
	if atBlock == 0 {
		latest, ok := h.deps.LatestBlock()
		if !ok {
			h.respond(w, "risk_scan", nil, fmt.Errorf("%w: no events projected yet", query.ErrNotFound))
			return
		}
		atBlock = latest
	}

	result, err := h.deps.Scanner.Scan(atBlock)
	if err != nil {
		h.respond(w, "risk_scan", nil, err)
		return
	}
	h.respond(w, "risk_scan", scanResultJSON(result), nil)
}

func (h *apiHandlers) respond(w http.ResponseWriter, endpoint string, payload interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
		if errors.Is(err, query.ErrNotFound) {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	} else {
		json.NewEncoder(w).Encode(payload)
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		if err != nil {
			h.deps.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		}
	}
}

// --- scan result JSON shape ---
// Amounts render as decimal strings so 256-bit values survive JSON consumers.

type scanPositionJSON struct {
	MarketID        string  `json:"market_id"`
	Borrower        string  `json:"borrower"`
	Collateral      string  `json:"collateral"`
	BorrowShares    string  `json:"borrow_shares"`
	BorrowedAssets  string  `json:"borrowed_assets"`
	CurrentLTV      string  `json:"current_ltv,omitempty"`
	MaxLTV          string  `json:"max_ltv"`
	Classification  string  `json:"classification"`
	RiskRatio       float64 `json:"risk_ratio"`
	IncentiveFactor float64 `json:"incentive_factor,omitempty"`
	PossibleSeizure string  `json:"possible_seizure,omitempty"`
	PriceBlock      uint64  `json:"price_block"`
}

type scanResultBody struct {
	ScanID       string             `json:"scan_id"`
	Block        uint64             `json:"block"`
	Timestamp    time.Time          `json:"timestamp"`
	TotalScanned int                `json:"total_scanned"`
	Healthy      int                `json:"healthy"`
	Warning      int                `json:"warning"`
	HighRisk     int                `json:"high_risk"`
	Liquidatable int                `json:"liquidatable"`
	Positions    []scanPositionJSON `json:"positions"`
}

func scanResultJSON(result *risk.ScanResult) scanResultBody {
	body := scanResultBody{
		ScanID:       result.ScanID.String(),
		Block:        result.Block,
		Timestamp:    result.Timestamp,
		TotalScanned: result.TotalScanned,
		Healthy:      result.Healthy,
		Warning:      result.Warning,
		HighRisk:     result.HighRisk,
		Liquidatable: result.Liquidatable,
		Positions:    make([]scanPositionJSON, 0, len(result.Positions)),
	}
	for _, cp := range result.Positions {
		pos := scanPositionJSON{
			MarketID:       cp.MarketID.Hex(),
			Borrower:       cp.Borrower.Hex(),
			Collateral:     cp.Collateral.String(),
			BorrowShares:   cp.BorrowShares.String(),
			BorrowedAssets: cp.BorrowedAssets.String(),
			MaxLTV:         cp.MaxLTV.String(),
			Classification: cp.Classification.String(),
			RiskRatio:      cp.RiskRatio,
			PriceBlock:     cp.PriceBlock,
		}
		if cp.CurrentLTV != nil {
			pos.CurrentLTV = cp.CurrentLTV.String()
		}
		if cp.Classification == risk.ClassificationLiquidatable {
			pos.IncentiveFactor = cp.IncentiveFactor
			if cp.PossibleSeizure != nil {
				pos.PossibleSeizure = cp.PossibleSeizure.String()
			}
		}
		body.Positions = append(body.Positions, pos)
	}
	return body
}

// SetServing flips the gRPC health status alongside HTTP readiness.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}
