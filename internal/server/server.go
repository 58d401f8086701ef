// Package server exposes the margin ledger over gRPC and HTTP/JSON.
// The gRPC side carries health and reflection; the operational API is
// served as HTTP/JSON on the gateway mux so dashboards and curl can
// reach it without generated stubs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"marginledger/internal/collateral"
	"marginledger/internal/core"
	"marginledger/internal/ledger"
	"marginledger/internal/liquidation"
	"marginledger/internal/margin"
	"marginledger/internal/observability"
	"marginledger/internal/wad"
)

// Deps holds everything the API surface needs.
type Deps struct {
	Engine        *core.Engine
	Settlement    *core.Settlement
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// Server wraps the gRPC server and the HTTP/JSON mux.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string

	engine     *core.Engine
	settlement *core.Settlement
	checker    *observability.HealthChecker
	log        zerolog.Logger
}

// New builds the server and registers the gRPC health and reflection
// services.
func New(grpcAddr, httpAddr string, deps Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		engine:     deps.Engine,
		settlement: deps.Settlement,
		checker:    deps.HealthChecker,
		log:        deps.Logger,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.checker != nil {
		httpMux.HandleFunc("/healthz", s.checker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.checker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- response helpers ---

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorBody{Error: err.Error(), Code: errorCode(err)})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, collateral.ErrUnlisted),
		errors.Is(err, margin.ErrUnknownMarket):
		return http.StatusNotFound
	case errors.Is(err, collateral.ErrAlreadyListed):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotGovernance):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientReserves),
		errors.Is(err, ledger.ErrOutstandingDebt),
		errors.Is(err, ledger.ErrDepositCapExceeded),
		errors.Is(err, margin.ErrBelowMinMargin),
		errors.Is(err, liquidation.ErrValidMargin),
		errors.Is(err, liquidation.ErrInvalidPosition),
		errors.Is(err, liquidation.ErrInsufficientProposedAmount),
		errors.Is(err, liquidation.ErrDebtSizeZero),
		errors.Is(err, liquidation.ErrSufficientCollateral):
		return http.StatusUnprocessableEntity
	case errors.Is(err, collateral.ErrWeightOutOfRange),
		errors.Is(err, collateral.ErrEmptySymbol),
		errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ledger.ErrZeroBeneficiary),
		errors.Is(err, wad.ErrBadDecimal):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, collateral.ErrUnlisted):
		return "UNLISTED_ASSET"
	case errors.Is(err, collateral.ErrAlreadyListed):
		return "ALREADY_LISTED"
	case errors.Is(err, collateral.ErrWeightOutOfRange):
		return "WEIGHT_OUT_OF_RANGE"
	case errors.Is(err, core.ErrNotGovernance):
		return "NOT_GOVERNANCE"
	case errors.Is(err, ledger.ErrDepositCapExceeded):
		return "DEPOSIT_CAP_EXCEEDED"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		return "INSUFFICIENT_ALLOWANCE"
	case errors.Is(err, ledger.ErrInsufficientReserves):
		return "INSUFFICIENT_RESERVES"
	case errors.Is(err, ledger.ErrOutstandingDebt):
		return "OUTSTANDING_DEBT"
	case errors.Is(err, margin.ErrBelowMinMargin):
		return "BELOW_MIN_MARGIN"
	case errors.Is(err, margin.ErrUnknownMarket):
		return "UNKNOWN_MARKET"
	case errors.Is(err, liquidation.ErrValidMargin):
		return "VALID_MARGIN"
	case errors.Is(err, liquidation.ErrInvalidPosition):
		return "INVALID_POSITION"
	case errors.Is(err, liquidation.ErrInsufficientProposedAmount):
		return "PROPOSAL_OUT_OF_TOLERANCE"
	case errors.Is(err, liquidation.ErrDebtSizeZero):
		return "DEBT_SIZE_ZERO"
	case errors.Is(err, liquidation.ErrSufficientCollateral):
		return "SUFFICIENT_COLLATERAL"
	default:
		return "INTERNAL"
	}
}
