package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stablemint/native/cdp"
	"stablemint/native/token"
	"stablemint/observability"
	"stablemint/services/cdpd/oracle"
)

const maxRequestBytes = 1 << 20

// Config defines HTTP server parameters.
type Config struct {
	RateLimitPerMinute int
	RateLimitBurst     int
}

// Server hosts the engine operations, token approvals, oracle posts and
// health/metrics endpoints for cdpd.
type Server struct {
	engine  *cdp.Engine
	ledger  *token.Ledger
	prices  *oracle.Manager
	module  common.Address
	synth   common.Address
	logger  *slog.Logger
	metrics *observability.CDPMetrics
	router  http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config, engine *cdp.Engine, ledger *token.Ledger, prices *oracle.Manager, synthToken common.Address, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("token ledger required")
	}
	if prices == nil {
		return nil, fmt.Errorf("oracle manager required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine:  engine,
		ledger:  ledger,
		prices:  prices,
		module:  engine.ModuleAddress(),
		synth:   synthToken,
		logger:  logger,
		metrics: observability.CDP(),
	}
	srv.router = srv.buildRouter(cfg)
	return srv, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg Config) http.Handler {
	limiter := newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/collateral/deposit", s.handleDeposit)
		r.Post("/collateral/redeem", s.handleRedeem)
		r.Post("/synth/mint", s.handleMint)
		r.Post("/synth/burn", s.handleBurn)
		r.Post("/positions/open", s.handleOpenPosition)
		r.Post("/positions/close", s.handleClosePosition)
		r.Post("/liquidate", s.handleLiquidate)
		r.Post("/token/approve", s.handleApprove)
		r.Get("/accounts/{user}", s.handleAccount)
		r.Get("/collateral/tokens", s.handleCollateralTokens)
		r.Get("/price/usd-value", s.handleUsdValue)
		r.Get("/price/token-amount", s.handleTokenAmount)
		r.With(limiter.middleware("oracle")).Post("/oracle/price", s.handleOraclePrice)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe records metrics and a structured log line for a completed engine
// operation.
func (s *Server) observe(operation string, start time.Time, err error) {
	duration := time.Since(start)
	s.metrics.Observe(operation, duration, err)
	if err != nil {
		if isHealthRejection(err) {
			s.metrics.RecordHealthRejection(operation)
		}
		s.logger.Warn("operation rejected",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
			slog.Duration("duration", duration))
		return
	}
	s.logger.Info("operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
