package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"pesa/internal/analytics"
	"pesa/internal/core"
	applog "pesa/internal/log"
	"pesa/internal/middleware/ratelimit"
	"pesa/internal/middleware/security"
	"pesa/internal/middleware/trace"
	"pesa/internal/services"
)

// Ingester is the write path behind POST /api/messages.
type Ingester interface {
	IngestBatch(ctx context.Context, msgs []core.RawMessage) (core.IngestReport, error)
	LastBalance() (core.Money, bool)
}

// Analytics is the read path behind the aggregate endpoints.
type Analytics interface {
	Now() time.Time
	Location() *time.Location
	Entries(ctx context.Context, start, end int64) ([]core.LedgerEntry, error)
	View(ctx context.Context, v analytics.View) (services.ViewResult, error)
	Progress(ctx context.Context) (core.TargetProgress, error)
	Insights(ctx context.Context) (core.Insights, error)
	Dashboard(ctx context.Context) (services.Dashboard, error)
}

// BatchPublisher queues a batch for asynchronous ingestion.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, msgs []core.RawMessage) (string, error)
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Options wires the server. Publisher and Checks are optional.
type Options struct {
	Ingest    Ingester
	Analytics Analytics
	Publisher BatchPublisher
	Checks    map[string]ReadinessCheck
	Logger    *applog.Logger
	RateLimit ratelimit.Config
}

type Server struct {
	http.Server

	ingest    Ingester
	analytics Analytics
	publisher BatchPublisher
	checks    map[string]ReadinessCheck
	logger    *applog.Logger

	limiter  *ratelimit.Limiter
	tracer   *trace.Middleware
	detector *security.Detector

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, opts Options) (*Server, error) {
	detector, err := security.NewDetector()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)

	s := &Server{
		ingest:    opts.Ingest,
		analytics: opts.Analytics,
		publisher: opts.Publisher,
		checks:    opts.Checks,
		logger:    logger,
		limiter:   ratelimit.NewLimiter(opts.RateLimit),
		tracer:    trace.NewMiddleware(logger, detector.ExtractClientIP),
		detector:  detector,
	}

	mux := http.NewServeMux()
	limited := s.limiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		TooManyRequestsError().WithRequestID(trace.GetRequestID(r.Context())).Write(w)
	})

	mux.Handle("POST /api/messages", limited(http.HandlerFunc(s.handleIngest)))
	mux.HandleFunc("GET /api/aggregates", s.handleAggregates)
	mux.HandleFunc("GET /api/progress", s.handleProgress)
	mux.HandleFunc("GET /api/transactions", s.handleTransactions)
	mux.HandleFunc("GET /api/insights", s.handleInsights)
	mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/balance", s.handleBalance)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())

	var handler http.Handler = mux
	handler = detector.Middleware(handler)
	handler = headers.Middleware(handler)
	handler = applog.RequestIDMiddleware(trace.FromRequest)(handler)
	handler = s.tracer.Middleware(handler)
	handler = applog.Middleware(logger)(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Shutdown stops the rate limiter and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
