package http

import (
	"errors"
	"net/http"

	"pesa/internal/analytics"
	"pesa/internal/core"
	applog "pesa/internal/log"
	"pesa/internal/middleware/trace"
)

// fail logs err and writes a generic 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error, op string) {
	ctx := r.Context()
	applog.NewStructuredLogger(applog.FromContext(ctx)).LogError(ctx, msg, err, applog.ComponentHTTP, op, nil)
	InternalServerError(msg).WithRequestID(trace.GetRequestID(ctx)).Write(w)
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	BadRequestError(err.Error()).WithRequestID(trace.GetRequestID(r.Context())).Write(w)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msgs, err := DecodeMessages(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}

	if ParseBool(r.URL.Query(), "async") {
		if s.publisher == nil {
			ServiceUnavailableError("asynchronous ingestion is not configured").
				WithRequestID(trace.GetRequestID(ctx)).Write(w)
			return
		}
		batchID, err := s.publisher.PublishBatch(ctx, msgs)
		if err != nil {
			s.fail(w, r, "failed to queue batch", err, applog.OpIngest)
			return
		}
		applog.FromContext(ctx).InfoContext(ctx, "Batch queued",
			applog.FieldBatchID, batchID,
			applog.FieldReceived, len(msgs))
		NewJSONResponse().
			Status(http.StatusAccepted).
			Data(batchAcceptedDTO{BatchID: batchID, Messages: len(msgs)}).
			Write(w)
		return
	}

	report, err := s.ingest.IngestBatch(ctx, msgs)
	if err != nil {
		applog.NewStructuredLogger(applog.FromContext(ctx)).LogError(ctx, "Batch ingestion failed", err,
			applog.ComponentIngest, applog.OpIngest,
			applog.NewFields().WithIngest(report.Received, report.Inserted, report.Duplicates, report.Skipped))
		InternalServerError("ingestion stopped on a storage error; earlier messages were kept").
			WithRequestID(trace.GetRequestID(ctx)).
			WithDetails(report).
			Write(w)
		return
	}

	NewJSONResponse().Data(report).Write(w)
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	view, err := ParseView(r.URL.Query())
	if err != nil {
		badRequest(w, r, err)
		return
	}

	res, err := s.analytics.View(r.Context(), view)
	if err != nil {
		s.fail(w, r, "failed to aggregate ledger", err, applog.OpAggregate)
		return
	}
	NewJSONResponse().Data(toAggregateDTO(res)).Write(w)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.analytics.Progress(r.Context())
	if err != nil {
		s.fail(w, r, "failed to compute progress", err, applog.OpAggregate)
		return
	}
	NewJSONResponse().Data(toProgressDTO(p)).Write(w)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	from, to, err := ParseRange(r.URL.Query(), analytics.Month.Period(s.analytics.Now()))
	if err != nil {
		badRequest(w, r, err)
		return
	}

	entries, err := s.analytics.Entries(r.Context(), from, to)
	if err != nil {
		s.fail(w, r, "failed to query ledger", err, applog.OpQuery)
		return
	}

	loc := s.analytics.Location()
	out := transactionsDTO{From: from, To: to, Count: len(entries), Entries: make([]entryDTO, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, toEntryDTO(e, loc))
	}
	NewJSONResponse().Data(out).Write(w)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	in, err := s.analytics.Insights(r.Context())
	if err != nil {
		s.fail(w, r, "failed to compute insights", err, applog.OpAggregate)
		return
	}
	NewJSONResponse().Data(toInsightsDTO(in, s.analytics.Location())).Write(w)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.analytics.Dashboard(r.Context())
	if err != nil {
		s.fail(w, r, "failed to build dashboard", err, applog.OpAggregate)
		return
	}
	NewJSONResponse().Data(toDashboardDTO(d, s.analytics.Location())).Write(w)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, known := s.ingest.LastBalance()
	if !known {
		balance = core.Zero
	}
	NewJSONResponse().Data(balanceDTO{Balance: balance, Known: known}).Write(w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tm := s.tracer.GetMetrics()
	lm := s.limiter.GetMetrics()
	NewJSONResponse().Data(map[string]any{
		"requests":            tm.TotalRequests,
		"server_errors":       tm.ServerErrors,
		"avg_response_ms":     tm.AverageResponseTime.Milliseconds(),
		"rate_limited":        lm.TotalHits,
		"rate_limit_clients":  lm.ClientCount,
		"suspicious_requests": s.detector.SuspiciousCount(),
	}).Write(w)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(map[string]string{"status": "ok"}).Write(w)
}

// handleReady runs every readiness check; any failure answers 503.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(s.checks))
	var failed error
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			results[name] = err.Error()
			failed = errors.Join(failed, err)
			continue
		}
		results[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if failed != nil {
		status = http.StatusServiceUnavailable
		state = "not_ready"
		s.logger.WarnContext(r.Context(), "Readiness check failed", applog.FieldError, failed.Error())
	}
	NewJSONResponse().Status(status).Data(map[string]any{"status": state, "checks": results}).Write(w)
}
