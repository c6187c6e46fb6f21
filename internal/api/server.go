package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"content-autopilot/internal/config"
	"content-autopilot/internal/ledger"
	"content-autopilot/internal/models"
	"content-autopilot/internal/pipeline"
	"content-autopilot/internal/progress"
	"content-autopilot/internal/store"
	"content-autopilot/internal/telemetry"
)

// Trigger is the slice of the pipeline runner the API invokes.
type Trigger interface {
	TriggerTarget(ctx context.Context, tenantID, articleID string, payload map[string]any) (models.Job, error)
	Sweep(ctx context.Context, tenantID string) (pipeline.Summary, error)
}

// Sweeper lets the cron trigger run an ad hoc reaper pass.
type Sweeper interface {
	SweepOnce(ctx context.Context) (int, error)
}

// Limiter throttles manual triggers per tenant. May be nil (no limiting).
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (bool, float64, error)
}

// Server wires the HTTP surface: job reads, listings, triggers, and the
// operator update endpoint.
type Server struct {
	cfg     config.Config
	store   store.Store
	ledger  *ledger.Ledger
	runner  Trigger
	reaper  Sweeper
	limiter Limiter
	log     *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, lg *ledger.Ledger, runner Trigger, reaper Sweeper, limiter Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, store: st, ledger: lg, runner: runner, reaper: reaper, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/abort", s.handleAbortJob)
	r.Post("/trigger", s.handleTrigger)
	r.Post("/cron/trigger", s.handleCronTrigger)
	r.Get("/accounts/balance", s.handleBalance)
	r.Get("/accounts/transactions", s.handleTransactions)
	return r
}

type jobResponse struct {
	ID          string         `json:"id"`
	Status      models.Status  `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"current_step"`
	Error       *string        `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ETASeconds  *int64         `json:"eta_seconds,omitempty"`
}

func toJobResponse(job models.Job, now time.Time) jobResponse {
	snap := progress.Estimate(job, now)
	return jobResponse{
		ID:          job.ID,
		Status:      job.Status,
		Progress:    snap.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.Error,
		Result:      job.Result,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		ETASeconds:  snap.ETASeconds,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !s.mayAccess(r, job.TenantID) {
		writeError(w, http.StatusForbidden, "job belongs to another tenant")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, time.Now()))
}

// handleListJobs returns the tenant's non-terminal jobs plus those that
// finished within the trailing hour, most recent first, so clients can resume
// progress display after a reload.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), store.ListFilter{
		TenantID:       tenant,
		ArticleID:      r.URL.Query().Get("article_id"),
		TerminalWindow: time.Hour,
		Limit:          20,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	now := time.Now()
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

type triggerRequest struct {
	TenantID  string   `json:"tenant_id"`
	ArticleID string   `json:"article_id"`
	Topic     string   `json:"topic"`
	Brief     string   `json:"brief"`
	CoverURL  string   `json:"cover_url"`
	Channels  []string `json:"channels"`
}

// handleTrigger runs work inside the request scope: a single target when
// article_id is present, otherwise a sweep of the tenant's pending jobs.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	tenant := tenantFromRequest(r)
	operator := s.isOperator(r)
	if operator && req.TenantID != "" {
		tenant = req.TenantID
	}
	if tenant == "" {
		writeError(w, http.StatusUnauthorized, "tenant credential required")
		return
	}
	if !operator && req.TenantID != "" && req.TenantID != tenant {
		writeError(w, http.StatusForbidden, "cannot trigger for another tenant")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TriggerTimeout)
	defer cancel()

	if req.ArticleID == "" {
		sum, err := s.runner.Sweep(ctx, tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sum)
		return
	}

	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required for a target trigger")
		return
	}
	payload := map[string]any{"topic": req.Topic}
	if req.Brief != "" {
		payload["brief"] = req.Brief
	}
	if req.CoverURL != "" {
		payload["cover_url"] = req.CoverURL
	}
	if len(req.Channels) > 0 {
		payload["channels"] = req.Channels
	}

	job, err := s.runner.TriggerTarget(ctx, tenant, req.ArticleID, payload)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job, time.Now()))
}

// handleCronTrigger sweeps all tenants. Guarded by the shared cron secret;
// a period with no eligible work is a no-op response, not an error.
func (s *Server) handleCronTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CronSecret == "" || !secretMatch(bearerToken(r), s.cfg.CronSecret) {
		writeError(w, http.StatusUnauthorized, "invalid cron credential")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TriggerTimeout)
	defer cancel()

	reaped := 0
	if s.reaper != nil {
		n, err := s.reaper.SweepOnce(ctx)
		if err != nil {
			s.log.Error("cron reap failed", "err", err)
		} else {
			reaped = n
		}
	}

	sum, err := s.runner.Sweep(ctx, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sweep": sum, "reaped": reaped})
}

type abortRequest struct {
	Action string `json:"action"` // "cancel" (default) or "fail"
	Error  string `json:"error"`
}

// handleAbortJob marks a job failed or cancelled out of band. Only valid from
// a non-terminal state.
func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !s.mayAccess(r, job.TenantID) {
		writeError(w, http.StatusForbidden, "job belongs to another tenant")
		return
	}

	var req abortRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var changed bool
	switch req.Action {
	case "", "cancel":
		changed, err = s.store.CancelJob(r.Context(), id)
		if changed {
			telemetry.JobsCancelled.Inc()
		}
	case "fail":
		msg := req.Error
		if msg == "" {
			msg = "failed by operator"
		}
		changed, err = s.store.FailJob(r.Context(), id, msg)
		if changed {
			telemetry.JobsFailed.Inc()
		}
	default:
		writeError(w, http.StatusBadRequest, "action must be cancel or fail")
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, "job already reached a terminal state")
		return
	}

	job, err = s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, time.Now()))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	acc, err := s.ledger.Balance(r.Context(), tenant)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	txs, err := s.ledger.History(r.Context(), tenant, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// mayAccess allows the owning tenant and operators.
func (s *Server) mayAccess(r *http.Request, tenantID string) bool {
	if s.isOperator(r) {
		return true
	}
	return tenantFromRequest(r) == tenantID
}

func (s *Server) isOperator(r *http.Request) bool {
	return s.cfg.OperatorToken != "" && secretMatch(bearerToken(r), s.cfg.OperatorToken)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func tenantFromRequest(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func secretMatch(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
