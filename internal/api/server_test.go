package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"content-autopilot/internal/config"
	"content-autopilot/internal/ledger"
	"content-autopilot/internal/models"
	"content-autopilot/internal/pipeline"
	"content-autopilot/internal/store"
)

type fakeRunner struct {
	job      models.Job
	err      error
	sweeps   []string
	triggers []string
}

func (f *fakeRunner) TriggerTarget(_ context.Context, tenantID, articleID string, _ map[string]any) (models.Job, error) {
	f.triggers = append(f.triggers, tenantID+"/"+articleID)
	return f.job, f.err
}

func (f *fakeRunner) Sweep(_ context.Context, tenantID string) (pipeline.Summary, error) {
	f.sweeps = append(f.sweeps, tenantID)
	return pipeline.Summary{Processed: 1, Completed: 1}, nil
}

type fakeReaper struct {
	reaped int
}

func (f *fakeReaper) SweepOnce(context.Context) (int, error) {
	return f.reaped, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, float64, error) {
	return false, 0, nil
}

type testEnv struct {
	store  *store.Memory
	runner *fakeRunner
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	runner := &fakeRunner{}
	cfg := config.Config{
		CronSecret:     "cron-secret",
		OperatorToken:  "op-token",
		TriggerTimeout: time.Minute,
	}
	srv := New(cfg, st, ledger.New(st, nil), runner, &fakeReaper{reaped: 2}, nil, nil)
	return &testEnv{store: st, runner: runner, router: srv.Router()}
}

func (e *testEnv) do(method, path, tenant, bearer string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestGetJobTenantIsolation(t *testing.T) {
	e := newTestEnv(t)
	job, _, err := e.store.CreateJob(context.Background(), store.CreateJobParams{TenantID: "t1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rec := e.do(http.MethodGet, "/jobs/"+job.ID, "t1", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("owner read: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(http.MethodGet, "/jobs/"+job.ID, "t2", "", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign read: got %d want 403", rec.Code)
	}
	// Operators may read any tenant's job.
	if rec := e.do(http.MethodGet, "/jobs/"+job.ID, "", "op-token", ""); rec.Code != http.StatusOK {
		t.Fatalf("operator read: %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/jobs/nope", "t1", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: got %d want 404", rec.Code)
	}
}

func TestListJobsRequiresTenant(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(http.MethodGet, "/jobs", "", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("no tenant: got %d want 400", rec.Code)
	}

	e.store.CreateJob(context.Background(), store.CreateJobParams{TenantID: "t1"})
	rec := e.do(http.MethodGet, "/jobs", "t1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Jobs []jobResponse `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Jobs) != 1 {
		t.Fatalf("jobs: %+v", out.Jobs)
	}
}

func TestTriggerTarget(t *testing.T) {
	e := newTestEnv(t)
	e.runner.job = models.Job{ID: "j1", TenantID: "t1", Status: models.StatusCompleted, Progress: 100}

	rec := e.do(http.MethodPost, "/trigger", "t1", "", `{"article_id":"a1","topic":"tomatoes"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger: %d %s", rec.Code, rec.Body.String())
	}
	if len(e.runner.triggers) != 1 || e.runner.triggers[0] != "t1/a1" {
		t.Fatalf("triggers: %v", e.runner.triggers)
	}
}

func TestTriggerValidation(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(http.MethodPost, "/trigger", "", "", `{"article_id":"a1","topic":"x"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credential: got %d want 401", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/trigger", "t1", "", `{"article_id":"a1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing topic: got %d want 400", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/trigger", "t1", "", `{"tenant_id":"t2","article_id":"a1","topic":"x"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("cross-tenant trigger: got %d want 403", rec.Code)
	}
}

func TestTriggerSweepsWithoutTarget(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodPost, "/trigger", "t1", "", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep trigger: %d %s", rec.Code, rec.Body.String())
	}
	if len(e.runner.sweeps) != 1 || e.runner.sweeps[0] != "t1" {
		t.Fatalf("sweeps: %v", e.runner.sweeps)
	}
}

func TestTriggerRateLimited(t *testing.T) {
	st := store.NewMemory()
	cfg := config.Config{TriggerTimeout: time.Minute}
	srv := New(cfg, st, ledger.New(st, nil), &fakeRunner{}, &fakeReaper{}, denyLimiter{}, nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/trigger", strings.NewReader(`{}`))
	req.Header.Set("X-Tenant-ID", "t1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("rate limited: got %d want 429", rec.Code)
	}
}

func TestCronTrigger(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.do(http.MethodPost, "/cron/trigger", "", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no secret: got %d want 401", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/cron/trigger", "", "wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: got %d want 401", rec.Code)
	}

	rec := e.do(http.MethodPost, "/cron/trigger", "", "cron-secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cron: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Reaped int              `json:"reaped"`
		Sweep  pipeline.Summary `json:"sweep"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Reaped != 2 || out.Sweep.Processed != 1 {
		t.Fatalf("cron summary: %+v", out)
	}
	// The cron path sweeps across all tenants.
	if len(e.runner.sweeps) != 1 || e.runner.sweeps[0] != "" {
		t.Fatalf("sweeps: %v", e.runner.sweeps)
	}
}

func TestAbortJob(t *testing.T) {
	e := newTestEnv(t)
	job, _, _ := e.store.CreateJob(context.Background(), store.CreateJobParams{TenantID: "t1"})

	rec := e.do(http.MethodPost, "/jobs/"+job.ID+"/abort", "t1", "", `{"action":"cancel"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("abort: %d %s", rec.Code, rec.Body.String())
	}
	var out jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != models.StatusCancelled {
		t.Fatalf("status: %s", out.Status)
	}

	// A second abort hits a terminal job.
	if rec := e.do(http.MethodPost, "/jobs/"+job.ID+"/abort", "t1", "", `{"action":"cancel"}`); rec.Code != http.StatusConflict {
		t.Fatalf("abort terminal: got %d want 409", rec.Code)
	}
}

func TestAbortJobBadAction(t *testing.T) {
	e := newTestEnv(t)
	job, _, _ := e.store.CreateJob(context.Background(), store.CreateJobParams{TenantID: "t1"})
	if rec := e.do(http.MethodPost, "/jobs/"+job.ID+"/abort", "t1", "", `{"action":"retry"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad action: got %d want 400", rec.Code)
	}
}

func TestBalanceAndTransactions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.store.EnsureAccount(ctx, "t1", 10)
	e.store.DebitCredits(ctx, "t1", 1, "content generation")

	rec := e.do(http.MethodGet, "/accounts/balance", "t1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: %d %s", rec.Code, rec.Body.String())
	}
	var acc models.CreditAccount
	if err := json.Unmarshal(rec.Body.Bytes(), &acc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acc.Available() != 9 {
		t.Fatalf("available: got %v want 9", acc.Available())
	}

	rec = e.do(http.MethodGet, "/accounts/transactions", "t1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: %d", rec.Code)
	}
	var txs struct {
		Transactions []models.CreditTransaction `json:"transactions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &txs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(txs.Transactions) != 1 || txs.Transactions[0].Amount != -1 {
		t.Fatalf("transactions: %+v", txs.Transactions)
	}

	if rec := e.do(http.MethodGet, "/accounts/balance", "unknown", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing account: got %d want 404", rec.Code)
	}
}
