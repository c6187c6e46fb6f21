package store

import (
	"context"
	"time"

	"content-autopilot/internal/models"
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	TenantID  string
	ArticleID string
	Payload   map[string]any
}

// ListFilter narrows a tenant-scoped job listing.
type ListFilter struct {
	TenantID  string
	ArticleID string
	// TerminalWindow includes terminal jobs that completed within the window;
	// non-terminal jobs are always included.
	TerminalWindow time.Duration
	Limit          int
}

// Store is the persistence boundary shared by the API, pipeline, ledger, and
// reaper. Every mutation that may race across processes is a single atomic
// conditional operation in the implementation, never a read-then-write.
//
// Credit mutation methods (DebitCredits, AddCredits) are reserved for the
// ledger facade; no other component may call them.
type Store interface {
	// CreateJob inserts a pending job. When the target article already has an
	// active job for the tenant, the existing job is returned with reused=true.
	CreateJob(ctx context.Context, p CreateJobParams) (job models.Job, reused bool, err error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error)
	// PendingJobs returns claimable work, oldest first. Empty tenantID selects
	// across all tenants.
	PendingJobs(ctx context.Context, tenantID string, limit int) ([]models.Job, error)

	// ClaimJob performs the atomic conditional transition that grants the
	// caller exclusive execution rights. claimed=false means another worker
	// won the race or the job moved on.
	ClaimJob(ctx context.Context, id string, from, to models.Status, progress int, step string) (job models.Job, claimed bool, err error)
	// AdvanceJob moves a claimed job between pipeline stages, conditional on
	// the current status.
	AdvanceJob(ctx context.Context, id string, from, to models.Status, progress int, step string) (bool, error)
	// SetProgress bumps progress (monotonically, never decreasing) and the
	// human-readable step on a non-terminal job.
	SetProgress(ctx context.Context, id string, progress int, step string) error
	// MergeResult shallow-merges the patch into the job's result payload.
	MergeResult(ctx context.Context, id string, patch map[string]any) error

	CompleteJob(ctx context.Context, id string) (bool, error)
	FailJob(ctx context.Context, id, message string) (bool, error)
	CancelJob(ctx context.Context, id string) (bool, error)

	// ReapStale fails every non-terminal job whose updated_at predates cutoff
	// and returns the reaped jobs. Safe to run repeatedly and concurrently
	// with ClaimJob.
	ReapStale(ctx context.Context, cutoff time.Time, message string) ([]models.Job, error)

	GetAccount(ctx context.Context, tenantID string) (models.CreditAccount, error)
	// EnsureAccount creates the tenant's account with the given subscription
	// allotment if absent; otherwise it returns the existing account untouched.
	EnsureAccount(ctx context.Context, tenantID string, subscription float64) (models.CreditAccount, error)
	// DebitCredits atomically drains subscription credits first, then top-up
	// credits, and appends the usage transaction in the same unit of work.
	// Unlimited accounts succeed without mutation; the returned transaction
	// then has an empty ID and is not persisted.
	DebitCredits(ctx context.Context, tenantID string, amount float64, description string) (models.CreditTransaction, error)
	AddCredits(ctx context.Context, tenantID string, amount float64, txType models.TransactionType, description string) (models.CreditTransaction, error)
	ListTransactions(ctx context.Context, tenantID string, limit int) ([]models.CreditTransaction, error)

	Close()
}
