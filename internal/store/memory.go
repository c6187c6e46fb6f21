package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"content-autopilot/internal/models"
)

// Memory is a mutex-guarded in-process Store used for local development
// (STORE_DRIVER=memory) and tests. Single-process only; the Postgres driver
// is the one that provides cross-process atomicity.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	accounts map[string]*models.CreditAccount
	ledger   map[string][]models.CreditTransaction
}

var _ Store = (*Memory)(nil)

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*models.Job),
		accounts: make(map[string]*models.CreditAccount),
		ledger:   make(map[string][]models.CreditTransaction),
	}
}

func (m *Memory) Close() {}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.TenantID == "" {
		return models.Job{}, false, &models.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ArticleID != "" {
		for _, j := range m.jobs {
			if j.TenantID == p.TenantID && j.ArticleID != nil && *j.ArticleID == p.ArticleID && !j.Status.IsTerminal() {
				return cloneJob(j), true, nil
			}
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New().String(),
		TenantID:    p.TenantID,
		Status:      models.StatusPending,
		Progress:    0,
		CurrentStep: "queued",
		Payload:     cloneMap(p.Payload),
		Result:      map[string]any{},
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if p.ArticleID != "" {
		article := p.ArticleID
		job.ArticleID = &article
	}
	m.jobs[job.ID] = job
	return cloneJob(job), false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, f ListFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-f.TerminalWindow)
	var out []models.Job
	for _, j := range m.jobs {
		if f.TenantID != "" && j.TenantID != f.TenantID {
			continue
		}
		if f.ArticleID != "" && (j.ArticleID == nil || *j.ArticleID != f.ArticleID) {
			continue
		}
		if j.Status.IsTerminal() {
			if f.TerminalWindow <= 0 || j.CompletedAt == nil || j.CompletedAt.Before(cutoff) {
				continue
			}
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) PendingJobs(_ context.Context, tenantID string, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusPending {
			continue
		}
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimJob(_ context.Context, id string, from, to models.Status, progress int, step string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if j.Status != from {
		return models.Job{}, false, nil
	}
	j.Status = to
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStep = step
	j.UpdatedAt = time.Now().UTC()
	return cloneJob(j), true, nil
}

func (m *Memory) AdvanceJob(_ context.Context, id string, from, to models.Status, progress int, step string) (bool, error) {
	_, ok, err := m.ClaimJob(context.Background(), id, from, to, progress, step)
	return ok, err
}

func (m *Memory) SetProgress(_ context.Context, id string, progress int, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if j.Status.IsTerminal() {
		return nil
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	if step != "" {
		j.CurrentStep = step
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MergeResult(_ context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if j.Status.IsTerminal() {
		return nil
	}
	if j.Result == nil {
		j.Result = map[string]any{}
	}
	for k, v := range patch {
		j.Result[k] = v
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CompleteJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if j.Status != models.StatusPublishing {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = models.StatusCompleted
	j.Progress = 100
	j.CurrentStep = "done"
	j.Error = nil
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true, nil
}

func (m *Memory) FailJob(_ context.Context, id, message string) (bool, error) {
	return m.finish(id, models.StatusFailed, message)
}

func (m *Memory) CancelJob(_ context.Context, id string) (bool, error) {
	return m.finish(id, models.StatusCancelled, "")
}

func (m *Memory) finish(id string, status models.Status, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	j.CompletedAt = &now
	if message != "" {
		msg := message
		j.Error = &msg
	}
	return true, nil
}

func (m *Memory) ReapStale(_ context.Context, cutoff time.Time, message string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []models.Job
	now := time.Now().UTC()
	for _, j := range m.jobs {
		if j.Status.IsTerminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := message
		j.Status = models.StatusFailed
		j.Error = &msg
		j.UpdatedAt = now
		j.CompletedAt = &now
		reaped = append(reaped, cloneJob(j))
	}
	return reaped, nil
}

func (m *Memory) GetAccount(_ context.Context, tenantID string) (models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[tenantID]
	if !ok {
		return models.CreditAccount{}, fmt.Errorf("account %s: %w", tenantID, models.ErrNotFound)
	}
	return *acc, nil
}

func (m *Memory) EnsureAccount(_ context.Context, tenantID string, subscription float64) (models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[tenantID]; ok {
		return *acc, nil
	}
	acc := &models.CreditAccount{
		TenantID:            tenantID,
		SubscriptionCredits: subscription,
		UpdatedAt:           time.Now().UTC(),
	}
	m.accounts[tenantID] = acc
	return *acc, nil
}

func (m *Memory) DebitCredits(_ context.Context, tenantID string, amount float64, description string) (models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[tenantID]
	if !ok {
		return models.CreditTransaction{}, fmt.Errorf("account %s: %w", tenantID, models.ErrNotFound)
	}
	if acc.IsUnlimited {
		return models.CreditTransaction{
			TenantID:    tenantID,
			Amount:      -amount,
			Type:        models.TxUsage,
			Description: description,
		}, nil
	}
	if acc.Available() < amount {
		return models.CreditTransaction{}, fmt.Errorf("debit %.4f from %s: %w", amount, tenantID, models.ErrInsufficientCredits)
	}

	// Subscription allotment drains first; the remainder comes out of the
	// non-expiring top-up pool.
	fromSubscription := amount
	if fromSubscription > acc.SubscriptionCredits {
		fromSubscription = acc.SubscriptionCredits
	}
	acc.SubscriptionCredits -= fromSubscription
	acc.TopUpCredits -= amount - fromSubscription
	acc.TotalCreditsUsed += amount
	acc.UpdatedAt = time.Now().UTC()

	tx := models.CreditTransaction{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Amount:       -amount,
		Type:         models.TxUsage,
		Description:  description,
		BalanceAfter: acc.Available(),
		CreatedAt:    acc.UpdatedAt,
	}
	m.ledger[tenantID] = append(m.ledger[tenantID], tx)
	return tx, nil
}

func (m *Memory) AddCredits(_ context.Context, tenantID string, amount float64, txType models.TransactionType, description string) (models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[tenantID]
	if !ok {
		return models.CreditTransaction{}, fmt.Errorf("account %s: %w", tenantID, models.ErrNotFound)
	}

	switch txType {
	case models.TxRefund:
		// Refunds restore the non-expiring pool so they cannot be lost to a
		// period reset.
		acc.TopUpCredits += amount
	case models.TxPurchase:
		acc.TopUpCredits += amount
		acc.TotalCreditsPurchased += amount
	default:
		acc.SubscriptionCredits += amount
	}
	acc.UpdatedAt = time.Now().UTC()

	tx := models.CreditTransaction{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Amount:       amount,
		Type:         txType,
		Description:  description,
		BalanceAfter: acc.Available(),
		CreatedAt:    acc.UpdatedAt,
	}
	m.ledger[tenantID] = append(m.ledger[tenantID], tx)
	return tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, tenantID string, limit int) ([]models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := m.ledger[tenantID]
	out := make([]models.CreditTransaction, len(txs))
	copy(out, txs)
	// Most recent first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	out.Payload = cloneMap(j.Payload)
	out.Result = cloneMap(j.Result)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
