package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-autopilot/internal/models"
)

// Postgres implements Store on a pgx connection pool. All racy mutations are
// single conditional statements so concurrent workers and the reaper cannot
// observe or produce lost updates.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

var nonTerminal = []string{
	string(models.StatusPending),
	string(models.StatusGenerating),
	string(models.StatusPublishing),
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tenant_id, article_id, status, progress, current_step, payload, result, error, started_at, updated_at, completed_at`

func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.TenantID == "" {
		return models.Job{}, false, &models.ValidationError{Field: "tenant_id", Reason: "required"}
	}

	// Short-circuit on an active job for the same target before inserting; the
	// partial unique index backs this up under races.
	if p.ArticleID != "" {
		if existing, found, err := s.activeJobFor(ctx, p.TenantID, p.ArticleID); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	payloadJSON, err := json.Marshal(orEmpty(p.Payload))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, tenant_id, article_id, status, progress, current_step, payload, result, started_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, 0, 'queued', $5, '{}'::jsonb, NOW(), NOW())
		ON CONFLICT (tenant_id, article_id) WHERE article_id IS NOT NULL AND status IN ('pending','generating','publishing') DO NOTHING
		RETURNING `+jobColumns, id, p.TenantID, p.ArticleID, models.StatusPending, payloadJSON)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the insert race; the active job must exist now.
		existing, found, err := s.activeJobFor(ctx, p.TenantID, p.ArticleID)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("active-job conflict but no existing job found")
		}
		return existing, true, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	return job, false, nil
}

func (s *Postgres) activeJobFor(ctx context.Context, tenantID, articleID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = $1 AND article_id = $2 AND status = ANY($3)
		LIMIT 1
	`, tenantID, articleID, nonTerminal)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query active job: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error) {
	b := sq.Select(jobColumns).From("jobs").
		PlaceholderFormat(sq.Dollar).
		OrderBy("updated_at DESC")

	if f.TenantID != "" {
		b = b.Where(sq.Eq{"tenant_id": f.TenantID})
	}
	if f.ArticleID != "" {
		b = b.Where(sq.Eq{"article_id": f.ArticleID})
	}
	if f.TerminalWindow > 0 {
		cutoff := time.Now().UTC().Add(-f.TerminalWindow)
		b = b.Where(sq.Or{
			sq.Eq{"status": nonTerminal},
			sq.GtOrEq{"completed_at": cutoff},
		})
	} else {
		b = b.Where(sq.Eq{"status": nonTerminal})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build listing query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) PendingJobs(ctx context.Context, tenantID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND ($2 = '' OR tenant_id = $2)
		ORDER BY started_at ASC
		LIMIT $3
	`, models.StatusPending, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) ClaimJob(ctx context.Context, id string, from, to models.Status, progress int, step string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, progress = GREATEST(progress, $4), current_step = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns, id, from, to, progress, step)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) AdvanceJob(ctx context.Context, id string, from, to models.Status, progress int, step string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, progress = GREATEST(progress, $4), current_step = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to, progress, step)
	if err != nil {
		return false, fmt.Errorf("advance job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) SetProgress(ctx context.Context, id string, progress int, step string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $2),
		    current_step = COALESCE(NULLIF($3, ''), current_step),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, progress, step, nonTerminal)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

func (s *Postgres) MergeResult(ctx context.Context, id string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal result patch: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET result = result || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, patchJSON, nonTerminal)
	if err != nil {
		return fmt.Errorf("merge result: %w", err)
	}
	return nil
}

func (s *Postgres) CompleteJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress = 100, current_step = 'done', error = NULL,
		    updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCompleted, models.StatusPublishing)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) FailJob(ctx context.Context, id, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, models.StatusFailed, message, nonTerminal)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, models.StatusCancelled, nonTerminal)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ReapStale(ctx context.Context, cutoff time.Time, message string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $1, error = $2, updated_at = NOW(), completed_at = NOW()
		WHERE status = ANY($3) AND updated_at < $4
		RETURNING `+jobColumns, models.StatusFailed, message, nonTerminal, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reap stale jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Postgres) GetAccount(ctx context.Context, tenantID string) (models.CreditAccount, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, subscription_credits, topup_credits, is_unlimited,
		       total_credits_used, total_credits_purchased, updated_at
		FROM credit_accounts WHERE tenant_id = $1
	`, tenantID)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditAccount{}, fmt.Errorf("account %s: %w", tenantID, models.ErrNotFound)
	}
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (s *Postgres) EnsureAccount(ctx context.Context, tenantID string, subscription float64) (models.CreditAccount, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credit_accounts (tenant_id, subscription_credits, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, subscription)
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(ctx, tenantID)
}

func (s *Postgres) DebitCredits(ctx context.Context, tenantID string, amount float64, description string) (models.CreditTransaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// The drain is one conditional statement: every column reference on the
	// right-hand side reads the pre-update value, so subscription credits are
	// consumed first and concurrent debits cannot lose updates.
	var newSub, newTop float64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET subscription_credits = GREATEST(subscription_credits - $2, 0),
		    topup_credits        = topup_credits - GREATEST($2 - subscription_credits, 0),
		    total_credits_used   = total_credits_used + $2,
		    updated_at           = NOW()
		WHERE tenant_id = $1
		  AND is_unlimited = FALSE
		  AND subscription_credits + topup_credits >= $2
		RETURNING subscription_credits, topup_credits
	`, tenantID, amount).Scan(&newSub, &newTop)
	if errors.Is(err, pgx.ErrNoRows) {
		acc, accErr := s.GetAccount(ctx, tenantID)
		if accErr != nil {
			return models.CreditTransaction{}, accErr
		}
		if acc.IsUnlimited {
			// Unlimited tenants are not metered: no mutation, no ledger row.
			return models.CreditTransaction{
				TenantID:    tenantID,
				Amount:      -amount,
				Type:        models.TxUsage,
				Description: description,
			}, nil
		}
		return models.CreditTransaction{}, fmt.Errorf("debit %.4f from %s: %w", amount, tenantID, models.ErrInsufficientCredits)
	}
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("debit account: %w", err)
	}

	entry, err := appendTransaction(ctx, tx, models.CreditTransaction{
		TenantID:     tenantID,
		Amount:       -amount,
		Type:         models.TxUsage,
		Description:  description,
		BalanceAfter: newSub + newTop,
	})
	if err != nil {
		return models.CreditTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("commit debit: %w", err)
	}
	return entry, nil
}

func (s *Postgres) AddCredits(ctx context.Context, tenantID string, amount float64, txType models.TransactionType, description string) (models.CreditTransaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Purchases and refunds land in the non-expiring pool; bonuses top up the
	// periodic allotment.
	column := "topup_credits"
	purchased := "total_credits_purchased + CASE WHEN $3 = 'purchase' THEN $2 ELSE 0 END"
	if txType == models.TxBonus {
		column = "subscription_credits"
	}

	var newSub, newTop float64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET `+column+` = `+column+` + $2,
		    total_credits_purchased = `+purchased+`,
		    updated_at = NOW()
		WHERE tenant_id = $1
		RETURNING subscription_credits, topup_credits
	`, tenantID, amount, string(txType)).Scan(&newSub, &newTop)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditTransaction{}, fmt.Errorf("account %s: %w", tenantID, models.ErrNotFound)
	}
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("credit account: %w", err)
	}

	entry, err := appendTransaction(ctx, tx, models.CreditTransaction{
		TenantID:     tenantID,
		Amount:       amount,
		Type:         txType,
		Description:  description,
		BalanceAfter: newSub + newTop,
	})
	if err != nil {
		return models.CreditTransaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("commit credit: %w", err)
	}
	return entry, nil
}

func (s *Postgres) ListTransactions(ctx context.Context, tenantID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, amount, type, description, balance_after, created_at
		FROM credit_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Amount, &t.Type, &t.Description, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func appendTransaction(ctx context.Context, tx pgx.Tx, t models.CreditTransaction) (models.CreditTransaction, error) {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, tenant_id, amount, type, description, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.TenantID, t.Amount, string(t.Type), t.Description, t.BalanceAfter, t.CreatedAt)
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("append transaction: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job         models.Job
		articleID   pgtype.Text
		payloadJSON []byte
		resultJSON  []byte
		jobErr      pgtype.Text
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.TenantID, &articleID, &job.Status, &job.Progress,
		&job.CurrentStep, &payloadJSON, &resultJSON, &jobErr,
		&job.StartedAt, &job.UpdatedAt, &completedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
	}
	job.ArticleID = textPtr(articleID)
	job.Error = textPtr(jobErr)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanAccount(row rowScanner) (models.CreditAccount, error) {
	var acc models.CreditAccount
	if err := row.Scan(&acc.TenantID, &acc.SubscriptionCredits, &acc.TopUpCredits,
		&acc.IsUnlimited, &acc.TotalCreditsUsed, &acc.TotalCreditsPurchased, &acc.UpdatedAt); err != nil {
		return models.CreditAccount{}, err
	}
	return acc, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
