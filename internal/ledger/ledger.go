// Package ledger is the single entry point for mutating tenant credit
// balances. Every change flows through Debit or Credit and is recorded as an
// immutable transaction, which is what keeps the live balance equal to the
// balance_after of the most recent ledger entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"content-autopilot/internal/models"
	"content-autopilot/internal/store"
	"content-autopilot/internal/telemetry"
)

// Ledger wraps the store's credit operations with amount validation, reason
// strings, and metrics. No other component calls those store methods.
type Ledger struct {
	store store.Store
	log   *slog.Logger
}

// New builds the ledger facade.
func New(st store.Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: st, log: log}
}

// Balance returns the tenant's account snapshot.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (models.CreditAccount, error) {
	return l.store.GetAccount(ctx, tenantID)
}

// History lists the most recent ledger entries for the tenant.
func (l *Ledger) History(ctx context.Context, tenantID string, limit int) ([]models.CreditTransaction, error) {
	return l.store.ListTransactions(ctx, tenantID, limit)
}

// Debit charges the tenant. Amounts are fractional; sub-unit debits such as
// 0.01 per quality scan are valid. Returns ErrInsufficientCredits without any
// mutation when the two pools cannot cover the amount.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount float64, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	tx, err := l.store.DebitCredits(ctx, tenantID, amount, reason)
	if err != nil {
		if isInsufficient(err) {
			telemetry.InsufficientCredits.Inc()
		}
		return models.CreditTransaction{}, err
	}
	telemetry.CreditsDebited.Add(amount)
	l.log.Debug("credits debited", "tenant", tenantID, "amount", amount, "reason", reason, "balance_after", tx.BalanceAfter)
	return tx, nil
}

// Credit adds purchased or bonus credits.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amount float64, txType models.TransactionType, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	switch txType {
	case models.TxPurchase, models.TxBonus, models.TxRefund:
	default:
		return models.CreditTransaction{}, &models.ValidationError{Field: "type", Reason: fmt.Sprintf("cannot credit %q", txType)}
	}
	return l.store.AddCredits(ctx, tenantID, amount, txType, reason)
}

// Refund returns a previously debited amount after the paired side effect
// failed irrecoverably. Silently losing credits to an unsuccessful stage is a
// correctness bug, so callers must invoke this before failing the job.
func (l *Ledger) Refund(ctx context.Context, tenantID string, amount float64, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	tx, err := l.store.AddCredits(ctx, tenantID, amount, models.TxRefund, reason)
	if err != nil {
		return models.CreditTransaction{}, err
	}
	telemetry.CreditsRefunded.Add(amount)
	l.log.Info("credits refunded", "tenant", tenantID, "amount", amount, "reason", reason)
	return tx, nil
}

func isInsufficient(err error) bool {
	return errors.Is(err, models.ErrInsufficientCredits)
}
