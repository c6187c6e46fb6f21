package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"content-autopilot/internal/models"
	"content-autopilot/internal/store"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDebitThenRefundRestoresBalance(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	lg := New(st, nil)

	if _, err := st.EnsureAccount(ctx, "t1", 5); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := lg.Credit(ctx, "t1", 10, models.TxPurchase, "credit pack"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	tx, err := lg.Debit(ctx, "t1", 8, "content generation")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !almostEqual(tx.BalanceAfter, 7) {
		t.Fatalf("balance_after: got %v want 7", tx.BalanceAfter)
	}

	if _, err := lg.Refund(ctx, "t1", 8, "generation failed"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	acc, err := lg.Balance(ctx, "t1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !almostEqual(acc.Available(), 15) {
		t.Fatalf("refund did not restore balance: got %v want 15", acc.Available())
	}

	history, err := lg.History(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(history))
	}
	if history[0].Type != models.TxRefund {
		t.Fatalf("most recent entry should be the refund, got %s", history[0].Type)
	}
}

func TestFractionalDebits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	lg := New(st, nil)
	st.EnsureAccount(ctx, "t1", 1)

	for i := 0; i < 3; i++ {
		if _, err := lg.Debit(ctx, "t1", 0.01, "quality scan"); err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
	}
	acc, _ := lg.Balance(ctx, "t1")
	if !almostEqual(acc.Available(), 0.97) {
		t.Fatalf("balance after fractional debits: got %v want 0.97", acc.Available())
	}
}

func TestDebitInsufficientPassesThrough(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	lg := New(st, nil)
	st.EnsureAccount(ctx, "t1", 1)

	_, err := lg.Debit(ctx, "t1", 2, "content generation")
	if !errors.Is(err, models.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestAmountValidation(t *testing.T) {
	ctx := context.Background()
	lg := New(store.NewMemory(), nil)

	var verr *models.ValidationError
	if _, err := lg.Debit(ctx, "t1", 0, "x"); !errors.As(err, &verr) {
		t.Fatalf("zero debit: expected validation error, got %v", err)
	}
	if _, err := lg.Debit(ctx, "t1", -1, "x"); !errors.As(err, &verr) {
		t.Fatalf("negative debit: expected validation error, got %v", err)
	}
	if _, err := lg.Refund(ctx, "t1", 0, "x"); !errors.As(err, &verr) {
		t.Fatalf("zero refund: expected validation error, got %v", err)
	}
	if _, err := lg.Credit(ctx, "t1", 5, models.TxUsage, "x"); !errors.As(err, &verr) {
		t.Fatalf("crediting usage: expected validation error, got %v", err)
	}
}
