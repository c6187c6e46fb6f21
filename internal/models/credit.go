package models

import "time"

// TransactionType is the business reason recorded on a ledger entry.
type TransactionType string

const (
	TxUsage    TransactionType = "usage"
	TxPurchase TransactionType = "purchase"
	TxBonus    TransactionType = "bonus"
	TxRefund   TransactionType = "refund"
)

// CreditAccount tracks the two-pool balance for a tenant. Balance fields are
// mutated only through the ledger's debit/credit entry points.
type CreditAccount struct {
	TenantID              string    `json:"tenant_id"`
	SubscriptionCredits   float64   `json:"subscription_credits"`
	TopUpCredits          float64   `json:"topup_credits"`
	IsUnlimited           bool      `json:"is_unlimited"`
	TotalCreditsUsed      float64   `json:"total_credits_used"`
	TotalCreditsPurchased float64   `json:"total_credits_purchased"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Available is the spendable sum of both pools.
func (a CreditAccount) Available() float64 {
	return a.SubscriptionCredits + a.TopUpCredits
}

// CreditTransaction is an immutable, append-only ledger entry. BalanceAfter
// must equal the account's available balance immediately after the entry.
type CreditTransaction struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Amount       float64         `json:"amount"`
	Type         TransactionType `json:"type"`
	Description  string          `json:"description"`
	BalanceAfter float64         `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}
