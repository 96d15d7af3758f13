package core

import "time"

// Transaction is a concrete ledger entry, either entered by hand or
// materialized from a recurring series.
type Transaction struct {
	ID         int64
	AccountID  int64
	CategoryID int64 // 0 = uncategorized
	Amount     Money
	Type       TransactionType
	Date       Date
	Notes      string
	RuleID     int64 // 0 unless materialized from a recurrence rule
	CreatedAt  time.Time
}

// Account is a family ledger account.
type Account struct {
	ID           int64
	Name         string
	Type         string
	BalanceCents int64
	IsActive     bool
}

// Category labels transactions for reporting.
type Category struct {
	ID       int64
	Name     string
	Type     TransactionType
	IsActive bool
}

func (t Transaction) Validate() error {
	if t.AccountID <= 0 {
		return ErrAccountNotFound
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	switch t.Type {
	case TransactionExpense, TransactionIncome:
	default:
		return ErrInvalidRule
	}
	if t.Date.IsZero() {
		return ErrInvalidRule
	}
	return nil
}

// SignedCents returns the balance delta this transaction applies to its
// account: negative for expenses, positive for income.
func (t Transaction) SignedCents() int64 {
	if t.Type == TransactionExpense {
		return -t.Amount.Cents
	}
	return t.Amount.Cents
}
