package services

import (
	"context"
	"fmt"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

// TransactionStore is the slice of the repository the materializer writes
// through.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, t core.Transaction) (int64, error)
}

// AccountValidator confirms the references a rule carries are still valid.
type AccountValidator interface {
	ValidateRule(ctx context.Context, rule core.RecurrenceRule) error
}

// TransactionService materializes concrete transactions from recurring
// series occurrences.
type TransactionService struct {
	store     TransactionStore
	validator AccountValidator
}

func NewTransactionService(store TransactionStore, validator AccountValidator) *TransactionService {
	return &TransactionService{
		store:     store,
		validator: validator,
	}
}

// Materialize creates the concrete transaction for one occurrence, dated at
// the occurrence slot. A missing or inactive account (or category) is a
// permanent failure: the caller must not schedule a retry for it.
func (s *TransactionService) Materialize(ctx context.Context, rule core.RecurrenceRule, date core.Date) (int64, error) {
	if err := s.validator.ValidateRule(ctx, rule); err != nil {
		return 0, err
	}

	id, err := s.store.CreateTransaction(ctx, core.Transaction{
		AccountID:  rule.AccountID,
		CategoryID: rule.CategoryID,
		Amount:     rule.Amount,
		Type:       rule.Type,
		Date:       date,
		Notes:      rule.Description,
		RuleID:     rule.ID,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrMaterialization, err)
	}

	return id, nil
}
