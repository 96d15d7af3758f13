package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

type fakeTxStore struct {
	created []core.Transaction
	err     error
}

func (s *fakeTxStore) CreateTransaction(ctx context.Context, t core.Transaction) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.created = append(s.created, t)
	return int64(len(s.created)), nil
}

type fakeValidator struct {
	err error
}

func (v *fakeValidator) ValidateRule(ctx context.Context, rule core.RecurrenceRule) error {
	return v.err
}

func TestMaterialize(t *testing.T) {
	store := &fakeTxStore{}
	svc := NewTransactionService(store, &fakeValidator{})

	rule := core.RecurrenceRule{
		ID:          3,
		AccountID:   1,
		CategoryID:  10,
		Description: "Rent",
		Amount:      core.Money{Cents: 120000},
		Type:        core.TransactionExpense,
	}
	slot := core.NewDate(2024, time.March, 1)

	id, err := svc.Materialize(context.Background(), rule, slot)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	tx := store.created[0]
	if !tx.Date.Equal(slot) {
		t.Errorf("transaction date = %s, want occurrence slot %s", tx.Date, slot)
	}
	if tx.RuleID != 3 {
		t.Errorf("RuleID = %d, want 3", tx.RuleID)
	}
	if tx.Notes != "Rent" || tx.Amount.Cents != 120000 {
		t.Errorf("transaction = %+v, want rule fields carried over", tx)
	}
}

func TestMaterializeValidationFailurePropagates(t *testing.T) {
	store := &fakeTxStore{}
	cause := errors.New("account check: " + core.ErrAccountNotFound.Error())
	svc := NewTransactionService(store, &fakeValidator{err: cause})

	_, err := svc.Materialize(context.Background(), core.RecurrenceRule{AccountID: 1}, core.NewDate(2024, time.March, 1))
	if !errors.Is(err, cause) {
		t.Errorf("Materialize() = %v, want validator error passed through", err)
	}
	if len(store.created) != 0 {
		t.Error("no transaction may be created when validation fails")
	}
}

func TestMaterializeWrapsStoreErrors(t *testing.T) {
	store := &fakeTxStore{err: errors.New("database is locked")}
	svc := NewTransactionService(store, &fakeValidator{})

	_, err := svc.Materialize(context.Background(), core.RecurrenceRule{AccountID: 1}, core.NewDate(2024, time.March, 1))
	if !errors.Is(err, core.ErrMaterialization) {
		t.Errorf("Materialize() = %v, want ErrMaterialization", err)
	}
}
