package core

import (
	"errors"
	"time"
)

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

type ExecutionStatus string

// ExecutionRecord tracks one attempted occurrence of a recurring series.
// It is created pending when a scheduled date comes due and ends in exactly
// one terminal state: completed, skipped, cancelled, or failed with retries
// exhausted.
type ExecutionRecord struct {
	ID            string
	RuleID        int64
	ScheduledDate Date
	ExecutedDate  Date // zero until completed
	Status        ExecutionStatus
	ErrorMessage  string
	RetryCount    int
	NextRetryDate Date // zero unless a retry is scheduled
	TransactionID int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var ErrInvalidTransition = errors.New("invalid execution status transition")

// NewExecutionRecord creates a pending record for the given scheduled date.
func NewExecutionRecord(id string, ruleID int64, scheduled Date) ExecutionRecord {
	now := time.Now().UTC()
	return ExecutionRecord{
		ID:            id,
		RuleID:        ruleID,
		ScheduledDate: scheduled,
		Status:        ExecutionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MarkCompleted moves the record to completed. Allowed from pending and from
// failed (a successful retry).
func (r *ExecutionRecord) MarkCompleted(executed Date, transactionID int64) error {
	if r.Status != ExecutionPending && r.Status != ExecutionFailed {
		return ErrInvalidTransition
	}
	r.Status = ExecutionCompleted
	r.ExecutedDate = executed
	r.TransactionID = transactionID
	r.ErrorMessage = ""
	r.NextRetryDate = Date{}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed records a failed attempt. A zero nextRetry means retries are
// exhausted (or the failure is permanent) and the record is terminal.
func (r *ExecutionRecord) MarkFailed(message string, nextRetry Date) error {
	if r.Status != ExecutionPending && r.Status != ExecutionFailed {
		return ErrInvalidTransition
	}
	r.Status = ExecutionFailed
	r.ErrorMessage = message
	r.RetryCount++
	r.NextRetryDate = nextRetry
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkSkipped is used when the owning series was deactivated before the
// occurrence ran.
func (r *ExecutionRecord) MarkSkipped() error {
	if r.Status != ExecutionPending {
		return ErrInvalidTransition
	}
	r.Status = ExecutionSkipped
	r.NextRetryDate = Date{}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCancelled is used when the owning series is being deleted. Allowed
// from pending and failed.
func (r *ExecutionRecord) MarkCancelled() error {
	if r.Status != ExecutionPending && r.Status != ExecutionFailed {
		return ErrInvalidTransition
	}
	r.Status = ExecutionCancelled
	r.NextRetryDate = Date{}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// RetryPending reports whether a retry is still scheduled for this record.
func (r ExecutionRecord) RetryPending() bool {
	return r.Status == ExecutionFailed && !r.NextRetryDate.IsZero()
}

// Terminal reports whether the record can no longer change state.
func (r ExecutionRecord) Terminal() bool {
	switch r.Status {
	case ExecutionCompleted, ExecutionSkipped, ExecutionCancelled:
		return true
	case ExecutionFailed:
		return r.NextRetryDate.IsZero()
	}
	return false
}
