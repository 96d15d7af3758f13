package services

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

// RetryPolicy controls how failed occurrences are retried. Backoff is
// measured in scheduler passes rather than wall-clock sleeps: the scheduler
// runs as periodic batch passes, so a retry becomes eligible again once
// enough pass intervals have elapsed.
type RetryPolicy struct {
	MaxRetries       int
	PassInterval     time.Duration
	MaxBackoffPasses int
}

// DefaultRetryPolicy returns the stock policy: three retries with
// exponential backoff of 1, 2, 4 pass intervals.
func DefaultRetryPolicy(passInterval time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries:       3,
		PassInterval:     passInterval,
		MaxBackoffPasses: 8,
	}
}

// BackoffPasses returns how many pass intervals to wait before retry
// attempt n (1-based).
func (p RetryPolicy) BackoffPasses(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	passes := 1 << (attempt - 1)
	if p.MaxBackoffPasses > 0 && passes > p.MaxBackoffPasses {
		passes = p.MaxBackoffPasses
	}
	return passes
}

// ExecutionTracker applies occurrence outcomes to the execution record and
// the owning rule's counters.
type ExecutionTracker struct {
	policy RetryPolicy
}

func NewExecutionTracker(policy RetryPolicy) *ExecutionTracker {
	return &ExecutionTracker{policy: policy}
}

// RecordSuccess marks the record completed and credits the rule: the
// execution count grows and the last execution date moves to the occurrence
// slot.
func (t *ExecutionTracker) RecordSuccess(rule *core.RecurrenceRule, rec *core.ExecutionRecord, executed core.Date, transactionID int64) error {
	if err := rec.MarkCompleted(executed, transactionID); err != nil {
		return fmt.Errorf("complete record %s: %w", rec.ID, err)
	}
	rule.ExecutionCount++
	if rec.ScheduledDate.After(rule.LastExecutionDate) {
		rule.LastExecutionDate = rec.ScheduledDate
	}
	return nil
}

// RecordFailure marks the record failed and schedules a retry when the
// policy still allows one. Permanent failures (missing account or category)
// and exhausted retries leave the record failed with no retry date; it
// stays visible for manual review. The rule's failure counter grows either
// way. The cursor is not touched here: a failed occurrence still uses up
// its calendar slot so the series keeps moving forward.
func (t *ExecutionTracker) RecordFailure(rule *core.RecurrenceRule, rec *core.ExecutionRecord, cause error, asOf core.Date) error {
	attempt := rec.RetryCount + 1

	var nextRetry core.Date
	if !t.permanent(cause) && attempt <= t.policy.MaxRetries {
		wait := time.Duration(t.policy.BackoffPasses(attempt)) * t.policy.PassInterval
		nextRetry = core.DateOf(asOf.Time.Add(wait))
		if !nextRetry.After(asOf) {
			// Retry dates are day-granular; sub-day pass intervals still
			// defer the retry to a later date so a repeated pass on the
			// same day stays idempotent.
			nextRetry = asOf.AddDays(1)
		}
	}

	if err := rec.MarkFailed(cause.Error(), nextRetry); err != nil {
		return fmt.Errorf("fail record %s: %w", rec.ID, err)
	}
	rule.FailedExecutionCount++

	if nextRetry.IsZero() {
		slog.Warn("Occurrence failed permanently, awaiting manual review",
			"rule_id", rule.ID,
			"record_id", rec.ID,
			"retry_count", rec.RetryCount,
			"error", cause.Error())
	}

	return nil
}

// RecordSkipped settles a pending record whose series was deactivated
// before it could run.
func (t *ExecutionTracker) RecordSkipped(rec *core.ExecutionRecord) error {
	if err := rec.MarkSkipped(); err != nil {
		return fmt.Errorf("skip record %s: %w", rec.ID, err)
	}
	return nil
}

// AbandonRetry clears the retry schedule of a failed record, making it
// terminal. Used when the owning series has been deactivated.
func (t *ExecutionTracker) AbandonRetry(rec *core.ExecutionRecord) {
	rec.NextRetryDate = core.Date{}
	rec.UpdatedAt = time.Now().UTC()
}

func (t *ExecutionTracker) permanent(cause error) bool {
	return errors.Is(cause, core.ErrAccountNotFound) || errors.Is(cause, core.ErrCategoryNotFound)
}
