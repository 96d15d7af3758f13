package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roddomr/familyhub-sub000/internal/core"
	"github.com/roddomr/familyhub-sub000/internal/schedule"
)

// RuleStore is the rule-side storage the runner drives.
//
// UpdateRuleSchedule is a compare-and-swap: the write only lands if the
// stored cursor still equals prevCursor, and a lost race surfaces as
// core.ErrRuleConflict. The runner uses it to claim an occurrence slot at
// the storage level, so passes in separate processes over the same
// database cannot both materialize the same slot.
type RuleStore interface {
	ListDueRules(ctx context.Context, asOf core.Date) ([]core.RecurrenceRule, error)
	GetRecurrenceRule(ctx context.Context, id int64) (*core.RecurrenceRule, error)
	UpdateRuleSchedule(ctx context.Context, rule core.RecurrenceRule, prevCursor core.Date) error
}

// RecordStore is the execution-record side of storage.
type RecordStore interface {
	CreateExecutionRecord(ctx context.Context, rec core.ExecutionRecord) error
	UpdateExecutionRecord(ctx context.Context, rec core.ExecutionRecord) error
	ListDueRetries(ctx context.Context, asOf core.Date) ([]core.ExecutionRecord, error)
	SkipPendingForInactiveRules(ctx context.Context) (int64, error)
}

// Materializer creates the concrete transaction for one occurrence.
type Materializer interface {
	Materialize(ctx context.Context, rule core.RecurrenceRule, date core.Date) (int64, error)
}

// EventPublisher receives fire-and-forget audit events. Implementations
// must not block the pass; publish errors are logged and dropped.
type EventPublisher interface {
	PublishOccurrence(ctx context.Context, rec core.ExecutionRecord) error
	PublishPassSummary(ctx context.Context, asOf core.Date, processed, failed int, errMessages []string) error
}

// PassSummary is the outcome of one batch pass, shared by the periodic
// trigger and the manual "process now" request.
type PassSummary struct {
	ProcessedCount int      `json:"processed_count"`
	FailedCount    int      `json:"failed_count"`
	Errors         []string `json:"error_messages,omitempty"`
}

// RunnerConfig bounds one pass.
type RunnerConfig struct {
	// Workers caps how many rules are processed concurrently.
	Workers int
	// SafetyCap bounds catch-up iterations per rule per pass, so a
	// malformed rule cannot spin forever.
	SafetyCap int
	// MaterializeTimeout applies per materialization attempt, not per pass.
	MaterializeTimeout time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.SafetyCap < 1 {
		c.SafetyCap = 100
	}
	if c.MaterializeTimeout <= 0 {
		c.MaterializeTimeout = 10 * time.Second
	}
	return c
}

// SchedulerRunner executes batch passes over all due recurring series.
// Distinct rules are processed in parallel. A single rule is owned by at
// most one pass at a time: a per-rule lock settles races inside one
// process, and the cursor compare-and-swap in RuleStore settles races
// between processes (the cron worker and a manual trigger share one
// database but not one lock map).
type SchedulerRunner struct {
	rules        RuleStore
	records      RecordStore
	materializer Materializer
	tracker      *ExecutionTracker
	events       EventPublisher // nil disables audit events
	cfg          RunnerConfig

	mu        sync.Mutex
	ruleLocks map[int64]*sync.Mutex
}

func NewSchedulerRunner(rules RuleStore, records RecordStore, materializer Materializer, tracker *ExecutionTracker, events EventPublisher, cfg RunnerConfig) *SchedulerRunner {
	return &SchedulerRunner{
		rules:        rules,
		records:      records,
		materializer: materializer,
		tracker:      tracker,
		events:       events,
		cfg:          cfg.withDefaults(),
		ruleLocks:    make(map[int64]*sync.Mutex),
	}
}

// RunPass performs one batch pass as of the given time: settles leftovers
// from deactivated rules, retries failed occurrences that are due, then
// catches up every due rule to the pass date. Per-rule errors accumulate in
// the summary; one rule's failure never aborts the pass.
func (s *SchedulerRunner) RunPass(ctx context.Context, asOf time.Time) (PassSummary, error) {
	asOfDate := core.DateOf(asOf)
	summary := PassSummary{}
	var sumMu sync.Mutex

	add := func(processed, failed int, errs []string) {
		sumMu.Lock()
		summary.ProcessedCount += processed
		summary.FailedCount += failed
		summary.Errors = append(summary.Errors, errs...)
		sumMu.Unlock()
	}

	slog.InfoContext(ctx, "Scheduler pass starting", "as_of", asOfDate.String())

	if _, err := s.records.SkipPendingForInactiveRules(ctx); err != nil {
		add(0, 0, []string{fmt.Sprintf("skip pending for inactive rules: %v", err)})
	}

	s.runRetries(ctx, asOfDate, add)

	due, err := s.rules.ListDueRules(ctx, asOfDate)
	if err != nil {
		return summary, fmt.Errorf("list due rules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, rule := range due {
		ruleID := rule.ID
		g.Go(func() error {
			processed, failed, errs := s.processRule(gctx, ruleID, asOfDate)
			add(processed, failed, errs)
			return nil
		})
	}
	_ = g.Wait()

	slog.InfoContext(ctx, "Scheduler pass complete",
		"as_of", asOfDate.String(),
		"due_rules", len(due),
		"processed", summary.ProcessedCount,
		"failed", summary.FailedCount,
		"errors", len(summary.Errors))

	if s.events != nil {
		if err := s.events.PublishPassSummary(ctx, asOfDate, summary.ProcessedCount, summary.FailedCount, summary.Errors); err != nil {
			slog.WarnContext(ctx, "Failed to publish pass summary", "error", err)
		}
	}

	return summary, nil
}

// processRule catches one rule up to the pass date. Each iteration
// re-fetches the rule so a deactivation or deletion that lands mid-pass is
// observed before the next occurrence is attempted.
func (s *SchedulerRunner) processRule(ctx context.Context, ruleID int64, asOf core.Date) (processed, failed int, errs []string) {
	lock := s.lockFor(ruleID)
	if !lock.TryLock() {
		// Another pass owns this rule right now; it will be picked up again
		// next pass.
		slog.DebugContext(ctx, "Rule locked by concurrent pass, skipping", "rule_id", ruleID)
		return 0, 0, nil
	}
	defer lock.Unlock()

	for i := 0; ; i++ {
		if i >= s.cfg.SafetyCap {
			errs = append(errs, fmt.Sprintf("rule %d: %v after %d iterations", ruleID, core.ErrSafetyCapExceeded, i))
			slog.ErrorContext(ctx, "Safety cap exceeded, aborting rule for this pass",
				"rule_id", ruleID, "iterations", i)
			return processed, failed, errs
		}
		if ctx.Err() != nil {
			errs = append(errs, fmt.Sprintf("rule %d: %v", ruleID, ctx.Err()))
			return processed, failed, errs
		}

		rule, err := s.rules.GetRecurrenceRule(ctx, ruleID)
		if errors.Is(err, core.ErrRuleNotFound) {
			// Deleted mid-pass; its records were cancelled with it.
			return processed, failed, errs
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("rule %d: %v", ruleID, err))
			return processed, failed, errs
		}
		if !rule.IsActive {
			return processed, failed, errs
		}
		if schedule.IsExhausted(*rule) {
			rule.IsActive = false
			if err := s.rules.UpdateRuleSchedule(ctx, *rule, rule.NextExecutionDate); err != nil && !errors.Is(err, core.ErrRuleConflict) {
				errs = append(errs, fmt.Sprintf("rule %d: deactivate exhausted: %v", ruleID, err))
			}
			slog.InfoContext(ctx, "Series exhausted, deactivated",
				"rule_id", ruleID,
				"execution_count", rule.ExecutionCount)
			return processed, failed, errs
		}
		if rule.NextExecutionDate.After(asOf) {
			return processed, failed, errs
		}

		scheduled := rule.NextExecutionDate

		// Compute the following occurrence first: a malformed pattern must
		// surface before anything is materialized, and the rule stays
		// active for operator correction.
		next, err := schedule.NextOccurrence(*rule, scheduled)
		if err != nil {
			errs = append(errs, fmt.Sprintf("rule %d: %v", ruleID, err))
			slog.ErrorContext(ctx, "Invalid recurrence rule, skipping for this pass",
				"rule_id", ruleID, "error", err)
			return processed, failed, errs
		}

		// Claim the slot before materializing: the cursor advance is a
		// compare-and-swap keyed on its previous value, so of all passes
		// racing over this slot, in this process or another, exactly one
		// proceeds. The loser leaves the rule to its owner until the next
		// pass.
		claimed := *rule
		claimed.NextExecutionDate = next
		if err := s.rules.UpdateRuleSchedule(ctx, claimed, scheduled); err != nil {
			if errors.Is(err, core.ErrRuleConflict) || errors.Is(err, core.ErrRuleNotFound) {
				slog.DebugContext(ctx, "Slot claimed by concurrent pass, skipping rule", "rule_id", ruleID)
				return processed, failed, errs
			}
			errs = append(errs, fmt.Sprintf("rule %d: claim occurrence %s: %v", ruleID, scheduled.String(), err))
			return processed, failed, errs
		}
		rule.NextExecutionDate = next

		rec := core.NewExecutionRecord(uuid.NewString(), rule.ID, scheduled)
		if err := s.records.CreateExecutionRecord(ctx, rec); err != nil {
			errs = append(errs, fmt.Sprintf("rule %d: create record: %v", ruleID, err))
			return processed, failed, errs
		}

		transactionID, merr := s.materialize(ctx, *rule, scheduled)
		if merr == nil {
			if err := s.tracker.RecordSuccess(rule, &rec, asOf, transactionID); err != nil {
				errs = append(errs, fmt.Sprintf("rule %d: %v", ruleID, err))
			}
			processed++
		} else {
			if err := s.tracker.RecordFailure(rule, &rec, merr, asOf); err != nil {
				errs = append(errs, fmt.Sprintf("rule %d: %v", ruleID, err))
			}
			failed++
			errs = append(errs, fmt.Sprintf("rule %d: occurrence %s: %v", ruleID, scheduled.String(), merr))
		}

		// The cursor stays advanced whether or not materialization
		// succeeded: a failed occurrence uses up its slot so the series
		// cannot livelock. Anchoring at the previous cursor keeps catch-up
		// on the original cadence instead of drifting to the pass date.
		if schedule.IsExhausted(*rule) {
			rule.IsActive = false
		}

		if err := s.records.UpdateExecutionRecord(ctx, rec); err != nil {
			errs = append(errs, fmt.Sprintf("rule %d: update record %s: %v", ruleID, rec.ID, err))
		}
		if err := s.rules.UpdateRuleSchedule(ctx, *rule, next); err != nil {
			errs = append(errs, fmt.Sprintf("rule %d: update schedule: %v", ruleID, err))
			return processed, failed, errs
		}
		s.publishOccurrence(ctx, rec)
	}
}

// runRetries re-attempts failed occurrences whose backoff has elapsed.
func (s *SchedulerRunner) runRetries(ctx context.Context, asOf core.Date, add func(int, int, []string)) {
	retries, err := s.records.ListDueRetries(ctx, asOf)
	if err != nil {
		add(0, 0, []string{fmt.Sprintf("list due retries: %v", err)})
		return
	}
	if len(retries) == 0 {
		return
	}

	slog.InfoContext(ctx, "Retrying failed occurrences", "count", len(retries))

	for _, rec := range retries {
		processed, failed, errs := s.processRetry(ctx, rec, asOf)
		add(processed, failed, errs)
	}
}

func (s *SchedulerRunner) processRetry(ctx context.Context, rec core.ExecutionRecord, asOf core.Date) (processed, failed int, errs []string) {
	lock := s.lockFor(rec.RuleID)
	lock.Lock()
	defer lock.Unlock()

	rule, err := s.rules.GetRecurrenceRule(ctx, rec.RuleID)
	if errors.Is(err, core.ErrRuleNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("rule %d: %v", rec.RuleID, err)}
	}
	if !rule.IsActive {
		// Deactivated series keep their history but stop retrying.
		s.tracker.AbandonRetry(&rec)
		if err := s.records.UpdateExecutionRecord(ctx, rec); err != nil {
			return 0, 0, []string{fmt.Sprintf("rule %d: abandon retry %s: %v", rec.RuleID, rec.ID, err)}
		}
		return 0, 0, nil
	}

	transactionID, merr := s.materialize(ctx, *rule, rec.ScheduledDate)
	if merr == nil {
		if err := s.tracker.RecordSuccess(rule, &rec, asOf, transactionID); err != nil {
			errs = append(errs, fmt.Sprintf("rule %d: %v", rec.RuleID, err))
		}
		processed++
		if schedule.IsExhausted(*rule) {
			rule.IsActive = false
		}
	} else {
		if err := s.tracker.RecordFailure(rule, &rec, merr, asOf); err != nil {
			errs = append(errs, fmt.Sprintf("rule %d: %v", rec.RuleID, err))
		}
		failed++
		errs = append(errs, fmt.Sprintf("rule %d: retry %d of occurrence %s: %v", rec.RuleID, rec.RetryCount, rec.ScheduledDate.String(), merr))
	}

	if err := s.records.UpdateExecutionRecord(ctx, rec); err != nil {
		errs = append(errs, fmt.Sprintf("rule %d: update record %s: %v", rec.RuleID, rec.ID, err))
	}
	// Retries never move the cursor, so the expected cursor is whatever the
	// rule carried when fetched above.
	if err := s.rules.UpdateRuleSchedule(ctx, *rule, rule.NextExecutionDate); err != nil {
		errs = append(errs, fmt.Sprintf("rule %d: update schedule: %v", rec.RuleID, err))
	}
	s.publishOccurrence(ctx, rec)

	return processed, failed, errs
}

// materialize runs one attempt under the per-attempt timeout. A timed-out
// attempt surfaces as a failed occurrence and is retried per policy.
func (s *SchedulerRunner) materialize(ctx context.Context, rule core.RecurrenceRule, date core.Date) (int64, error) {
	mctx, cancel := context.WithTimeout(ctx, s.cfg.MaterializeTimeout)
	defer cancel()
	return s.materializer.Materialize(mctx, rule, date)
}

func (s *SchedulerRunner) publishOccurrence(ctx context.Context, rec core.ExecutionRecord) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOccurrence(ctx, rec); err != nil {
		slog.WarnContext(ctx, "Failed to publish occurrence event",
			"rule_id", rec.RuleID,
			"record_id", rec.ID,
			"error", err)
	}
}

func (s *SchedulerRunner) lockFor(ruleID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.ruleLocks[ruleID]
	if !ok {
		lock = &sync.Mutex{}
		s.ruleLocks[ruleID] = lock
	}
	return lock
}
