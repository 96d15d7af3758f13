package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

// memStore is an in-memory RuleStore + RecordStore for runner tests.
type memStore struct {
	mu      sync.Mutex
	rules   map[int64]core.RecurrenceRule
	records map[string]core.ExecutionRecord
}

func newMemStore(rules ...core.RecurrenceRule) *memStore {
	s := &memStore{
		rules:   make(map[int64]core.RecurrenceRule),
		records: make(map[string]core.ExecutionRecord),
	}
	for _, r := range rules {
		s.rules[r.ID] = r
	}
	return s
}

func (s *memStore) ListDueRules(ctx context.Context, asOf core.Date) ([]core.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []core.RecurrenceRule
	for _, r := range s.rules {
		if r.IsActive && !r.NextExecutionDate.After(asOf) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (s *memStore) GetRecurrenceRule(ctx context.Context, id int64) (*core.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, core.ErrRuleNotFound
	}
	return &r, nil
}

func (s *memStore) UpdateRuleSchedule(ctx context.Context, rule core.RecurrenceRule, prevCursor core.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[rule.ID]
	if !ok {
		return core.ErrRuleNotFound
	}
	if !cur.NextExecutionDate.Equal(prevCursor) {
		return core.ErrRuleConflict
	}
	s.rules[rule.ID] = rule
	return nil
}

func (s *memStore) CreateExecutionRecord(ctx context.Context, rec core.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) UpdateExecutionRecord(ctx context.Context, rec core.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("record %s not found", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) ListDueRetries(ctx context.Context, asOf core.Date) ([]core.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []core.ExecutionRecord
	for _, rec := range s.records {
		if rec.Status == core.ExecutionFailed && !rec.NextRetryDate.IsZero() && !rec.NextRetryDate.After(asOf) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (s *memStore) SkipPendingForInactiveRules(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		rule, ok := s.rules[rec.RuleID]
		if rec.Status == core.ExecutionPending && ok && !rule.IsActive {
			_ = rec.MarkSkipped()
			s.records[id] = rec
			n++
		}
	}
	return n, nil
}

func (s *memStore) recordsForRule(ruleID int64) []core.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ExecutionRecord
	for _, rec := range s.records {
		if rec.RuleID == ruleID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledDate.Before(out[j].ScheduledDate)
	})
	return out
}

func (s *memStore) rule(t *testing.T, id int64) core.RecurrenceRule {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		t.Fatalf("rule %d not found", id)
	}
	return r
}

// fakeMaterializer fails the first failures calls, then succeeds with
// ascending transaction ids.
type fakeMaterializer struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	nextID   int64
	dates    []core.Date
}

func (m *fakeMaterializer) Materialize(ctx context.Context, rule core.RecurrenceRule, date core.Date) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.dates = append(m.dates, date)
	if m.failures > 0 {
		m.failures--
		if m.err != nil {
			return 0, m.err
		}
		return 0, errTransient
	}
	m.nextID++
	return m.nextID, nil
}

func (m *fakeMaterializer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// hookMaterializer runs fn once, before the first materialization.
type hookMaterializer struct {
	fakeMaterializer
	once sync.Once
	fn   func()
}

func (m *hookMaterializer) Materialize(ctx context.Context, rule core.RecurrenceRule, date core.Date) (int64, error) {
	m.once.Do(m.fn)
	return m.fakeMaterializer.Materialize(ctx, rule, date)
}

func newTestRunner(store *memStore, mat Materializer, cfg RunnerConfig) *SchedulerRunner {
	tracker := NewExecutionTracker(RetryPolicy{
		MaxRetries:       3,
		PassInterval:     24 * time.Hour,
		MaxBackoffPasses: 8,
	})
	return NewSchedulerRunner(store, store, mat, tracker, nil, cfg)
}

func weeklyRule(id int64, start core.Date) core.RecurrenceRule {
	return core.RecurrenceRule{
		ID:                id,
		AccountID:         1,
		Description:       "Groceries",
		Amount:            core.Money{Cents: 5000},
		Type:              core.TransactionExpense,
		Frequency:         core.Weekly,
		IntervalCount:     1,
		StartDate:         start,
		NextExecutionDate: start,
		IsActive:          true,
	}
}

func TestRunPassCatchesUpMissedOccurrences(t *testing.T) {
	// Weekly series, three slots behind: 03-01, 03-08, 03-15 are all due on
	// 03-16; each must materialize on its original date.
	start := core.NewDate(2024, time.March, 1)
	store := newMemStore(weeklyRule(1, start))
	mat := &fakeMaterializer{}
	runner := newTestRunner(store, mat, RunnerConfig{})

	asOf := time.Date(2024, time.March, 16, 9, 0, 0, 0, time.UTC)
	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	if summary.ProcessedCount != 3 || summary.FailedCount != 0 {
		t.Errorf("summary = %d/%d, want 3 processed, 0 failed", summary.ProcessedCount, summary.FailedCount)
	}

	recs := store.recordsForRule(1)
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	wantDates := []string{"2024-03-01", "2024-03-08", "2024-03-15"}
	for i, rec := range recs {
		if rec.ScheduledDate.String() != wantDates[i] {
			t.Errorf("record %d scheduled %s, want %s", i, rec.ScheduledDate, wantDates[i])
		}
		if rec.Status != core.ExecutionCompleted {
			t.Errorf("record %d status %s, want completed", i, rec.Status)
		}
	}

	rule := store.rule(t, 1)
	if want := core.NewDate(2024, time.March, 22); !rule.NextExecutionDate.Equal(want) {
		t.Errorf("cursor = %s, want %s", rule.NextExecutionDate, want)
	}
	if rule.ExecutionCount != 3 {
		t.Errorf("ExecutionCount = %d, want 3", rule.ExecutionCount)
	}
}

func TestRunPassIsIdempotent(t *testing.T) {
	start := core.NewDate(2024, time.March, 1)
	store := newMemStore(weeklyRule(1, start))
	mat := &fakeMaterializer{}
	runner := newTestRunner(store, mat, RunnerConfig{})

	asOf := time.Date(2024, time.March, 16, 9, 0, 0, 0, time.UTC)
	if _, err := runner.RunPass(context.Background(), asOf); err != nil {
		t.Fatalf("first RunPass() error = %v", err)
	}

	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("second RunPass() error = %v", err)
	}
	if summary.ProcessedCount != 0 || summary.FailedCount != 0 {
		t.Errorf("second pass summary = %d/%d, want 0/0", summary.ProcessedCount, summary.FailedCount)
	}
	if got := len(store.recordsForRule(1)); got != 3 {
		t.Errorf("got %d records after repeated pass, want 3", got)
	}
}

func TestRunPassHonorsMaxOccurrences(t *testing.T) {
	rule := weeklyRule(1, core.NewDate(2024, time.March, 1))
	rule.MaxOccurrences = 3
	store := newMemStore(rule)
	mat := &fakeMaterializer{}
	runner := newTestRunner(store, mat, RunnerConfig{})

	// Five slots are due; only three may run.
	asOf := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	if summary.ProcessedCount != 3 {
		t.Errorf("processed = %d, want 3", summary.ProcessedCount)
	}
	if got := len(store.recordsForRule(1)); got != 3 {
		t.Errorf("got %d records, want 3", got)
	}

	updated := store.rule(t, 1)
	if updated.IsActive {
		t.Error("exhausted rule should be deactivated")
	}

	// A later pass does nothing more.
	if sum, _ := runner.RunPass(context.Background(), asOf.AddDate(0, 1, 0)); sum.ProcessedCount != 0 {
		t.Errorf("later pass processed = %d, want 0", sum.ProcessedCount)
	}
}

func TestRunPassAdvancesCursorOnFailure(t *testing.T) {
	start := core.NewDate(2024, time.March, 1)
	store := newMemStore(weeklyRule(1, start))
	mat := &fakeMaterializer{failures: 100}
	runner := newTestRunner(store, mat, RunnerConfig{})

	asOf := time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC)
	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	if summary.FailedCount != 2 || summary.ProcessedCount != 0 {
		t.Errorf("summary = %d/%d, want 0 processed, 2 failed", summary.ProcessedCount, summary.FailedCount)
	}

	rule := store.rule(t, 1)
	if want := core.NewDate(2024, time.March, 15); !rule.NextExecutionDate.Equal(want) {
		t.Errorf("cursor = %s, want %s despite failures", rule.NextExecutionDate, want)
	}
	if rule.ExecutionCount != 0 {
		t.Errorf("ExecutionCount = %d, want 0", rule.ExecutionCount)
	}
	if rule.FailedExecutionCount != 2 {
		t.Errorf("FailedExecutionCount = %d, want 2", rule.FailedExecutionCount)
	}

	for _, rec := range store.recordsForRule(1) {
		if rec.Status != core.ExecutionFailed {
			t.Errorf("record status = %s, want failed", rec.Status)
		}
		if rec.NextRetryDate.IsZero() {
			t.Error("failed record should have a retry scheduled")
		}
	}
}

func TestRunPassSafetyCap(t *testing.T) {
	// A daily series two years behind would need ~730 iterations; the cap
	// stops the pass and reports it.
	rule := weeklyRule(1, core.NewDate(2022, time.March, 1))
	rule.Frequency = core.Daily
	store := newMemStore(rule)
	mat := &fakeMaterializer{}
	runner := newTestRunner(store, mat, RunnerConfig{SafetyCap: 10})

	asOf := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	if summary.ProcessedCount != 10 {
		t.Errorf("processed = %d, want 10 (capped)", summary.ProcessedCount)
	}
	found := false
	for _, msg := range summary.Errors {
		if strings.Contains(msg, "safety cap") {
			found = true
		}
	}
	if !found {
		t.Errorf("summary.Errors = %v, want safety cap message", summary.Errors)
	}

	// The rule stays active and resumes where it stopped next pass.
	if r := store.rule(t, 1); !r.IsActive {
		t.Error("capped rule must remain active")
	}
}

func TestRunPassRetriesDueFailures(t *testing.T) {
	start := core.NewDate(2024, time.March, 1)
	store := newMemStore(weeklyRule(1, start))
	mat := &fakeMaterializer{failures: 1}
	runner := newTestRunner(store, mat, RunnerConfig{})

	// First pass: the single due occurrence fails and schedules a retry
	// for the next day.
	day1 := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)
	if _, err := runner.RunPass(context.Background(), day1); err != nil {
		t.Fatalf("first RunPass() error = %v", err)
	}

	// Second pass the following day: the retry succeeds against the
	// original scheduled slot.
	day2 := day1.AddDate(0, 0, 1)
	summary, err := runner.RunPass(context.Background(), day2)
	if err != nil {
		t.Fatalf("second RunPass() error = %v", err)
	}
	if summary.ProcessedCount != 1 {
		t.Errorf("processed = %d, want 1 retried occurrence", summary.ProcessedCount)
	}

	recs := store.recordsForRule(1)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1 (retry reuses the record)", len(recs))
	}
	rec := recs[0]
	if rec.Status != core.ExecutionCompleted {
		t.Errorf("record status = %s, want completed", rec.Status)
	}
	if rec.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", rec.RetryCount)
	}
	if rec.ScheduledDate.String() != "2024-03-01" {
		t.Errorf("retried against %s, want original slot 2024-03-01", rec.ScheduledDate)
	}

	rule := store.rule(t, 1)
	if rule.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", rule.ExecutionCount)
	}
}

func TestRunPassAbandonsRetriesOfInactiveRules(t *testing.T) {
	rule := weeklyRule(1, core.NewDate(2024, time.March, 1))
	store := newMemStore(rule)
	mat := &fakeMaterializer{failures: 1}
	runner := newTestRunner(store, mat, RunnerConfig{})

	day1 := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)
	if _, err := runner.RunPass(context.Background(), day1); err != nil {
		t.Fatalf("first RunPass() error = %v", err)
	}

	// Deactivate the series before the retry comes due.
	deactivated := store.rule(t, 1)
	deactivated.IsActive = false
	if err := store.UpdateRuleSchedule(context.Background(), deactivated, deactivated.NextExecutionDate); err != nil {
		t.Fatalf("UpdateRuleSchedule() error = %v", err)
	}

	calls := mat.callCount()
	if _, err := runner.RunPass(context.Background(), day1.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("second RunPass() error = %v", err)
	}
	if mat.callCount() != calls {
		t.Error("retry of a deactivated series must not materialize")
	}

	rec := store.recordsForRule(1)[0]
	if rec.Status != core.ExecutionFailed || !rec.NextRetryDate.IsZero() {
		t.Errorf("record = %s/%s, want terminal failed with no retry", rec.Status, rec.NextRetryDate)
	}
}

func TestRunPassInvalidRuleCreatesNoRecords(t *testing.T) {
	rule := weeklyRule(1, core.NewDate(2024, time.March, 1))
	rule.Frequency = core.Monthly // no monthly pattern: malformed
	store := newMemStore(rule)
	mat := &fakeMaterializer{}
	runner := newTestRunner(store, mat, RunnerConfig{})

	asOf := time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)
	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	if len(summary.Errors) == 0 {
		t.Error("expected an error message for the malformed rule")
	}
	if mat.callCount() != 0 {
		t.Error("malformed rule must not materialize anything")
	}
	if got := len(store.recordsForRule(1)); got != 0 {
		t.Errorf("got %d records, want 0", got)
	}
	if r := store.rule(t, 1); !r.IsActive {
		t.Error("malformed rule stays active for operator correction")
	}
}

func TestRunPassSkipsPendingOfInactiveRules(t *testing.T) {
	rule := weeklyRule(1, core.NewDate(2024, time.March, 1))
	rule.IsActive = false
	store := newMemStore(rule)
	rec := core.NewExecutionRecord("stale-1", 1, core.NewDate(2024, time.March, 1))
	if err := store.CreateExecutionRecord(context.Background(), rec); err != nil {
		t.Fatalf("CreateExecutionRecord() error = %v", err)
	}

	runner := newTestRunner(store, &fakeMaterializer{}, RunnerConfig{})
	if _, err := runner.RunPass(context.Background(), time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	got := store.recordsForRule(1)[0]
	if got.Status != core.ExecutionSkipped {
		t.Errorf("stale pending record status = %s, want skipped", got.Status)
	}
}

func TestRunPassEndDateStopsSeries(t *testing.T) {
	rule := weeklyRule(1, core.NewDate(2024, time.March, 1))
	rule.EndDate = core.NewDate(2024, time.March, 10)
	store := newMemStore(rule)
	runner := newTestRunner(store, &fakeMaterializer{}, RunnerConfig{})

	asOf := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	// 03-01 and 03-08 fall inside the window; 03-15 is past the end date.
	if summary.ProcessedCount != 2 {
		t.Errorf("processed = %d, want 2", summary.ProcessedCount)
	}
	if r := store.rule(t, 1); r.IsActive {
		t.Error("series past its end date should be deactivated")
	}
}

func TestRunPassProcessesRulesInParallel(t *testing.T) {
	start := core.NewDate(2024, time.March, 1)
	store := newMemStore(weeklyRule(1, start), weeklyRule(2, start), weeklyRule(3, start))
	mat := &fakeMaterializer{}
	runner := newTestRunner(store, mat, RunnerConfig{Workers: 3})

	asOf := time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)
	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}
	if summary.ProcessedCount != 3 {
		t.Errorf("processed = %d, want one occurrence per rule", summary.ProcessedCount)
	}
}

// Two runner instances over one store, as when the cron worker and the
// manual HTTP trigger run in separate processes against the same database.
// The second pass fires while the first is mid-materialization; because
// the slot is claimed through the cursor compare-and-swap before anything
// is materialized, only one of them may own it.
func TestRunPassConcurrentRunnersMaterializeSlotOnce(t *testing.T) {
	start := core.NewDate(2024, time.March, 1)
	store := newMemStore(weeklyRule(1, start))
	asOf := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)

	otherMat := &fakeMaterializer{}
	other := newTestRunner(store, otherMat, RunnerConfig{})

	var otherSummary PassSummary
	mat := &hookMaterializer{fn: func() {
		sum, err := other.RunPass(context.Background(), asOf)
		if err != nil {
			t.Errorf("concurrent RunPass() error = %v", err)
		}
		otherSummary = sum
	}}
	runner := newTestRunner(store, mat, RunnerConfig{})

	summary, err := runner.RunPass(context.Background(), asOf)
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	if summary.ProcessedCount != 1 {
		t.Errorf("owning pass processed = %d, want 1", summary.ProcessedCount)
	}
	if otherSummary.ProcessedCount != 0 || otherSummary.FailedCount != 0 {
		t.Errorf("concurrent pass processed = %d, failed = %d, want an empty pass",
			otherSummary.ProcessedCount, otherSummary.FailedCount)
	}
	if otherMat.callCount() != 0 {
		t.Error("concurrent pass must not materialize a claimed slot")
	}

	records := store.recordsForRule(1)
	if len(records) != 1 {
		t.Fatalf("records for the single due slot = %d, want 1", len(records))
	}
	if !records[0].ScheduledDate.Equal(start) {
		t.Errorf("record scheduled for %s, want %s", records[0].ScheduledDate, start)
	}

	rule := store.rule(t, 1)
	if want := start.AddDays(7); !rule.NextExecutionDate.Equal(want) {
		t.Errorf("cursor = %s, want %s", rule.NextExecutionDate, want)
	}
	if rule.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", rule.ExecutionCount)
	}
}
