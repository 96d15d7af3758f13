package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the one a PRAGMA statement happens to run on.
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- accounts and categories ---

func (r *SQLiteRepository) CreateAccount(ctx context.Context, a core.Account) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (name, type, balance_cents, is_active) VALUES (?, ?, ?, ?)`,
		a.Name, a.Type, a.BalanceCents, boolToInt(a.IsActive))
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	return res.LastInsertId()
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id int64) (*core.Account, error) {
	var a core.Account
	var active int
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, type, balance_cents, is_active FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Type, &a.BalanceCents, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	a.IsActive = active != 0
	return &a, nil
}

// AccountIsActive reports whether the account exists and is active.
func (r *SQLiteRepository) AccountIsActive(ctx context.Context, id int64) (bool, error) {
	var active int
	err := r.db.QueryRowContext(ctx, `SELECT is_active FROM accounts WHERE id = ?`, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check account %d: %w", id, err)
	}
	return active != 0, nil
}

func (r *SQLiteRepository) CreateCategory(ctx context.Context, c core.Category) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO categories (name, type, is_active) VALUES (?, ?, ?)`,
		c.Name, string(c.Type), boolToInt(c.IsActive))
	if err != nil {
		return 0, fmt.Errorf("create category: %w", err)
	}
	return res.LastInsertId()
}

// CategoryExists reports whether the category exists and is active.
func (r *SQLiteRepository) CategoryExists(ctx context.Context, id int64) (bool, error) {
	var active int
	err := r.db.QueryRowContext(ctx, `SELECT is_active FROM categories WHERE id = ?`, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check category %d: %w", id, err)
	}
	return active != 0, nil
}

// --- transactions ---

// CreateTransaction inserts a ledger entry and applies it to the account
// balance in one database transaction.
func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (account_id, category_id, amount_cents, type, date, notes, rule_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.AccountID, nullID(t.CategoryID), t.Amount.Cents, string(t.Type),
		t.Date.String(), t.Notes, nullID(t.RuleID))
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("transaction id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + ? WHERE id = ?`,
		t.SignedCents(), t.AccountID); err != nil {
		return 0, fmt.Errorf("update account balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved",
		"id", id,
		"account_id", t.AccountID,
		"amount_cents", t.Amount.Cents,
		"date", t.Date.String(),
		"rule_id", t.RuleID)

	return id, nil
}

func (r *SQLiteRepository) ListTransactionsByRule(ctx context.Context, ruleID int64) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, COALESCE(category_id, 0), amount_cents, type, date, notes, COALESCE(rule_id, 0), created_at
		 FROM transactions WHERE rule_id = ? ORDER BY date`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list transactions for rule %d: %w", ruleID, err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var t core.Transaction
		var typ, date string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.CategoryID, &t.Amount.Cents, &typ, &date, &t.Notes, &t.RuleID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = core.TransactionType(typ)
		if t.Date, err = core.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- recurrence rules ---

const ruleColumns = `id, account_id, COALESCE(category_id, 0), description, amount_cents, type,
	frequency, interval_count, start_date, end_date, COALESCE(max_occurrences, 0),
	weekly_pattern, monthly_day, monthly_week, monthly_weekday,
	next_execution_date, last_execution_date, execution_count, failed_execution_count, is_active`

func (r *SQLiteRepository) CreateRecurrenceRule(ctx context.Context, rule core.RecurrenceRule) (int64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	if rule.NextExecutionDate.IsZero() {
		rule.NextExecutionDate = rule.StartDate
	}

	var monthlyDay, monthlyWeek, monthlyWeekday any
	if p := rule.MonthlyPattern; p != nil {
		if p.DayMode() {
			monthlyDay = p.DayOfMonth
		} else {
			monthlyWeek = p.WeekOfMonth
			monthlyWeekday = int(p.DayOfWeek)
		}
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO recurrence_rules
		 (account_id, category_id, description, amount_cents, type, frequency, interval_count,
		  start_date, end_date, max_occurrences, weekly_pattern, monthly_day, monthly_week, monthly_weekday,
		  next_execution_date, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		rule.AccountID, nullID(rule.CategoryID), rule.Description, rule.Amount.Cents, string(rule.Type),
		string(rule.Frequency), rule.IntervalCount,
		rule.StartDate.String(), nullDate(rule.EndDate), nullInt(rule.MaxOccurrences),
		encodeWeekdays(rule.WeeklyPattern), monthlyDay, monthlyWeek, monthlyWeekday,
		rule.NextExecutionDate.String())
	if err != nil {
		return 0, fmt.Errorf("create recurrence rule: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("rule id: %w", err)
	}

	slog.InfoContext(ctx, "Recurrence rule created",
		"rule_id", id,
		"frequency", rule.Frequency,
		"interval", rule.IntervalCount,
		"start_date", rule.StartDate.String())

	return id, nil
}

func (r *SQLiteRepository) GetRecurrenceRule(ctx context.Context, id int64) (*core.RecurrenceRule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recurrence rule %d: %w", id, err)
	}
	return rule, nil
}

func (r *SQLiteRepository) ListRecurrenceRules(ctx context.Context) ([]core.RecurrenceRule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list recurrence rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListDueRules returns active rules whose cursor is on or before asOf.
func (r *SQLiteRepository) ListDueRules(ctx context.Context, asOf core.Date) ([]core.RecurrenceRule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules
		 WHERE is_active = 1 AND next_execution_date <= ? ORDER BY next_execution_date`,
		asOf.String())
	if err != nil {
		return nil, fmt.Errorf("list due rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// UpdateRuleSchedule persists the mutable scheduling state of a rule:
// cursor, counters, last execution, active flag. The write is guarded on
// the cursor still holding prevCursor, so two processes racing over the
// same occurrence slot cannot both claim it. A mismatch returns
// core.ErrRuleConflict.
func (r *SQLiteRepository) UpdateRuleSchedule(ctx context.Context, rule core.RecurrenceRule, prevCursor core.Date) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recurrence_rules SET
		   next_execution_date = ?, last_execution_date = ?,
		   execution_count = ?, failed_execution_count = ?, is_active = ?,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND next_execution_date = ?`,
		rule.NextExecutionDate.String(), nullDate(rule.LastExecutionDate),
		rule.ExecutionCount, rule.FailedExecutionCount, boolToInt(rule.IsActive),
		rule.ID, prevCursor.String())
	if err != nil {
		return fmt.Errorf("update rule schedule %d: %w", rule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM recurrence_rules WHERE id = ?`, rule.ID).Scan(&exists); err == nil && exists == 0 {
			return core.ErrRuleNotFound
		}
		return core.ErrRuleConflict
	}
	return nil
}

func (r *SQLiteRepository) SetRuleActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recurrence_rules SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set rule %d active=%t: %w", id, active, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrRuleNotFound
	}
	slog.InfoContext(ctx, "Rule active flag updated", "rule_id", id, "is_active", active)
	return nil
}

// DeleteRule cancels open execution records for the rule and removes it.
// Both steps commit together so an in-flight pass observes either the old
// state or the fully deleted series, never a half-cancelled one. Execution
// history is removed by the ON DELETE CASCADE on execution_records.
func (r *SQLiteRepository) DeleteRule(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete rule: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE execution_records SET status = ?, next_retry_date = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE rule_id = ? AND status IN (?, ?)`,
		string(core.ExecutionCancelled), id,
		string(core.ExecutionPending), string(core.ExecutionFailed)); err != nil {
		return fmt.Errorf("cancel open records for rule %d: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM recurrence_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrRuleNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete rule: %w", err)
	}

	slog.InfoContext(ctx, "Recurrence rule deleted", "rule_id", id)
	return nil
}

// --- execution records ---

const recordColumns = `id, rule_id, scheduled_date, executed_date, status, error_message,
	retry_count, next_retry_date, COALESCE(transaction_id, 0), created_at, updated_at`

func (r *SQLiteRepository) CreateExecutionRecord(ctx context.Context, rec core.ExecutionRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO execution_records
		 (id, rule_id, scheduled_date, executed_date, status, error_message, retry_count, next_retry_date, transaction_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RuleID, rec.ScheduledDate.String(), nullDate(rec.ExecutedDate),
		string(rec.Status), rec.ErrorMessage, rec.RetryCount, nullDate(rec.NextRetryDate),
		nullID(rec.TransactionID))
	if err != nil {
		return fmt.Errorf("create execution record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateExecutionRecord(ctx context.Context, rec core.ExecutionRecord) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE execution_records SET
		   executed_date = ?, status = ?, error_message = ?, retry_count = ?,
		   next_retry_date = ?, transaction_id = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		nullDate(rec.ExecutedDate), string(rec.Status), rec.ErrorMessage, rec.RetryCount,
		nullDate(rec.NextRetryDate), nullID(rec.TransactionID), rec.ID)
	if err != nil {
		return fmt.Errorf("update execution record %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution record %s not found", rec.ID)
	}
	return nil
}

func (r *SQLiteRepository) GetExecutionRecord(ctx context.Context, id string) (*core.ExecutionRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution record %s: %w", id, err)
	}
	return rec, nil
}

func (r *SQLiteRepository) ListExecutionRecords(ctx context.Context, ruleID int64, limit int) ([]core.ExecutionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records
		 WHERE rule_id = ? ORDER BY scheduled_date DESC, created_at DESC LIMIT ?`,
		ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution records for rule %d: %w", ruleID, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListDueRetries returns failed records whose scheduled retry date has
// arrived. Records with retries exhausted carry no retry date and are
// excluded.
func (r *SQLiteRepository) ListDueRetries(ctx context.Context, asOf core.Date) ([]core.ExecutionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records
		 WHERE status = ? AND next_retry_date IS NOT NULL AND next_retry_date <= ?
		 ORDER BY next_retry_date`,
		string(core.ExecutionFailed), asOf.String())
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListUnresolvedFailures returns permanently failed records (retries
// exhausted) for manual review. They are never purged automatically.
func (r *SQLiteRepository) ListUnresolvedFailures(ctx context.Context, limit int) ([]core.ExecutionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records
		 WHERE status = ? AND next_retry_date IS NULL
		 ORDER BY updated_at DESC LIMIT ?`,
		string(core.ExecutionFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved failures: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// SkipPendingForInactiveRules marks pending records of deactivated rules as
// skipped. Run at the start of a pass to settle occurrences left behind by
// a deactivation.
func (r *SQLiteRepository) SkipPendingForInactiveRules(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE execution_records SET status = ?, next_retry_date = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE status = ? AND rule_id IN (SELECT id FROM recurrence_rules WHERE is_active = 0)`,
		string(core.ExecutionSkipped), string(core.ExecutionPending))
	if err != nil {
		return 0, fmt.Errorf("skip pending records for inactive rules: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.InfoContext(ctx, "Pending records skipped for inactive rules", "count", n)
	}
	return n, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*core.RecurrenceRule, error) {
	var rule core.RecurrenceRule
	var typ, frequency, startDate, nextDate string
	var endDate, lastDate, weekly sql.NullString
	var monthlyDay, monthlyWeek, monthlyWeekday sql.NullInt64
	var active int

	err := row.Scan(&rule.ID, &rule.AccountID, &rule.CategoryID, &rule.Description,
		&rule.Amount.Cents, &typ, &frequency, &rule.IntervalCount,
		&startDate, &endDate, &rule.MaxOccurrences,
		&weekly, &monthlyDay, &monthlyWeek, &monthlyWeekday,
		&nextDate, &lastDate, &rule.ExecutionCount, &rule.FailedExecutionCount, &active)
	if err != nil {
		return nil, err
	}

	rule.Type = core.TransactionType(typ)
	rule.Frequency = core.Frequency(frequency)
	rule.IsActive = active != 0

	if rule.StartDate, err = core.ParseDate(startDate); err != nil {
		return nil, err
	}
	if rule.NextExecutionDate, err = core.ParseDate(nextDate); err != nil {
		return nil, err
	}
	if rule.EndDate, err = parseNullDate(endDate); err != nil {
		return nil, err
	}
	if rule.LastExecutionDate, err = parseNullDate(lastDate); err != nil {
		return nil, err
	}
	if weekly.Valid && weekly.String != "" {
		if rule.WeeklyPattern, err = decodeWeekdays(weekly.String); err != nil {
			return nil, err
		}
	}
	if monthlyDay.Valid {
		rule.MonthlyPattern = &core.MonthlyPattern{DayOfMonth: int(monthlyDay.Int64)}
	} else if monthlyWeek.Valid {
		rule.MonthlyPattern = &core.MonthlyPattern{
			WeekOfMonth: int(monthlyWeek.Int64),
			DayOfWeek:   time.Weekday(monthlyWeekday.Int64),
		}
	}

	return &rule, nil
}

func collectRules(rows *sql.Rows) ([]core.RecurrenceRule, error) {
	var out []core.RecurrenceRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (*core.ExecutionRecord, error) {
	var rec core.ExecutionRecord
	var scheduled, status string
	var executed, nextRetry sql.NullString

	err := row.Scan(&rec.ID, &rec.RuleID, &scheduled, &executed, &status, &rec.ErrorMessage,
		&rec.RetryCount, &nextRetry, &rec.TransactionID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = core.ExecutionStatus(status)
	if rec.ScheduledDate, err = core.ParseDate(scheduled); err != nil {
		return nil, err
	}
	if rec.ExecutedDate, err = parseNullDate(executed); err != nil {
		return nil, err
	}
	if rec.NextRetryDate, err = parseNullDate(nextRetry); err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]core.ExecutionRecord, error) {
	var out []core.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func parseNullDate(s sql.NullString) (core.Date, error) {
	if !s.Valid || s.String == "" {
		return core.Date{}, nil
	}
	return core.ParseDate(s.String)
}

func nullDate(d core.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func nullID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func nullInt(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeWeekdays(pattern []time.Weekday) any {
	if len(pattern) == 0 {
		return nil
	}
	parts := make([]string, len(pattern))
	for i, wd := range pattern {
		parts[i] = strconv.Itoa(int(wd))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) ([]time.Weekday, error) {
	parts := strings.Split(s, ",")
	out := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("decode weekly pattern %q: %w", s, err)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}
