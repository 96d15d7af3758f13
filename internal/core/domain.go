package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

const (
	TransactionExpense TransactionType = "expense"
	TransactionIncome  TransactionType = "income"
)

// WeekOfMonthLast selects the last occurrence of a weekday in the target
// month, whether or not a fifth occurrence exists.
const WeekOfMonthLast = 5

type (
	Frequency       string
	TransactionType string

	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// MonthlyPattern selects the day within a month. Exactly one mode is
	// used: a fixed day of month (clamped to shorter months), or the Nth
	// occurrence of a weekday (WeekOfMonth 1-4, or WeekOfMonthLast).
	MonthlyPattern struct {
		DayOfMonth  int
		WeekOfMonth int
		DayOfWeek   time.Weekday
	}

	// RecurrenceRule describes one recurring transaction series and carries
	// the scheduling cursor for it.
	RecurrenceRule struct {
		ID          int64
		AccountID   int64
		CategoryID  int64 // 0 = uncategorized
		Description string
		Amount      Money
		Type        TransactionType

		Frequency      Frequency
		IntervalCount  int
		StartDate      Date
		EndDate        Date // zero = open-ended
		MaxOccurrences int  // 0 = unbounded
		WeeklyPattern  []time.Weekday
		MonthlyPattern *MonthlyPattern

		NextExecutionDate    Date
		LastExecutionDate    Date
		ExecutionCount       int
		FailedExecutionCount int
		IsActive             bool
	}
)

var (
	ErrInvalidRule       = errors.New("invalid recurrence rule")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrEmptyDescription  = errors.New("empty description")
	ErrRuleNotFound      = errors.New("recurrence rule not found")
	ErrRuleConflict      = errors.New("rule schedule changed concurrently")
	ErrAccountNotFound   = errors.New("account not found or inactive")
	ErrCategoryNotFound  = errors.New("category not found")
	ErrMaterialization   = errors.New("transaction materialization failed")
	ErrSafetyCapExceeded = errors.New("per-rule iteration safety cap exceeded")
)

// NewDate creates a calendar date at UTC midnight.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses a date in YYYY-MM-DD form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format("2006-01-02")
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return Date{Time: d.Time.AddDate(0, 0, n)}
}

// DaysUntil returns the whole days from d to other.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time.Sub(d.Time) / (24 * time.Hour))
}

// After reports whether d falls strictly after other.
func (d Date) After(other Date) bool {
	return d.Time.After(other.Time)
}

// Before reports whether d falls strictly before other.
func (d Date) Before(other Date) bool {
	return d.Time.Before(other.Time)
}

func (d Date) Equal(other Date) bool {
	return d.Time.Equal(other.Time)
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// DayMode reports whether the pattern uses the fixed day-of-month mode.
func (p MonthlyPattern) DayMode() bool {
	return p.DayOfMonth > 0
}

func (p MonthlyPattern) Validate() error {
	dayMode := p.DayOfMonth > 0
	weekMode := p.WeekOfMonth > 0
	if dayMode == weekMode {
		return fmt.Errorf("%w: monthly pattern must set exactly one of day-of-month or week-of-month", ErrInvalidRule)
	}
	if dayMode && p.DayOfMonth > 31 {
		return fmt.Errorf("%w: day of month %d out of range", ErrInvalidRule, p.DayOfMonth)
	}
	if weekMode {
		if p.WeekOfMonth > WeekOfMonthLast {
			return fmt.Errorf("%w: week of month %d out of range", ErrInvalidRule, p.WeekOfMonth)
		}
		if p.DayOfWeek < time.Sunday || p.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: invalid weekday %d", ErrInvalidRule, p.DayOfWeek)
		}
	}
	return nil
}

func (r RecurrenceRule) Validate() error {
	if r.IntervalCount < 1 {
		return fmt.Errorf("%w: interval count must be at least 1", ErrInvalidRule)
	}

	switch r.Frequency {
	case Daily, Weekly, Monthly, Quarterly, Yearly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidRule, r.Frequency)
	}

	if r.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidRule)
	}
	if !r.EndDate.IsZero() && r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidRule)
	}
	if r.MaxOccurrences < 0 {
		return fmt.Errorf("%w: max occurrences cannot be negative", ErrInvalidRule)
	}

	for _, wd := range r.WeeklyPattern {
		if wd < time.Sunday || wd > time.Saturday {
			return fmt.Errorf("%w: invalid weekday %d in weekly pattern", ErrInvalidRule, wd)
		}
	}
	if r.Frequency == Monthly {
		if r.MonthlyPattern == nil {
			return fmt.Errorf("%w: monthly frequency requires a monthly pattern", ErrInvalidRule)
		}
		if err := r.MonthlyPattern.Validate(); err != nil {
			return err
		}
	}
	if r.MonthlyPattern != nil && r.Frequency != Monthly && r.Frequency != Quarterly {
		return fmt.Errorf("%w: monthly pattern set for %s frequency", ErrInvalidRule, r.Frequency)
	}

	switch r.Type {
	case TransactionExpense, TransactionIncome:
	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidRule, r.Type)
	}
	if len(strings.TrimSpace(r.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(r.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if err := r.Amount.Validate(); err != nil {
		return err
	}
	if r.AccountID <= 0 {
		return fmt.Errorf("%w: account is required", ErrInvalidRule)
	}

	return nil
}
