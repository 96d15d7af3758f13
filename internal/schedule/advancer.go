// Package schedule computes occurrence dates for recurring transaction
// series.
//
// This file implements the Strategy Pattern for date advancement. Each
// frequency type (daily, weekly, monthly, quarterly, yearly) has its own
// advancer that encapsulates the calendar arithmetic for that cadence.
package schedule

import (
	"fmt"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

// Advancer is the strategy interface for computing the next occurrence
// date of a series. Implementations are pure: they never mutate the rule.
type Advancer interface {
	// Next returns the first occurrence date strictly after the given
	// reference date.
	Next(rule core.RecurrenceRule, after core.Date) (core.Date, error)
}

// DailyAdvancer implements Advancer for daily series.
type DailyAdvancer struct{}

func (DailyAdvancer) Next(rule core.RecurrenceRule, after core.Date) (core.Date, error) {
	return after.AddDays(rule.IntervalCount), nil
}

// WeeklyAdvancer implements Advancer for weekly series.
//
// With an empty weekly pattern the series fires every IntervalCount weeks
// from the reference date. With a pattern, occurrences fall on the pattern
// weekdays, but only during weeks that are whole multiples of IntervalCount
// from the start week.
type WeeklyAdvancer struct{}

func (WeeklyAdvancer) Next(rule core.RecurrenceRule, after core.Date) (core.Date, error) {
	if len(rule.WeeklyPattern) == 0 {
		return after.AddDays(7 * rule.IntervalCount), nil
	}

	pattern := make(map[time.Weekday]bool, len(rule.WeeklyPattern))
	for _, wd := range rule.WeeklyPattern {
		pattern[wd] = true
	}

	anchor := startOfWeek(rule.StartDate)
	// One full interval of weeks plus one week is always enough to reach
	// the next eligible weekday.
	limit := 7 * (rule.IntervalCount + 1)
	d := after.AddDays(1)
	for i := 0; i < limit; i++ {
		if pattern[d.Weekday()] {
			weeks := anchor.DaysUntil(startOfWeek(d)) / 7
			if weeks%rule.IntervalCount == 0 {
				return d, nil
			}
			// Inside an off week: jump to the next firing week and keep
			// scanning weekdays from there.
			skip := rule.IntervalCount - weeks%rule.IntervalCount
			d = startOfWeek(d).AddDays(7 * skip)
			continue
		}
		d = d.AddDays(1)
	}
	return core.Date{}, fmt.Errorf("%w: no weekday match within %d days", core.ErrInvalidRule, limit)
}

// MonthlyAdvancer implements Advancer for monthly series in both
// day-of-month and week-of-month modes.
type MonthlyAdvancer struct{}

func (MonthlyAdvancer) Next(rule core.RecurrenceRule, after core.Date) (core.Date, error) {
	if rule.MonthlyPattern == nil {
		return core.Date{}, fmt.Errorf("%w: monthly frequency requires a monthly pattern", core.ErrInvalidRule)
	}
	return advanceMonths(*rule.MonthlyPattern, after, rule.IntervalCount)
}

// QuarterlyAdvancer implements Advancer for quarterly series: monthly
// day-of-month semantics with an effective interval of three months. When no
// monthly pattern is set the start date's day of month is used.
type QuarterlyAdvancer struct{}

func (QuarterlyAdvancer) Next(rule core.RecurrenceRule, after core.Date) (core.Date, error) {
	pattern := core.MonthlyPattern{DayOfMonth: rule.StartDate.Day()}
	if rule.MonthlyPattern != nil && rule.MonthlyPattern.DayMode() {
		pattern = *rule.MonthlyPattern
	}
	return advanceMonths(pattern, after, 3*rule.IntervalCount)
}

// YearlyAdvancer implements Advancer for yearly series, preserving
// month/day with leap-year clamping (Feb 29 becomes Feb 28 in non-leap
// target years).
type YearlyAdvancer struct{}

func (YearlyAdvancer) Next(rule core.RecurrenceRule, after core.Date) (core.Date, error) {
	year := after.Year() + rule.IntervalCount
	month := after.Month()
	day := after.Day()
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return core.NewDate(year, month, day), nil
}

// advancers maps frequencies to their advancer strategies. The registry
// enables O(1) lookup and extension for new cadences.
var advancers = map[core.Frequency]Advancer{
	core.Daily:     DailyAdvancer{},
	core.Weekly:    WeeklyAdvancer{},
	core.Monthly:   MonthlyAdvancer{},
	core.Quarterly: QuarterlyAdvancer{},
	core.Yearly:    YearlyAdvancer{},
}

// GetAdvancer returns the advancer registered for a frequency.
func GetAdvancer(frequency core.Frequency) (Advancer, error) {
	a, ok := advancers[frequency]
	if !ok {
		return nil, fmt.Errorf("%w: unknown frequency %q", core.ErrInvalidRule, frequency)
	}
	return a, nil
}

// RegisterAdvancer registers a custom advancer for a frequency, replacing
// any existing one.
func RegisterAdvancer(frequency core.Frequency, a Advancer) {
	advancers[frequency] = a
}

// NextOccurrence computes the first occurrence date of rule strictly after
// the reference date. It is pure and validates the pattern fields the
// frequency requires.
func NextOccurrence(rule core.RecurrenceRule, after core.Date) (core.Date, error) {
	if rule.IntervalCount < 1 {
		return core.Date{}, fmt.Errorf("%w: interval count must be at least 1", core.ErrInvalidRule)
	}
	a, err := GetAdvancer(rule.Frequency)
	if err != nil {
		return core.Date{}, err
	}
	return a.Next(rule, after)
}

func advanceMonths(pattern core.MonthlyPattern, after core.Date, months int) (core.Date, error) {
	year := after.Year()
	month := int(after.Month()) + months
	year += (month - 1) / 12
	month = (month-1)%12 + 1

	if pattern.DayMode() {
		day := pattern.DayOfMonth
		if last := daysInMonth(year, time.Month(month)); day > last {
			day = last
		}
		return core.NewDate(year, time.Month(month), day), nil
	}

	day, err := nthWeekdayOfMonth(year, time.Month(month), pattern.DayOfWeek, pattern.WeekOfMonth)
	if err != nil {
		return core.Date{}, err
	}
	return core.NewDate(year, time.Month(month), day), nil
}

// nthWeekdayOfMonth returns the day of month for the nth occurrence of a
// weekday. n = core.WeekOfMonthLast selects the last occurrence.
func nthWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, n int) (int, error) {
	if n < 1 || n > core.WeekOfMonthLast {
		return 0, fmt.Errorf("%w: week of month %d out of range", core.ErrInvalidRule, n)
	}
	first := core.NewDate(year, month, 1)
	firstMatch := 1 + (int(weekday)-int(first.Weekday())+7)%7
	last := daysInMonth(year, month)

	if n == core.WeekOfMonthLast {
		day := firstMatch
		for day+7 <= last {
			day += 7
		}
		return day, nil
	}

	day := firstMatch + 7*(n-1)
	if day > last {
		// A 5th occurrence can be absent; weeks 1-4 always exist.
		return 0, fmt.Errorf("%w: month %d-%02d has no occurrence %d of weekday %d", core.ErrInvalidRule, year, month, n, weekday)
	}
	return day, nil
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// startOfWeek returns the Sunday on or before d.
func startOfWeek(d core.Date) core.Date {
	return d.AddDays(-int(d.Weekday()))
}
