package schedule

import "github.com/roddomr/familyhub-sub000/internal/core"

// IsExhausted reports whether a series can produce no further occurrences:
// either the cursor has moved past the end date, or the successful
// occurrence cap has been reached. Open-ended series are never exhausted.
//
// The check is pure and idempotent, and monotonic with respect to the
// cursor: once true it stays true as the cursor advances.
func IsExhausted(rule core.RecurrenceRule) bool {
	if !rule.EndDate.IsZero() && rule.NextExecutionDate.After(rule.EndDate) {
		return true
	}
	if rule.MaxOccurrences > 0 && rule.ExecutionCount >= rule.MaxOccurrences {
		return true
	}
	return false
}
