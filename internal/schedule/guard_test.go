package schedule

import (
	"testing"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

func TestIsExhausted(t *testing.T) {
	tests := []struct {
		name string
		rule core.RecurrenceRule
		want bool
	}{
		{
			name: "open ended series never exhausts",
			rule: core.RecurrenceRule{
				NextExecutionDate: date(2099, time.December, 31),
				ExecutionCount:    1000000,
			},
			want: false,
		},
		{
			name: "cursor on end date still runs",
			rule: core.RecurrenceRule{
				EndDate:           date(2024, time.June, 30),
				NextExecutionDate: date(2024, time.June, 30),
			},
			want: false,
		},
		{
			name: "cursor past end date",
			rule: core.RecurrenceRule{
				EndDate:           date(2024, time.June, 30),
				NextExecutionDate: date(2024, time.July, 1),
			},
			want: true,
		},
		{
			name: "occurrence cap not reached",
			rule: core.RecurrenceRule{
				MaxOccurrences: 12,
				ExecutionCount: 11,
			},
			want: false,
		},
		{
			name: "occurrence cap reached",
			rule: core.RecurrenceRule{
				MaxOccurrences: 12,
				ExecutionCount: 12,
			},
			want: true,
		},
		{
			name: "failed executions do not count toward cap",
			rule: core.RecurrenceRule{
				MaxOccurrences:       3,
				ExecutionCount:       2,
				FailedExecutionCount: 10,
			},
			want: false,
		},
		{
			name: "either condition suffices",
			rule: core.RecurrenceRule{
				EndDate:           date(2024, time.June, 30),
				NextExecutionDate: date(2024, time.July, 1),
				MaxOccurrences:    100,
				ExecutionCount:    1,
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExhausted(tt.rule); got != tt.want {
				t.Errorf("IsExhausted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExhaustedMonotonicInCursor(t *testing.T) {
	rule := core.RecurrenceRule{
		Frequency:         core.Daily,
		IntervalCount:     1,
		EndDate:           date(2024, time.March, 10),
		NextExecutionDate: date(2024, time.March, 8),
	}

	seen := false
	for i := 0; i < 10; i++ {
		exhausted := IsExhausted(rule)
		if seen && !exhausted {
			t.Fatalf("IsExhausted flipped back to false at cursor %s", rule.NextExecutionDate)
		}
		seen = seen || exhausted
		rule.NextExecutionDate = rule.NextExecutionDate.AddDays(1)
	}
	if !seen {
		t.Error("series never exhausted while cursor advanced past end date")
	}
}
