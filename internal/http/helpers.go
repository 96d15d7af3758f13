package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// pathID extracts the {id} path segment as an int64, responding 400 on
// failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		respondError(w, http.StatusBadRequest, "invalid rule id")
		return 0, false
	}
	return id, true
}

// --- wire representations ---

type monthlyPatternJSON struct {
	DayOfMonth  int `json:"day_of_month,omitempty"`
	WeekOfMonth int `json:"week_of_month,omitempty"`
	DayOfWeek   int `json:"day_of_week,omitempty"`
}

type ruleJSON struct {
	ID                   int64               `json:"id,omitempty"`
	AccountID            int64               `json:"account_id"`
	CategoryID           int64               `json:"category_id,omitempty"`
	Description          string              `json:"description"`
	AmountCents          int64               `json:"amount_cents"`
	Type                 string              `json:"type"`
	Frequency            string              `json:"frequency"`
	IntervalCount        int                 `json:"interval_count"`
	StartDate            string              `json:"start_date"`
	EndDate              string              `json:"end_date,omitempty"`
	MaxOccurrences       int                 `json:"max_occurrences,omitempty"`
	WeeklyPattern        []int               `json:"weekly_pattern,omitempty"`
	MonthlyPattern       *monthlyPatternJSON `json:"monthly_pattern,omitempty"`
	NextExecutionDate    string              `json:"next_execution_date,omitempty"`
	LastExecutionDate    string              `json:"last_execution_date,omitempty"`
	ExecutionCount       int                 `json:"execution_count"`
	FailedExecutionCount int                 `json:"failed_execution_count"`
	IsActive             bool                `json:"is_active"`
}

type recordJSON struct {
	ID            string `json:"id"`
	RuleID        int64  `json:"rule_id"`
	ScheduledDate string `json:"scheduled_date"`
	ExecutedDate  string `json:"executed_date,omitempty"`
	Status        string `json:"status"`
	ErrorMessage  string `json:"error_message,omitempty"`
	RetryCount    int    `json:"retry_count"`
	NextRetryDate string `json:"next_retry_date,omitempty"`
	TransactionID int64  `json:"transaction_id,omitempty"`
}

func ruleToJSON(r core.RecurrenceRule) ruleJSON {
	out := ruleJSON{
		ID:                   r.ID,
		AccountID:            r.AccountID,
		CategoryID:           r.CategoryID,
		Description:          r.Description,
		AmountCents:          r.Amount.Cents,
		Type:                 string(r.Type),
		Frequency:            string(r.Frequency),
		IntervalCount:        r.IntervalCount,
		StartDate:            r.StartDate.String(),
		MaxOccurrences:       r.MaxOccurrences,
		ExecutionCount:       r.ExecutionCount,
		FailedExecutionCount: r.FailedExecutionCount,
		IsActive:             r.IsActive,
	}
	if !r.EndDate.IsZero() {
		out.EndDate = r.EndDate.String()
	}
	if !r.NextExecutionDate.IsZero() {
		out.NextExecutionDate = r.NextExecutionDate.String()
	}
	if !r.LastExecutionDate.IsZero() {
		out.LastExecutionDate = r.LastExecutionDate.String()
	}
	for _, wd := range r.WeeklyPattern {
		out.WeeklyPattern = append(out.WeeklyPattern, int(wd))
	}
	if p := r.MonthlyPattern; p != nil {
		out.MonthlyPattern = &monthlyPatternJSON{
			DayOfMonth:  p.DayOfMonth,
			WeekOfMonth: p.WeekOfMonth,
			DayOfWeek:   int(p.DayOfWeek),
		}
	}
	return out
}

func ruleFromJSON(in ruleJSON) (core.RecurrenceRule, error) {
	rule := core.RecurrenceRule{
		AccountID:      in.AccountID,
		CategoryID:     in.CategoryID,
		Description:    in.Description,
		Amount:         core.Money{Cents: in.AmountCents},
		Type:           core.TransactionType(in.Type),
		Frequency:      core.Frequency(in.Frequency),
		IntervalCount:  in.IntervalCount,
		MaxOccurrences: in.MaxOccurrences,
		IsActive:       true,
	}

	var err error
	if rule.StartDate, err = core.ParseDate(in.StartDate); err != nil {
		return rule, err
	}
	if in.EndDate != "" {
		if rule.EndDate, err = core.ParseDate(in.EndDate); err != nil {
			return rule, err
		}
	}
	for _, wd := range in.WeeklyPattern {
		rule.WeeklyPattern = append(rule.WeeklyPattern, time.Weekday(wd))
	}
	if in.MonthlyPattern != nil {
		rule.MonthlyPattern = &core.MonthlyPattern{
			DayOfMonth:  in.MonthlyPattern.DayOfMonth,
			WeekOfMonth: in.MonthlyPattern.WeekOfMonth,
			DayOfWeek:   time.Weekday(in.MonthlyPattern.DayOfWeek),
		}
	}
	return rule, nil
}

func recordToJSON(rec core.ExecutionRecord) recordJSON {
	out := recordJSON{
		ID:            rec.ID,
		RuleID:        rec.RuleID,
		ScheduledDate: rec.ScheduledDate.String(),
		Status:        string(rec.Status),
		ErrorMessage:  rec.ErrorMessage,
		RetryCount:    rec.RetryCount,
		TransactionID: rec.TransactionID,
	}
	if !rec.ExecutedDate.IsZero() {
		out.ExecutedDate = rec.ExecutedDate.String()
	}
	if !rec.NextRetryDate.IsZero() {
		out.NextRetryDate = rec.NextRetryDate.String()
	}
	return out
}
