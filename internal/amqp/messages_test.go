package amqp

import (
	"strings"
	"testing"
	"time"
)

func TestOccurrenceEventMessageRoundTrip(t *testing.T) {
	msg := &OccurrenceEventMessage{
		RuleID:        7,
		RecordID:      "rec-abc",
		ScheduledDate: "2024-03-01",
		Status:        "completed",
		TransactionID: 42,
		Timestamp:     time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
	}

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	decoded, err := OccurrenceEventFromJSON(data)
	if err != nil {
		t.Fatalf("OccurrenceEventFromJSON() error = %v", err)
	}
	if decoded.RuleID != 7 || decoded.RecordID != "rec-abc" || decoded.Status != "completed" {
		t.Errorf("decoded = %+v, want original fields", decoded)
	}
}

func TestOccurrenceEventOmitsEmptyOptionalFields(t *testing.T) {
	msg := &OccurrenceEventMessage{
		RuleID:        7,
		RecordID:      "rec-abc",
		ScheduledDate: "2024-03-01",
		Status:        "failed",
		Error:         "database is locked",
	}

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	if strings.Contains(string(data), "transaction_id") {
		t.Errorf("payload should omit zero transaction id: %s", data)
	}
	if !strings.Contains(string(data), "database is locked") {
		t.Errorf("payload should carry the error: %s", data)
	}
}

func TestPassSummaryFromJSONRejectsGarbage(t *testing.T) {
	if _, err := PassSummaryFromJSON([]byte("not json")); err == nil {
		t.Error("expected error for malformed payload")
	}
}
