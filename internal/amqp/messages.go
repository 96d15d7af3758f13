package amqp

import (
	"encoding/json"
	"time"
)

// OccurrenceEventMessage notifies the audit sink about one attempted
// occurrence of a recurring series. Consumers treat it as append-only
// audit input; the engine never waits on them.
type OccurrenceEventMessage struct {
	RuleID        int64     `json:"rule_id"`
	RecordID      string    `json:"record_id"`
	ScheduledDate string    `json:"scheduled_date"`
	Status        string    `json:"status"`
	TransactionID int64     `json:"transaction_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PassSummaryMessage reports the outcome of one scheduler batch pass.
type PassSummaryMessage struct {
	AsOf      string    `json:"as_of"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *OccurrenceEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func (m *PassSummaryMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// OccurrenceEventFromJSON decodes an occurrence event message.
func OccurrenceEventFromJSON(data []byte) (*OccurrenceEventMessage, error) {
	var msg OccurrenceEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PassSummaryFromJSON decodes a pass summary message.
func PassSummaryFromJSON(data []byte) (*PassSummaryMessage, error) {
	var msg PassSummaryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
