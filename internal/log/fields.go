package log

// Field names shared between the request middleware and the handlers, so
// log lines stay greppable by a single key.
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldRuleID     = "rule_id"
)

// Component names stamped on every line a scoped logger emits.
const (
	ComponentApp  = "app"
	ComponentHTTP = "http"
)
