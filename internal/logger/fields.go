package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields propagated through the call chain.
const (
	FieldRequestID    = "request_id"
	FieldJobID        = "job_id"
	FieldSubJobNumber = "sub_job_number"
	FieldComponent    = "component"
	FieldModel        = "model"
)

// Metric fields, attached per entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldCost       = "cost"
)
