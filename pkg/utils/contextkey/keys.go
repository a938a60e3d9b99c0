package contextkey

// Context keys shared across middleware, logging and controllers.
const (
	TraceID   = "trace_id"
	RequestID = "request_id"
	SessionID = "session_id"
)
