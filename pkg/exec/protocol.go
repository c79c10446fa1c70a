package exec

// Wire types for the remote execution protocol: newline-delimited JSON over a
// connection-oriented transport, one request and one response per query.

// Request asks the execution service to run a single read query under the
// given limits. The service clamps both limits at its own ceilings.
type Request struct {
	QueryText string `json:"query_text"`
	MaxRows   int    `json:"max_rows"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// Response carries either a serialized result set or a structured error.
type Response struct {
	Columns   []Column `json:"columns,omitempty"`
	Rows      [][]any  `json:"rows,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
	ElapsedMS int64    `json:"elapsed_ms,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Error kinds a Response may carry.
const (
	ErrorKindRejected    = "rejected"
	ErrorKindTimeout     = "timeout"
	ErrorKindUnavailable = "unavailable"
	ErrorKindQuery       = "query"
)
