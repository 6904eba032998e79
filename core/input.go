package core

// ActionRequest is the input handed to a tool backend.
// Action is "<tool>.<action>" or a bare tool name for single-action tools.
type ActionRequest struct {
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload"`
	AuthToken string         `json:"auth_token,omitempty"`

	// Thought carries the oracle's stated reason for proposing the action.
	// It is logged and never forwarded to the backend.
	Thought string `json:"-"`
}

// ActionResult is the normalised outcome of a tool execution.
// Exactly one of Data, Error or MissingFields is meaningful: MissingFields
// is set when the request was rejected before reaching a backend.
type ActionResult struct {
	Success       bool           `json:"success"`
	Action        string         `json:"action"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	MissingFields []string       `json:"missing_fields,omitempty"`
}
