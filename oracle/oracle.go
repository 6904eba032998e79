// Package oracle defines the decisions the assistant delegates to a
// language model and parses the model's loosely structured replies into
// them.
//
// Model output is untrusted. Every decoder here maps known alias keys onto
// one canonical shape and collapses anything else to a documented default;
// nothing in this package returns a parse error.
package oracle

import (
	"context"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/tools"
)

// Intent values of a Route.
const (
	IntentNone  = "none"
	IntentRead  = "read"
	IntentWrite = "write"
)

// Route is the routing decision for a turn.
type Route struct {
	UseMemory bool   `json:"use_memory"`
	UseTool   bool   `json:"use_tool"`
	Intent    string `json:"intent"`
}

// DefaultRoute is used whenever routing fails.
func DefaultRoute() Route {
	return Route{Intent: IntentNone}
}

// MemoryDecision is a proposed memory mutation.
type MemoryDecision struct {
	Action     string   `json:"action"`
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ToolProposal is a proposed tool call. Action is "<tool>.<action>" or a
// bare tool name; empty means no tool applies.
type ToolProposal struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
	Thought   string         `json:"thought,omitempty"`
}

// RouteRequest is what routing sees.
type RouteRequest struct {
	Input     string
	Context   string // rolling summary, may be empty
	Memory    string
	Knowledge string
}

// ReasonRequest is everything the final answer is built from.
type ReasonRequest struct {
	Summary    string
	History    []core.Message
	Memory     string
	Knowledge  string
	ToolResult *core.ActionResult
}

// Oracle makes the per-turn decisions.
type Oracle interface {
	Route(ctx context.Context, req RouteRequest) (Route, error)
	MemoryAction(ctx context.Context, input string) (MemoryDecision, error)
	ProposeTool(ctx context.Context, input string, defs []tools.Definition) (ToolProposal, error)
	ExtractFields(ctx context.Context, input string, contract *tools.Contract) (map[string]any, error)

	// Reason streams the final answer through emit, in order. An error
	// from emit stops the stream and is returned.
	Reason(ctx context.Context, req ReasonRequest, emit func(fragment string) error) error

	// Summarize folds messages into the previous summary.
	Summarize(ctx context.Context, previous string, messages []core.Message) (string, error)
}

// Completer is a raw text model.
type Completer interface {
	Complete(ctx context.Context, system string, messages []core.Message) (string, error)
	Stream(ctx context.Context, system string, messages []core.Message, emit func(string) error) error
}
