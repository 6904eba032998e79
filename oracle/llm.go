package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/tools"
)

// LLM implements Oracle with prompts over a Completer.
type LLM struct {
	completer Completer
}

var _ Oracle = (*LLM)(nil)

// New creates an LLM oracle.
func New(c Completer) *LLM {
	return &LLM{completer: c}
}

func (o *LLM) complete(ctx context.Context, system, input string) (map[string]any, error) {
	raw, err := o.completer.Complete(ctx, system, []core.Message{core.UserMessage(input)})
	if err != nil {
		return nil, goerr.Wrap(err, "oracle call failed")
	}
	return ParseObject(raw), nil
}

// Route implements Oracle.
func (o *LLM) Route(ctx context.Context, req RouteRequest) (Route, error) {
	payload, _ := json.Marshal(map[string]string{
		"user_input":      req.Input,
		"conversation":    req.Context,
		"existing_memory": req.Memory,
		"knowledge_base":  req.Knowledge,
	})
	m, err := o.complete(ctx, routerPrompt, string(payload))
	if err != nil {
		return DefaultRoute(), err
	}
	return DecodeRoute(m), nil
}

// MemoryAction implements Oracle.
func (o *LLM) MemoryAction(ctx context.Context, input string) (MemoryDecision, error) {
	m, err := o.complete(ctx, memoryPrompt, input)
	if err != nil {
		return MemoryDecision{}, err
	}
	return DecodeMemory(m), nil
}

// ProposeTool implements Oracle.
func (o *LLM) ProposeTool(ctx context.Context, input string, defs []tools.Definition) (ToolProposal, error) {
	catalog, err := json.Marshal(defs)
	if err != nil {
		return ToolProposal{}, goerr.Wrap(err, "failed to encode tool definitions")
	}
	m, err := o.complete(ctx, toolPrompt+string(catalog), input)
	if err != nil {
		return ToolProposal{}, err
	}
	return DecodeTool(m), nil
}

// ExtractFields implements Oracle. Keys not declared by the contract are
// dropped.
func (o *LLM) ExtractFields(ctx context.Context, input string, contract *tools.Contract) (map[string]any, error) {
	var sb strings.Builder
	for _, f := range contract.Fields {
		fmt.Fprintf(&sb, "- %s (%s)", f.Name, f.Type)
		if f.Description != "" {
			fmt.Fprintf(&sb, ": %s", f.Description)
		}
		sb.WriteString("\n")
	}
	m, err := o.complete(ctx, extractPrompt+sb.String(), input)
	if err != nil {
		return nil, err
	}
	return contract.Coerce(m), nil
}

// Reason implements Oracle.
func (o *LLM) Reason(ctx context.Context, req ReasonRequest, emit func(string) error) error {
	system := reasoningPrompt + reasoningContext(req)
	if err := o.completer.Stream(ctx, system, req.History, emit); err != nil {
		return goerr.Wrap(err, "reasoning stream failed")
	}
	return nil
}

func reasoningContext(req ReasonRequest) string {
	var sb strings.Builder
	if req.Summary != "" {
		sb.WriteString("\n\nConversation so far:\n")
		sb.WriteString(req.Summary)
	}
	if req.Memory != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.Memory)
	}
	if req.Knowledge != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.Knowledge)
	}
	if req.ToolResult != nil {
		b, _ := json.Marshal(req.ToolResult)
		sb.WriteString("\n\nTool result:\n")
		sb.Write(b)
	}
	return sb.String()
}

// Summarize implements Oracle.
func (o *LLM) Summarize(ctx context.Context, previous string, messages []core.Message) (string, error) {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New messages:\n")
	sb.WriteString(core.Transcript(messages))

	out, err := o.completer.Complete(ctx, summaryPrompt, []core.Message{core.UserMessage(sb.String())})
	if err != nil {
		return "", goerr.Wrap(err, "summary call failed")
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", goerr.New("empty summary")
	}
	return out, nil
}
