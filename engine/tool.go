package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/oracle"
	"github.com/becomeliminal/nim-assistant/tools"
)

// runTool advances the session's tool state machine by one message.
// asked is true when the turn ended on a question to the user, or on the
// acknowledgement of an abandoned action.
func (t *turn) runTool(ctx context.Context, memBlock string) (result *core.ActionResult, asked bool) {
	ctx, span := tracer.Start(ctx, "engine.tool")
	defer span.End()

	e := t.engine
	registry := e.tools.Registry()
	s := t.session

	var (
		contract *tools.Contract
		thought  string
	)
	if s.HasPending() {
		if abandon.MatchString(t.text) {
			t.logger.Info("pending action abandoned", "action", s.PendingAction)
			s.ClearPending()
			t.token(CancelledMessage)
			return nil, true
		}
		c, ok := registry.Get(s.PendingAction)
		if !ok {
			t.logger.Warn("pending action no longer registered", "action", s.PendingAction)
			s.ClearPending()
			return nil, false
		}
		contract = c
		s.Merge(t.extract(ctx, contract))
	} else {
		proposal, ok := t.propose(ctx, memBlock)
		if !ok {
			return nil, false
		}
		c, ok := registry.Get(proposal.Action)
		if !ok {
			t.logger.Warn("oracle proposed unknown action", "action", proposal.Action)
			return nil, false
		}
		contract = c
		thought = proposal.Thought
		s.ClearPending()
		s.Merge(contract.Coerce(proposal.Arguments))
	}
	span.SetAttributes(attribute.String("tool.action", contract.Action))

	res := tools.Resolve(contract, s.PartialPayload)
	if !res.Ready {
		if contract.MultiTurn {
			s.PendingAction = contract.Action
			t.token(contract.Question(res.Missing))
			return nil, true
		}
		s.ClearPending()
		return &core.ActionResult{
			Action:        contract.Action,
			Error:         contract.Question(res.Missing),
			MissingFields: res.Missing,
		}, false
	}

	out := e.tools.Execute(ctx, core.ActionRequest{
		Action:    contract.Action,
		Payload:   clonePayload(s.PartialPayload),
		AuthToken: t.in.AuthToken,
		Thought:   thought,
	})
	span.SetAttributes(attribute.Bool("tool.success", out.Success))
	if out.Success || !contract.MultiTurn {
		s.ClearPending()
	} else {
		// Keep what was collected so the user can correct it.
		s.PendingAction = contract.Action
	}
	return &out, false
}

// propose asks the oracle for a tool call on the memory-enriched input.
func (t *turn) propose(ctx context.Context, memBlock string) (oracle.ToolProposal, bool) {
	e := t.engine
	ctx, cancel := e.withOracleTimeout(ctx)
	defer cancel()

	input := t.text
	if memBlock != "" {
		input = "User known preferences / memory:\n" + memBlock + "\n\nUser request:\n" + t.text
	}
	p, err := e.oracle.ProposeTool(ctx, input, e.tools.Registry().Describe())
	if err != nil {
		t.logger.Warn("tool proposal failed", "error", err)
		e.metrics.OracleFallback("tool")
		return oracle.ToolProposal{}, false
	}
	return p, p.Action != ""
}

// extract pulls field values for a pending action out of the message. It
// falls back to key: value parsing, and to treating the whole message as
// the answer when exactly one field is outstanding.
func (t *turn) extract(ctx context.Context, contract *tools.Contract) map[string]any {
	e := t.engine
	ctx, cancel := e.withOracleTimeout(ctx)
	fields, err := e.oracle.ExtractFields(ctx, t.text, contract)
	cancel()
	if err != nil {
		t.logger.Warn("field extraction failed", "action", contract.Action, "error", err)
		e.metrics.OracleFallback("extract")
	}
	fields = contract.Coerce(fields)
	if len(fields) == 0 {
		fields = tools.ParseFields(contract, t.text)
	}
	if len(fields) == 0 {
		missing := tools.Resolve(contract, t.session.PartialPayload).Missing
		if len(missing) == 1 {
			fields = contract.Coerce(map[string]any{missing[0]: t.text})
		}
	}
	return fields
}
