package engine

import (
	"context"
	"log/slog"
	"maps"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/logging"
	"github.com/becomeliminal/nim-assistant/memory"
	"github.com/becomeliminal/nim-assistant/oracle"
	"github.com/becomeliminal/nim-assistant/safety"
)

// Turn outcomes, used as the metrics label.
const (
	OutcomeAnswered  = "answered"
	OutcomeEmpty     = "empty"
	OutcomeRefused   = "refused"
	OutcomeAsked     = "asked"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// CancelledMessage acknowledges an abandoned multi-turn action.
const CancelledMessage = "Okay, I've cancelled that."

var abandon = regexp.MustCompile(`^\s*(cancel|never\s*mind|nevermind|stop|abort|forget it)\b`)

type turn struct {
	engine  *Engine
	in      *Input
	session *core.Session
	yield   func(core.Event) bool
	cancel  context.CancelFunc
	logger  *slog.Logger

	text    string
	tokens  int
	reply   strings.Builder
	stopped bool
}

func newTurn(e *Engine, in *Input, yield func(core.Event) bool, cancel context.CancelFunc) *turn {
	s := in.Session
	if s == nil {
		s = core.NewSession("")
		in.Session = s
	}
	return &turn{
		engine:  e,
		in:      in,
		session: s,
		yield:   yield,
		cancel:  cancel,
		text:    strings.TrimSpace(in.Message),
	}
}

// emit forwards an event unless the consumer has stopped.
func (t *turn) emit(ev core.Event) bool {
	if t.stopped {
		return false
	}
	if !t.yield(ev) {
		t.stopped = true
		t.cancel()
		return false
	}
	return true
}

func (t *turn) token(s string) bool {
	if s == "" {
		return true
	}
	if !t.emit(core.TokenEvent(s)) {
		return false
	}
	t.tokens++
	t.reply.WriteString(s)
	return true
}

func (t *turn) run(ctx context.Context) string {
	ctx, span := tracer.Start(ctx, "engine.turn", trace.WithAttributes(
		attribute.String("session.id", t.session.ID),
		attribute.String("owner.id", t.session.OwnerID),
	))
	defer span.End()

	ctx = logging.With(ctx, logging.From(ctx).With("session", t.session.ID))
	t.logger = logging.Component(ctx, "engine")

	if t.text == "" {
		t.token(safety.FallbackMessage)
		return OutcomeEmpty
	}

	memBlock, knowBlock, err := t.read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		t.logger.Error("context read failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "context read failed")
		t.emit(core.ErrorEvent(safety.ErrorMessage))
		return OutcomeError
	}

	if v := t.engine.guard.CheckInput(t.text); !v.Allowed {
		t.logger.Warn("input rejected", "reason", v.Reason)
		span.SetAttributes(attribute.String("safety.input", v.Reason))
		t.token(v.Message)
		t.finish(ctx)
		return OutcomeRefused
	}

	route := t.route(ctx, memBlock, knowBlock)
	span.SetAttributes(
		attribute.Bool("route.use_memory", route.UseMemory),
		attribute.Bool("route.use_tool", route.UseTool),
		attribute.String("route.intent", route.Intent),
	)

	skipTools := false
	if t.in.EnableMemory && t.engine.memory != nil && route.UseMemory && route.Intent == oracle.IntentWrite {
		action := t.writeMemory(ctx)
		// A memory correction is not a tool request.
		skipTools = action == "update" || action == "delete"
	}
	if t.stopped {
		return OutcomeCancelled
	}

	var toolResult *core.ActionResult
	if t.in.EnableTools && t.engine.tools != nil && !skipTools && (route.UseTool || t.session.HasPending()) {
		result, asked := t.runTool(ctx, memBlock)
		if t.stopped {
			return OutcomeCancelled
		}
		if asked {
			t.finish(ctx)
			return OutcomeAsked
		}
		toolResult = result
	}

	t.reason(ctx, memBlock, knowBlock, toolResult)
	if t.stopped {
		return OutcomeCancelled
	}
	if t.tokens == 0 {
		t.token(safety.FallbackMessage)
	}
	t.finish(ctx)
	return OutcomeAnswered
}

// read fetches memory and knowledge concurrently. Either failing fails the
// turn.
func (t *turn) read(ctx context.Context) (string, string, error) {
	ctx, span := tracer.Start(ctx, "engine.read")
	defer span.End()

	e := t.engine
	var (
		records []memory.ScoredRecord
		results []knowledge.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	if t.in.EnableMemory && e.memory != nil {
		g.Go(func() error {
			r, err := e.memory.Read(gctx, t.session.OwnerID, t.text, e.config.MemoryLimit)
			records = r
			return err
		})
	}
	if t.in.EnableKnowledge && e.knowledge != nil {
		g.Go(func() error {
			r, err := e.knowledge.Retrieve(gctx, knowledge.Query{
				Text:       t.text,
				Limit:      e.config.KnowledgeLimit,
				Categories: t.in.Categories,
				Industry:   t.in.Industry,
				Language:   t.in.Language,
			})
			results = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return "", "", err
	}

	span.SetAttributes(
		attribute.Int("memory.records", len(records)),
		attribute.Int("knowledge.results", len(results)),
	)
	return memory.FormatRecords(records, t.text), knowledge.FormatResults(results), nil
}

func (t *turn) route(ctx context.Context, memBlock, knowBlock string) oracle.Route {
	ctx, span := tracer.Start(ctx, "engine.route")
	defer span.End()

	ctx, cancel := t.engine.withOracleTimeout(ctx)
	defer cancel()

	route, err := t.engine.oracle.Route(ctx, oracle.RouteRequest{
		Input:     t.text,
		Context:   t.session.RollingSummary,
		Memory:    memBlock,
		Knowledge: knowBlock,
	})
	if err != nil {
		t.logger.Warn("routing failed, using default route", "error", err)
		t.engine.metrics.OracleFallback("route")
		span.RecordError(err)
		return oracle.DefaultRoute()
	}
	return route
}

// writeMemory asks for and applies a memory mutation, returning the
// applied action or "".
func (t *turn) writeMemory(ctx context.Context) string {
	ctx, span := tracer.Start(ctx, "engine.memory_write")
	defer span.End()

	e := t.engine
	octx, cancel := e.withOracleTimeout(ctx)
	decision, err := e.oracle.MemoryAction(octx, t.text)
	cancel()
	if err != nil {
		t.logger.Warn("memory action failed", "error", err)
		e.metrics.OracleFallback("memory")
		span.RecordError(err)
		return ""
	}

	switch decision.Action {
	case "save", "update", "delete":
	default:
		t.logger.Debug("no memory action", "action", decision.Action)
		return ""
	}

	// A committed write must survive the caller going away.
	wctx := context.WithoutCancel(ctx)
	if e.config.MemoryWriteTimeout > 0 {
		var wcancel context.CancelFunc
		wctx, wcancel = context.WithTimeout(wctx, e.config.MemoryWriteTimeout)
		defer wcancel()
	}
	res, err := e.memory.Apply(wctx, t.session.OwnerID, memory.Action{
		Action:     decision.Action,
		Key:        decision.Key,
		Value:      decision.Value,
		Confidence: decision.Confidence,
		TTL:        e.config.MemoryTTL,
	})
	if err != nil {
		t.logger.Warn("memory write failed", "action", decision.Action, "error", err)
		span.RecordError(err)
		return ""
	}
	if !res.Applied {
		return ""
	}

	e.metrics.MemoryMutation(res.Action)
	span.SetAttributes(attribute.String("memory.action", res.Action))
	t.emit(core.MemoryEvent(core.MemoryEventPayload{
		Action:     res.Action,
		Key:        decision.Key,
		Value:      decision.Value,
		Confidence: decision.Confidence,
	}))
	return res.Action
}

func (t *turn) reason(ctx context.Context, memBlock, knowBlock string, toolResult *core.ActionResult) {
	ctx, span := tracer.Start(ctx, "engine.reason")
	defer span.End()

	e := t.engine
	ctx, cancel := e.withOracleTimeout(ctx)
	defer cancel()

	history := append(append([]core.Message(nil), t.session.TurnHistory...), core.UserMessage(t.text))
	var fragments []string
	err := e.oracle.Reason(ctx, oracle.ReasonRequest{
		Summary:    t.session.RollingSummary,
		History:    history,
		Memory:     memBlock,
		Knowledge:  knowBlock,
		ToolResult: toolResult,
	}, func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	if t.stopped {
		return
	}
	if err != nil {
		t.logger.Error("reasoning failed", "error", err)
		e.metrics.OracleFallback("reason")
		span.RecordError(err)
		t.token(safety.ErrorMessage)
		return
	}

	// Nothing reaches the consumer before the whole answer passes.
	if v := e.guard.CheckOutput(strings.Join(fragments, "")); !v.Allowed {
		t.logger.Warn("output rejected", "reason", v.Reason)
		span.SetAttributes(attribute.String("safety.output", v.Reason))
		t.token(v.Message)
		return
	}
	for _, f := range fragments {
		if !t.token(f) {
			return
		}
	}
}

// finish records the exchange and compacts history.
func (t *turn) finish(ctx context.Context) {
	if t.stopped {
		return
	}
	t.session.Append(core.UserMessage(t.text), core.AssistantMessage(t.reply.String()))
	t.summarize(ctx)
}

func (t *turn) summarize(ctx context.Context) {
	cfg := t.engine.config
	history := t.session.TurnHistory
	if cfg.SummaryTrigger <= 0 || len(history) <= cfg.SummaryTrigger {
		return
	}
	keep := max(cfg.KeepLast, 0)
	if keep >= len(history) {
		return
	}

	ctx, span := tracer.Start(ctx, "engine.summarize")
	defer span.End()

	ctx, cancel := t.engine.withOracleTimeout(ctx)
	defer cancel()

	older := history[:len(history)-keep]
	summary, err := t.engine.oracle.Summarize(ctx, t.session.RollingSummary, older)
	if err != nil {
		t.logger.Warn("summarisation failed, keeping history", "error", err)
		t.engine.metrics.OracleFallback("summarize")
		span.RecordError(err)
		return
	}
	t.session.RollingSummary = summary
	t.session.TurnHistory = append([]core.Message(nil), history[len(history)-keep:]...)
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	maps.Copy(out, p)
	return out
}
