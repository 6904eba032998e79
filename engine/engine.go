// Package engine runs conversation turns: it reads memory and knowledge,
// routes the message, applies memory writes, fills and executes tool
// actions, and streams a safety-checked answer.
package engine

import (
	"context"
	"iter"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/memory"
	"github.com/becomeliminal/nim-assistant/metrics"
	"github.com/becomeliminal/nim-assistant/oracle"
	"github.com/becomeliminal/nim-assistant/safety"
	"github.com/becomeliminal/nim-assistant/tools"
)

var tracer = otel.Tracer("github.com/becomeliminal/nim-assistant/engine")

// Config holds Engine configuration.
type Config struct {
	// OracleTimeout bounds every oracle call. Default: 30s
	OracleTimeout time.Duration

	// MemoryWriteTimeout bounds a memory write. The write runs detached
	// from the turn, so this is its only deadline. Default: 10s
	MemoryWriteTimeout time.Duration

	// MemoryLimit and KnowledgeLimit cap what is read per turn. Default: 5
	MemoryLimit    int
	KnowledgeLimit int

	// MemoryTTL is passed to memory writes; zero uses the store default.
	MemoryTTL time.Duration

	// SummaryTrigger is the history length above which older turns are
	// folded into the rolling summary, keeping the newest KeepLast.
	// Default: 20 and 6. A SummaryTrigger <= 0 disables summarisation.
	SummaryTrigger int
	KeepLast       int
}

// DefaultConfig returns the defaults described on Config.
func DefaultConfig() *Config {
	return &Config{
		OracleTimeout:      30 * time.Second,
		MemoryWriteTimeout: 10 * time.Second,
		MemoryLimit:        5,
		KnowledgeLimit:     5,
		SummaryTrigger:     20,
		KeepLast:           6,
	}
}

// Engine is the conversation orchestrator. It holds no per-session state
// and is safe for concurrent use; turns on the same session must be
// serialised by the caller.
type Engine struct {
	oracle    oracle.Oracle
	memory    *memory.Store
	knowledge *knowledge.Retriever
	tools     *tools.Executor
	guard     *safety.Guard
	metrics   *metrics.Metrics
	config    *Config
}

// Option configures the engine.
type Option func(*Engine)

// WithMemory enables memory reads and writes.
func WithMemory(s *memory.Store) Option {
	return func(e *Engine) {
		e.memory = s
	}
}

// WithKnowledge enables knowledge retrieval.
func WithKnowledge(r *knowledge.Retriever) Option {
	return func(e *Engine) {
		e.knowledge = r
	}
}

// WithTools enables tool execution.
func WithTools(x *tools.Executor) Option {
	return func(e *Engine) {
		e.tools = x
	}
}

// WithGuard replaces the default safety guard.
func WithGuard(g *safety.Guard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

// WithMetrics records turn outcomes and fallbacks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithConfig sets the engine configuration.
func WithConfig(c *Config) Option {
	return func(e *Engine) {
		e.config = c
	}
}

// New creates an engine around an oracle.
func New(o oracle.Oracle, opts ...Option) (*Engine, error) {
	e := &Engine{
		oracle: o,
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.guard == nil {
		g, err := safety.New(safety.DefaultConfig())
		if err != nil {
			return nil, err
		}
		e.guard = g
	}
	return e, nil
}

// Input is one user turn.
type Input struct {
	// Session is read and updated in place; the caller persists it.
	Session *core.Session

	// Message is the new user message.
	Message string

	EnableMemory    bool
	EnableKnowledge bool
	EnableTools     bool

	// AuthToken is forwarded to tool backends.
	AuthToken string

	// Knowledge filters. Empty values do not filter.
	Categories []knowledge.Category
	Industry   string
	Language   string
}

// Run executes one turn and yields its events in order. Breaking out of
// the loop cancels the rest of the turn. An error event, when present, is
// always the last event.
func (e *Engine) Run(ctx context.Context, in *Input) iter.Seq[core.Event] {
	return func(yield func(core.Event) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		t := newTurn(e, in, yield, cancel)
		outcome := t.run(ctx)
		e.metrics.Turn(outcome)
	}
}

// Collect runs a turn and returns all of its events.
func (e *Engine) Collect(ctx context.Context, in *Input) []core.Event {
	var events []core.Event
	for ev := range e.Run(ctx, in) {
		events = append(events, ev)
	}
	return events
}

// withOracleTimeout derives the deadline for one oracle call.
func (e *Engine) withOracleTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.OracleTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.OracleTimeout)
}
