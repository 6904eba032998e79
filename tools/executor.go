package tools

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/logging"
)

// Outcome labels an execution for observers.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeMissingFields Outcome = "missing_fields"
	OutcomeUnknown       Outcome = "unknown_action"
	OutcomeNoBackend     Outcome = "no_backend"
	OutcomeFailed        Outcome = "failed"
)

// Executor validates action requests against their contracts and
// dispatches complete ones to the tool's backend.
type Executor struct {
	registry *Registry
	backends map[string]Backend
	timeout  time.Duration
	observe  func(action string, outcome Outcome, elapsed time.Duration)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackend routes a tool's actions to b.
func WithBackend(tool string, b Backend) ExecutorOption {
	return func(e *Executor) {
		e.backends[tool] = b
	}
}

// WithTimeout bounds each backend call. Default: 10s.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithObserver is called after every Execute.
func WithObserver(fn func(action string, outcome Outcome, elapsed time.Duration)) ExecutorOption {
	return func(e *Executor) {
		e.observe = fn
	}
}

// NewExecutor creates an executor over registry. The calculator tool is
// always available in-process.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		backends: map[string]Backend{"calculator": Calculator},
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the contract registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs req. It never returns an error: unknown actions, missing
// fields and backend failures are reported in the result. Missing fields
// stop the request before the backend is called.
func (e *Executor) Execute(ctx context.Context, req core.ActionRequest) core.ActionResult {
	start := time.Now()
	result, outcome := e.execute(ctx, req)
	if e.observe != nil {
		e.observe(req.Action, outcome, time.Since(start))
	}
	return result
}

func (e *Executor) execute(ctx context.Context, req core.ActionRequest) (core.ActionResult, Outcome) {
	logger := logging.Component(ctx, "tools").With("action", req.Action)
	result := core.ActionResult{Action: req.Action}

	c, ok := e.registry.Get(req.Action)
	if !ok {
		result.Error = ErrUnknownAction.Error() + ": " + req.Action
		return result, OutcomeUnknown
	}

	payload := c.Coerce(req.Payload)
	if res := Resolve(c, payload); !res.Ready {
		result.MissingFields = res.Missing
		result.Error = c.Question(res.Missing)
		return result, OutcomeMissingFields
	}

	backend, ok := e.backends[c.Tool()]
	if !ok {
		result.Error = "no backend is configured for " + c.Tool()
		return result, OutcomeNoBackend
	}

	if req.Thought != "" {
		logger.Debug("executing tool", "thought", req.Thought)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := e.invoke(ctx, backend, core.ActionRequest{
		Action:    req.Action,
		Payload:   payload,
		AuthToken: req.AuthToken,
	})
	if err != nil {
		logger.Warn("tool execution failed", "error", err)
		result.Error = c.Tool() + " failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			result.Error = "the " + c.Tool() + " service timed out"
		}
		return result, OutcomeFailed
	}

	result.Success = true
	result.Data = data
	return result, OutcomeSuccess
}

// invoke shields Execute from panicking backends.
func (e *Executor) invoke(ctx context.Context, b Backend, req core.ActionRequest) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = goerr.New("tool backend panicked", goerr.V("panic", r))
		}
	}()
	return b.Invoke(ctx, req)
}
