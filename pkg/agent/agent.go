// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the objective loop: it asks a decision provider
// for the next tool call, routes the call through the supervisor and the
// recovery engine, and stops on completion, on error or when the iteration
// budget runs out.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/bastion/pkg/core"
	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/governance"
	"github.com/jllopis/bastion/pkg/ledger"
	"github.com/jllopis/bastion/pkg/recovery"
	"github.com/jllopis/bastion/pkg/supervisor"
	"github.com/jllopis/bastion/pkg/telemetry"
	"github.com/jllopis/bastion/pkg/tools"
)

const (
	// DefaultMaxIterations bounds an objective run when none is configured.
	DefaultMaxIterations = 10
	// DefaultConcurrency bounds RunAll when none is configured.
	DefaultConcurrency = 2
)

// Outcome is the result of one objective run.
type Outcome struct {
	Success      bool                 `json:"success"`
	Objective    string               `json:"objective"`
	RunID        string               `json:"run_id"`
	Status       core.ObjectiveStatus `json:"status"`
	Iterations   int                  `json:"iterations"`
	FinalMessage string               `json:"final_message,omitempty"`
	Error        string               `json:"error,omitempty"`
	TotalTime    time.Duration        `json:"total_time"`
	Actions      []ledger.Entry       `json:"actions"`
}

// Status is a snapshot of the loop configuration and progress.
type Status struct {
	Tools           []string `json:"tools"`
	RegisteredTools int      `json:"registered_tools"`
	Iteration       int      `json:"current_iteration"`
	MaxIterations   int      `json:"max_iterations"`
	MaxRetries      int      `json:"max_retries"`
	SecurityEnabled bool     `json:"security_enabled"`
	LedgerSize      int      `json:"ledger_size"`
	Running         int      `json:"running"`
}

// Loop drives objective runs.
type Loop struct {
	decider       core.DecisionProvider
	supervisor    *supervisor.Supervisor
	recovery      *recovery.Engine
	filter        *governance.ToolFilter
	ledger        *ledger.Ledger
	events        core.EventEmitter
	maxIterations int
	concurrency   int
	tracer        trace.Tracer
	logger        *slog.Logger

	mu        sync.Mutex
	iteration int
	running   int
	// last is the ledger of the most recently started run.
	last *ledger.Ledger
}

// Option configures a Loop.
type Option func(*Loop)

// WithRecovery enables self-healing retries of recoverable failures.
func WithRecovery(e *recovery.Engine) Option {
	return func(l *Loop) {
		l.recovery = e
	}
}

// WithToolFilter hides tools from the decision provider. A hidden tool is
// treated like an unknown one if the provider asks for it anyway.
func WithToolFilter(f *governance.ToolFilter) Option {
	return func(l *Loop) {
		l.filter = f
	}
}

// WithLedger sets the ledger whose sink and logger every run ledger shares.
// Defaults to the supervisor's.
func WithLedger(led *ledger.Ledger) Option {
	return func(l *Loop) {
		l.ledger = led
	}
}

// WithEventEmitter receives semantic run events.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(l *Loop) {
		if e != nil {
			l.events = e
		}
	}
}

// WithMaxIterations sets the iteration budget per objective.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithConcurrency sets how many objectives RunAll executes at once.
func WithConcurrency(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithTracer overrides the tracer. Defaults to otel.Tracer("bastion/agent").
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) {
		l.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a loop. The decision provider and supervisor are required.
func New(decider core.DecisionProvider, sup *supervisor.Supervisor, opts ...Option) (*Loop, error) {
	if decider == nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "decision provider is required", nil)
	}
	if sup == nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "supervisor is required", nil)
	}
	l := &Loop{
		decider:       decider,
		supervisor:    sup,
		events:        core.NoopEventEmitter{},
		maxIterations: DefaultMaxIterations,
		concurrency:   DefaultConcurrency,
		tracer:        otel.Tracer("bastion/agent"),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ledger == nil {
		l.ledger = sup.Ledger()
	}
	return l, nil
}

// Ledger returns the ledger of the most recently started run, or the
// configured ledger before any run.
func (l *Loop) Ledger() *ledger.Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last != nil {
		return l.last
	}
	return l.ledger
}

// Execute runs objective to completion in a fresh ledger sharing the
// configured ledger's sink, so concurrent calls never see each other's
// entries.
func (l *Loop) Execute(ctx context.Context, objective string) Outcome {
	return l.execute(ctx, objective, l.runLedger())
}

func (l *Loop) runLedger() *ledger.Ledger {
	opts := []ledger.Option{ledger.WithLogger(l.logger)}
	if sink := l.ledger.Sink(); sink != nil {
		opts = append(opts, ledger.WithSink(sink))
	}
	return ledger.New(opts...)
}

// RunAll executes objectives concurrently, at most WithConcurrency at a
// time. Each run gets its own ledger sharing the loop ledger's sink.
// Outcomes are returned in input order.
func (l *Loop) RunAll(ctx context.Context, objectives []string) []Outcome {
	outcomes := make([]Outcome, len(objectives))
	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for i, objective := range objectives {
		g.Go(func() error {
			outcomes[i] = l.execute(ctx, objective, l.runLedger())
			return nil
		})
	}
	// Runs report failures in their outcomes; the group never errors.
	_ = g.Wait()
	return outcomes
}

// Status returns the current loop status.
func (l *Loop) Status() Status {
	reg := l.supervisor.Registry()
	led := l.Ledger()
	l.mu.Lock()
	iteration, running := l.iteration, l.running
	l.mu.Unlock()
	maxRetries := 0
	if l.recovery != nil {
		maxRetries = l.recovery.MaxRetries()
	}
	return Status{
		Tools:           reg.Names(),
		RegisteredTools: reg.Len(),
		Iteration:       iteration,
		MaxIterations:   l.maxIterations,
		MaxRetries:      maxRetries,
		SecurityEnabled: l.supervisor.SecurityEnabled(),
		LedgerSize:      led.Len(),
		Running:         running,
	}
}

func (l *Loop) execute(ctx context.Context, objective string, led *ledger.Ledger) Outcome {
	start := time.Now()
	ctx, runID := core.EnsureRunID(ctx)
	led.Begin(runID)
	ctx = ledger.NewContext(ctx, led)
	l.mu.Lock()
	l.last = led
	l.mu.Unlock()

	ctx, span := l.tracer.Start(ctx, "Loop.Execute", trace.WithAttributes(
		telemetry.RunAttributes(runID, objective, l.maxIterations)...,
	))
	defer span.End()

	l.track(1)
	defer l.track(-1)

	obj := core.NewObjective(runID, objective)
	obj.Start()
	l.logger.InfoContext(ctx, "objective.run.start",
		slog.String("run_id", runID),
		slog.String("objective", objective),
		slog.Int("max_iterations", l.maxIterations),
		slog.Bool("security_enabled", l.supervisor.SecurityEnabled()),
	)
	l.events.Emit(ctx, core.NewEvent(ctx, core.EventObjectiveStarted, map[string]any{"objective": objective}))

	out := Outcome{Objective: objective, RunID: runID}
	finish := func(status core.ObjectiveStatus, message, errMsg string) Outcome {
		obj.Finish(status, errMsg)
		out.Status = status
		out.Success = status == core.ObjectiveCompleted
		out.FinalMessage = message
		out.Error = errMsg
		out.TotalTime = time.Since(start)
		out.Actions = led.All()
		span.SetAttributes(attribute.Int(telemetry.AttrIteration, out.Iterations))
		if out.Success {
			span.SetStatus(codes.Ok, "")
			l.logger.InfoContext(ctx, "objective.run.complete",
				slog.String("run_id", runID),
				slog.Int("iterations", out.Iterations),
				slog.Duration("total_time", out.TotalTime),
			)
			l.events.Emit(ctx, core.NewEvent(ctx, core.EventObjectiveCompleted, map[string]any{"message": message}))
		} else {
			span.SetStatus(codes.Error, errMsg)
			l.logger.WarnContext(ctx, "objective.run.failed",
				slog.String("run_id", runID),
				slog.String("status", string(status)),
				slog.Int("iterations", out.Iterations),
				slog.String("error", errMsg),
			)
			l.events.Emit(ctx, core.NewEvent(ctx, core.EventObjectiveFailed, map[string]any{
				"status": string(status),
				"error":  errMsg,
			}))
		}
		return out
	}

	descriptors, visible := l.visibleTools(ctx)
	var history []core.Step

	for i := 1; i <= l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return finish(core.ObjectiveCancelled, "", "objective cancelled: "+err.Error())
		}
		out.Iterations = i
		l.setIteration(i)
		ictx := core.WithIteration(ctx, i)

		decision, err := l.decider.Decide(ictx, core.DecisionRequest{
			Objective:     objective,
			Iteration:     i,
			MaxIterations: l.maxIterations,
			History:       history,
			Tools:         descriptors,
		})
		if err != nil {
			_, _ = led.Append(ictx, ledger.Entry{
				Iteration: i,
				Kind:      ledger.KindError,
				Details: map[string]any{
					"stage":      "decision",
					"error":      err.Error(),
					"error_code": string(berrors.CodeOf(err)),
				},
			})
			return finish(core.ObjectiveFailed, "", err.Error())
		}
		l.events.Emit(ictx, core.NewEvent(ictx, core.EventDecision, map[string]any{
			"done":      decision.Done,
			"tool":      decision.Tool,
			"reasoning": decision.Reasoning,
		}))
		if decision.Done {
			return finish(core.ObjectiveCompleted, decision.Message, "")
		}

		if _, ok := visible[decision.Tool]; !ok {
			l.logger.WarnContext(ictx, "objective.tool.unknown",
				slog.String("run_id", runID),
				slog.Int("iteration", i),
				slog.String("tool", decision.Tool),
			)
			_, _ = led.Append(ictx, ledger.Entry{
				Iteration: i,
				Kind:      ledger.KindError,
				Tool:      decision.Tool,
				Details:   map[string]any{"stage": "decision", "error": "not_found"},
			})
			history = append(history, core.Step{Iteration: i, Tool: decision.Tool, Args: decision.Args, Error: "unknown tool"})
			continue
		}

		inv := tools.NewInvocation(decision.Tool, decision.Args, i)
		res := l.supervisor.Run(ictx, inv)
		if !res.Success && l.recovery != nil && berrors.IsRecoverable(res.Err) {
			l.events.Emit(ictx, core.NewEvent(ictx, core.EventRecovery, map[string]any{
				"tool":  inv.Tool,
				"error": res.ErrorMessage(),
			}))
			res = l.recovery.Recover(ictx, inv, res)
		}
		l.events.Emit(ictx, core.NewEvent(ictx, core.EventToolExecuted, map[string]any{
			"tool":    inv.Tool,
			"success": res.Success,
		}))
		history = append(history, core.Step{
			Iteration: i,
			Tool:      inv.Tool,
			Args:      inv.Args,
			Success:   res.Success,
			Output:    res.Output,
			Error:     res.ErrorMessage(),
		})
	}

	return finish(core.ObjectiveFailed, "", "max iterations reached")
}

// visibleTools returns the descriptors shown to the decision provider and
// the set of names it may call.
func (l *Loop) visibleTools(ctx context.Context) ([]tools.Descriptor, map[string]struct{}) {
	reg := l.supervisor.Registry()
	names := reg.Names()
	if l.filter != nil {
		names = l.filter.Filter(ctx, names)
	}
	visible := make(map[string]struct{}, len(names))
	for _, n := range names {
		visible[n] = struct{}{}
	}
	return reg.Describe(names), visible
}

func (l *Loop) setIteration(i int) {
	l.mu.Lock()
	l.iteration = i
	l.mu.Unlock()
}

func (l *Loop) track(delta int) {
	l.mu.Lock()
	l.running += delta
	l.mu.Unlock()
}
