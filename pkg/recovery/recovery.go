// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package recovery retries failed tool invocations with corrected arguments.
//
// Recovery is a bounded iterative loop. Each attempt recalls similar past
// outcomes, applies the first matching fix from the catalog and runs the
// corrected invocation through the full supervisor pipeline again, so a
// correction is re-validated like any other call. A fault either resolves
// within MaxRetries attempts or is reported as RECOVERY_EXHAUSTED with every
// error seen along the way.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/ledger"
	"github.com/jllopis/bastion/pkg/memory"
	"github.com/jllopis/bastion/pkg/resilience"
	"github.com/jllopis/bastion/pkg/telemetry"
	"github.com/jllopis/bastion/pkg/tools"
)

// DefaultMaxRetries is the retry bound when none is configured.
const DefaultMaxRetries = 3

// recallLimit is how many similar outcomes are fetched per attempt.
const recallLimit = 2

// Outcomes reported to metrics and result metadata.
const (
	OutcomeRecovered = "recovered"
	OutcomeExhausted = "exhausted"
	OutcomeAborted   = "aborted"
	OutcomeCancelled = "cancelled"
)

// Executor runs one invocation. *supervisor.Supervisor satisfies it.
type Executor interface {
	Run(ctx context.Context, inv tools.Invocation) tools.Result
}

// Memory is the recall and learning collaborator. *memory.Semantic
// satisfies it.
type Memory interface {
	SimilarSuccesses(ctx context.Context, action string, limit int) ([]memory.Entry, error)
	SimilarErrors(ctx context.Context, action string, limit int) ([]memory.Entry, error)
	LearnFromSuccess(ctx context.Context, action, result, tool string, extra map[string]any) error
	LearnFromError(ctx context.Context, action, errMsg, tool string, attemptedFixes []string) error
}

type securityReporter interface {
	SecurityEnabled() bool
}

// Engine is the recovery engine.
type Engine struct {
	exec       Executor
	memory     Memory
	maxRetries int
	backoff    resilience.Backoff
	fixes      []Fix
	ledger     *ledger.Ledger
	metrics    *telemetry.SecurityMetrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries sets the retry bound. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = max(n, 0)
	}
}

// WithMemory attaches the recall collaborator.
func WithMemory(m Memory) Option {
	return func(e *Engine) {
		e.memory = m
	}
}

// WithBackoff sets the delay between attempts. The zero Backoff never waits.
func WithBackoff(b resilience.Backoff) Option {
	return func(e *Engine) {
		e.backoff = b
	}
}

// WithFixes appends fixes after the default catalog.
func WithFixes(fixes ...Fix) Option {
	return func(e *Engine) {
		e.fixes = append(e.fixes, fixes...)
	}
}

// WithLedger sets the fallback ledger used when the context carries none.
func WithLedger(l *ledger.Ledger) Option {
	return func(e *Engine) {
		e.ledger = l
	}
}

// WithMetrics enables recovery metrics.
func WithMetrics(m *telemetry.SecurityMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine that re-runs invocations through exec.
func New(exec Executor, opts ...Option) (*Engine, error) {
	if exec == nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "recovery executor is required", nil)
	}
	e := &Engine{
		exec:       exec,
		maxRetries: DefaultMaxRetries,
		fixes:      DefaultFixes(),
		tracer:     otel.Tracer("bastion/recovery"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// MaxRetries returns the retry bound.
func (e *Engine) MaxRetries() int { return e.maxRetries }

// Recover retries inv after it produced failed. Successful or
// non-recoverable results are returned unchanged. The returned result's
// metadata carries "attempts" (original call included) and "outcome".
func (e *Engine) Recover(ctx context.Context, inv tools.Invocation, failed tools.Result) tools.Result {
	if failed.Success || !berrors.IsRecoverable(failed.Err) {
		return failed
	}
	ctx, span := e.tracer.Start(ctx, "Recovery.Recover", trace.WithAttributes(
		attribute.String(telemetry.AttrToolName, inv.Tool),
		attribute.Int(telemetry.AttrIteration, inv.Iteration),
		attribute.Int(telemetry.AttrRecoveryMaxRetries, e.maxRetries),
	))
	defer span.End()

	last := failed
	chain := []string{failed.ErrorMessage()}
	args := inv.Args
	var applied []string

	for attempt := 1; ; attempt++ {
		if attempt > e.maxRetries {
			res := e.exhausted(ctx, inv, last, chain)
			span.SetStatus(codes.Error, res.ErrorMessage())
			return res
		}
		if err := e.backoff.Wait(ctx, attempt); err != nil {
			e.logger.WarnContext(ctx, "recovery.cancelled",
				slog.String("tool", inv.Tool),
				slog.Int("attempt", attempt),
			)
			e.metrics.RecordRecoveryOutcome(ctx, inv.Tool, OutcomeCancelled)
			span.SetStatus(codes.Error, "cancelled")
			return finish(last, attempt, OutcomeCancelled)
		}

		action := Action(inv.Tool, args)
		successes, failures := e.recall(ctx, action)
		corrected, fix, changed := correct(e.fixes, last.ErrorMessage(), args)
		if changed {
			applied = append(applied, fix)
		}
		e.logger.InfoContext(ctx, "recovery.attempt",
			slog.String("tool", inv.Tool),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", e.maxRetries),
			slog.String("fix", fix),
			slog.Bool("changed", changed),
			slog.Int("similar_successes", len(successes)),
			slog.Int("similar_errors", len(failures)),
		)
		e.metrics.RecordRecoveryAttempt(ctx, inv.Tool, attempt)

		res := e.exec.Run(ctx, inv.Retry(attempt, corrected))
		e.recordRetry(ctx, inv, attempt, fix, corrected, res, len(successes), len(failures))
		correctedAction := Action(inv.Tool, corrected)

		if res.Success {
			e.learnSuccess(ctx, correctedAction, inv.Tool, res.Output, chain[0], attempt)
			e.metrics.RecordRecoveryOutcome(ctx, inv.Tool, OutcomeRecovered)
			e.logger.InfoContext(ctx, "recovery.recovered",
				slog.String("tool", inv.Tool),
				slog.Int("attempt", attempt),
			)
			span.SetStatus(codes.Ok, "")
			return finish(res, attempt+1, OutcomeRecovered).WithMeta("recovered", true)
		}

		chain = append(chain, res.ErrorMessage())
		e.learnError(ctx, correctedAction, inv.Tool, res.ErrorMessage(), append([]string{chain[0]}, applied...))
		last = res
		args = corrected

		if !berrors.IsRecoverable(res.Err) {
			e.metrics.RecordRecoveryOutcome(ctx, inv.Tool, OutcomeAborted)
			e.logger.WarnContext(ctx, "recovery.aborted",
				slog.String("tool", inv.Tool),
				slog.Int("attempt", attempt),
				slog.String("error_code", string(berrors.CodeOf(res.Err))),
			)
			span.SetStatus(codes.Error, res.ErrorMessage())
			return finish(res, attempt+1, OutcomeAborted)
		}
	}
}

func (e *Engine) exhausted(ctx context.Context, inv tools.Invocation, last tools.Result, chain []string) tools.Result {
	attempts := e.maxRetries + 1
	err := berrors.New(berrors.CodeRecoveryExhausted,
		fmt.Sprintf("recovery exhausted after %d retries", e.maxRetries), last.Err).
		WithContext("tool", inv.Tool).
		WithContext("attempts", attempts).
		WithContext("errors", chain)
	e.metrics.RecordRecoveryOutcome(ctx, inv.Tool, OutcomeExhausted)
	e.logger.ErrorContext(ctx, "recovery.exhausted",
		slog.String("tool", inv.Tool),
		slog.Int("attempts", attempts),
		slog.String("error", last.ErrorMessage()),
	)
	if led := e.ledgerFor(ctx); led != nil {
		_, _ = led.Append(ctx, ledger.Entry{
			Iteration:         inv.Iteration,
			Kind:              ledger.KindError,
			Tool:              inv.Tool,
			SecurityValidated: e.securityValidated(),
			Details: map[string]any{
				"error_code": string(berrors.CodeRecoveryExhausted),
				"attempts":   attempts,
				"errors":     chain,
			},
		})
	}
	return finish(tools.Result{
		Success:  false,
		Output:   last.Output,
		Err:      err,
		Duration: last.Duration,
		Metadata: last.Metadata,
	}, attempts, OutcomeExhausted)
}

func finish(res tools.Result, attempts int, outcome string) tools.Result {
	return res.WithMeta("attempts", attempts).WithMeta("outcome", outcome)
}

// Action is the recall signature of a call: the tool name followed by a
// short form of its arguments.
func Action(tool string, args tools.Args) string {
	if len(args) == 0 {
		return tool
	}
	return fmt.Sprintf("%s(%s)", tool, args.Summary(40))
}

func (e *Engine) recall(ctx context.Context, action string) ([]memory.Entry, []memory.Entry) {
	if e.memory == nil {
		return nil, nil
	}
	successes, err := e.memory.SimilarSuccesses(ctx, action, recallLimit)
	if err != nil {
		e.logger.WarnContext(ctx, "recovery.recall_failed", slog.String("type", "success"), slog.String("error", err.Error()))
	}
	failures, err := e.memory.SimilarErrors(ctx, action, recallLimit)
	if err != nil {
		e.logger.WarnContext(ctx, "recovery.recall_failed", slog.String("type", "error"), slog.String("error", err.Error()))
	}
	return successes, failures
}

func (e *Engine) learnSuccess(ctx context.Context, action, tool, output, originalErr string, attempt int) {
	if e.memory == nil {
		return
	}
	extra := map[string]any{"original_error": originalErr, "attempt": attempt}
	if err := e.memory.LearnFromSuccess(ctx, action, output, tool, extra); err != nil {
		e.logger.WarnContext(ctx, "recovery.learn_failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) learnError(ctx context.Context, action, tool, errMsg string, fixes []string) {
	if e.memory == nil {
		return
	}
	if err := e.memory.LearnFromError(ctx, action, errMsg, tool, fixes); err != nil {
		e.logger.WarnContext(ctx, "recovery.learn_failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) ledgerFor(ctx context.Context) *ledger.Ledger {
	if l, ok := ledger.FromContext(ctx); ok {
		return l
	}
	return e.ledger
}

func (e *Engine) securityValidated() bool {
	if r, ok := e.exec.(securityReporter); ok {
		return r.SecurityEnabled()
	}
	return true
}

func (e *Engine) recordRetry(ctx context.Context, inv tools.Invocation, attempt int, fix string, args tools.Args, res tools.Result, successes, failures int) {
	led := e.ledgerFor(ctx)
	if led == nil {
		return
	}
	details := map[string]any{
		"attempt":           attempt,
		"args":              args.Summary(0),
		"similar_successes": successes,
		"similar_errors":    failures,
	}
	if fix != "" {
		details["fix"] = fix
	}
	if res.Err != nil {
		details["error"] = res.ErrorMessage()
	}
	_, _ = led.Append(ctx, ledger.Entry{
		Iteration:         inv.Iteration,
		Kind:              ledger.KindRetry,
		Tool:              inv.Tool,
		Success:           res.Success,
		SecurityValidated: e.securityValidated(),
		Details:           details,
	})
}
