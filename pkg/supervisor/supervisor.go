// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs tool invocations through the policy, analysis and
// approval checks before executing them.
//
// The check sequence is owned here rather than by the tools: a tool never
// runs unless every applicable check passed, and every attempt, allowed or
// not, leaves an execution entry in the ledger.
package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/bastion/pkg/analyzer"
	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/governance"
	"github.com/jllopis/bastion/pkg/ledger"
	"github.com/jllopis/bastion/pkg/telemetry"
	"github.com/jllopis/bastion/pkg/tools"
)

// maxDetail bounds output and argument text copied into ledger details.
const maxDetail = 512

// Supervisor executes tools from a registry under policy control.
type Supervisor struct {
	registry  *tools.Registry
	gate      *governance.Gate
	approvals *governance.ApprovalGate
	analyzer  *analyzer.Analyzer
	ledger    *ledger.Ledger
	metrics   *telemetry.SecurityMetrics
	tracer    trace.Tracer
	logger    *slog.Logger
	security  bool
	warnOnce  sync.Once
	now       func() time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGate sets the command and path policy gate.
func WithGate(g *governance.Gate) Option {
	return func(s *Supervisor) {
		s.gate = g
	}
}

// WithApprovals sets the approval gate for critical actions.
func WithApprovals(a *governance.ApprovalGate) Option {
	return func(s *Supervisor) {
		s.approvals = a
	}
}

// WithAnalyzer sets the static analyzer for script tools.
func WithAnalyzer(a *analyzer.Analyzer) Option {
	return func(s *Supervisor) {
		s.analyzer = a
	}
}

// WithLedger sets the fallback ledger used when the context carries none.
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Supervisor) {
		s.ledger = l
	}
}

// WithMetrics enables security metrics.
func WithMetrics(m *telemetry.SecurityMetrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithTracer overrides the tracer. Defaults to otel.Tracer("bastion/supervisor").
func WithTracer(t trace.Tracer) Option {
	return func(s *Supervisor) {
		s.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSecurity toggles command and path checks. Script analysis and
// approval run either way.
func WithSecurity(enabled bool) Option {
	return func(s *Supervisor) {
		s.security = enabled
	}
}

// New creates a supervisor over registry. Missing collaborators get
// default-deny instances: an empty gate, an approval gate without a channel
// and an analyzer that checks literal paths against the gate.
func New(registry *tools.Registry, opts ...Option) (*Supervisor, error) {
	if registry == nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "tool registry is required", nil)
	}
	s := &Supervisor{
		registry: registry,
		logger:   slog.Default(),
		security: true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		g, err := governance.NewGate()
		if err != nil {
			return nil, err
		}
		s.gate = g
	}
	if s.approvals == nil {
		s.approvals = governance.NewApprovalGate(governance.WithApprovalLogger(s.logger))
	}
	if s.analyzer == nil {
		s.analyzer = analyzer.New(analyzer.WithPathChecker(s.gate), analyzer.WithLogger(s.logger))
	}
	if s.ledger == nil {
		s.ledger = ledger.New(ledger.WithLogger(s.logger))
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("bastion/supervisor")
	}
	return s, nil
}

// Registry returns the tool registry.
func (s *Supervisor) Registry() *tools.Registry { return s.registry }

// Gate returns the policy gate.
func (s *Supervisor) Gate() *governance.Gate { return s.gate }

// Approvals returns the approval gate.
func (s *Supervisor) Approvals() *governance.ApprovalGate { return s.approvals }

// Ledger returns the fallback ledger.
func (s *Supervisor) Ledger() *ledger.Ledger { return s.ledger }

// SecurityEnabled reports whether command and path checks run.
func (s *Supervisor) SecurityEnabled() bool { return s.security }

// Run checks and executes inv. It never panics and never returns a nil
// error on failure: every failed Result carries a *BastionError in Err.
func (s *Supervisor) Run(ctx context.Context, inv tools.Invocation) tools.Result {
	start := s.now()
	led := s.ledgerFor(ctx)
	if !s.security {
		s.warnOnce.Do(func() {
			s.logger.WarnContext(ctx, "supervisor.security.disabled",
				slog.String("mode", "security_disabled"),
			)
		})
	}

	tool, found := s.registry.Get(inv.Tool)
	category := ""
	if found {
		category = string(tool.Category())
	}
	ctx, span := s.tracer.Start(ctx, "Supervisor.Run", trace.WithAttributes(
		telemetry.ToolCallAttributes(inv.Tool, category, inv.Iteration, inv.Attempt)...,
	))
	defer span.End()

	var res tools.Result
	if !found {
		res = failed(berrors.New(berrors.CodeToolNotFound, "tool not registered", nil).
			WithContext("tool", inv.Tool))
	} else if err := s.check(ctx, led, tool, inv); err != nil {
		res = failed(err)
	} else {
		res = s.execute(ctx, tool, inv)
	}
	res.Duration = s.now().Sub(start)

	s.recordExecution(ctx, led, inv, res)
	durationMs := float64(res.Duration.Microseconds()) / 1000
	s.metrics.RecordExecution(ctx, inv.Tool, res.Success, durationMs, res.Err)

	code := string(berrors.CodeOf(res.Err))
	span.SetAttributes(telemetry.ToolOutcomeAttributes(res.Success, durationMs, code)...)
	span.SetAttributes(telemetry.ToolCallArgsResult(inv.Args.Summary(0), res.Output, 500)...)
	if res.Success {
		span.SetStatus(codes.Ok, "")
		s.logger.InfoContext(ctx, "supervisor.run.complete",
			slog.String("tool", inv.Tool),
			slog.Int("iteration", inv.Iteration),
			slog.Int("attempt", inv.Attempt),
			slog.Float64("duration_ms", durationMs),
		)
	} else {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.ErrorMessage())
		s.logger.WarnContext(ctx, "supervisor.run.failed",
			slog.String("tool", inv.Tool),
			slog.Int("iteration", inv.Iteration),
			slog.Int("attempt", inv.Attempt),
			slog.String("error_code", code),
			slog.String("error", res.ErrorMessage()),
			slog.Float64("duration_ms", durationMs),
		)
	}
	return res
}

// check runs the ordered pre-execution checks for tool.
func (s *Supervisor) check(ctx context.Context, led *ledger.Ledger, tool tools.Tool, inv tools.Invocation) error {
	if s.security {
		switch tool.Category() {
		case tools.CategoryCommand:
			cmd := inv.Args.String(tools.ArgCommand)
			if cmd == "" {
				return berrors.New(berrors.CodeInvalidArgument, "missing command argument", nil).
					WithContext("tool", inv.Tool)
			}
			d := s.gate.CheckCommand(cmd)
			s.recordPolicy(ctx, led, inv, "command", cmd, d)
			if d.IsDenied() {
				return s.gate.ValidateCommand(cmd)
			}
		case tools.CategoryPath:
			p := inv.Args.String(tools.ArgPath)
			err := s.gate.ValidatePath(p)
			d := governance.Decision{Allowed: err == nil, RuleID: "paths", Reason: "path allowed"}
			if err != nil {
				d.Reason = "path not allowed: " + p
			}
			s.recordPolicy(ctx, led, inv, "path", p, d)
			if err != nil {
				return err
			}
		}
	}

	if tool.Category() == tools.CategoryScript {
		if err := s.analyze(ctx, led, inv); err != nil {
			return err
		}
	}

	action := Signature(tool, inv.Args)
	if tool.RequiresApproval() || s.approvals.IsCritical(action) {
		approved := s.approvals.RequireApproval(ctx, action, fmt.Sprintf("iteration %d: %s", inv.Iteration, inv.Tool))
		s.append(ctx, led, ledger.Entry{
			Iteration: inv.Iteration,
			Kind:      ledger.KindApproval,
			Tool:      inv.Tool,
			Success:   approved,
			Details: map[string]any{
				"action": action,
				"auto":   s.approvals.AutoApprove(),
			},
		})
		if !approved {
			s.metrics.RecordDenial(ctx, "approval", inv.Tool, "approval")
			return berrors.New(berrors.CodeApprovalDenied, "critical action not approved", nil).
				WithContext("action", action)
		}
	}
	return nil
}

func (s *Supervisor) analyze(ctx context.Context, led *ledger.Ledger, inv tools.Invocation) error {
	dialect := analyzer.DialectPython
	if raw := inv.Args.String(tools.ArgDialect); raw != "" {
		d, err := analyzer.ParseDialect(raw)
		if err != nil {
			return berrors.New(berrors.CodeValidationFault, "unsupported script dialect", err).
				WithContext("dialect", raw)
		}
		dialect = d
	}
	report, err := s.validate(ctx, dialect, inv.Args.String(tools.ArgSource))
	details := map[string]any{
		"check":   "script",
		"dialect": string(dialect),
	}
	if len(report.Violations) > 0 {
		details["violations"] = report.Strings()
	}
	s.append(ctx, led, ledger.Entry{
		Iteration: inv.Iteration,
		Kind:      ledger.KindPolicyCheck,
		Tool:      inv.Tool,
		Success:   err == nil,
		Details:   details,
	})
	if err == nil {
		return nil
	}
	s.metrics.RecordDenial(ctx, "script", inv.Tool, "analyzer")
	if berrors.HasCode(err, berrors.CodeValidationFault) {
		return err
	}
	return berrors.New(berrors.CodeValidationFault, "script could not be analyzed", err).
		WithContext("dialect", string(dialect))
}

// execute invokes tool and normalizes its outcome into a Result whose Err
// is a *BastionError whenever Success is false.
func (s *Supervisor) execute(ctx context.Context, tool tools.Tool, inv tools.Invocation) tools.Result {
	res, err := invoke(ctx, tool, inv.Args)
	switch {
	case err != nil:
		res.Success = false
		res.Err = executionError(err)
	case !res.Success:
		if res.Err == nil {
			res.Err = berrors.New(berrors.CodeExecutionFault, "tool reported failure", nil)
		} else {
			res.Err = executionError(res.Err)
		}
	default:
		res.Err = nil
	}
	return res
}

// validate runs the analyzer. A panicking parser fails closed.
func (s *Supervisor) validate(ctx context.Context, d analyzer.Dialect, src string) (report analyzer.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = analyzer.Report{}
			err = berrors.New(berrors.CodeValidationFault, fmt.Sprintf("analyzer panicked: %v", r), nil).
				WithContext("dialect", string(d))
		}
	}()
	return s.analyzer.Validate(ctx, d, src)
}

func invoke(ctx context.Context, tool tools.Tool, args tools.Args) (res tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = tools.Result{}
			err = berrors.New(berrors.CodeExecutionFault, fmt.Sprintf("tool panicked: %v", r), nil).
				WithContext("tool", tool.Name())
		}
	}()
	return tool.Execute(ctx, args.Clone())
}

func executionError(err error) error {
	var be *berrors.BastionError
	if stderrors.As(err, &be) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return berrors.New(berrors.CodeTimeout, err.Error(), err)
	}
	return berrors.New(berrors.CodeExecutionFault, err.Error(), err)
}

func failed(err error) tools.Result {
	return tools.Result{Success: false, Err: err}
}

// Signature is the action string used for critical-keyword detection and
// approval caching: the command line for command tools, otherwise
// tool(k=v, ...) with keys sorted.
func Signature(tool tools.Tool, args tools.Args) string {
	if tool.Category() == tools.CategoryCommand {
		if cmd := args.String(tools.ArgCommand); cmd != "" {
			return cmd
		}
	}
	return fmt.Sprintf("%s(%s)", tool.Name(), args.Summary(0))
}

func (s *Supervisor) ledgerFor(ctx context.Context) *ledger.Ledger {
	if l, ok := ledger.FromContext(ctx); ok {
		return l
	}
	return s.ledger
}

func (s *Supervisor) append(ctx context.Context, led *ledger.Ledger, e ledger.Entry) {
	e.SecurityValidated = s.security
	// Sink failures are logged by the ledger; the in-memory entry is kept.
	_, _ = led.Append(ctx, e)
}

func (s *Supervisor) recordPolicy(ctx context.Context, led *ledger.Ledger, inv tools.Invocation, check, value string, d governance.Decision) {
	s.append(ctx, led, ledger.Entry{
		Iteration: inv.Iteration,
		Kind:      ledger.KindPolicyCheck,
		Tool:      inv.Tool,
		Success:   d.IsAllowed(),
		Details: map[string]any{
			"check":  check,
			"value":  value,
			"rule":   d.RuleID,
			"reason": d.Reason,
		},
	})
	trace.SpanFromContext(ctx).SetAttributes(telemetry.PolicyAttributes(check, true, d.IsAllowed(), d.RuleID, d.Reason)...)
	if d.IsDenied() {
		s.metrics.RecordDenial(ctx, check, inv.Tool, d.RuleID)
		s.logger.WarnContext(ctx, "policy."+check+".denied",
			slog.String("tool", inv.Tool),
			slog.String("value", value),
			slog.String("rule", d.RuleID),
			slog.String("reason", d.Reason),
		)
	}
}

func (s *Supervisor) recordExecution(ctx context.Context, led *ledger.Ledger, inv tools.Invocation, res tools.Result) {
	details := map[string]any{
		"args":        truncate(inv.Args.Summary(0)),
		"attempt":     inv.Attempt,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Output != "" {
		details["output"] = truncate(res.Output)
	}
	if res.Err != nil {
		details["error"] = res.ErrorMessage()
		details["error_code"] = string(berrors.CodeOf(res.Err))
	}
	s.append(ctx, led, ledger.Entry{
		Iteration: inv.Iteration,
		Kind:      ledger.KindExecution,
		Tool:      inv.Tool,
		Success:   res.Success,
		Details:   details,
	})
}

func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	return s[:maxDetail] + "..."
}
