// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/jllopis/bastion/pkg/agent"
	"github.com/jllopis/bastion/pkg/analyzer"
	"github.com/jllopis/bastion/pkg/config"
	"github.com/jllopis/bastion/pkg/core"
	"github.com/jllopis/bastion/pkg/governance"
	"github.com/jllopis/bastion/pkg/ledger"
	"github.com/jllopis/bastion/pkg/llm"
	bastionmcp "github.com/jllopis/bastion/pkg/mcp"
	"github.com/jllopis/bastion/pkg/memory"
	"github.com/jllopis/bastion/pkg/memory/ollama"
	"github.com/jllopis/bastion/pkg/memory/qdrant"
	"github.com/jllopis/bastion/pkg/recovery"
	"github.com/jllopis/bastion/pkg/resilience"
	"github.com/jllopis/bastion/pkg/supervisor"
	"github.com/jllopis/bastion/pkg/telemetry"
	"github.com/jllopis/bastion/pkg/tools"
)

// Approval modes accepted by --approval-mode.
const (
	approvalAuto    = "auto"
	approvalAsk     = "ask"
	approvalApprove = "approve"
	approvalDeny    = "deny"
)

type appOptions struct {
	approvalMode    string
	approvalTimeout time.Duration
	// interactive reports whether a console prompt can be answered.
	interactive bool
	in          io.Reader
	out         io.Writer
	logOutput   io.Writer
	// provider replaces the configured decision provider.
	provider  llm.Provider
	loadMCP   bool
	telemetry bool
}

func defaultAppOptions(jsonOutput bool) appOptions {
	return appOptions{
		approvalMode: approvalAuto,
		interactive:  !jsonOutput && isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()),
		in:           os.Stdin,
		out:          os.Stdout,
		logOutput:    os.Stderr,
		loadMCP:      true,
		telemetry:    true,
	}
}

// app holds every wired component of one CLI invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	gate       *governance.Gate
	approvals  *governance.ApprovalGate
	analyzer   *analyzer.Analyzer
	ledger     *ledger.Ledger
	sink       *ledger.SQLiteSink
	metrics    *telemetry.SecurityMetrics
	registry   *tools.Registry
	supervisor *supervisor.Supervisor
	memory     *memory.Semantic
	recovery   *recovery.Engine
	provider   llm.Provider
	loop       *agent.Loop
	mcp        *bastionmcp.Loader
	policy     *governance.PolicyWatcher
	health     *core.HealthRegistry

	closers []func(context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	if err := a.init(ctx, opts); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	cfg := a.cfg
	a.level.Set(telemetry.ParseLevel(cfg.Log.Level))
	logger, logCloser, err := telemetry.ConfigureSlogLeveler(opts.logOutput, a.level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return NewStartupError(err, "log")
	}
	a.logger = logger
	a.closers = append(a.closers, func(context.Context) error { return logCloser.Close() })

	if opts.telemetry {
		shutdown, err := telemetry.InitWithConfig("bastion", version, telemetry.Config{
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		})
		if err != nil {
			return NewStartupError(err, "telemetry")
		}
		a.closers = append(a.closers, shutdown)
	}

	hook := buildApprovalHook(opts.approvalMode, opts.approvalTimeout, opts.interactive, opts.in, opts.out)
	if a.gate, a.approvals, err = buildGates(cfg, hook, logger); err != nil {
		return NewStartupError(err, "policy")
	}
	if cfg.Security.WatchPolicy && cfg.Security.PolicyFile != "" {
		if err := a.watchPolicy(ctx); err != nil {
			return NewStartupError(err, "policy")
		}
	}

	if a.metrics, err = telemetry.NewSecurityMetrics(); err != nil {
		return NewStartupError(err, "telemetry")
	}
	a.analyzer = analyzer.New(analyzer.WithPathChecker(a.gate), analyzer.WithLogger(logger))

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	if cfg.Ledger.SQLitePath != "" {
		if a.sink, err = ledger.OpenSQLite(cfg.Ledger.SQLitePath); err != nil {
			return NewStartupError(err, "ledger")
		}
		a.closers = append(a.closers, func(context.Context) error { return a.sink.Close() })
		ledgerOpts = append(ledgerOpts, ledger.WithSink(a.sink))
	}
	a.ledger = ledger.New(ledgerOpts...)

	if a.registry, err = tools.NewRegistry(tools.Builtins(tools.BuiltinOptions{CommandTimeout: cfg.Tools.CommandTimeout})...); err != nil {
		return NewStartupError(err, "tools")
	}
	if a.mcp, err = bastionmcp.NewLoader(a.registry,
		bastionmcp.WithLoaderLogger(logger),
		bastionmcp.WithLoaderBackoff(cfg.Agent.MaxRetries, resilience.DefaultBackoff()),
	); err != nil {
		return NewStartupError(err, "mcp")
	}
	a.closers = append(a.closers, func(context.Context) error { return a.mcp.Close() })
	if opts.loadMCP && len(cfg.MCP.Servers) > 0 {
		// A server that cannot be reached leaves the others usable.
		if _, err := a.mcp.LoadAll(ctx, mcpServers(cfg)); err != nil {
			logger.Warn("mcp.load.partial", slog.String("error", err.Error()))
		}
	}

	if a.supervisor, err = supervisor.New(a.registry,
		supervisor.WithGate(a.gate),
		supervisor.WithApprovals(a.approvals),
		supervisor.WithAnalyzer(a.analyzer),
		supervisor.WithLedger(a.ledger),
		supervisor.WithMetrics(a.metrics),
		supervisor.WithLogger(logger),
		supervisor.WithSecurity(cfg.Security.Enabled),
	); err != nil {
		return NewStartupError(err, "supervisor")
	}

	if err := a.buildMemory(ctx); err != nil {
		return NewStartupError(err, "memory")
	}

	recoveryOpts := []recovery.Option{
		recovery.WithMaxRetries(cfg.Agent.MaxRetries),
		recovery.WithBackoff(retryBackoff(cfg.Agent.RetryBackoff)),
		recovery.WithLedger(a.ledger),
		recovery.WithMetrics(a.metrics),
		recovery.WithLogger(logger),
	}
	if a.memory.Enabled() {
		recoveryOpts = append(recoveryOpts, recovery.WithMemory(a.memory))
	}
	if a.recovery, err = recovery.New(a.supervisor, recoveryOpts...); err != nil {
		return NewStartupError(err, "recovery")
	}

	a.provider = opts.provider
	if a.provider == nil {
		if a.provider, err = createProvider(cfg); err != nil {
			return NewStartupError(err, "llm")
		}
	}
	decider := llm.NewDecider(a.provider, llm.WithModel(cfg.LLM.Model), llm.WithDeciderLogger(logger))
	filter := governance.NewToolFilter(
		governance.WithAllowlist(cfg.Tools.Allow...),
		governance.WithDenylist(cfg.Tools.Deny...),
	)
	if a.loop, err = agent.New(decider, a.supervisor,
		agent.WithRecovery(a.recovery),
		agent.WithToolFilter(filter),
		agent.WithLedger(a.ledger),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithConcurrency(cfg.Agent.Concurrency),
		agent.WithEventEmitter(logEmitter(logger)),
		agent.WithLogger(logger),
	); err != nil {
		return NewStartupError(err, "agent")
	}

	a.health = a.healthRegistry()
	return nil
}

// Close releases components in reverse construction order.
func (a *app) Close(ctx context.Context) error {
	if a.policy != nil {
		a.policy.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildGates builds the policy gate and approval gate from the security
// section and the optional policy file.
func buildGates(cfg *config.Config, hook governance.ApprovalHook, logger *slog.Logger) (*governance.Gate, *governance.ApprovalGate, error) {
	sec := cfg.Security
	gateOpts := []governance.GateOption{
		governance.WithAllowedCommands(sec.AllowedCommands...),
		governance.WithAllowedPaths(sec.AllowedPaths...),
	}
	for i, expr := range sec.BlockedPatterns {
		p, err := governance.NewBlockedPattern(fmt.Sprintf("config-%d", i+1), expr, "configured blocked pattern")
		if err != nil {
			return nil, nil, err
		}
		gateOpts = append(gateOpts, governance.WithBlockedPatterns(p))
	}
	keywords := append([]string(nil), sec.CriticalKeywords...)
	if sec.PolicyFile != "" {
		pf, err := governance.LoadPolicyFile(sec.PolicyFile)
		if err != nil {
			return nil, nil, err
		}
		fileOpts, err := pf.GateOptions()
		if err != nil {
			return nil, nil, err
		}
		gateOpts = append(gateOpts, fileOpts...)
		keywords = append(keywords, pf.CriticalKeywords...)
	}
	gate, err := governance.NewGate(gateOpts...)
	if err != nil {
		return nil, nil, err
	}

	approvalOpts := []governance.ApprovalOption{
		governance.WithAutoApprove(sec.AutoApprove),
		governance.WithCriticalKeywords(keywords...),
		governance.WithApprovalLogger(logger),
	}
	if hook != nil {
		approvalOpts = append(approvalOpts, governance.WithApprovalHook(hook))
	}
	return gate, governance.NewApprovalGate(approvalOpts...), nil
}

func (a *app) watchPolicy(ctx context.Context) error {
	w, err := governance.NewPolicyWatcher(a.cfg.Security.PolicyFile, a.gate, a.approvals,
		governance.WithPolicyLogger(a.logger))
	if err != nil {
		return err
	}
	w.Start(ctx)
	a.policy = w
	return nil
}

// buildApprovalHook picks the approval channel. auto prompts on a terminal
// and denies otherwise; ask falls back to deny without a terminal.
func buildApprovalHook(mode string, timeout time.Duration, interactive bool, in io.Reader, out io.Writer) governance.ApprovalHook {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == approvalAuto {
		mode = approvalDeny
		if interactive {
			mode = approvalAsk
		}
	}
	if mode == approvalAsk && !interactive {
		mode = approvalDeny
	}

	switch mode {
	case approvalAsk:
		opts := []governance.ConsoleApprovalOption{
			governance.WithApprovalInput(in),
			governance.WithApprovalOutput(out),
		}
		if timeout > 0 {
			opts = append(opts, governance.WithApprovalTimeout(timeout))
		}
		return governance.NewConsoleApprovalHook(opts...)
	case approvalApprove:
		return governance.StaticApprovalHook{Decision: governance.Decision{
			Allowed: true,
			Status:  governance.DecisionStatusAllow,
			Reason:  "approved by --approval-mode",
		}}
	default:
		return governance.StaticApprovalHook{Decision: governance.Decision{
			Allowed: false,
			Status:  governance.DecisionStatusDeny,
			Reason:  "denied by --approval-mode",
		}}
	}
}

func createProvider(cfg *config.Config) (llm.Provider, error) {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "ollama", "":
		baseURL := cfg.LLM.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return llm.NewOllama(baseURL), nil
	case "mock":
		return &llm.MockProvider{Response: `{"done": true, "message": "mock provider has nothing to do"}`}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLM.Provider)
	}
}

func (a *app) buildMemory(ctx context.Context) error {
	mc := a.cfg.Memory
	if !mc.Enabled {
		a.memory = memory.NewSemantic(nil)
		return nil
	}
	var store memory.Store
	switch mc.Provider {
	case "file":
		store = memory.NewFileStore(mc.Path)
	case "vector":
		qs, err := qdrant.New(mc.QdrantAddr)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return qs.Close() })
		vm := memory.NewVectorMemory(qs, ollama.NewEmbedder(mc.EmbedderBaseURL, mc.EmbedderModel), mc.Collection)
		if err := vm.Initialize(ctx); err != nil {
			return err
		}
		store = vm
	default:
		store = memory.NewInMemory()
	}
	a.memory = memory.NewSemantic(store,
		memory.WithBackendName(mc.Provider),
		memory.WithSemanticLogger(a.logger))
	return nil
}

// retryBackoff grows from base up to eight times base. Zero disables the
// delay.
func retryBackoff(base time.Duration) resilience.Backoff {
	if base <= 0 {
		return resilience.Backoff{}
	}
	return resilience.Backoff{Initial: base, Max: 8 * base, Multiplier: 2, Jitter: 0.1}
}

// mcpServers converts the configured servers into loader configs sorted by
// name.
func mcpServers(cfg *config.Config) []bastionmcp.ServerConfig {
	names := make([]string, 0, len(cfg.MCP.Servers))
	for name := range cfg.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]bastionmcp.ServerConfig, 0, len(names))
	for _, name := range names {
		s := cfg.MCP.Servers[name]
		out = append(out, bastionmcp.ServerConfig{
			Name:      name,
			Transport: s.Transport,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Timeout:   s.Timeout,
			Prefix:    s.Prefix,
		})
	}
	return out
}

// logEmitter writes loop events to the logger at debug level.
func logEmitter(logger *slog.Logger) core.EventEmitter {
	return core.EventEmitterFunc(func(ctx context.Context, e core.Event) {
		attrs := []any{slog.String("run_id", e.RunID), slog.Int("iteration", e.Iteration)}
		for k, v := range e.Payload {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.DebugContext(ctx, "agent."+string(e.Type), attrs...)
	})
}

func (a *app) healthRegistry() *core.HealthRegistry {
	reg := core.NewHealthRegistry(5 * time.Second)

	if p, ok := a.provider.(interface{ Ping(context.Context) error }); ok {
		reg.Register("llm", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
			if err := p.Ping(ctx); err != nil {
				return core.HealthResult{Status: core.HealthUnhealthy, Message: err.Error()}
			}
			return core.HealthResult{Status: core.HealthHealthy, Message: a.cfg.LLM.Model}
		}))
	}

	if a.sink != nil {
		reg.Register("ledger", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
			if _, err := a.sink.List(ctx, ledger.Filter{Limit: 1}); err != nil {
				return core.HealthResult{Status: core.HealthUnhealthy, Message: err.Error()}
			}
			return core.HealthResult{Status: core.HealthHealthy, Message: a.cfg.Ledger.SQLitePath}
		}))
	}

	if a.memory.Enabled() {
		reg.Register("memory", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
			stats, err := a.memory.Stats(ctx)
			if err != nil {
				return core.HealthResult{Status: core.HealthDegraded, Message: err.Error()}
			}
			return core.HealthResult{
				Status:  core.HealthHealthy,
				Message: fmt.Sprintf("%s: %d entries", stats.Backend, stats.TotalEntries),
			}
		}))
	}

	if want := len(a.cfg.MCP.Servers); want > 0 {
		reg.Register("mcp", core.HealthCheckFunc(func(context.Context) core.HealthResult {
			got := a.mcp.Servers()
			res := core.HealthResult{
				Status:  core.HealthHealthy,
				Message: fmt.Sprintf("%d/%d servers connected", len(got), want),
			}
			switch {
			case len(got) == 0:
				res.Status = core.HealthUnhealthy
			case len(got) < want:
				res.Status = core.HealthDegraded
			}
			return res
		}))
	}
	return reg
}
