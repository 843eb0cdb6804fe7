// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jllopis/bastion/pkg/core"
	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/governance"
	"github.com/jllopis/bastion/pkg/ledger"
	"github.com/jllopis/bastion/pkg/llm"
	"github.com/jllopis/bastion/pkg/recovery"
	"github.com/jllopis/bastion/pkg/supervisor"
	"github.com/jllopis/bastion/pkg/tools"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var echoTool = &tools.Func{
	ToolName:        "echo",
	ToolDescription: "Echo text. Args: text (string).",
	ToolCategory:    tools.CategoryGeneral,
	Fn: func(_ context.Context, args tools.Args) (tools.Result, error) {
		return tools.Result{Success: true, Output: args.String("text")}, nil
	},
}

func newSupervisor(t *testing.T, registered []tools.Tool, commands ...string) *supervisor.Supervisor {
	t.Helper()
	reg, err := tools.NewRegistry(registered...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	gate, err := governance.NewGate(governance.WithAllowedCommands(commands...))
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	sup, err := supervisor.New(reg, supervisor.WithGate(gate), supervisor.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	return sup
}

func newLoop(t *testing.T, decider core.DecisionProvider, sup *supervisor.Supervisor, opts ...Option) *Loop {
	t.Helper()
	l, err := New(decider, sup, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// scripted returns decisions in order and records every request.
type scripted struct {
	mu        sync.Mutex
	decisions []core.Decision
	requests  []core.DecisionRequest
}

func (s *scripted) Decide(_ context.Context, req core.DecisionRequest) (core.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.decisions) == 0 {
		return core.Decision{}, errors.New("script exhausted")
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return d, nil
}

func TestNewValidation(t *testing.T) {
	sup := newSupervisor(t, nil)
	if _, err := New(nil, sup); !berrors.HasCode(err, berrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for missing decider, got %v", err)
	}
	if _, err := New(&scripted{}, nil); !berrors.HasCode(err, berrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for missing supervisor, got %v", err)
	}
}

func TestExecuteToolThenDone(t *testing.T) {
	dec := &scripted{decisions: []core.Decision{
		{Tool: "echo", Args: tools.Args{"text": "hello"}, Reasoning: "say hi"},
		{Done: true, Message: "said hello"},
	}}
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{echoTool}))
	out := l.Execute(context.Background(), "greet")

	if !out.Success || out.Status != core.ObjectiveCompleted || out.Iterations != 2 || out.FinalMessage != "said hello" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.RunID == "" || out.TotalTime <= 0 {
		t.Fatalf("run id and total time must be set: %+v", out)
	}
	if len(dec.requests) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(dec.requests))
	}
	second := dec.requests[1]
	if len(second.History) != 1 || second.History[0].Output != "hello" || !second.History[0].Success {
		t.Fatalf("history should carry the first step: %+v", second.History)
	}
	if len(second.Tools) != 1 || second.Tools[0].Name != "echo" || second.MaxIterations != DefaultMaxIterations {
		t.Fatalf("unexpected request %+v", second)
	}
	if len(out.Actions) != 1 || out.Actions[0].Kind != ledger.KindExecution || out.Actions[0].RunID != out.RunID {
		t.Fatalf("unexpected actions %+v", out.Actions)
	}
}

func TestExecuteClearsLedgerPerRun(t *testing.T) {
	dec := &scripted{decisions: []core.Decision{
		{Tool: "echo", Args: tools.Args{"text": "a"}},
		{Done: true},
		{Done: true},
	}}
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{echoTool}))
	first := l.Execute(context.Background(), "one")
	second := l.Execute(context.Background(), "two")
	if len(first.Actions) != 1 || len(second.Actions) != 0 {
		t.Fatalf("ledger must be cleared between runs: %d, %d", len(first.Actions), len(second.Actions))
	}
	if first.RunID == second.RunID {
		t.Fatal("each run needs its own id")
	}
}

func TestExecuteConcurrentRunsKeepOwnLedgers(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	block := &tools.Func{
		ToolName:     "block",
		ToolCategory: tools.CategoryGeneral,
		Fn: func(context.Context, tools.Args) (tools.Result, error) {
			close(entered)
			<-release
			return tools.Result{Success: true, Output: "released"}, nil
		},
	}
	dec := core.DecisionProviderFunc(func(_ context.Context, req core.DecisionRequest) (core.Decision, error) {
		if len(req.History) > 0 {
			return core.Decision{Done: true, Message: req.Objective}, nil
		}
		if req.Objective == "slow" {
			return core.Decision{Tool: "block"}, nil
		}
		return core.Decision{Tool: "echo", Args: tools.Args{"text": "fast"}}, nil
	})
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{echoTool, block}))

	slow := make(chan Outcome, 1)
	go func() { slow <- l.Execute(context.Background(), "slow") }()
	<-entered
	fast := l.Execute(context.Background(), "fast")
	close(release)
	first := <-slow

	for _, tc := range []struct {
		out  Outcome
		tool string
	}{{first, "block"}, {fast, "echo"}} {
		if !tc.out.Success || len(tc.out.Actions) != 1 {
			t.Fatalf("%s run: unexpected outcome %+v", tc.tool, tc.out)
		}
		if a := tc.out.Actions[0]; a.Tool != tc.tool || a.RunID != tc.out.RunID {
			t.Fatalf("%s run holds a foreign entry: %+v", tc.tool, a)
		}
	}
	if first.RunID == fast.RunID {
		t.Fatal("concurrent runs need distinct ids")
	}
}

func TestExecuteUnknownToolContinues(t *testing.T) {
	dec := &scripted{decisions: []core.Decision{
		{Tool: "teleport", Args: tools.Args{"to": "mars"}},
		{Tool: ""},
		{Done: true, Message: "gave up on teleporting"},
	}}
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{echoTool}))
	out := l.Execute(context.Background(), "travel")

	if !out.Success || out.Iterations != 3 {
		t.Fatalf("unknown tools must not end the run: %+v", out)
	}
	if len(out.Actions) != 2 || out.Actions[0].Kind != ledger.KindError || out.Actions[0].Tool != "teleport" {
		t.Fatalf("expected two error entries, got %+v", out.Actions)
	}
	if h := dec.requests[1].History; len(h) != 1 || h[0].Error != "unknown tool" {
		t.Fatalf("history should record the unknown tool: %+v", h)
	}
}

func TestExecuteFilteredToolIsHidden(t *testing.T) {
	writer := &tools.Func{ToolName: "write_file", ToolCategory: tools.CategoryPath, Fn: echoTool.Fn}
	dec := &scripted{decisions: []core.Decision{
		{Tool: "write_file", Args: tools.Args{"path": "/tmp/x"}},
		{Done: true},
	}}
	filter := governance.NewToolFilter(governance.WithDenylist("write_*"))
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{echoTool, writer}), WithToolFilter(filter))
	out := l.Execute(context.Background(), "write")

	for _, d := range dec.requests[0].Tools {
		if d.Name == "write_file" {
			t.Fatal("denied tool must not be offered")
		}
	}
	if len(out.Actions) != 1 || out.Actions[0].Kind != ledger.KindError {
		t.Fatalf("hidden tool should be treated as unknown: %+v", out.Actions)
	}
}

func TestExecuteDecisionError(t *testing.T) {
	dec := core.DecisionProviderFunc(func(context.Context, core.DecisionRequest) (core.Decision, error) {
		return core.Decision{}, berrors.New(berrors.CodeLLMError, "model unavailable", nil)
	})
	l := newLoop(t, dec, newSupervisor(t, nil))
	out := l.Execute(context.Background(), "anything")
	if out.Success || out.Status != core.ObjectiveFailed || !strings.Contains(out.Error, "model unavailable") {
		t.Fatalf("decision errors end the run: %+v", out)
	}
	if len(out.Actions) != 1 || out.Actions[0].Details["error_code"] != string(berrors.CodeLLMError) {
		t.Fatalf("expected an error entry with its code, got %+v", out.Actions)
	}
}

func TestExecuteMaxIterations(t *testing.T) {
	calls := 0
	dec := core.DecisionProviderFunc(func(context.Context, core.DecisionRequest) (core.Decision, error) {
		calls++
		return core.Decision{Tool: "echo", Args: tools.Args{"text": "again"}}, nil
	})
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{echoTool}), WithMaxIterations(3))
	out := l.Execute(context.Background(), "loop forever")
	if out.Success || out.Iterations != 3 || calls != 3 || out.Error != "max iterations reached" {
		t.Fatalf("unexpected outcome %+v (calls=%d)", out, calls)
	}
}

func TestExecuteCancelled(t *testing.T) {
	dec := &scripted{decisions: []core.Decision{{Done: true}}}
	l := newLoop(t, dec, newSupervisor(t, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := l.Execute(ctx, "never starts")
	if out.Status != core.ObjectiveCancelled || out.Success || len(dec.requests) != 0 {
		t.Fatalf("cancelled context must stop before deciding: %+v", out)
	}
}

func TestExecuteRecoversExecutionFault(t *testing.T) {
	cmd := &tools.Func{
		ToolName:     "execute_command",
		ToolCategory: tools.CategoryCommand,
		Fn: func(_ context.Context, args tools.Args) (tools.Result, error) {
			if strings.HasPrefix(args.String(tools.ArgCommand), "python ") {
				return tools.Result{}, errors.New("sh: python: command not found")
			}
			return tools.Result{Success: true, Output: "ran"}, nil
		},
	}
	sup := newSupervisor(t, []tools.Tool{cmd}, "python", "python3")
	engine, err := recovery.New(sup, recovery.WithMaxRetries(2), recovery.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	dec := &scripted{decisions: []core.Decision{
		{Tool: "execute_command", Args: tools.Args{"command": "python job.py"}},
		{Tool: "execute_command", Args: tools.Args{"command": "cat /etc/shadow"}},
		{Done: true},
	}}
	l := newLoop(t, dec, sup, WithRecovery(engine))
	out := l.Execute(context.Background(), "run the job")

	h := dec.requests[2].History
	if len(h) != 2 {
		t.Fatalf("expected two steps, got %+v", h)
	}
	if !h[0].Success || h[0].Output != "ran" {
		t.Fatalf("first step should be recovered: %+v", h[0])
	}
	retries := 0
	for _, e := range out.Actions {
		if e.Kind == ledger.KindRetry {
			retries++
		}
	}
	if retries != 1 {
		t.Fatalf("only the execution fault is retried, got %d retries", retries)
	}
	if h[1].Success {
		t.Fatalf("second step should fail: %+v", h[1])
	}
	if !out.Success {
		t.Fatalf("run should still complete: %+v", out)
	}
	if s := l.Status(); s.MaxRetries != 2 || !s.SecurityEnabled || s.Iteration != 3 || s.LedgerSize != len(out.Actions) {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestExecuteEvents(t *testing.T) {
	var mu sync.Mutex
	var seen []core.EventType
	emitter := core.EventEmitterFunc(func(_ context.Context, e core.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	dec := &scripted{decisions: []core.Decision{
		{Tool: "echo", Args: tools.Args{"text": "x"}},
		{Done: true},
	}}
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{echoTool}), WithEventEmitter(emitter))
	l.Execute(context.Background(), "emit")
	want := []core.EventType{
		core.EventObjectiveStarted,
		core.EventDecision,
		core.EventToolExecuted,
		core.EventDecision,
		core.EventObjectiveCompleted,
	}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
}

func TestExecuteWithModelDecider(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		`{"tool_name": "echo", "tool_args": {"text": "from the model"}, "reasoning": "test"}`,
		`{"done": true, "message": "echoed"}`,
	)
	dec := llm.NewDecider(provider, llm.WithModel("test-model"), llm.WithDeciderLogger(quietLogger()))
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{echoTool}))
	out := l.Execute(context.Background(), "echo something")
	if !out.Success || out.FinalMessage != "echoed" || out.Iterations != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if provider.Remaining() != 0 {
		t.Fatalf("all scripted responses should be used, %d left", provider.Remaining())
	}
}

func TestRunAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	var active, peak atomic.Int32
	gauge := &tools.Func{
		ToolName:     "gauge",
		ToolCategory: tools.CategoryGeneral,
		Fn: func(context.Context, tools.Args) (tools.Result, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return tools.Result{Success: true}, nil
		},
	}
	dec := core.DecisionProviderFunc(func(_ context.Context, req core.DecisionRequest) (core.Decision, error) {
		if len(req.History) == 0 {
			return core.Decision{Tool: "gauge"}, nil
		}
		return core.Decision{Done: true, Message: req.Objective}, nil
	})
	l := newLoop(t, dec, newSupervisor(t, []tools.Tool{gauge}), WithConcurrency(2))

	objectives := []string{"a", "b", "c", "d", "e"}
	outcomes := l.RunAll(context.Background(), objectives)
	if len(outcomes) != len(objectives) {
		t.Fatalf("expected %d outcomes, got %d", len(objectives), len(outcomes))
	}
	ids := map[string]bool{}
	for i, out := range outcomes {
		if !out.Success || out.FinalMessage != objectives[i] {
			t.Fatalf("outcome %d out of order or failed: %+v", i, out)
		}
		if len(out.Actions) != 1 || out.Actions[0].RunID != out.RunID {
			t.Fatalf("outcome %d should only hold its own actions: %+v", i, out.Actions)
		}
		ids[out.RunID] = true
	}
	if len(ids) != len(objectives) {
		t.Fatal("run ids must be distinct")
	}
	if peak.Load() > 2 {
		t.Fatalf("concurrency limit exceeded: %d", peak.Load())
	}
	if s := l.Status(); s.Running != 0 {
		t.Fatalf("no run should be active, got %d", s.Running)
	}
}
