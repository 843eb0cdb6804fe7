// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jllopis/bastion/pkg/analyzer"
	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/governance"
	"github.com/jllopis/bastion/pkg/ledger"
	"github.com/jllopis/bastion/pkg/tools"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingTool records how many times it ran and delegates to fn.
type countingTool struct {
	tools.Func
	calls int
}

func (c *countingTool) Execute(ctx context.Context, args tools.Args) (tools.Result, error) {
	c.calls++
	return c.Func.Execute(ctx, args)
}

func newTool(name string, cat tools.Category, fn func(context.Context, tools.Args) (tools.Result, error)) *countingTool {
	return &countingTool{Func: tools.Func{ToolName: name, ToolCategory: cat, Fn: fn}}
}

func okFn(context.Context, tools.Args) (tools.Result, error) {
	return tools.Result{Success: true, Output: "ok"}, nil
}

type fixture struct {
	sup    *Supervisor
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, registered []tools.Tool, gateOpts []governance.GateOption, opts ...Option) fixture {
	t.Helper()
	reg, err := tools.NewRegistry(registered...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	gate, err := governance.NewGate(gateOpts...)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	led := ledger.New(ledger.WithLogger(quietLogger()))
	led.Begin("run-test")
	base := []Option{WithGate(gate), WithLedger(led), WithLogger(quietLogger())}
	sup, err := New(reg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := time.Unix(0, 0)
	sup.now = func() time.Time {
		clock = clock.Add(5 * time.Millisecond)
		return clock
	}
	return fixture{sup: sup, ledger: led}
}

func kinds(entries []ledger.Entry) []ledger.Kind {
	out := make([]ledger.Kind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

func TestNewRequiresRegistry(t *testing.T) {
	if _, err := New(nil); !berrors.HasCode(err, berrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestRunUnknownTool(t *testing.T) {
	f := newFixture(t, nil, nil)
	res := f.sup.Run(context.Background(), tools.NewInvocation("missing", nil, 1))
	if res.Success || !berrors.HasCode(res.Err, berrors.CodeToolNotFound) {
		t.Fatalf("expected TOOL_NOT_FOUND, got %+v", res)
	}
	if res.Duration <= 0 {
		t.Fatal("duration must be recorded on failure")
	}
	all := f.ledger.All()
	if len(all) != 1 || all[0].Kind != ledger.KindExecution || all[0].Success {
		t.Fatalf("expected one failed execution entry, got %+v", all)
	}
}

func TestRunCommandPolicy(t *testing.T) {
	tests := []struct {
		name    string
		command string
		allowed []string
		want    berrors.ErrorCode
		runs    bool
	}{
		{name: "allowed head", command: "ls -la /tmp", allowed: []string{"ls"}, runs: true},
		{name: "not in allow set", command: "cat /etc/hosts", allowed: []string{"ls"}, want: berrors.CodePolicyViolation},
		{name: "blocked pattern wins", command: "rm -rf /", allowed: []string{"rm"}, want: berrors.CodePolicyViolation},
		{name: "missing command", command: "", allowed: []string{"ls"}, want: berrors.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := newTool("execute_command", tools.CategoryCommand, okFn)
			f := newFixture(t, []tools.Tool{tool}, []governance.GateOption{governance.WithAllowedCommands(tt.allowed...)})
			args := tools.Args{}
			if tt.command != "" {
				args[tools.ArgCommand] = tt.command
			}
			res := f.sup.Run(context.Background(), tools.NewInvocation("execute_command", args, 1))
			if tt.runs {
				if !res.Success || tool.calls != 1 {
					t.Fatalf("expected execution, got %+v (calls=%d)", res, tool.calls)
				}
				return
			}
			if tool.calls != 0 {
				t.Fatal("denied tool must not run")
			}
			if !berrors.HasCode(res.Err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, res.Err)
			}
			if berrors.IsRecoverable(res.Err) {
				t.Fatal("policy failures are never recoverable")
			}
			last := f.ledger.All()[f.ledger.Len()-1]
			if last.Kind != ledger.KindExecution || last.Success {
				t.Fatalf("last entry should be a failed execution: %+v", last)
			}
		})
	}
}

func TestRunCommandLedgerSequence(t *testing.T) {
	tool := newTool("execute_command", tools.CategoryCommand, okFn)
	f := newFixture(t, []tools.Tool{tool}, []governance.GateOption{governance.WithAllowedCommands("echo")})
	res := f.sup.Run(context.Background(), tools.NewInvocation("execute_command", tools.Args{"command": "echo hi"}, 3))
	if !res.Success {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	all := f.ledger.All()
	got := kinds(all)
	if len(got) != 2 || got[0] != ledger.KindPolicyCheck || got[1] != ledger.KindExecution {
		t.Fatalf("unexpected ledger kinds %v", got)
	}
	for _, e := range all {
		if e.Iteration != 3 || !e.SecurityValidated || e.RunID != "run-test" {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
	if all[1].Details["duration_ms"] == nil {
		t.Fatal("execution entry should carry its duration")
	}
}

func TestRunPathPolicy(t *testing.T) {
	dir := t.TempDir()
	tool := newTool("read_file", tools.CategoryPath, okFn)
	f := newFixture(t, []tools.Tool{tool}, []governance.GateOption{governance.WithAllowedPaths(dir)})
	ctx := context.Background()

	res := f.sup.Run(ctx, tools.NewInvocation("read_file", tools.Args{"path": filepath.Join(dir, "notes.txt")}, 1))
	if !res.Success {
		t.Fatalf("path inside allowed root should run: %v", res.Err)
	}
	escape := filepath.Join(dir, "..", "..", "etc", "passwd")
	res = f.sup.Run(ctx, tools.NewInvocation("read_file", tools.Args{"path": escape}, 1))
	if !berrors.HasCode(res.Err, berrors.CodePolicyViolation) {
		t.Fatalf("traversal must be denied, got %v", res.Err)
	}
	if tool.calls != 1 {
		t.Fatalf("tool should have run once, ran %d", tool.calls)
	}
}

func TestRunApproval(t *testing.T) {
	deny := governance.NewApprovalGate(
		governance.WithApprovalHook(governance.StaticApprovalHook{Decision: governance.Decision{Allowed: false}}),
		governance.WithApprovalLogger(quietLogger()),
	)
	writer := &countingTool{Func: tools.Func{ToolName: "write_file", ToolCategory: tools.CategoryGeneral, Approval: true, Fn: okFn}}
	cmd := newTool("execute_command", tools.CategoryCommand, okFn)
	f := newFixture(t, []tools.Tool{writer, cmd},
		[]governance.GateOption{governance.WithAllowedCommands("sudo", "ls")},
		WithApprovals(deny))
	ctx := context.Background()

	res := f.sup.Run(ctx, tools.NewInvocation("write_file", tools.Args{"content": "x"}, 1))
	if !berrors.HasCode(res.Err, berrors.CodeApprovalDenied) || writer.calls != 0 {
		t.Fatalf("tool requiring approval must be denied, got %v", res.Err)
	}
	res = f.sup.Run(ctx, tools.NewInvocation("execute_command", tools.Args{"command": "sudo ls"}, 1))
	if !berrors.HasCode(res.Err, berrors.CodeApprovalDenied) || cmd.calls != 0 {
		t.Fatalf("critical command must be denied, got %v", res.Err)
	}
	res = f.sup.Run(ctx, tools.NewInvocation("execute_command", tools.Args{"command": "ls"}, 1))
	if !res.Success {
		t.Fatalf("non-critical command should not need approval: %v", res.Err)
	}

	approvals := f.ledger.Select(ledger.Filter{Kind: ledger.KindApproval})
	if len(approvals) != 2 || approvals[0].Success || approvals[1].Details["action"] != "sudo ls" {
		t.Fatalf("unexpected approval entries %+v", approvals)
	}
}

func TestRunApprovalCachedSignature(t *testing.T) {
	asked := 0
	gate := governance.NewApprovalGate(
		governance.WithApprovalHook(governance.FuncApprovalHook(func(context.Context, governance.Action) bool {
			asked++
			return true
		})),
		governance.WithApprovalLogger(quietLogger()),
	)
	cmd := newTool("execute_command", tools.CategoryCommand, okFn)
	f := newFixture(t, []tools.Tool{cmd}, []governance.GateOption{governance.WithAllowedCommands("chmod")}, WithApprovals(gate))
	for i := 0; i < 2; i++ {
		res := f.sup.Run(context.Background(), tools.NewInvocation("execute_command", tools.Args{"command": "chmod 600 key"}, i))
		if !res.Success {
			t.Fatalf("run %d: %v", i, res.Err)
		}
	}
	if asked != 1 || cmd.calls != 2 {
		t.Fatalf("identical signature should be asked once, asked=%d calls=%d", asked, cmd.calls)
	}
}

func TestRunScriptAnalysis(t *testing.T) {
	script := newTool("run_python", tools.CategoryScript, okFn)
	f := newFixture(t, []tools.Tool{script}, nil)
	ctx := context.Background()

	res := f.sup.Run(ctx, tools.NewInvocation("run_python", tools.Args{"source": "import os\nos.system('id')\n"}, 1))
	if !berrors.HasCode(res.Err, berrors.CodeValidationFault) || script.calls != 0 {
		t.Fatalf("dangerous script must be rejected before running, got %v", res.Err)
	}
	if berrors.IsRecoverable(res.Err) {
		t.Fatal("validation faults are never recoverable")
	}
	res = f.sup.Run(ctx, tools.NewInvocation("run_python", tools.Args{"source": "print(1 + 1)\n"}, 1))
	if !res.Success || script.calls != 1 {
		t.Fatalf("safe script should run: %v", res.Err)
	}
	res = f.sup.Run(ctx, tools.NewInvocation("run_python", tools.Args{"source": "x", "dialect": "cobol"}, 1))
	if !berrors.HasCode(res.Err, berrors.CodeValidationFault) {
		t.Fatalf("unknown dialect should be a validation fault, got %v", res.Err)
	}
}

type panickingChecker struct{}

func (panickingChecker) IsPathAllowed(string) bool { panic("checker exploded") }

func TestRunScriptAnalysisFailsClosed(t *testing.T) {
	script := newTool("run_script", tools.CategoryScript, okFn)
	f := newFixture(t, []tools.Tool{script}, nil)
	ctx := context.Background()

	res := f.sup.Run(ctx, tools.NewInvocation("run_script", tools.Args{"source": "x = 1\n", "dialect": "starlark"}, 1))
	if !res.Success || script.calls != 1 {
		t.Fatalf("benign starlark script should run: %v", res.Err)
	}

	broken := analyzer.New(analyzer.WithPathChecker(panickingChecker{}), analyzer.WithLogger(quietLogger()))
	f = newFixture(t, []tools.Tool{script}, nil, WithAnalyzer(broken))
	res = f.sup.Run(ctx, tools.NewInvocation("run_script", tools.Args{"source": "data = open('/tmp/x').read()\n"}, 2))
	if !berrors.HasCode(res.Err, berrors.CodeValidationFault) {
		t.Fatalf("analyzer panic should become a validation fault, got %v", res.Err)
	}
	if script.calls != 1 {
		t.Fatalf("script must not run after a failed analysis, calls = %d", script.calls)
	}
	entries := f.ledger.Select(ledger.Filter{Kind: ledger.KindPolicyCheck})
	if len(entries) != 1 || entries[0].Success {
		t.Fatalf("expected one failed script check, got %+v", entries)
	}
}

func TestRunExecutionFaults(t *testing.T) {
	tests := []struct {
		name        string
		fn          func(context.Context, tools.Args) (tools.Result, error)
		want        berrors.ErrorCode
		recoverable bool
	}{
		{
			name: "panic",
			fn: func(context.Context, tools.Args) (tools.Result, error) {
				panic("boom")
			},
			want:        berrors.CodeExecutionFault,
			recoverable: true,
		},
		{
			name: "raw error",
			fn: func(context.Context, tools.Args) (tools.Result, error) {
				return tools.Result{}, errors.New("permission denied")
			},
			want:        berrors.CodeExecutionFault,
			recoverable: true,
		},
		{
			name: "deadline",
			fn: func(context.Context, tools.Args) (tools.Result, error) {
				return tools.Result{}, context.DeadlineExceeded
			},
			want:        berrors.CodeTimeout,
			recoverable: true,
		},
		{
			name: "failed result without error",
			fn: func(context.Context, tools.Args) (tools.Result, error) {
				return tools.Result{Success: false, Output: "partial"}, nil
			},
			want:        berrors.CodeExecutionFault,
			recoverable: true,
		},
		{
			name: "typed error kept",
			fn: func(context.Context, tools.Args) (tools.Result, error) {
				return tools.Result{}, berrors.New(berrors.CodeInvalidArgument, "bad input", nil)
			},
			want: berrors.CodeInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := newTool("flaky", tools.CategoryGeneral, tt.fn)
			f := newFixture(t, []tools.Tool{tool}, nil)
			res := f.sup.Run(context.Background(), tools.NewInvocation("flaky", nil, 1))
			if res.Success || !berrors.HasCode(res.Err, tt.want) {
				t.Fatalf("expected %s, got %+v", tt.want, res)
			}
			if berrors.IsRecoverable(res.Err) != tt.recoverable {
				t.Fatalf("recoverable = %v, want %v", berrors.IsRecoverable(res.Err), tt.recoverable)
			}
			if res.Duration <= 0 {
				t.Fatal("duration must be recorded")
			}
			if f.ledger.Len() != 1 {
				t.Fatalf("expected one execution entry, got %d", f.ledger.Len())
			}
		})
	}
}

func TestRunSecurityDisabled(t *testing.T) {
	tool := newTool("execute_command", tools.CategoryCommand, okFn)
	f := newFixture(t, []tools.Tool{tool}, nil, WithSecurity(false))
	res := f.sup.Run(context.Background(), tools.NewInvocation("execute_command", tools.Args{"command": "whoami"}, 1))
	if !res.Success || tool.calls != 1 {
		t.Fatalf("security disabled should skip command checks: %v", res.Err)
	}
	all := f.ledger.All()
	if len(all) != 1 || all[0].SecurityValidated {
		t.Fatalf("expected one unvalidated execution entry, got %+v", all)
	}
}

func TestRunPrefersContextLedger(t *testing.T) {
	tool := newTool("noop", tools.CategoryGeneral, okFn)
	f := newFixture(t, []tools.Tool{tool}, nil)
	runLedger := ledger.New(ledger.WithLogger(quietLogger()))
	runLedger.Begin("run-ctx")
	ctx := ledger.NewContext(context.Background(), runLedger)

	f.sup.Run(ctx, tools.NewInvocation("noop", nil, 1))
	if runLedger.Len() != 1 || f.ledger.Len() != 0 {
		t.Fatalf("entry should go to the context ledger: ctx=%d own=%d", runLedger.Len(), f.ledger.Len())
	}
	if runLedger.All()[0].RunID != "run-ctx" {
		t.Fatalf("unexpected run id %q", runLedger.All()[0].RunID)
	}
}

func TestSignature(t *testing.T) {
	cmd := &tools.Func{ToolName: "execute_command", ToolCategory: tools.CategoryCommand}
	file := &tools.Func{ToolName: "read_file", ToolCategory: tools.CategoryPath}
	if got := Signature(cmd, tools.Args{"command": "ls -la"}); got != "ls -la" {
		t.Fatalf("command signature = %q", got)
	}
	if got := Signature(file, tools.Args{"path": "/tmp/a", "b": 1}); got != "read_file(b=1, path=/tmp/a)" {
		t.Fatalf("tool signature = %q", got)
	}
}
