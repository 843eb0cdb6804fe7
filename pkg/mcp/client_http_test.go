// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/tools"
)

// gateExecutor runs registry tools and denies any command containing "deny".
type gateExecutor struct {
	registry *tools.Registry

	mu   sync.Mutex
	seen []tools.Invocation
}

func (g *gateExecutor) Run(ctx context.Context, inv tools.Invocation) tools.Result {
	g.mu.Lock()
	g.seen = append(g.seen, inv)
	g.mu.Unlock()
	if strings.Contains(inv.Args.String(tools.ArgCommand), "deny") {
		return tools.Result{Err: berrors.New(berrors.CodePolicyViolation, "command not allowed", nil)}
	}
	tool, ok := g.registry.Get(inv.Tool)
	if !ok {
		return tools.Result{Err: berrors.New(berrors.CodeToolNotFound, "unknown tool", nil)}
	}
	res, err := tool.Execute(ctx, inv.Args)
	res.Err = err
	return res
}

func exposedRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(
		&tools.Func{
			ToolName:        "echo",
			ToolDescription: "Echoes its command.",
			ToolCategory:    tools.CategoryCommand,
			Fn: func(_ context.Context, args tools.Args) (tools.Result, error) {
				return tools.Result{Success: true, Output: args.String(tools.ArgCommand)}, nil
			},
		},
		&tools.Func{ToolName: "write_note", ToolCategory: tools.CategoryPath, Approval: true},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestLoaderConnectStreamableHTTP(t *testing.T) {
	remote := exposedRegistry(t)
	exec := &gateExecutor{registry: remote}
	srv, err := NewServer("bastion-test", "1.0.0", remote, exec)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	httpServer := mcpserver.NewTestStreamableHTTPServer(srv.MCPServer())
	defer httpServer.Close()

	local, _ := tools.NewRegistry()
	loader, err := NewLoader(local, WithLoaderLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer loader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := loader.Connect(ctx, ServerConfig{Name: "remote", Transport: TransportHTTP, URL: httpServer.URL, Prefix: "remote"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 tools, got %d (%v)", n, local.Names())
	}

	echo, ok := local.Get("remote.echo")
	if !ok {
		t.Fatalf("remote.echo missing: %v", local.Names())
	}
	if echo.Category() != tools.CategoryCommand {
		t.Fatalf("remote.echo category = %s", echo.Category())
	}
	note, _ := local.Get("remote.write_note")
	if !note.RequiresApproval() {
		t.Fatalf("approval flag should travel as a destructive hint")
	}

	res, err := echo.Execute(ctx, tools.Args{tools.ArgCommand: "echo hi"})
	if err != nil || res.Output != "echo hi" {
		t.Fatalf("echo: %+v %v", res, err)
	}

	_, err = echo.Execute(ctx, tools.Args{tools.ArgCommand: "deny me"})
	if !berrors.HasCode(err, berrors.CodeExecutionFault) || !strings.Contains(err.Error(), "POLICY_VIOLATION") {
		t.Fatalf("expected remote policy denial surfaced as execution fault, got %v", err)
	}
	if len(exec.seen) != 2 {
		t.Fatalf("every remote call must pass through the executor, saw %d", len(exec.seen))
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer("x", "1", nil, &gateExecutor{}); !berrors.HasCode(err, berrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestClientToolCache(t *testing.T) {
	c := NewClient(nil, WithToolCacheTTL(time.Minute))
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }

	if c.cachedTools() != nil {
		t.Fatalf("empty cache should miss")
	}
	c.storeTools(exposedTools())
	if got := c.cachedTools(); len(got) != 1 {
		t.Fatalf("cache hit expected, got %v", got)
	}
	now = now.Add(2 * time.Minute)
	if c.cachedTools() != nil {
		t.Fatalf("expired cache should miss")
	}

	off := NewClient(nil, WithToolCacheTTL(0))
	off.storeTools(exposedTools())
	if off.cachedTools() != nil {
		t.Fatalf("disabled cache should never hit")
	}
}

func TestClientClassify(t *testing.T) {
	c := NewClient(nil, WithServerName("fs"))
	if err := c.classify("call_tool", context.DeadlineExceeded); !berrors.HasCode(err, berrors.CodeTimeout) || berrors.IsRecoverable(err) {
		t.Fatalf("deadline should be a non-retried timeout, got %v", err)
	}
	err := c.classify("call_tool", errContext("reset"))
	if !berrors.HasCode(err, berrors.CodeExecutionFault) || !berrors.IsRecoverable(err) {
		t.Fatalf("transport errors should be retried, got %v", err)
	}
	if c.classify("call_tool", nil) != nil {
		t.Fatalf("nil stays nil")
	}
}

func exposedTools() []mcp.Tool {
	return []mcp.Tool{{Name: "ping"}}
}

type errContext string

func (e errContext) Error() string { return string(e) }

func TestServedToolApprovalFlag(t *testing.T) {
	want := map[string]bool{"echo": false, "write_note": true}
	for _, d := range exposedRegistry(t).Describe(nil) {
		adapter, err := NewToolAdapter(toolFor(d), &stubCaller{})
		if err != nil {
			t.Fatalf("NewToolAdapter: %v", err)
		}
		if adapter.RequiresApproval() != want[d.Name] {
			t.Fatalf("%s RequiresApproval = %v, want %v", d.Name, adapter.RequiresApproval(), want[d.Name])
		}
		if adapter.Category() != d.Category {
			t.Fatalf("%s category round trip: %s != %s", d.Name, adapter.Category(), d.Category)
		}
	}
}
