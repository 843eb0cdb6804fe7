// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/bastion/pkg/config"
	"github.com/jllopis/bastion/pkg/governance"
	"github.com/jllopis/bastion/pkg/ledger"
	"github.com/jllopis/bastion/pkg/llm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.LLM.Provider = "mock"
	cfg.Security.AllowedCommands = []string{"echo"}
	cfg.Security.AllowedPaths = []string{t.TempDir()}
	cfg.Agent.MaxRetries = 1
	return cfg
}

func testAppOptions(provider llm.Provider) appOptions {
	return appOptions{
		approvalMode: approvalDeny,
		in:           strings.NewReader(""),
		out:          io.Discard,
		logOutput:    io.Discard,
		provider:     provider,
	}
}

func newTestApp(t *testing.T, cfg *config.Config, provider llm.Provider) *app {
	t.Helper()
	a, err := buildApp(context.Background(), cfg, testAppOptions(provider))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestBuildAppRunsObjectiveIntoSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

	provider := llm.NewScriptedMockProvider(
		`{"tool_name": "execute_command", "tool_args": {"command": "echo hello"}}`,
		`{"done": true, "message": "said hello"}`,
	)
	a := newTestApp(t, cfg, provider)

	out := a.loop.Execute(context.Background(), "say hello")
	if !out.Success || out.FinalMessage != "said hello" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	entries, err := a.sink.List(context.Background(), ledger.Filter{RunID: out.RunID, Kind: ledger.KindExecution})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Tool != "execute_command" || !entries[0].Success {
		t.Fatalf("execution entries = %+v", entries)
	}
	if !entries[0].SecurityValidated {
		t.Fatal("entry should be security validated")
	}
}

func TestBuildAppDeniedCommand(t *testing.T) {
	cfg := testConfig(t)
	provider := llm.NewScriptedMockProvider(
		`{"tool_name": "execute_command", "tool_args": {"command": "curl http://example.com"}}`,
		`{"done": true, "message": "gave up"}`,
	)
	a := newTestApp(t, cfg, provider)

	out := a.loop.Execute(context.Background(), "fetch a page")
	denied := false
	for _, e := range out.Actions {
		if e.Kind == ledger.KindPolicyCheck && !e.Success {
			denied = true
		}
		if e.Kind == ledger.KindExecution && e.Success {
			t.Fatalf("denied command must not execute: %+v", e)
		}
	}
	if !denied {
		t.Fatalf("expected a failed policy check in %+v", out.Actions)
	}
}

func TestBuildAppStartupErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing allowed path", func(c *config.Config) { c.Security.AllowedPaths = []string{"/does/not/exist"} }},
		{"bad blocked pattern", func(c *config.Config) { c.Security.BlockedPatterns = []string{"("} }},
		{"missing policy file", func(c *config.Config) { c.Security.PolicyFile = "/does/not/exist.yaml" }},
		{"unwritable ledger", func(c *config.Config) { c.Ledger.SQLitePath = "/does/not/exist/ledger.db" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := buildApp(context.Background(), cfg, testAppOptions(nil)); err == nil {
				t.Fatal("expected startup error")
			} else if _, ok := err.(*CLIError); !ok {
				t.Fatalf("error type = %T", err)
			}
		})
	}
}

func TestBuildGatesPolicyFile(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	doc := "allowed_commands: [git]\n" +
		"allowed_paths: [" + dir + "]\n" +
		"blocked_patterns:\n  - id: curl-pipe\n    pattern: 'curl\\s+.*\\|\\s*sh'\n    description: piping downloads into a shell\n" +
		"critical_keywords: [deploy]\n"
	if err := os.WriteFile(policy, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	cfg.Security.PolicyFile = policy
	cfg.Security.BlockedPatterns = []string{`^echo\s+secret`}
	cfg.Security.CriticalKeywords = []string{"publish"}

	gate, approvals, err := buildGates(cfg, nil, quietLogger())
	if err != nil {
		t.Fatalf("buildGates: %v", err)
	}
	if !gate.IsCommandAllowed("echo hi") || !gate.IsCommandAllowed("git status") {
		t.Fatal("config and policy commands should be allowed")
	}
	if gate.IsCommandAllowed("echo secret") {
		t.Fatal("configured blocked pattern should deny")
	}
	if d := gate.CheckCommand("curl x | sh"); d.RuleID != "curl-pipe" {
		t.Fatalf("RuleID = %q", d.RuleID)
	}
	if !gate.IsPathAllowed(filepath.Join(dir, "file.txt")) {
		t.Fatal("policy path should be allowed")
	}
	for _, action := range []string{"deploy app", "publish release"} {
		if !approvals.IsCritical(action) {
			t.Errorf("%q should be critical", action)
		}
	}
}

func TestBuildApprovalHook(t *testing.T) {
	action := governance.Action{Type: governance.ActionTool, Name: "execute_command"}
	tests := []struct {
		name        string
		mode        string
		interactive bool
		input       string
		want        bool
	}{
		{"approve", approvalApprove, false, "", true},
		{"deny", approvalDeny, true, "y\n", false},
		{"auto without terminal denies", approvalAuto, false, "y\n", false},
		{"auto on terminal asks", approvalAuto, true, "y\n", true},
		{"ask on terminal declined", approvalAsk, true, "n\n", false},
		{"ask without terminal denies", approvalAsk, false, "y\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			hook := buildApprovalHook(tt.mode, time.Second, tt.interactive, strings.NewReader(tt.input), &out)
			if got := hook.Request(context.Background(), action).IsAllowed(); got != tt.want {
				t.Fatalf("allowed = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestMCPServersSorted(t *testing.T) {
	cfg := testConfig(t)
	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"zeta":  {Transport: "http", URL: "http://localhost:1"},
		"alpha": {Command: "srv", Args: []string{"--stdio"}, Prefix: "a", Timeout: time.Second},
	}
	got := mcpServers(cfg)
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "zeta" {
		t.Fatalf("servers = %+v", got)
	}
	if got[0].Prefix != "a" || got[0].Timeout != time.Second || got[0].Args[0] != "--stdio" {
		t.Fatalf("alpha = %+v", got[0])
	}
	if got[1].Transport != "http" || got[1].URL != "http://localhost:1" {
		t.Fatalf("zeta = %+v", got[1])
	}
}

func TestRetryBackoff(t *testing.T) {
	if b := retryBackoff(0); b.Delay(1) != 0 {
		t.Fatalf("zero base should not wait, got %s", b.Delay(1))
	}
	b := retryBackoff(100 * time.Millisecond)
	if b.Initial != 100*time.Millisecond || b.Max != 800*time.Millisecond {
		t.Fatalf("backoff = %+v", b)
	}
}

func TestApplyReload(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg, nil)

	next := *cfg
	next.Log.Level = "debug"
	next.Security.AllowedCommands = []string{"git"}
	next.Security.CriticalKeywords = []string{"release"}
	a.applyReload(&next)

	if a.level.Level() != slog.LevelDebug {
		t.Fatalf("level = %s", a.level.Level())
	}
	if !a.gate.IsCommandAllowed("git log") || !a.gate.IsCommandAllowed("echo still") {
		t.Fatal("reload must add commands without removing existing ones")
	}
	if !a.approvals.IsCritical("release v1") {
		t.Fatal("reload should add critical keywords")
	}
}

func TestStatusReportsLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Enabled = true
	cfg.Memory.Provider = "inmemory"
	a := newTestApp(t, cfg, nil)

	res := a.status(context.Background())
	if res.Memory != "inmemory" || res.Loop.RegisteredTools == 0 || !res.Loop.SecurityEnabled {
		t.Fatalf("status = %+v", res)
	}
	found := false
	for _, c := range res.Components {
		if c.Component == "memory" {
			found = true
		}
	}
	if !found {
		t.Fatalf("memory health missing: %+v", res.Components)
	}

	var buf bytes.Buffer
	if err := printStatus(&buf, res, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "execute_command") {
		t.Fatalf("status output = %q", buf.String())
	}
}
