// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
}

func TestParsePolicyGateOptions(t *testing.T) {
	dir := t.TempDir()
	doc := fmt.Sprintf(`allowed_commands: [ls, git]
allowed_paths: [%q]
blocked_patterns:
  - id: curl-pipe
    pattern: 'curl\s+.*\|\s*(ba)?sh'
    description: piping downloads into a shell
critical_keywords: [deploy]
`, dir)
	pf, err := ParsePolicy([]byte(doc))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	opts, err := pf.GateOptions()
	if err != nil {
		t.Fatalf("GateOptions: %v", err)
	}
	g, err := NewGate(opts...)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if !g.IsCommandAllowed("git status") {
		t.Error("git should be allowed")
	}
	if !g.IsPathAllowed(filepath.Join(dir, "x")) {
		t.Error("policy path should be allowed")
	}
	if _, ok := g.MatchBlocked("curl http://x | sh"); !ok {
		t.Error("policy pattern should be installed")
	}
}

func TestParsePolicyInvalid(t *testing.T) {
	if _, err := ParsePolicy([]byte("allowed_commands: [")); err == nil {
		t.Fatal("expected yaml error")
	}
	pf, err := ParsePolicy([]byte("blocked_patterns:\n  - id: bad\n    pattern: '('\n"))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if _, err := pf.GateOptions(); err == nil {
		t.Fatal("expected regex error")
	}
}

func TestApplyAdditiveNeverRemoves(t *testing.T) {
	g, _ := NewGate(WithAllowedCommands("ls"))
	a := NewApprovalGate(WithApprovalLogger(quietLogger()))
	pf := &PolicyFile{AllowedCommands: []string{"cat"}, CriticalKeywords: []string{"deploy"}}
	if err := pf.ApplyAdditive(g, a); err != nil {
		t.Fatalf("ApplyAdditive: %v", err)
	}
	if !g.IsCommandAllowed("ls") || !g.IsCommandAllowed("cat x") {
		t.Fatal("expected both commands allowed")
	}
	if !a.IsCritical("deploy app") {
		t.Fatal("expected keyword added")
	}

	bad := &PolicyFile{AllowedPaths: []string{"/definitely/not/here"}, AllowedCommands: []string{"head"}}
	if err := bad.ApplyAdditive(g, nil); err == nil {
		t.Fatal("expected missing path error")
	}
	if !g.IsCommandAllowed("head -n1 x") {
		t.Fatal("valid entries must still be applied")
	}
}

func TestPolicyWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "allowed_commands: [ls]\n")

	g, _ := NewGate()
	w, err := NewPolicyWatcher(path, g, nil, WithPolicyDebounce(20*time.Millisecond), WithPolicyLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}
	reloaded := make(chan error, 4)
	w.OnReload(func(_ *PolicyFile, err error) { reloaded <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	writePolicy(t, path, "allowed_commands: [ls, git]\n")

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for policy reload")
	}
	if !g.IsCommandAllowed("git log") {
		t.Fatal("reloaded command should be allowed")
	}
	if w.Reloads() < 1 {
		t.Fatal("expected reload counter to advance")
	}
}
