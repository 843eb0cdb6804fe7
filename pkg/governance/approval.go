// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCriticalKeywords lists the terms that mark an action as critical:
// deletion, formatting, privilege escalation, network reconfiguration,
// package management and power control.
var DefaultCriticalKeywords = []string{
	"delete", "remove", "rm", "rmdir",
	"format", "mkfs", "dd",
	"sudo", "chmod", "chown",
	"network", "firewall", "iptables",
	"install", "uninstall", "apt", "pip", "brew",
	"reboot", "shutdown", "halt",
}

// ApprovalRecord is one approval decision taken during the session.
type ApprovalRecord struct {
	Action    string    `json:"action"`
	Context   string    `json:"context,omitempty"`
	Approved  bool      `json:"approved"`
	Auto      bool      `json:"auto,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalGate detects critical actions and asks the approval hook before
// they run. Approved signatures are cached for the lifetime of the gate.
type ApprovalGate struct {
	mu          sync.RWMutex
	keywords    []string
	autoApprove bool
	hook        ApprovalHook
	cache       map[string]struct{}
	history     []ApprovalRecord
	logger      *slog.Logger
	now         func() time.Time
}

// ApprovalOption configures an ApprovalGate.
type ApprovalOption func(*ApprovalGate)

// WithApprovalHook sets the external approval channel.
func WithApprovalHook(hook ApprovalHook) ApprovalOption {
	return func(g *ApprovalGate) {
		g.hook = hook
	}
}

// WithAutoApprove approves every action without asking. This is a reduced
// security mode and every auto-approval is logged at WARN.
func WithAutoApprove(enabled bool) ApprovalOption {
	return func(g *ApprovalGate) {
		g.autoApprove = enabled
	}
}

// WithCriticalKeywords adds keywords to the default catalog.
func WithCriticalKeywords(keywords ...string) ApprovalOption {
	return func(g *ApprovalGate) {
		g.addKeywordsLocked(keywords...)
	}
}

// WithApprovalLogger sets the logger used for approval events.
func WithApprovalLogger(logger *slog.Logger) ApprovalOption {
	return func(g *ApprovalGate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewApprovalGate creates an approval gate. Without a hook every critical
// action is denied unless auto-approve is on.
func NewApprovalGate(opts ...ApprovalOption) *ApprovalGate {
	g := &ApprovalGate{
		keywords: append([]string(nil), DefaultCriticalKeywords...),
		cache:    make(map[string]struct{}),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.autoApprove {
		g.logger.Warn("approval.auto_approve.enabled", slog.String("mode", "auto_approve"))
	}
	return g
}

// AddCriticalKeywords extends the keyword catalog.
func (g *ApprovalGate) AddCriticalKeywords(keywords ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addKeywordsLocked(keywords...)
}

func (g *ApprovalGate) addKeywordsLocked(keywords ...string) {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		dup := false
		for _, existing := range g.keywords {
			if existing == kw {
				dup = true
				break
			}
		}
		if !dup {
			g.keywords = append(g.keywords, kw)
		}
	}
}

// AutoApprove reports whether the gate runs in auto-approve mode.
func (g *ApprovalGate) AutoApprove() bool {
	return g.autoApprove
}

// IsCritical reports whether action contains any critical keyword.
// Matching is a case-insensitive substring test.
func (g *ApprovalGate) IsCritical(action string) bool {
	_, ok := g.CriticalKeyword(action)
	return ok
}

// CriticalKeyword returns the first keyword found in action.
func (g *ApprovalGate) CriticalKeyword(action string) (string, bool) {
	lowered := strings.ToLower(action)
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, kw := range g.keywords {
		if strings.Contains(lowered, kw) {
			return kw, true
		}
	}
	return "", false
}

// RequireApproval returns whether action may proceed. Previously approved
// signatures return true without consulting the hook again.
func (g *ApprovalGate) RequireApproval(ctx context.Context, action, actionContext string) bool {
	if g.autoApprove {
		g.logger.WarnContext(ctx, "approval.auto_approved",
			slog.String("mode", "auto_approve"),
			slog.String("action", action),
		)
		g.record(ApprovalRecord{Action: action, Context: actionContext, Approved: true, Auto: true, Timestamp: g.now()})
		return true
	}

	g.mu.RLock()
	_, cached := g.cache[action]
	hook := g.hook
	g.mu.RUnlock()
	if cached {
		g.logger.DebugContext(ctx, "approval.cached", slog.String("action", action))
		return true
	}

	decision := deny("no approval channel configured", "approval")
	if hook != nil {
		meta := map[string]string{"context": actionContext}
		if kw, ok := g.CriticalKeyword(action); ok {
			meta["keyword"] = kw
		}
		decision = hook.Request(ctx, Action{Type: ActionTool, Name: action, Metadata: meta})
	}

	approved := decision.IsAllowed()
	g.mu.Lock()
	if approved {
		g.cache[action] = struct{}{}
	}
	g.history = append(g.history, ApprovalRecord{Action: action, Context: actionContext, Approved: approved, Timestamp: g.now()})
	g.mu.Unlock()

	level := slog.LevelInfo
	if !approved {
		level = slog.LevelWarn
	}
	g.logger.Log(ctx, level, "approval.decision",
		slog.String("action", action),
		slog.Bool("approved", approved),
		slog.String("reason", decision.Reason),
	)
	return approved
}

func (g *ApprovalGate) record(rec ApprovalRecord) {
	g.mu.Lock()
	g.history = append(g.history, rec)
	g.mu.Unlock()
}

// History returns a copy of every decision taken so far, oldest first.
func (g *ApprovalGate) History() []ApprovalRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]ApprovalRecord(nil), g.history...)
}

// ApprovalReport summarizes the approval history.
type ApprovalReport struct {
	Total    int              `json:"total"`
	Approved int              `json:"approved"`
	Denied   int              `json:"denied"`
	Recent   []ApprovalRecord `json:"recent"`
}

// Report returns counters over the full history and the last n records.
func (g *ApprovalGate) Report(n int) ApprovalReport {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r := ApprovalReport{Total: len(g.history)}
	for _, rec := range g.history {
		if rec.Approved {
			r.Approved++
		} else {
			r.Denied++
		}
	}
	start := 0
	if n >= 0 && n < len(g.history) {
		start = len(g.history) - n
	}
	r.Recent = append([]ApprovalRecord(nil), g.history[start:]...)
	return r
}
