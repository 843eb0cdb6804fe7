// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"path"
	"strings"
)

// ToolFilter decides which registered tools the decision provider may see
// and call. Lists accept exact names or path.Match globs ("fs_*").
type ToolFilter struct {
	allow  []string
	deny   []string
	engine PolicyEngine
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// WithAllowlist restricts tools to the given names or patterns.
func WithAllowlist(patterns ...string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.allow = appendPatterns(tf.allow, patterns)
	}
}

// WithDenylist hides the given names or patterns.
func WithDenylist(patterns ...string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.deny = appendPatterns(tf.deny, patterns)
	}
}

// WithPolicyEngine consults engine after the lists.
func WithPolicyEngine(engine PolicyEngine) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.engine = engine
	}
}

// NewToolFilter creates a filter. An empty filter allows everything.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

func appendPatterns(dst, patterns []string) []string {
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			dst = append(dst, p)
		}
	}
	return dst
}

// Check evaluates a tool name. Deny entries win over allow entries; a
// non-empty allowlist denies anything it does not match.
func (tf *ToolFilter) Check(ctx context.Context, toolName string) Decision {
	if tf == nil {
		return allow("", "")
	}
	if matchAny(tf.deny, toolName) {
		return deny("tool is in denylist", "tools.deny")
	}
	if len(tf.allow) > 0 && !matchAny(tf.allow, toolName) {
		return deny("tool is not in allowlist", "tools.allow")
	}
	if tf.engine != nil {
		return tf.engine.Evaluate(ctx, Action{Type: ActionTool, Name: toolName})
	}
	return allow("", "")
}

// Filter returns the names that pass Check, preserving order.
func (tf *ToolFilter) Filter(ctx context.Context, names []string) []string {
	if tf == nil || (len(tf.allow) == 0 && len(tf.deny) == 0 && tf.engine == nil) {
		return names
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if tf.Check(ctx, name).IsAllowed() {
			out = append(out, name)
		}
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
