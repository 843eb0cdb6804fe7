// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools defines the tool contract executed under supervision and a
// registry populated by loaders at startup.
package tools

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
)

// Category tells the supervisor which checks apply before a tool runs.
type Category string

const (
	// CategoryCommand tools take a shell command in the "command" argument.
	CategoryCommand Category = "command"
	// CategoryPath tools take a filesystem path in the "path" argument.
	CategoryPath Category = "path"
	// CategoryScript tools take source in "source" and a dialect in "dialect".
	CategoryScript Category = "script"
	// CategoryGeneral tools get no argument-level checks.
	CategoryGeneral Category = "general"
)

// Well-known argument keys.
const (
	ArgCommand = "command"
	ArgPath    = "path"
	ArgSource  = "source"
	ArgDialect = "dialect"
	ArgContent = "content"
)

// Args is the argument mapping of a tool call.
type Args map[string]any

// String returns the string value of key, or "" when absent or not a string.
func (a Args) String(key string) string {
	if a == nil {
		return ""
	}
	switch v := a[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy.
func (a Args) Clone() Args {
	if a == nil {
		return Args{}
	}
	return maps.Clone(a)
}

// Summary renders the arguments as "k=v, ..." with sorted keys and long
// values truncated.
func (a Args) Summary(max int) string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := a.String(k)
		if max > 0 && len(v) > max {
			v = v[:max] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ", ")
}

// Invocation is a single attempt to call a tool. It is never mutated after
// creation; retries create a new Invocation.
type Invocation struct {
	Tool      string
	Args      Args
	Iteration int
	Attempt   int
	Timestamp time.Time
}

// NewInvocation creates an invocation with a copy of args.
func NewInvocation(tool string, args Args, iteration int) Invocation {
	return Invocation{Tool: tool, Args: args.Clone(), Iteration: iteration, Timestamp: time.Now()}
}

// Retry returns a new invocation for the given attempt with corrected args.
func (inv Invocation) Retry(attempt int, args Args) Invocation {
	return Invocation{Tool: inv.Tool, Args: args.Clone(), Iteration: inv.Iteration, Attempt: attempt, Timestamp: time.Now()}
}

// Result is the outcome of one invocation attempt.
type Result struct {
	Success  bool
	Output   string
	Err      error
	Duration time.Duration
	Metadata map[string]any
}

// ErrorMessage returns the error text or "".
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// WithMeta returns a copy of r with key set in its metadata.
func (r Result) WithMeta(key string, value any) Result {
	m := maps.Clone(r.Metadata)
	if m == nil {
		m = make(map[string]any)
	}
	m[key] = value
	r.Metadata = m
	return r
}

// Tool is a capability the decision provider can call.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	RequiresApproval() bool
	Execute(ctx context.Context, args Args) (Result, error)
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolCategory    Category
	Approval        bool
	Fn              func(ctx context.Context, args Args) (Result, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.ToolDescription }

func (f *Func) Category() Category {
	if f.ToolCategory == "" {
		return CategoryGeneral
	}
	return f.ToolCategory
}

func (f *Func) RequiresApproval() bool { return f.Approval }

func (f *Func) Execute(ctx context.Context, args Args) (Result, error) {
	if f.Fn == nil {
		return Result{}, fmt.Errorf("tool %s has no implementation", f.ToolName)
	}
	return f.Fn(ctx, args)
}
