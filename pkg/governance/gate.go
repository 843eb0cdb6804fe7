// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// Gate is the command and path allow/deny gate. Allow sets only grow; the
// blocked pattern list is fixed at construction. A Gate is safe for
// concurrent use and may be shared between objective runs.
type Gate struct {
	mu       sync.RWMutex
	commands map[string]struct{}
	paths    []string
	patterns []BlockedPattern
}

// GateOption configures a Gate.
type GateOption func(*Gate) error

// WithAllowedCommands seeds the command allow set.
func WithAllowedCommands(names ...string) GateOption {
	return func(g *Gate) error {
		for _, name := range names {
			if err := g.addCommandLocked(name); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithAllowedPaths seeds the path allow set. Every path must exist.
func WithAllowedPaths(paths ...string) GateOption {
	return func(g *Gate) error {
		for _, p := range paths {
			if err := g.addPathLocked(p); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithBlockedPatterns appends patterns after the default catalog.
func WithBlockedPatterns(patterns ...BlockedPattern) GateOption {
	return func(g *Gate) error {
		g.patterns = append(g.patterns, patterns...)
		return nil
	}
}

// NewGate creates a gate with the default blocked catalog and the given options.
func NewGate(opts ...GateOption) (*Gate, error) {
	g := &Gate{
		commands: make(map[string]struct{}),
		patterns: DefaultBlockedPatterns(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddAllowedCommand normalizes name and adds it to the allow set.
func (g *Gate) AddAllowedCommand(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addCommandLocked(name)
}

func (g *Gate) addCommandLocked(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return berrors.New(berrors.CodeInvalidArgument, "command name is empty", nil)
	}
	g.commands[name] = struct{}{}
	return nil
}

// AddAllowedPath canonicalizes p and adds it to the path allow set.
func (g *Gate) AddAllowedPath(p string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addPathLocked(p)
}

func (g *Gate) addPathLocked(p string) error {
	if strings.TrimSpace(p) == "" {
		return berrors.New(berrors.CodeInvalidArgument, "path is empty", nil)
	}
	if _, err := os.Stat(p); err != nil {
		return berrors.New(berrors.CodePathNotFound, "allowed path does not exist", err).
			WithContext("path", p)
	}
	canon, err := Canonicalize(p)
	if err != nil {
		return berrors.New(berrors.CodePathNotFound, "allowed path cannot be resolved", err).
			WithContext("path", p)
	}
	for _, existing := range g.paths {
		if existing == canon {
			return nil
		}
	}
	g.paths = append(g.paths, canon)
	return nil
}

// MatchBlocked returns the first blocked pattern matching command.
func (g *Gate) MatchBlocked(command string) (BlockedPattern, bool) {
	lowered := strings.ToLower(strings.TrimSpace(command))
	for _, p := range g.patterns {
		if p.Match(lowered) {
			return p, true
		}
	}
	return BlockedPattern{}, false
}

// CheckCommand evaluates command and explains the outcome.
func (g *Gate) CheckCommand(command string) Decision {
	fields := strings.Fields(strings.ToLower(command))
	if len(fields) == 0 {
		return deny("empty command", "empty")
	}
	if p, ok := g.MatchBlocked(command); ok {
		return deny("blocked pattern: "+p.Description, p.ID)
	}
	head := fields[0]
	g.mu.RLock()
	_, ok := g.commands[head]
	g.mu.RUnlock()
	if !ok {
		return deny("command not in allow set: "+head, "allowlist")
	}
	return allow("command allowed: "+head, "allowlist")
}

// IsCommandAllowed reports whether command passes the blocked catalog and
// its head token is in the allow set.
func (g *Gate) IsCommandAllowed(command string) bool {
	return g.CheckCommand(command).IsAllowed()
}

// IsPathAllowed reports whether p, once canonicalized, equals or is nested
// under an allowed path.
func (g *Gate) IsPathAllowed(p string) bool {
	if strings.TrimSpace(p) == "" {
		return false
	}
	canon, err := Canonicalize(p)
	if err != nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, root := range g.paths {
		if within(root, canon) {
			return true
		}
	}
	return false
}

// ValidateCommand returns a POLICY_VIOLATION error when command is denied.
func (g *Gate) ValidateCommand(command string) error {
	d := g.CheckCommand(command)
	if d.IsAllowed() {
		return nil
	}
	return berrors.New(berrors.CodePolicyViolation, "command not allowed", nil).
		WithContext("command", command).
		WithContext("reason", d.Reason).
		WithAttribute("rule", d.RuleID)
}

// ValidatePath returns a POLICY_VIOLATION error when p is outside the allowed paths.
func (g *Gate) ValidatePath(p string) error {
	if g.IsPathAllowed(p) {
		return nil
	}
	return berrors.New(berrors.CodePolicyViolation, "path not allowed", nil).
		WithContext("path", p)
}

// Evaluate implements PolicyEngine for command and path actions. Other
// action types are allowed.
func (g *Gate) Evaluate(_ context.Context, action Action) Decision {
	switch action.Type {
	case ActionCommand:
		return g.CheckCommand(action.Name)
	case ActionPath:
		if g.IsPathAllowed(action.Name) {
			return allow("path allowed", "paths")
		}
		return deny("path not allowed: "+action.Name, "paths")
	default:
		return allow("", "")
	}
}

// PatternSummary describes one blocked pattern in a Report.
type PatternSummary struct {
	ID          string `json:"id"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
}

// Report is a snapshot of the gate configuration.
type Report struct {
	AllowedCommands []string         `json:"allowed_commands"`
	AllowedPaths    []string         `json:"allowed_paths"`
	BlockedPatterns []PatternSummary `json:"blocked_patterns"`
}

// Report returns a sorted snapshot of the allow sets and the blocked catalog.
func (g *Gate) Report() Report {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r := Report{
		AllowedCommands: make([]string, 0, len(g.commands)),
		AllowedPaths:    append([]string(nil), g.paths...),
		BlockedPatterns: make([]PatternSummary, 0, len(g.patterns)),
	}
	for name := range g.commands {
		r.AllowedCommands = append(r.AllowedCommands, name)
	}
	sort.Strings(r.AllowedCommands)
	sort.Strings(r.AllowedPaths)
	for _, p := range g.patterns {
		r.BlockedPatterns = append(r.BlockedPatterns, PatternSummary{ID: p.ID, Pattern: p.Expr(), Description: p.Description})
	}
	return r
}

// Canonicalize resolves p to an absolute path with every symlink, "." and
// ".." resolved. Components that do not exist yet are appended lexically to
// the deepest existing ancestor, so paths for files about to be created can
// still be checked.
func Canonicalize(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", berrors.New(berrors.CodeInvalidArgument, "path is empty", nil)
	}
	sep := string(filepath.Separator)
	if !filepath.IsAbs(p) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		p = wd + sep + p
	}
	cur := filepath.VolumeName(p) + sep
	missing := false
	for _, part := range strings.Split(p[len(filepath.VolumeName(p)):], sep) {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}
		next := filepath.Join(cur, part)
		if !missing {
			resolved, err := filepath.EvalSymlinks(next)
			switch {
			case err == nil:
				cur = resolved
				continue
			case stderrors.Is(err, fs.ErrNotExist):
				missing = true
			default:
				return "", err
			}
		}
		cur = next
	}
	return cur, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
