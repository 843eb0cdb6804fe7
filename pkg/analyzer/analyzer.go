// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package analyzer statically inspects scripts before they are interpreted.
// Sources are parsed into a syntax tree and every node is checked against a
// danger catalog. Nothing under analysis is ever executed. Parse failures
// are reported as violations so unknown input fails closed.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// Dialect selects the parser used for a script.
type Dialect string

const (
	DialectPython   Dialect = "python"
	DialectStarlark Dialect = "starlark"
	DialectGo       Dialect = "go"
)

// Rule identifies the check that produced a violation.
type Rule string

const (
	RuleSyntax          Rule = "syntax"
	RuleDangerousImport Rule = "dangerous_import"
	RuleDangerousCall   Rule = "dangerous_call"
	RuleDynamicEval     Rule = "dynamic_eval"
	RuleReflective      Rule = "reflective_access"
	RuleFileAccess      Rule = "file_access"
)

// Violation is a single finding.
type Violation struct {
	Rule   Rule   `json:"rule"`
	Node   string `json:"node"`
	Line   int    `json:"line"`
	Detail string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("line %d: %s: %s [%s]", v.Line, v.Rule, v.Detail, v.Node)
}

// Report is the outcome of analyzing one script.
type Report struct {
	Dialect      Dialect     `json:"dialect"`
	Safe         bool        `json:"safe"`
	Violations   []Violation `json:"violations"`
	NodesVisited int         `json:"nodes_visited"`
}

// Strings returns the violations as human-readable lines.
func (r Report) Strings() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.String()
	}
	return out
}

func (r *Report) add(rule Rule, node string, line int, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Rule: rule, Node: node, Line: line, Detail: fmt.Sprintf(format, args...)})
}

// PathChecker decides whether a literal file path may be opened.
// *governance.Gate satisfies it.
type PathChecker interface {
	IsPathAllowed(path string) bool
}

// Catalog lists the constructs a dialect treats as dangerous. Members accept
// path.Match globs such as "os.exec*".
type Catalog struct {
	// Modules are dangerous to import at all; any call into them is flagged.
	Modules []string
	// Members are dangerous functions reached through an importable module.
	Members []string
	// EvalBuiltins evaluate or compile code at runtime.
	EvalBuiltins []string
	// ReflectiveAttrs are attribute names that reach interpreter internals.
	ReflectiveAttrs []string
	// ReflectiveModules are packages whose use is reflective access.
	ReflectiveModules []string
	// OpenFuncs take a file path as their first argument.
	OpenFuncs []string
}

func (c Catalog) module(name string) bool {
	return contains(c.Modules, name)
}

// member reports whether a dotted call target is dangerous, either through a
// listed member or because its module is listed.
func (c Catalog) member(full string) bool {
	for _, p := range c.Members {
		if ok, err := path.Match(p, full); err == nil && ok {
			return true
		}
	}
	if i := strings.LastIndex(full, "."); i > 0 {
		return c.module(full[:i])
	}
	return false
}

func (c Catalog) reflectiveModule(full string) bool {
	if i := strings.LastIndex(full, "."); i > 0 {
		return contains(c.ReflectiveModules, full[:i])
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultPythonCatalog covers process spawning, destructive filesystem
// helpers, privilege changes and dynamic evaluation.
func DefaultPythonCatalog() Catalog {
	return Catalog{
		Modules: []string{"subprocess", "pty", "ctypes", "pexpect", "importlib", "multiprocessing"},
		Members: []string{
			"os.system", "os.popen", "os.exec*", "os.spawn*", "os.fork", "os.forkpty",
			"os.remove", "os.unlink", "os.rmdir", "os.removedirs",
			"os.setuid", "os.setgid", "os.chmod", "os.chown", "os.kill",
			"shutil.rmtree", "shutil.move", "shutil.copy*", "shutil.chown",
		},
		EvalBuiltins:    []string{"eval", "exec", "compile", "__import__", "globals", "locals"},
		ReflectiveAttrs: []string{"__class__", "__bases__", "__subclasses__", "__globals__", "__builtins__", "__dict__", "__mro__", "__code__"},
		OpenFuncs:       []string{"open", "io.open", "os.open"},
	}
}

// DefaultStarlarkCatalog targets hosts that expose os-like builtins to
// Starlark scripts.
func DefaultStarlarkCatalog() Catalog {
	c := DefaultPythonCatalog()
	c.OpenFuncs = []string{"open", "read_file", "write_file"}
	return c
}

// DefaultGoCatalog covers process execution, raw syscalls, unsafe memory
// and plugin loading.
func DefaultGoCatalog() Catalog {
	return Catalog{
		Modules: []string{"os/exec", "syscall", "unsafe", "plugin", "golang.org/x/sys/unix"},
		Members: []string{
			"os.RemoveAll", "os.Remove", "os.Chmod", "os.Chown", "os.Lchown",
			"os.StartProcess", "os.Setenv",
		},
		ReflectiveModules: []string{"reflect"},
		OpenFuncs:         []string{"os.Open", "os.OpenFile", "os.Create", "os.ReadFile", "os.WriteFile"},
	}
}

// Analyzer runs static checks. It is safe for concurrent use; parsers are
// created per call.
type Analyzer struct {
	checker  PathChecker
	catalogs map[Dialect]Catalog
	dialect  Dialect
	logger   *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithPathChecker enables the file_access rule.
func WithPathChecker(pc PathChecker) Option {
	return func(a *Analyzer) {
		a.checker = pc
	}
}

// WithCatalog replaces the catalog for a dialect.
func WithCatalog(d Dialect, c Catalog) Option {
	return func(a *Analyzer) {
		a.catalogs[d] = c
	}
}

// WithDefaultDialect sets the dialect used by ValidateScript.
func WithDefaultDialect(d Dialect) Option {
	return func(a *Analyzer) {
		a.dialect = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an analyzer with the default catalogs.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		catalogs: map[Dialect]Catalog{
			DialectPython:   DefaultPythonCatalog(),
			DialectStarlark: DefaultStarlarkCatalog(),
			DialectGo:       DefaultGoCatalog(),
		},
		dialect: DialectPython,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ParseDialect maps a user supplied name to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "python", "py", "python3":
		return DialectPython, nil
	case "starlark", "star", "bzl":
		return DialectStarlark, nil
	case "go", "golang":
		return DialectGo, nil
	}
	return "", berrors.New(berrors.CodeInvalidArgument, "unsupported script dialect", nil).WithContext("dialect", s)
}

// Analyze parses src in the given dialect and checks every node.
func (a *Analyzer) Analyze(ctx context.Context, d Dialect, src string) (Report, error) {
	cat, ok := a.catalogs[d]
	if !ok {
		return Report{}, berrors.New(berrors.CodeInvalidArgument, "unsupported script dialect", nil).WithContext("dialect", string(d))
	}
	var r Report
	switch d {
	case DialectPython:
		r = a.analyzePython(ctx, []byte(src), cat)
	case DialectStarlark:
		r = a.analyzeStarlark(src, cat)
	case DialectGo:
		r = a.analyzeGo(src, cat)
	}
	r.Dialect = d
	r.Safe = len(r.Violations) == 0
	if !r.Safe {
		a.logger.WarnContext(ctx, "analyzer.script.rejected",
			slog.String("dialect", string(d)),
			slog.Int("violations", len(r.Violations)),
			slog.String("first", r.Violations[0].String()),
		)
	}
	return r, nil
}

// ValidateScript analyzes src in the default dialect and returns whether it
// is safe along with the violation descriptions.
func (a *Analyzer) ValidateScript(src string) (bool, []string) {
	r, err := a.Analyze(context.Background(), a.dialect, src)
	if err != nil {
		return false, []string{err.Error()}
	}
	return r.Safe, r.Strings()
}

// Validate is like Analyze but returns a VALIDATION_FAULT error for unsafe
// scripts.
func (a *Analyzer) Validate(ctx context.Context, d Dialect, src string) (Report, error) {
	r, err := a.Analyze(ctx, d, src)
	if err != nil {
		return r, err
	}
	if !r.Safe {
		return r, berrors.New(berrors.CodeValidationFault, "script rejected by static analysis", nil).
			WithContext("dialect", string(d)).
			WithContext("violations", r.Strings())
	}
	return r, nil
}

// resolver maps local aliases to the dotted names they were imported as.
type resolver map[string]string

func (rs resolver) resolve(dotted string) string {
	head, rest, found := strings.Cut(dotted, ".")
	if target, ok := rs[head]; ok {
		if found {
			return target + "." + rest
		}
		return target
	}
	return dotted
}
