// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package analyzer

import (
	stderrors "errors"
	"path"
	"strings"

	"go.starlark.net/syntax"
)

var starlarkOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

func (a *Analyzer) analyzeStarlark(src string, cat Catalog) Report {
	var r Report
	f, err := starlarkOptions.Parse("script.star", src, 0)
	if err != nil {
		line := 1
		var se syntax.Error
		if stderrors.As(err, &se) {
			line = int(se.Pos.Line)
		}
		r.add(RuleSyntax, "module", line, "invalid syntax: %v", err)
		return r
	}

	alias := resolver{}
	syntax.Walk(f, func(n syntax.Node) bool {
		if n == nil {
			return false
		}
		r.NodesVisited++
		start, _ := n.Span()
		line := int(start.Line)
		switch n := n.(type) {
		case *syntax.LoadStmt:
			module := starlarkModuleName(n.ModuleName())
			if cat.module(module) {
				r.add(RuleDangerousImport, "load "+n.ModuleName(), line, "dangerous import: %s", module)
			}
			for i, from := range n.From {
				full := module + "." + from.Name
				alias[n.To[i].Name] = full
				if cat.member(full) {
					r.add(RuleDangerousImport, "load "+from.Name, line, "dangerous import: %s", full)
				}
			}
		case *syntax.CallExpr:
			starlarkCall(&r, cat, a.checker, alias, n, line)
		case *syntax.Ident:
			if contains(cat.ReflectiveAttrs, n.Name) {
				r.add(RuleReflective, "identifier "+n.Name, line, "access to interpreter internals via %s", n.Name)
			}
		}
		return true
	})
	return r
}

func starlarkModuleName(m string) string {
	m = strings.TrimPrefix(m, "@")
	if i := strings.LastIndexAny(m, ":/"); i >= 0 {
		m = m[i+1:]
	}
	return strings.TrimSuffix(m, path.Ext(m))
}

func starlarkDotted(e syntax.Expr) (string, bool) {
	switch e := e.(type) {
	case *syntax.Ident:
		return e.Name, true
	case *syntax.DotExpr:
		base, ok := starlarkDotted(e.X)
		if !ok {
			return "", false
		}
		return base + "." + e.Name.Name, true
	}
	return "", false
}

func starlarkString(e syntax.Expr) (string, bool) {
	lit, ok := e.(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return "", false
	}
	s, ok := lit.Value.(string)
	return s, ok
}

func starlarkCall(r *Report, cat Catalog, checker PathChecker, alias resolver, call *syntax.CallExpr, line int) {
	raw, ok := starlarkDotted(call.Fn)
	if !ok {
		if dot, isDot := call.Fn.(*syntax.DotExpr); isDot && contains(cat.EvalBuiltins, dot.Name.Name) {
			r.add(RuleDynamicEval, "call ."+dot.Name.Name, line, "dynamic evaluation through attribute %s", dot.Name.Name)
		}
		return
	}
	full := alias.resolve(raw)

	if !strings.Contains(full, ".") {
		if contains(cat.EvalBuiltins, full) {
			r.add(RuleDynamicEval, "call "+raw, line, "dynamic evaluation builtin %s()", full)
		}
		if full == "getattr" && len(call.Args) >= 2 {
			if name, ok := starlarkString(call.Args[1]); ok {
				switch {
				case contains(cat.ReflectiveAttrs, name):
					r.add(RuleReflective, "call getattr", line, "getattr reaches %s", name)
				case contains(cat.EvalBuiltins, name):
					r.add(RuleDynamicEval, "call getattr", line, "getattr reaches %s", name)
				}
			}
		}
	} else {
		if cat.member(full) {
			r.add(RuleDangerousCall, "call "+raw, line, "dangerous call: %s()", full)
		}
		if attr := full[strings.LastIndex(full, ".")+1:]; contains(cat.EvalBuiltins, attr) {
			r.add(RuleDynamicEval, "call ."+attr, line, "dynamic evaluation through attribute %s", attr)
		}
	}

	if checker != nil && contains(cat.OpenFuncs, full) && len(call.Args) > 0 {
		if p, ok := starlarkString(call.Args[0]); ok && !checker.IsPathAllowed(p) {
			r.add(RuleFileAccess, "call "+full, line, "file access not allowed: %s", p)
		}
	}
}
