// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package analyzer

import (
	stderrors "errors"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"path"
	"strconv"
)

func (a *Analyzer) analyzeGo(src string, cat Catalog) Report {
	var r Report
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "script.go", src, parser.SkipObjectResolution)
	if err != nil {
		line := 1
		var list scanner.ErrorList
		if stderrors.As(err, &list) && len(list) > 0 {
			line = list[0].Pos.Line
		}
		r.add(RuleSyntax, "file", line, "invalid syntax: %v", err)
		return r
	}

	alias := resolver{}
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		local := path.Base(p)
		if imp.Name != nil {
			local = imp.Name.Name
		}
		alias[local] = p
		if cat.module(p) {
			r.add(RuleDangerousImport, "import "+p, fset.Position(imp.Pos()).Line, "dangerous import: %s", p)
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		if n == nil {
			return false
		}
		r.NodesVisited++
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		target, imported := alias[pkg.Name]
		if !imported {
			return true
		}
		full := target + "." + sel.Sel.Name
		line := fset.Position(call.Pos()).Line

		switch {
		case cat.member(full):
			r.add(RuleDangerousCall, "call "+pkg.Name+"."+sel.Sel.Name, line, "dangerous call: %s()", full)
		case cat.reflectiveModule(full):
			r.add(RuleReflective, "call "+pkg.Name+"."+sel.Sel.Name, line, "reflective access: %s()", full)
		}

		if a.checker != nil && contains(cat.OpenFuncs, full) && len(call.Args) > 0 {
			if lit, ok := call.Args[0].(*ast.BasicLit); ok && lit.Kind == token.STRING {
				if p, err := strconv.Unquote(lit.Value); err == nil && !a.checker.IsPathAllowed(p) {
					r.add(RuleFileAccess, "call "+full, line, "file access not allowed: %s", p)
				}
			}
		}
		return true
	})
	return r
}
