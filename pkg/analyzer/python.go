// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package analyzer

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

type pyVisitor struct {
	src     []byte
	cat     Catalog
	checker PathChecker
	alias   resolver
	report  *Report
	syntax  bool
}

func (a *Analyzer) analyzePython(ctx context.Context, src []byte, cat Catalog) Report {
	var r Report
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		r.add(RuleSyntax, "module", 1, "parse failed: %v", err)
		return r
	}
	defer tree.Close()

	root := tree.RootNode()
	v := &pyVisitor{src: src, cat: cat, checker: a.checker, alias: resolver{}, report: &r}
	if root.HasError() {
		v.syntax = true
	}

	// Iterative pre-order walk so imports are seen before the calls that use them.
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		r.NodesVisited++
		v.visit(n)
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if c := n.Child(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
	if v.syntax {
		// HasError was set but no ERROR node surfaced.
		r.add(RuleSyntax, "module", 1, "source does not parse")
	}
	return r
}

func (v *pyVisitor) line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func (v *pyVisitor) text(n *sitter.Node) string {
	return n.Content(v.src)
}

func (v *pyVisitor) visit(n *sitter.Node) {
	switch n.Type() {
	case "ERROR":
		v.syntaxError(n)
	case "import_statement":
		v.importStatement(n)
	case "import_from_statement":
		v.importFrom(n)
	case "call":
		v.call(n)
	case "identifier":
		name := v.text(n)
		if contains(v.cat.ReflectiveAttrs, name) {
			v.report.add(RuleReflective, "identifier "+name, v.line(n), "access to interpreter internals via %s", name)
		}
		if contains(v.cat.EvalBuiltins, name) && v.bareReference(n) {
			v.report.add(RuleDynamicEval, "identifier "+name, v.line(n), "reference to evaluation builtin %s", name)
		}
	default:
		if n.IsMissing() {
			v.syntaxError(n)
		}
	}
}

// bareReference reports whether identifier n is used as a value: not the
// callee of a call, an attribute name, a keyword name or part of an import.
func (v *pyVisitor) bareReference(n *sitter.Node) bool {
	parent := n.Parent()
	if parent == nil {
		return true
	}
	switch parent.Type() {
	case "call":
		return !sameNode(parent.ChildByFieldName("function"), n)
	case "attribute":
		return !sameNode(parent.ChildByFieldName("attribute"), n)
	case "keyword_argument":
		return !sameNode(parent.ChildByFieldName("name"), n)
	case "dotted_name", "aliased_import":
		return false
	}
	return true
}

func sameNode(a, b *sitter.Node) bool {
	return a != nil && b != nil && a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte()
}

func (v *pyVisitor) syntaxError(n *sitter.Node) {
	if !v.syntax {
		return
	}
	v.syntax = false
	v.report.add(RuleSyntax, n.Type(), v.line(n), "invalid syntax near %q", truncate(v.text(n), 40))
}

func (v *pyVisitor) checkModule(name string, n *sitter.Node) {
	head, _, _ := strings.Cut(name, ".")
	if v.cat.module(name) || v.cat.module(head) {
		v.report.add(RuleDangerousImport, "import "+name, v.line(n), "dangerous import: %s", name)
	}
}

func (v *pyVisitor) importStatement(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "dotted_name":
			v.checkModule(v.text(c), n)
		case "aliased_import":
			name := c.ChildByFieldName("name")
			if name == nil {
				continue
			}
			module := v.text(name)
			v.checkModule(module, n)
			if alias := c.ChildByFieldName("alias"); alias != nil {
				v.alias[v.text(alias)] = module
			}
		}
	}
}

func (v *pyVisitor) importFrom(n *sitter.Node) {
	modNode := n.ChildByFieldName("module_name")
	if modNode == nil {
		return
	}
	module := v.text(modNode)
	v.checkModule(module, n)

	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.StartByte() == modNode.StartByte() {
			continue
		}
		var name, local string
		switch c.Type() {
		case "dotted_name":
			name = v.text(c)
			local = name
		case "aliased_import":
			nn := c.ChildByFieldName("name")
			if nn == nil {
				continue
			}
			name = v.text(nn)
			local = name
			if alias := c.ChildByFieldName("alias"); alias != nil {
				local = v.text(alias)
			}
		default:
			continue
		}
		full := module + "." + name
		v.alias[local] = full
		if v.cat.member(full) {
			v.report.add(RuleDangerousImport, "from "+module+" import "+name, v.line(n), "dangerous import: %s", full)
		}
	}
}

// dotted returns the dotted form of an identifier/attribute chain.
func (v *pyVisitor) dotted(n *sitter.Node) (string, bool) {
	switch n.Type() {
	case "identifier":
		return v.text(n), true
	case "attribute":
		obj := n.ChildByFieldName("object")
		attr := n.ChildByFieldName("attribute")
		if obj == nil || attr == nil {
			return "", false
		}
		base, ok := v.dotted(obj)
		if !ok {
			return "", false
		}
		return base + "." + v.text(attr), true
	}
	return "", false
}

func (v *pyVisitor) call(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	args := n.ChildByFieldName("arguments")

	raw, ok := v.dotted(fn)
	if !ok {
		if fn.Type() == "attribute" {
			if attr := fn.ChildByFieldName("attribute"); attr != nil {
				v.evalAttr(v.text(attr), n)
			}
		}
		return
	}
	full := v.alias.resolve(raw)
	line := v.line(n)

	if !strings.Contains(full, ".") {
		if contains(v.cat.EvalBuiltins, full) {
			v.report.add(RuleDynamicEval, "call "+raw, line, "dynamic evaluation builtin %s()", full)
		}
		if full == "getattr" && args != nil {
			v.getattr(args, line)
		}
	} else {
		if v.cat.member(full) {
			v.report.add(RuleDangerousCall, "call "+raw, line, "dangerous call: %s()", full)
		}
		v.evalAttr(full[strings.LastIndex(full, ".")+1:], n)
	}

	if contains(v.cat.OpenFuncs, full) && args != nil {
		v.open(full, args, line)
	}
}

// evalAttr flags builtins.eval(...) and friends.
func (v *pyVisitor) evalAttr(attr string, n *sitter.Node) {
	if contains(v.cat.EvalBuiltins, attr) {
		v.report.add(RuleDynamicEval, "call ."+attr, v.line(n), "dynamic evaluation through attribute %s", attr)
	}
}

func (v *pyVisitor) getattr(args *sitter.Node, line int) {
	if args.NamedChildCount() < 2 {
		return
	}
	second := args.NamedChild(1)
	if second.Type() != "string" {
		return
	}
	name, ok := pyStringLiteral(v.text(second))
	if !ok {
		return
	}
	switch {
	case contains(v.cat.ReflectiveAttrs, name):
		v.report.add(RuleReflective, "call getattr", line, "getattr reaches %s", name)
	case contains(v.cat.EvalBuiltins, name):
		v.report.add(RuleDynamicEval, "call getattr", line, "getattr reaches %s", name)
	}
}

func (v *pyVisitor) open(fn string, args *sitter.Node, line int) {
	if v.checker == nil {
		return
	}
	target := v.pathArgument(args)
	if target == nil || target.Type() != "string" {
		return
	}
	p, ok := pyStringLiteral(v.text(target))
	if !ok {
		return
	}
	if !v.checker.IsPathAllowed(p) {
		v.report.add(RuleFileAccess, "call "+fn, line, "file access not allowed: %s", p)
	}
}

// pathArgument returns the first positional argument, or the value of a
// file= or path= keyword.
func (v *pyVisitor) pathArgument(args *sitter.Node) *sitter.Node {
	var keyword *sitter.Node
	for i := 0; i < int(args.NamedChildCount()); i++ {
		c := args.NamedChild(i)
		switch c.Type() {
		case "keyword_argument":
			name := c.ChildByFieldName("name")
			if name != nil && keyword == nil {
				if kw := v.text(name); kw == "file" || kw == "path" {
					keyword = c.ChildByFieldName("value")
				}
			}
		case "comment", "list_splat", "dictionary_splat":
		default:
			return c
		}
	}
	return keyword
}

// pyStringLiteral returns the value of a plain string literal. Formatted
// strings are not literals and return false.
func pyStringLiteral(s string) (string, bool) {
	i := strings.IndexAny(s, `'"`)
	if i < 0 {
		return "", false
	}
	prefix := strings.ToLower(s[:i])
	if strings.Contains(prefix, "f") {
		return "", false
	}
	body := s[i:]
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(body) >= 2*len(q) && strings.HasPrefix(body, q) && strings.HasSuffix(body, q) {
			inner := body[len(q) : len(body)-len(q)]
			if !strings.Contains(prefix, "r") {
				inner = strings.NewReplacer(`\\`, `\`, `\'`, `'`, `\"`, `"`).Replace(inner)
			}
			return inner, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
