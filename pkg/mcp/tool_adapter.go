// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/tools"
)

// ToolCaller abstracts MCP tool execution for adapters.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// AdapterOption customizes a ToolAdapter.
type AdapterOption func(*ToolAdapter)

// WithNamePrefix registers the tool as prefix + "." + name.
func WithNamePrefix(prefix string) AdapterOption {
	return func(t *ToolAdapter) {
		t.prefix = prefix
	}
}

// WithCategory overrides the inferred category.
func WithCategory(c tools.Category) AdapterOption {
	return func(t *ToolAdapter) {
		t.category = c
	}
}

// ToolAdapter wraps an MCP tool to satisfy tools.Tool.
type ToolAdapter struct {
	tool     mcp.Tool
	caller   ToolCaller
	prefix   string
	category tools.Category
}

// NewToolAdapter builds a tools.Tool backed by an MCP tool definition and caller.
func NewToolAdapter(tool mcp.Tool, caller ToolCaller, opts ...AdapterOption) (*ToolAdapter, error) {
	if tool.Name == "" {
		return nil, berrors.New(berrors.CodeInvalidArgument, "mcp tool name is required", nil)
	}
	if caller == nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "tool caller is required", nil)
	}
	t := &ToolAdapter{tool: tool, caller: caller}
	for _, opt := range opts {
		opt(t)
	}
	if t.category == "" {
		t.category = InferCategory(tool)
	}
	return t, nil
}

// Name returns the registry name of the tool.
func (t *ToolAdapter) Name() string {
	if t.prefix == "" {
		return t.tool.Name
	}
	return t.prefix + "." + t.tool.Name
}

func (t *ToolAdapter) Description() string { return t.tool.Description }
func (t *ToolAdapter) Category() tools.Category { return t.category }

// RequiresApproval is true for tools the server marks as destructive and
// not read-only.
func (t *ToolAdapter) RequiresApproval() bool {
	a := t.tool.Annotations
	if a.ReadOnlyHint != nil && *a.ReadOnlyHint {
		return false
	}
	return a.DestructiveHint != nil && *a.DestructiveHint
}

// Parameters returns the tool's input schema.
func (t *ToolAdapter) Parameters() any {
	if t.tool.RawInputSchema != nil {
		return t.tool.RawInputSchema
	}
	return t.tool.InputSchema
}

// Execute invokes the MCP tool. A result flagged as an error by the server
// is an execution fault.
func (t *ToolAdapter) Execute(ctx context.Context, args tools.Args) (tools.Result, error) {
	if err := validateRequiredArgs(t.tool, args); err != nil {
		return tools.Result{}, err
	}
	params := map[string]any(args.Clone())
	if params == nil {
		params = map[string]any{}
	}

	result, err := t.caller.CallTool(ctx, t.tool.Name, params)
	if err != nil {
		return tools.Result{}, err
	}
	if result == nil {
		return tools.Result{}, berrors.New(berrors.CodeExecutionFault, "mcp tool result is nil", nil).
			WithContext("tool", t.tool.Name)
	}

	text := extractTextContent(result.Content)
	if result.IsError {
		return tools.Result{Output: text}, berrors.New(berrors.CodeExecutionFault, "mcp tool returned error: "+text, nil).
			WithContext("tool", t.tool.Name)
	}
	res := tools.Result{Success: true, Output: text}
	if result.StructuredContent != nil {
		res = res.WithMeta("structured", result.StructuredContent)
		if text == "" {
			res.Output = fmt.Sprint(result.StructuredContent)
		}
	}
	return res, nil
}

// InferCategory picks the supervisor category from the tool's input schema:
// a "command" argument makes it a command tool, then "path", then "source".
func InferCategory(tool mcp.Tool) tools.Category {
	has := func(key string) bool {
		if _, ok := tool.InputSchema.Properties[key]; ok {
			return true
		}
		return slices.Contains(tool.InputSchema.Required, key)
	}
	switch {
	case has(tools.ArgCommand):
		return tools.CategoryCommand
	case has(tools.ArgPath):
		return tools.CategoryPath
	case has(tools.ArgSource):
		return tools.CategoryScript
	default:
		return tools.CategoryGeneral
	}
}

func validateRequiredArgs(tool mcp.Tool, args tools.Args) error {
	schema := tool.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return berrors.Newf(berrors.CodeInvalidArgument, "mcp tool args: missing required field %q", key).
				WithContext("tool", tool.Name)
		}
	}
	return nil
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var (
	_ tools.Tool          = (*ToolAdapter)(nil)
	_ tools.Parameterized = (*ToolAdapter)(nil)
)
