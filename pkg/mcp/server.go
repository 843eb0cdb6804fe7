// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/tools"
)

// Executor runs one invocation under supervision.
type Executor interface {
	Run(ctx context.Context, inv tools.Invocation) tools.Result
}

// Server publishes registry tools over MCP. Every call goes through the
// executor, so remote clients get the same policy checks as the loop.
type Server struct {
	mcpServer *server.MCPServer
	exec      Executor
}

// NewServer creates a server exposing every tool in registry.
func NewServer(name, version string, registry *tools.Registry, exec Executor) (*Server, error) {
	if registry == nil || exec == nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "registry and executor are required", nil)
	}
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		exec:      exec,
	}
	for _, d := range registry.Describe(nil) {
		s.mcpServer.AddTool(toolFor(d), s.handler(d.Name))
	}
	return s, nil
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio serves on stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		res := s.exec.Run(ctx, tools.NewInvocation(name, tools.Args(args), 0))
		if !res.Success {
			msg := res.ErrorMessage()
			if code := berrors.CodeOf(res.Err); code != "" {
				msg = string(code) + ": " + msg
			}
			return mcp.NewToolResultError(msg), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}

func toolFor(d tools.Descriptor) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(d.Description)}
	switch d.Category {
	case tools.CategoryCommand:
		opts = append(opts, mcp.WithString(tools.ArgCommand, mcp.Required(), mcp.Description("Shell command to run.")))
	case tools.CategoryPath:
		opts = append(opts, mcp.WithString(tools.ArgPath, mcp.Required(), mcp.Description("Filesystem path.")))
	case tools.CategoryScript:
		opts = append(opts,
			mcp.WithString(tools.ArgSource, mcp.Required(), mcp.Description("Script source.")),
			mcp.WithString(tools.ArgDialect, mcp.Description("Script dialect.")),
		)
	}
	opts = append(opts, mcp.WithDestructiveHintAnnotation(d.RequiresApproval))
	return mcp.NewTool(d.Name, opts...)
}
