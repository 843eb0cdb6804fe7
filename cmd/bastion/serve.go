// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/jllopis/bastion/pkg/config"
	berrors "github.com/jllopis/bastion/pkg/errors"
	bastionmcp "github.com/jllopis/bastion/pkg/mcp"
)

// runServe exposes the registry over MCP on stdin/stdout. Every call passes
// through the supervisor; critical actions are approved by --approval-mode
// since stdin carries the protocol.
func runServe(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	cmd := newFlagSet("serve")
	name := cmd.String("name", "bastion", "Server name announced to clients")
	approvalMode := cmd.String("approval-mode", approvalDeny, "Approval for critical actions: approve|deny")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("serve", err.Error())
	}
	if err := ensureNoArgs(cmd.Args()); err != nil {
		return err
	}
	if *approvalMode != approvalApprove && *approvalMode != approvalDeny {
		return NewInvalidArgumentError("approval-mode", "serve accepts approve or deny")
	}

	opts := defaultAppOptions(true)
	opts.approvalMode = *approvalMode
	opts.interactive = false
	// stdout carries the protocol.
	opts.out = io.Discard
	if strings.EqualFold(cfg.Telemetry.Exporter, "stdout") {
		opts.telemetry = false
	}
	a, err := buildApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	srv, err := bastionmcp.NewServer(*name, version, a.registry, a.supervisor)
	if err != nil {
		return NewCLIError(berrors.As(err), "")
	}
	a.logger.Info("mcp.serve.start", slog.String("name", *name), slog.Int("tools", a.registry.Len()))
	if err := srv.ServeStdio(); err != nil {
		return NewCLIError(berrors.New(berrors.CodeInternal, "mcp server stopped", err), "")
	}
	return nil
}
