// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jllopis/bastion/pkg/agent"
	"github.com/jllopis/bastion/pkg/config"
	"github.com/jllopis/bastion/pkg/core"
	berrors "github.com/jllopis/bastion/pkg/errors"
)

type statusResult struct {
	Version    string              `json:"version"`
	ConfigPath string              `json:"config_path_used,omitempty"`
	LLM        string              `json:"llm"`
	Memory     string              `json:"memory"`
	Overall    core.HealthStatus   `json:"overall"`
	Components []core.HealthResult `json:"components"`
	Loop       agent.Status        `json:"loop"`
}

func runStatus(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	cmd := newFlagSet("status")
	exportPath := cmd.String("export-memory", "", "Write every stored memory entry to this JSON file")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("status", err.Error())
	}
	if err := ensureNoArgs(cmd.Args()); err != nil {
		return err
	}
	opts := defaultAppOptions(flags.JSON)
	opts.telemetry = false
	a, err := buildApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()
	res := a.status(ctx)
	res.ConfigPath = configPath(flags.ConfigArgs)
	if *exportPath != "" {
		if err := a.memory.Export(ctx, *exportPath); err != nil {
			return NewCLIError(berrors.As(err), "enable memory with memory.enabled=true and a listing backend")
		}
		a.logger.Info("memory.export", "path", *exportPath)
	}
	return printStatus(os.Stdout, res, flags.JSON)
}

func (a *app) status(ctx context.Context) statusResult {
	components, overall := a.health.CheckAll(ctx)
	memoryDesc := "disabled"
	if a.memory.Enabled() {
		memoryDesc = a.cfg.Memory.Provider
	}
	return statusResult{
		Version:    version,
		LLM:        fmt.Sprintf("%s (%s)", a.cfg.LLM.Provider, a.cfg.LLM.Model),
		Memory:     memoryDesc,
		Overall:    overall,
		Components: components,
		Loop:       a.loop.Status(),
	}
}

func printStatus(w io.Writer, res statusResult, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "Bastion %s\n", res.Version)
	if res.ConfigPath != "" {
		fmt.Fprintf(w, "Config: %s\n", res.ConfigPath)
	}
	fmt.Fprintf(w, "LLM: %s\n", res.LLM)
	fmt.Fprintf(w, "Memory: %s\n", res.Memory)
	fmt.Fprintf(w, "Security enabled: %t\n", res.Loop.SecurityEnabled)
	fmt.Fprintf(w, "Limits: %d iterations, %d retries\n", res.Loop.MaxIterations, res.Loop.MaxRetries)
	fmt.Fprintf(w, "Tools (%d): %s\n", res.Loop.RegisteredTools, normalizeCell(strings.Join(res.Loop.Tools, ", ")))
	fmt.Fprintf(w, "Health: %s\n", res.Overall)
	if len(res.Components) == 0 {
		return nil
	}
	tw := newTabWriter(w)
	writeRow(tw, "  COMPONENT", "STATUS", "MESSAGE")
	for _, c := range res.Components {
		writeRow(tw, "  "+c.Component, string(c.Status), truncateMessage(c.Message, 70))
	}
	return tw.Flush()
}
