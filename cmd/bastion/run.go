// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/bastion/pkg/agent"
	"github.com/jllopis/bastion/pkg/config"
	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/telemetry"
)

func runRun(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	cmd := newFlagSet("run")
	var objectives multiFlag
	cmd.Var(&objectives, "objective", "Objective to run (repeatable)")
	approvalMode := cmd.String("approval-mode", approvalAuto, "Approval channel: auto|ask|approve|deny")
	approvalTimeout := cmd.Duration("approval-timeout", 0, "Timeout for the approval prompt")
	watch := cmd.Bool("watch", false, "Apply config file changes (log level, additive allow lists) while running")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("run", err.Error())
	}
	objectives = append(objectives, cmd.Args()...)
	if len(objectives) == 0 {
		return NewInvalidArgumentError("objective", "run needs at least one objective")
	}

	opts := defaultAppOptions(flags.JSON)
	opts.approvalMode = *approvalMode
	opts.approvalTimeout = *approvalTimeout
	a, err := buildApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	if *watch {
		w, err := config.WatchFiles(ctx, flags.ConfigArgs, config.WithWatchLogger(a.logger))
		if err != nil {
			return NewConfigError(err, configPath(flags.ConfigArgs))
		}
		defer w.Stop()
		w.OnChange(a.applyReload)
	}

	var outcomes []agent.Outcome
	if len(objectives) == 1 {
		outcomes = []agent.Outcome{a.loop.Execute(ctx, objectives[0])}
	} else {
		outcomes = a.loop.RunAll(ctx, objectives)
	}

	if err := printOutcomes(os.Stdout, outcomes, flags.JSON); err != nil {
		return err
	}
	for _, o := range outcomes {
		if !o.Success {
			return NewCLIError(runFailure(o), "inspect the actions above or run 'bastion ledger list --run "+o.RunID+"'")
		}
	}
	return nil
}

// applyReload applies the settings that can change without a restart.
func (a *app) applyReload(cfg *config.Config) {
	level := telemetry.ParseLevel(cfg.Log.Level)
	if level != a.level.Level() {
		a.logger.Info("config.log_level.changed",
			slog.String("from", a.level.Level().String()),
			slog.String("to", level.String()),
		)
		a.level.Set(level)
	}
	for _, c := range cfg.Security.AllowedCommands {
		if err := a.gate.AddAllowedCommand(c); err != nil {
			a.logger.Warn("config.reload.command_rejected", slog.String("command", c), slog.String("error", err.Error()))
		}
	}
	for _, p := range cfg.Security.AllowedPaths {
		if err := a.gate.AddAllowedPath(p); err != nil {
			a.logger.Warn("config.reload.path_rejected", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	a.approvals.AddCriticalKeywords(cfg.Security.CriticalKeywords...)
}

func printOutcomes(w io.Writer, outcomes []agent.Outcome, jsonOutput bool) error {
	if jsonOutput {
		if len(outcomes) == 1 {
			return printJSON(w, outcomes[0])
		}
		return printJSON(w, outcomes)
	}
	for i, o := range outcomes {
		if i > 0 {
			fmt.Fprintln(w)
		}
		status := "FAILED"
		if o.Success {
			status = "OK"
		}
		fmt.Fprintf(w, "[%s] %s\n", status, o.Objective)
		fmt.Fprintf(w, "  run: %s  iterations: %d  time: %s\n", o.RunID, o.Iterations, o.TotalTime.Round(time.Millisecond))
		if o.FinalMessage != "" {
			fmt.Fprintf(w, "  message: %s\n", o.FinalMessage)
		}
		if o.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", o.Error)
		}
		if len(o.Actions) == 0 {
			continue
		}
		tw := newTabWriter(w)
		writeRow(tw, "  #", "KIND", "TOOL", "OK", "DETAIL")
		for _, e := range o.Actions {
			writeRow(tw, fmt.Sprintf("  %d", e.Iteration), string(e.Kind), e.Tool,
				fmt.Sprintf("%t", e.Success), truncateMessage(detailSummary(e.Details), 60))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func detailSummary(details map[string]any) string {
	for _, key := range []string{"error", "reason", "command", "path", "action"} {
		if v, ok := details[key]; ok {
			return fmt.Sprintf("%s=%v", key, v)
		}
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, details[k])
	}
	return strings.Join(parts, " ")
}

func runFailure(o agent.Outcome) *berrors.BastionError {
	be := berrors.Newf(berrors.CodeExecutionFault, "objective did not complete: %s", o.Objective).
		WithContext("run_id", o.RunID).
		WithContext("status", string(o.Status))
	if o.Error != "" {
		be = be.WithContext("error", o.Error)
	}
	return be.WithRecoverable(false)
}
