// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jllopis/bastion/pkg/config"
	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/ledger"
)

func runLedger(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	if len(args) == 0 || args[0] != "list" {
		return NewInvalidArgumentError("ledger", "usage: bastion ledger list [--run id] [--kind k] [--tool t] [--limit n]")
	}
	cmd := newFlagSet("ledger list")
	runID := cmd.String("run", "", "Only entries of this run id")
	kind := cmd.String("kind", "", "Only entries of this kind: policy_check|approval|execution|retry|error")
	tool := cmd.String("tool", "", "Only entries for this tool")
	limit := cmd.Int("limit", 50, "Maximum entries to show; 0 means all")
	dbPath := cmd.String("db", "", "SQLite ledger path (default ledger.sqlite_path)")
	if err := cmd.Parse(args[1:]); err != nil {
		return NewInvalidArgumentError("ledger", err.Error())
	}
	if err := ensureNoArgs(cmd.Args()); err != nil {
		return err
	}
	filter, err := ledgerFilter(*runID, *kind, *tool, *limit)
	if err != nil {
		return err
	}

	path := *dbPath
	if path == "" {
		path = cfg.Ledger.SQLitePath
	}
	if path == "" {
		be := berrors.New(berrors.CodeInvalidArgument, "no ledger database configured", nil)
		return NewCLIError(be, "set ledger.sqlite_path or pass --db")
	}
	if _, err := os.Stat(path); err != nil {
		be := berrors.New(berrors.CodePathNotFound, "ledger database not found", err).WithContext("path", path)
		return NewCLIError(be, "run an objective with ledger.sqlite_path set first")
	}
	sink, err := ledger.OpenSQLite(path)
	if err != nil {
		return NewStartupError(err, "ledger")
	}
	defer sink.Close()

	entries, err := sink.List(ctx, filter)
	if err != nil {
		return NewStartupError(err, "ledger")
	}
	return printEntries(os.Stdout, entries, flags.JSON)
}

func ledgerFilter(runID, kind, tool string, limit int) (ledger.Filter, error) {
	if limit < 0 {
		return ledger.Filter{}, NewInvalidArgumentError("limit", "must not be negative")
	}
	k := ledger.Kind(kind)
	switch k {
	case "", ledger.KindPolicyCheck, ledger.KindApproval, ledger.KindExecution, ledger.KindRetry, ledger.KindError:
	default:
		return ledger.Filter{}, NewInvalidArgumentError("kind", fmt.Sprintf("unknown entry kind %q", kind))
	}
	return ledger.Filter{RunID: runID, Kind: k, Tool: tool, Limit: limit}, nil
}

func printEntries(w io.Writer, entries []ledger.Entry, jsonOutput bool) error {
	if jsonOutput {
		if entries == nil {
			entries = []ledger.Entry{}
		}
		return printJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No ledger entries")
		return nil
	}
	tw := newTabWriter(w)
	writeRow(tw, "TIME", "RUN", "ITER", "KIND", "TOOL", "OK", "VALIDATED", "DETAIL")
	for _, e := range entries {
		writeRow(tw,
			formatTime(e.Timestamp),
			truncateMessage(e.RunID, 12),
			fmt.Sprintf("%d", e.Iteration),
			string(e.Kind),
			e.Tool,
			fmt.Sprintf("%t", e.Success),
			fmt.Sprintf("%t", e.SecurityValidated),
			truncateMessage(detailSummary(e.Details), 60),
		)
	}
	return tw.Flush()
}
