// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jllopis/bastion/pkg/analyzer"
	"github.com/jllopis/bastion/pkg/config"
	berrors "github.com/jllopis/bastion/pkg/errors"
)

func runAnalyze(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	cmd := newFlagSet("analyze")
	dialect := cmd.String("dialect", "python", "Script dialect: python|starlark|go")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("analyze", err.Error())
	}
	if cmd.NArg() > 1 {
		return NewInvalidArgumentError("analyze", "analyze takes at most one file")
	}
	d, err := analyzer.ParseDialect(*dialect)
	if err != nil {
		return NewCLIError(berrors.As(err), "supported dialects: python, starlark, go")
	}

	src, name, err := readSource(cmd.Arg(0), os.Stdin)
	if err != nil {
		be := berrors.New(berrors.CodePathNotFound, "read script", err).WithContext("path", name)
		return NewCLIError(be, "pass a readable file or pipe the script on stdin")
	}

	gate, _, err := buildGates(cfg, nil, nil)
	if err != nil {
		return NewStartupError(err, "policy")
	}
	a := analyzer.New(analyzer.WithPathChecker(gate))
	rep, err := a.Analyze(ctx, d, src)
	if err != nil {
		return NewCLIError(berrors.As(err), "")
	}
	return reportAnalysis(os.Stdout, name, rep, flags.JSON)
}

// readSource reads path, or r when path is empty or "-".
func readSource(path string, r io.Reader) (string, string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(r)
		return string(data), "<stdin>", err
	}
	data, err := os.ReadFile(path)
	return string(data), path, err
}

// reportAnalysis prints rep and returns a VALIDATION_FAULT error when the
// script is unsafe.
func reportAnalysis(w io.Writer, name string, rep analyzer.Report, jsonOutput bool) error {
	if jsonOutput {
		if err := printJSON(w, rep); err != nil {
			return err
		}
	} else {
		verdict := "UNSAFE"
		if rep.Safe {
			verdict = "SAFE"
		}
		fmt.Fprintf(w, "%s %s (%s, %d nodes)\n", verdict, name, rep.Dialect, rep.NodesVisited)
		if len(rep.Violations) > 0 {
			tw := newTabWriter(w)
			writeRow(tw, "  LINE", "RULE", "NODE", "DETAIL")
			for _, v := range rep.Violations {
				writeRow(tw, fmt.Sprintf("  %d", v.Line), string(v.Rule), v.Node, v.Detail)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}
	if rep.Safe {
		return nil
	}
	be := berrors.New(berrors.CodeValidationFault, "script rejected by static analysis", nil).
		WithContext("script", name).
		WithContext("violations", len(rep.Violations))
	return NewCLIError(be, "remove the flagged constructs or run the work through an allowed command")
}
