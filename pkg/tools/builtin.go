// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// BuiltinOptions tunes the built-in tools.
type BuiltinOptions struct {
	// CommandTimeout bounds execute_command and run_python. Zero means 30s.
	CommandTimeout time.Duration
	// Shell runs commands as Shell -c <command>. Empty means "sh".
	Shell string
	// Python is the interpreter used by run_python. Empty means "python3".
	Python string
	// MaxReadBytes caps read_file output. Zero means 1 MiB.
	MaxReadBytes int64
}

func (o BuiltinOptions) withDefaults() BuiltinOptions {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.Shell == "" {
		o.Shell = "sh"
	}
	if o.Python == "" {
		o.Python = "python3"
	}
	if o.MaxReadBytes <= 0 {
		o.MaxReadBytes = 1 << 20
	}
	return o
}

// Builtins returns the standard tool set.
func Builtins(opts BuiltinOptions) []Tool {
	opts = opts.withDefaults()
	return []Tool{
		&Func{
			ToolName:        "execute_command",
			ToolDescription: "Run a shell command. Args: command (string).",
			ToolCategory:    CategoryCommand,
			Fn: func(ctx context.Context, args Args) (Result, error) {
				cmd := args.String(ArgCommand)
				if strings.TrimSpace(cmd) == "" {
					return Result{}, berrors.New(berrors.CodeInvalidArgument, "missing command argument", nil)
				}
				return runProcess(ctx, opts.CommandTimeout, opts.Shell, "-c", cmd)
			},
		},
		&Func{
			ToolName:        "read_file",
			ToolDescription: "Read a text file. Args: path (string).",
			ToolCategory:    CategoryPath,
			Fn: func(_ context.Context, args Args) (Result, error) {
				return readFile(args.String(ArgPath), opts.MaxReadBytes)
			},
		},
		&Func{
			ToolName:        "list_dir",
			ToolDescription: "List a directory. Args: path (string).",
			ToolCategory:    CategoryPath,
			Fn: func(_ context.Context, args Args) (Result, error) {
				return listDir(args.String(ArgPath))
			},
		},
		&Func{
			ToolName:        "write_file",
			ToolDescription: "Write text to a file, replacing it. Args: path (string), content (string).",
			ToolCategory:    CategoryPath,
			Approval:        true,
			Fn: func(_ context.Context, args Args) (Result, error) {
				p := args.String(ArgPath)
				content := args.String(ArgContent)
				if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
					return Result{}, err
				}
				return Result{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), p)}, nil
			},
		},
		&Func{
			ToolName:        "run_python",
			ToolDescription: "Run a Python script after static analysis. Args: source (string).",
			ToolCategory:    CategoryScript,
			Fn: func(ctx context.Context, args Args) (Result, error) {
				if d := args.String(ArgDialect); d != "" && d != "python" {
					return Result{}, berrors.New(berrors.CodeInvalidArgument, "run_python only runs python", nil).WithContext("dialect", d)
				}
				return runProcess(ctx, opts.CommandTimeout, opts.Python, "-c", args.String(ArgSource))
			},
		},
	}
}

// runProcess runs name with args. A non-zero exit is a failed result whose
// error carries the combined output, so recovery can inspect it.
func runProcess(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children of the shell may hold the output pipes after it is killed.
	cmd.WaitDelay = 500 * time.Millisecond
	err := cmd.Run()
	output := strings.TrimRight(out.String(), "\n")

	if ctx.Err() == context.DeadlineExceeded {
		return Result{Output: output}, berrors.New(berrors.CodeTimeout, "command timed out", ctx.Err()).
			WithContext("timeout", timeout.String())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{Success: true, Output: output, Metadata: map[string]any{"exit_code": 0}}, nil
	case stderrors.As(err, &exitErr):
		msg := exitErr.Error()
		if output != "" {
			msg += ": " + lastLine(output)
		}
		return Result{
			Success:  false,
			Output:   output,
			Err:      berrors.New(berrors.CodeExecutionFault, msg, nil),
			Metadata: map[string]any{"exit_code": exitErr.ExitCode()},
		}, nil
	default:
		return Result{Output: output}, err
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func readFile(p string, max int64) (Result, error) {
	f, err := os.Open(p)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return Result{}, err
	}
	truncated := int64(len(data)) > max
	if truncated {
		data = data[:max]
	}
	return Result{Success: true, Output: string(data), Metadata: map[string]any{"truncated": truncated, "bytes": len(data)}}, nil
}

func listDir(p string) (Result, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		return Result{}, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Result{Success: true, Output: strings.Join(names, "\n"), Metadata: map[string]any{"entries": len(names)}}, nil
}
