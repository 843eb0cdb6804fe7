// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the bastion CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jllopis/bastion/pkg/config"
)

const version = "v0.1.0"

type globalFlags struct {
	ConfigArgs []string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(NewInvalidArgumentError("flags", err.Error()), false)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cmd := args[0]
	switch cmd {
	case "help":
		printUsage()
		return
	case "version":
		printVersion()
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(NewConfigError(err, configPath(global.ConfigArgs)), global.JSON)
	}

	switch cmd {
	case "run":
		err = runRun(ctx, global, cfg, args[1:])
	case "check":
		err = runCheck(global, cfg, args[1:])
	case "analyze":
		err = runAnalyze(ctx, global, cfg, args[1:])
	case "ledger":
		err = runLedger(ctx, global, cfg, args[1:])
	case "status":
		err = runStatus(ctx, global, cfg, args[1:])
	case "serve":
		err = runServe(ctx, global, cfg, args[1:])
	default:
		err = NewInvalidArgumentError("command", fmt.Sprintf("unknown command %q", cmd))
	}
	if err != nil {
		fatal(err, global.JSON)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{Timeout: 30 * time.Second}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "-h", "--help":
			flags.Help = true
			return flags, nil, nil
		case "--json":
			flags.JSON = true
		case "--config", "--set", "--profile":
			if !hasValue {
				if i+1 >= len(args) {
					return flags, nil, fmt.Errorf("missing value for %s", name)
				}
				i++
				value = args[i]
			}
			flags.ConfigArgs = append(flags.ConfigArgs, name, value)
		case "--timeout":
			if !hasValue {
				if i+1 >= len(args) {
					return flags, nil, fmt.Errorf("missing value for --timeout")
				}
				i++
				value = args[i]
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = d
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

// configPath returns the --config value in args, if any.
func configPath(args []string) string {
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == "--config" {
			return args[i+1]
		}
	}
	return ""
}

// newFlagSet returns a flag set that reports errors instead of exiting and
// keeps usage output off stdout.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func printJSON(w io.Writer, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func truncateMessage(value string, limit int) string {
	value = normalizeCell(value)
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Local().Format(time.DateTime)
}

func printVersion() {
	fmt.Printf("bastion %s\n", version)
}

func printUsage() {
	fmt.Println(`Bastion: supervised tool execution for autonomous agents

Usage:
  bastion [global flags] <command> [args]

Global flags:
  --config <path>      Path to a YAML config file
  --profile <name>     Overlay <config>.<name>.yaml when present
  --set key=value      Override config (repeatable)
  --timeout <dur>      Timeout for status probes (default 30s)
  --json               JSON output

Commands:
  run <objective>...          Run one or more objectives through the agent loop
  check command <cmd>         Evaluate a command against the policy gate
  check path <path>           Evaluate a path against the policy gate
  check report                Print the policy and approval report
  analyze [--dialect d] [f]   Statically analyze a script (file or stdin)
  ledger list                 List persisted ledger entries
  status [--export-memory f]  Show component health and loop status
  serve                       Expose the supervised tools as an MCP stdio server
  version                     Print the version
  help                        Show this help`)
}

func fatal(err error, jsonOutput bool) {
	if ce, ok := err.(*CLIError); ok {
		ce.PrintError(jsonOutput)
	} else {
		PrintSimpleError(err, jsonOutput)
	}
	os.Exit(1)
}

func ensureNoArgs(args []string) error {
	if len(args) > 0 {
		return NewInvalidArgumentError("args", fmt.Sprintf("unexpected args: %v", args))
	}
	return nil
}

type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}
