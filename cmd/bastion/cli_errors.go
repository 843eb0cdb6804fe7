// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// CLIError wraps BastionError with CLI-specific formatting and hints.
type CLIError struct {
	*berrors.BastionError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(be *berrors.BastionError, hint string) *CLIError {
	return &CLIError{BastionError: be, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.BastionError == nil {
		return "unknown error"
	}
	msg := e.BastionError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError prints the error to stderr.
func (e *CLIError) PrintError(jsonOutput bool) {
	e.writeTo(os.Stderr, jsonOutput)
}

func (e *CLIError) writeTo(w io.Writer, jsonOutput bool) {
	if e.BastionError == nil {
		fmt.Fprintln(w, "Error: unknown error")
		return
	}
	if jsonOutput {
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    e.Code,
				"message": e.Message,
				"context": e.Context,
				"hint":    e.Hint,
			},
		})
		fmt.Fprintln(w, string(payload))
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", FormatErrorCode(e.Code), e.Message)
	if e.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	be := berrors.New(berrors.CodeInvalidArgument, "invalid argument: "+reason, nil).
		WithContext("argument", arg)
	return NewCLIError(be, "run 'bastion help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	be := berrors.New(berrors.CodeInvalidArgument, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check the BASTION_ environment variables and --set overrides"
	if configPath != "" {
		hint = fmt.Sprintf("check %s and the BASTION_ environment variables", configPath)
	}
	return NewCLIError(be, hint)
}

// NewStartupError wraps a failure to build a component.
func NewStartupError(err error, component string) *CLIError {
	be := berrors.As(err)
	var hint string
	switch component {
	case "ledger":
		hint = "check ledger.sqlite_path is writable"
	case "memory":
		hint = "check memory.qdrant_addr and memory.embedder_base_url, or set memory.enabled=false"
	case "policy":
		hint = "check security.policy_file and the allowed paths exist"
	case "telemetry":
		hint = "check telemetry.exporter and telemetry.otlp_endpoint"
	case "log":
		hint = "check log.file is writable"
	default:
		hint = "check the " + component + " section of the configuration"
	}
	return NewCLIError(be.WithContext("component", component), hint)
}

// PrintSimpleError prints a non-Bastion error.
func PrintSimpleError(err error, jsonOutput bool) {
	if be, ok := err.(*berrors.BastionError); ok {
		NewCLIError(be, "").PrintError(jsonOutput)
		return
	}
	if jsonOutput {
		payload, _ := json.Marshal(map[string]any{"error": map[string]any{"code": "UNKNOWN", "message": err.Error()}})
		fmt.Fprintln(os.Stderr, string(payload))
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code berrors.ErrorCode) string {
	switch code {
	case berrors.CodeInternal:
		return "Internal Error"
	case berrors.CodeInvalidArgument:
		return "Invalid Argument"
	case berrors.CodePathNotFound:
		return "Path Not Found"
	case berrors.CodePolicyViolation:
		return "Policy Violation"
	case berrors.CodeValidationFault:
		return "Validation Fault"
	case berrors.CodeApprovalDenied:
		return "Approval Denied"
	case berrors.CodeExecutionFault:
		return "Execution Fault"
	case berrors.CodeRecoveryExhausted:
		return "Recovery Exhausted"
	case berrors.CodeToolNotFound:
		return "Tool Not Found"
	case berrors.CodeTimeout:
		return "Timeout"
	case berrors.CodeMemoryError:
		return "Memory Error"
	case berrors.CodeLLMError:
		return "LLM Error"
	default:
		return string(code)
	}
}
