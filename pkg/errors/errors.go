// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy shared by the policy,
// supervision and recovery layers.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies Bastion errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an unexpected internal inconsistency.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidArgument indicates a caller supplied an unusable value.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// CodePathNotFound indicates a path could not be resolved on disk.
	CodePathNotFound ErrorCode = "PATH_NOT_FOUND"

	// CodePolicyViolation indicates a command or path was denied.
	CodePolicyViolation ErrorCode = "POLICY_VIOLATION"

	// CodeValidationFault indicates static script analysis rejected a script.
	CodeValidationFault ErrorCode = "VALIDATION_FAULT"

	// CodeApprovalDenied indicates an operator declined a critical action.
	CodeApprovalDenied ErrorCode = "APPROVAL_DENIED"

	// CodeExecutionFault indicates the tool itself failed at runtime.
	CodeExecutionFault ErrorCode = "EXECUTION_FAULT"

	// CodeRecoveryExhausted indicates the retry bound was reached.
	CodeRecoveryExhausted ErrorCode = "RECOVERY_EXHAUSTED"

	// CodeToolNotFound indicates the requested tool is not registered.
	CodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeMemoryError indicates a recall/store backend error.
	CodeMemoryError ErrorCode = "MEMORY_ERROR"

	// CodeLLMError indicates a decision provider error.
	CodeLLMError ErrorCode = "LLM_ERROR"
)

// BastionError is a typed error with context for logs, traces and ledger entries.
// It implements the error interface and can be unwrapped with errors.As().
type BastionError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
}

// Error implements the error interface.
func (e *BastionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *BastionError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *BastionError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Cause       string                 `json:"cause,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Cause:       cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	})
}

// New creates a new BastionError with the given code, message, and cause.
// Execution faults and timeouts start out recoverable; everything else does not.
func New(code ErrorCode, msg string, cause error) *BastionError {
	return &BastionError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Attributes:  make(map[string]string),
		Recoverable: code == CodeExecutionFault || code == CodeTimeout,
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *BastionError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
func (e *BastionError) WithContext(key string, value interface{}) *BastionError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
func (e *BastionError) WithAttribute(key, value string) *BastionError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable overrides whether the error can be recovered from.
func (e *BastionError) WithRecoverable(recoverable bool) *BastionError {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" for metric attributes.
func (e *BastionError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// As finds the first BastionError in err's chain. Unknown errors are wrapped
// as internal errors so callers always get a code.
func As(err error) *BastionError {
	if err == nil {
		return nil
	}
	var be *BastionError
	if stderrors.As(err, &be) {
		return be
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first BastionError in err's chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var be *BastionError
	if stderrors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRecoverable reports whether the recovery engine may retry after err.
// Errors without a BastionError in the chain are treated as execution faults.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var be *BastionError
	if stderrors.As(err, &be) {
		return be.Recoverable
	}
	return true
}
