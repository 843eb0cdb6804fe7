// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for spans and metrics.
const (
	AttrRunID         = "bastion.run.id"
	AttrIteration     = "bastion.run.iteration"
	AttrMaxIterations = "bastion.run.max_iterations"
	AttrObjective     = "bastion.run.objective"

	AttrToolName       = "bastion.tool.name"
	AttrToolCategory   = "bastion.tool.category"
	AttrToolArgs       = "bastion.tool.arguments"
	AttrToolResult     = "bastion.tool.result"
	AttrToolDurationMs = "bastion.tool.duration_ms"
	AttrToolSuccess    = "bastion.tool.success"
	AttrToolAttempt    = "bastion.tool.attempt"

	AttrPolicyEvaluated = "bastion.policy.evaluated"
	AttrPolicyAllowed   = "bastion.policy.allowed"
	AttrPolicyRule      = "bastion.policy.rule"
	AttrPolicyReason    = "bastion.policy.reason"
	AttrPolicyCheck     = "bastion.policy.check"

	AttrApprovalRequired = "bastion.approval.required"
	AttrApprovalGranted  = "bastion.approval.granted"

	AttrRecoveryOutcome    = "bastion.recovery.outcome"
	AttrRecoveryMaxRetries = "bastion.recovery.max_retries"
	AttrErrorCode          = "bastion.error.code"
)

// RunAttributes returns attributes for an objective run span.
func RunAttributes(runID, objective string, maxIter int) []attribute.KeyValue {
	if len(objective) > 200 {
		objective = objective[:200] + "..."
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.String(AttrObjective, objective),
	}
	if maxIter > 0 {
		attrs = append(attrs, attribute.Int(AttrMaxIterations, maxIter))
	}
	return attrs
}

// ToolCallAttributes returns attributes for a supervised tool call span.
func ToolCallAttributes(name, category string, iteration, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolCategory, category),
		attribute.Int(AttrIteration, iteration),
		attribute.Int(AttrToolAttempt, attempt),
	}
}

// ToolOutcomeAttributes returns the result attributes of a tool call.
func ToolOutcomeAttributes(success bool, durationMs float64, errorCode string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Bool(AttrToolSuccess, success),
		attribute.Float64(AttrToolDurationMs, durationMs),
	}
	if errorCode != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, errorCode))
	}
	return attrs
}

// ToolCallArgsResult returns attributes with tool arguments and result (truncated for safety).
func ToolCallArgsResult(args, result string, maxLen int) []attribute.KeyValue {
	if maxLen <= 0 {
		maxLen = 500
	}
	attrs := []attribute.KeyValue{}
	if args != "" {
		if len(args) > maxLen {
			args = args[:maxLen] + "..."
		}
		attrs = append(attrs, attribute.String(AttrToolArgs, args))
	}
	if result != "" {
		if len(result) > maxLen {
			result = result[:maxLen] + "..."
		}
		attrs = append(attrs, attribute.String(AttrToolResult, result))
	}
	return attrs
}

// PolicyAttributes returns attributes for policy evaluation.
func PolicyAttributes(check string, evaluated, allowed bool, rule, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPolicyCheck, check),
		attribute.Bool(AttrPolicyEvaluated, evaluated),
	}
	if evaluated {
		attrs = append(attrs, attribute.Bool(AttrPolicyAllowed, allowed))
		if rule != "" {
			attrs = append(attrs, attribute.String(AttrPolicyRule, rule))
		}
		if reason != "" {
			attrs = append(attrs, attribute.String(AttrPolicyReason, reason))
		}
	}
	return attrs
}
