// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/bastion/pkg/errors"
)

// SecurityMetrics counts policy denials, tool executions and recovery
// activity. A nil *SecurityMetrics records nothing.
type SecurityMetrics struct {
	policyDenials    metric.Int64Counter
	toolExecutions   metric.Int64Counter
	recoveryAttempts metric.Int64Counter
	recoveryOutcomes metric.Int64Counter
	toolDuration     metric.Float64Histogram
}

// NewSecurityMetrics creates the instruments on the global meter provider.
func NewSecurityMetrics() (*SecurityMetrics, error) {
	return NewSecurityMetricsWithMeter(otel.Meter("bastion/security"))
}

// NewSecurityMetricsWithMeter creates the instruments on meter.
func NewSecurityMetricsWithMeter(meter metric.Meter) (*SecurityMetrics, error) {
	denials, err := meter.Int64Counter(
		"bastion.policy.denials",
		metric.WithDescription("Actions denied by policy, analysis or approval"),
	)
	if err != nil {
		return nil, err
	}
	executions, err := meter.Int64Counter(
		"bastion.tool.executions",
		metric.WithDescription("Supervised tool executions by tool and outcome"),
	)
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter(
		"bastion.recovery.attempts",
		metric.WithDescription("Recovery retry attempts by tool"),
	)
	if err != nil {
		return nil, err
	}
	outcomes, err := meter.Int64Counter(
		"bastion.recovery.outcomes",
		metric.WithDescription("Recovery results (recovered, exhausted, aborted)"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"bastion.tool.duration_ms",
		metric.WithDescription("Tool execution wall-clock duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &SecurityMetrics{
		policyDenials:    denials,
		toolExecutions:   executions,
		recoveryAttempts: attempts,
		recoveryOutcomes: outcomes,
		toolDuration:     duration,
	}, nil
}

// RecordDenial counts a denied action. check is "command", "path",
// "analysis" or "approval".
func (m *SecurityMetrics) RecordDenial(ctx context.Context, check, tool, rule string) {
	if m == nil {
		return
	}
	m.policyDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPolicyCheck, check),
		attribute.String(AttrToolName, tool),
		attribute.String(AttrPolicyRule, rule),
	))
}

// RecordExecution counts one execution and records its duration.
func (m *SecurityMetrics) RecordExecution(ctx context.Context, tool string, success bool, durationMs float64, err error) {
	if m == nil {
		return
	}
	code := ""
	if err != nil {
		code = string(errors.CodeOf(err))
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrToolName, tool),
		attribute.Bool(AttrToolSuccess, success),
		attribute.String(AttrErrorCode, code),
	)
	m.toolExecutions.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String(AttrToolName, tool)))
}

// RecordRecoveryAttempt counts one retry.
func (m *SecurityMetrics) RecordRecoveryAttempt(ctx context.Context, tool string, attempt int) {
	if m == nil {
		return
	}
	m.recoveryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrToolName, tool),
		attribute.Int(AttrToolAttempt, attempt),
	))
}

// RecordRecoveryOutcome counts how a recovery ended.
func (m *SecurityMetrics) RecordRecoveryOutcome(ctx context.Context, tool, outcome string) {
	if m == nil {
		return
	}
	m.recoveryOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrToolName, tool),
		attribute.String(AttrRecoveryOutcome, outcome),
	))
}
