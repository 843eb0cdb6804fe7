// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance implements the allow/deny policy gate, critical action
// approval and tool filtering that stand between a decision provider and
// the tools it wants to run.
package governance

import (
	"context"
)

// ActionType describes the type of action to evaluate.
type ActionType string

const (
	ActionCommand ActionType = "command"
	ActionPath    ActionType = "path"
	ActionTool    ActionType = "tool"
)

// Action describes a decision target for policy evaluation and approval.
type Action struct {
	Type     ActionType
	Name     string
	Metadata map[string]string
}

// Decision captures the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	RuleID  string
	Status  DecisionStatus
}

// DecisionStatus captures the policy outcome.
type DecisionStatus string

const (
	DecisionStatusAllow DecisionStatus = "allow"
	DecisionStatusDeny  DecisionStatus = "deny"
)

// PolicyEngine evaluates actions.
type PolicyEngine interface {
	Evaluate(ctx context.Context, action Action) Decision
}

// ApprovalHook is the external approval channel consulted for critical actions.
type ApprovalHook interface {
	Request(ctx context.Context, action Action) Decision
}

func allow(reason, ruleID string) Decision {
	return Decision{Allowed: true, Status: DecisionStatusAllow, Reason: reason, RuleID: ruleID}
}

func deny(reason, ruleID string) Decision {
	return Decision{Allowed: false, Status: DecisionStatusDeny, Reason: reason, RuleID: ruleID}
}

// IsAllowed returns true when the decision permits the action.
func (d Decision) IsAllowed() bool {
	if d.Status == "" {
		return d.Allowed
	}
	return d.Status == DecisionStatusAllow
}

// IsDenied returns true when the decision forbids the action.
func (d Decision) IsDenied() bool {
	return !d.IsAllowed()
}
