// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"

	"github.com/jllopis/bastion/pkg/tools"
)

// Decision is what the decision provider wants to do next. When Done is
// true the objective is complete and Message is the final answer.
type Decision struct {
	Done      bool       `json:"done"`
	Tool      string     `json:"tool_name,omitempty"`
	Args      tools.Args `json:"tool_args,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Step is one executed iteration as shown to the decision provider.
type Step struct {
	Iteration int        `json:"iteration"`
	Tool      string     `json:"tool"`
	Args      tools.Args `json:"args,omitempty"`
	Success   bool       `json:"success"`
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// DecisionRequest carries everything a provider sees when deciding.
type DecisionRequest struct {
	Objective     string
	Iteration     int
	MaxIterations int
	History       []Step
	Tools         []tools.Descriptor
}

// DecisionProvider chooses the next tool call. It never executes tools.
type DecisionProvider interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// DecisionProviderFunc adapts a function into a DecisionProvider.
type DecisionProviderFunc func(ctx context.Context, req DecisionRequest) (Decision, error)

// Decide implements DecisionProvider.
func (f DecisionProviderFunc) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	return f(ctx, req)
}
