// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the types shared by the objective loop and its
// collaborators: run context, decisions, events and health checks.
package core

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}
type iterationKey struct{}

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id if present.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureRunID ensures a run id exists in the context.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := NewRunID()
	return WithRunID(ctx, id), id
}

// WithIteration records the loop iteration driving the current call.
func WithIteration(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, iterationKey{}, n)
}

// Iteration returns the loop iteration, or 0 outside a loop.
func Iteration(ctx context.Context) int {
	n, _ := ctx.Value(iterationKey{}).(int)
	return n
}

// NewRunID returns a random run id.
func NewRunID() string {
	return "run-" + uuid.NewString()
}
