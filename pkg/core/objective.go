// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"
)

// ObjectiveStatus describes the lifecycle state of an objective run.
type ObjectiveStatus string

const (
	ObjectivePending   ObjectiveStatus = "pending"
	ObjectiveRunning   ObjectiveStatus = "running"
	ObjectiveCompleted ObjectiveStatus = "completed"
	ObjectiveFailed    ObjectiveStatus = "failed"
	ObjectiveCancelled ObjectiveStatus = "cancelled"
)

// Objective tracks one objective run.
type Objective struct {
	RunID      string
	Goal       string
	Status     ObjectiveStatus
	Error      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewObjective creates a pending objective.
func NewObjective(runID, goal string) *Objective {
	return &Objective{
		RunID:     runID,
		Goal:      goal,
		Status:    ObjectivePending,
		CreatedAt: time.Now().UTC(),
	}
}

// Start marks the objective running.
func (o *Objective) Start() {
	o.Status = ObjectiveRunning
	o.StartedAt = time.Now().UTC()
}

// Finish records the terminal state.
func (o *Objective) Finish(status ObjectiveStatus, errMsg string) {
	o.Status = status
	o.Error = errMsg
	o.FinishedAt = time.Now().UTC()
}

// Terminal reports whether the objective has finished.
func (o *Objective) Terminal() bool {
	switch o.Status {
	case ObjectiveCompleted, ObjectiveFailed, ObjectiveCancelled:
		return true
	}
	return false
}
