// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory stores past tool outcomes and recalls similar ones so the
// recovery engine can learn from history.
package memory

import (
	"context"
	"maps"
	"time"
)

// EntryType classifies a memory entry.
type EntryType string

const (
	TypeAction      EntryType = "action"
	TypeError       EntryType = "error"
	TypeSuccess     EntryType = "success"
	TypeDecision    EntryType = "decision"
	TypeObservation EntryType = "observation"
)

// Entry is a single remembered outcome.
type Entry struct {
	ID        string         `json:"id"`
	Type      EntryType      `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// Score is the similarity to the recall query. Zero on stored entries.
	Score float32 `json:"score,omitempty"`
}

// Query selects entries by similarity to Text.
type Query struct {
	Text        string
	Limit       int
	Type        EntryType
	SuccessOnly bool
}

// DefaultRecallLimit applies when Query.Limit is not positive.
const DefaultRecallLimit = 5

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultRecallLimit
	}
	return q.Limit
}

func (q Query) accepts(e Entry) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.SuccessOnly && !e.Success {
		return false
	}
	return true
}

// Store is the recall/store capability consumed by the core.
type Store interface {
	// Store saves e and returns its id.
	Store(ctx context.Context, e Entry) (string, error)
	// Recall returns entries ordered by similarity to q.Text.
	Recall(ctx context.Context, q Query) ([]Entry, error)
}

// Lister is implemented by stores that can enumerate every entry.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

func (e Entry) clone() Entry {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}
