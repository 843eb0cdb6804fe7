// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// InMemory is an in-process Store. Without an embedder it ranks entries by
// word overlap with the query.
type InMemory struct {
	mu       sync.RWMutex
	entries  []Entry
	vectors  [][]float32
	embedder Embedder
	now      func() time.Time
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithEmbedder ranks by cosine similarity of embeddings instead of words.
func WithEmbedder(e Embedder) InMemoryOption {
	return func(m *InMemory) {
		m.embedder = e
	}
}

// NewInMemory creates an empty in-memory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store appends e.
func (m *InMemory) Store(ctx context.Context, e Entry) (string, error) {
	e = normalize(e, m.now)
	var vec []float32
	if m.embedder != nil {
		v, err := m.embedder.Embed(ctx, e.Content)
		if err != nil {
			return "", berrors.New(berrors.CodeMemoryError, "embed entry", err)
		}
		vec = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e.clone())
	m.vectors = append(m.vectors, vec)
	return e.ID, nil
}

// Recall returns matching entries with a positive similarity score. An empty
// query text returns the newest matching entries.
func (m *InMemory) Recall(ctx context.Context, q Query) ([]Entry, error) {
	var qvec []float32
	if m.embedder != nil && q.Text != "" {
		v, err := m.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, berrors.New(berrors.CodeMemoryError, "embed query", err)
		}
		qvec = v
	}

	m.mu.RLock()
	var out []Entry
	for i, e := range m.entries {
		if !q.accepts(e) {
			continue
		}
		switch {
		case q.Text == "":
			e.Score = 0
		case qvec != nil:
			e.Score = cosine(qvec, m.vectors[i])
		default:
			e.Score = lexicalScore(q.Text, e.Content)
		}
		if q.Text != "" && e.Score <= 0 {
			continue
		}
		out = append(out, e.clone())
	}
	m.mu.RUnlock()

	return rank(out, q.limit()), nil
}

// List returns every entry in insertion order.
func (m *InMemory) List(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.clone()
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func normalize(e Entry, now func() time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = TypeAction
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	e.Score = 0
	return e
}
