// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger records every policy check, approval, execution and retry
// of an objective run. Entries are append-only within a run.
package ledger

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindPolicyCheck Kind = "policy_check"
	KindApproval    Kind = "approval"
	KindExecution   Kind = "execution"
	KindRetry       Kind = "retry"
	KindError       Kind = "error"
)

// Entry is one recorded action.
type Entry struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	Iteration         int            `json:"iteration"`
	Kind              Kind           `json:"kind"`
	Tool              string         `json:"tool,omitempty"`
	Success           bool           `json:"success"`
	SecurityValidated bool           `json:"security_validated"`
	Details           map[string]any `json:"details,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Filter limits entry queries.
type Filter struct {
	RunID string
	Kind  Kind
	Tool  string
	Limit int
}

func (f Filter) match(e Entry) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	return true
}

// Sink persists entries beyond the lifetime of a run.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Ledger is the in-memory record of the current run, optionally mirrored
// to a Sink.
type Ledger struct {
	mu      sync.RWMutex
	runID   string
	entries []Entry
	sink    Sink
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink mirrors every appended entry to s.
func WithSink(s Sink) Option {
	return func(l *Ledger) {
		l.sink = s
	}
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Sink returns the configured sink, if any.
func (l *Ledger) Sink() Sink {
	return l.sink
}

// Begin starts a new run: previous entries are discarded.
func (l *Ledger) Begin(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runID = runID
	l.entries = nil
}

// RunID returns the id of the current run.
func (l *Ledger) RunID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.runID
}

// Append records e and returns the stored copy. Missing id, run id and
// timestamp are filled in. A sink failure is returned but the entry stays
// in the in-memory ledger.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Details = maps.Clone(e.Details)

	l.mu.Lock()
	if e.RunID == "" {
		e.RunID = l.runID
	}
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Record(ctx, e); err != nil {
			l.logger.WarnContext(ctx, "ledger.sink.record_failed",
				slog.String("run_id", e.RunID),
				slog.String("kind", string(e.Kind)),
				slog.String("error", err.Error()),
			)
			return e, err
		}
	}
	return e, nil
}

// All returns the entries of the current run in append order.
func (l *Ledger) All() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		e.Details = maps.Clone(e.Details)
		out[i] = e
	}
	return out
}

// Select returns entries matching f.
func (l *Ledger) Select(f Filter) []Entry {
	var out []Entry
	for _, e := range l.All() {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of entries in the current run.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear discards all entries. Only call it between runs.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

type ctxKey struct{}

// NewContext returns a context carrying l.
func NewContext(ctx context.Context, l *Ledger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the ledger stored in ctx, if any.
func FromContext(ctx context.Context) (*Ledger, bool) {
	l, ok := ctx.Value(ctxKey{}).(*Ledger)
	return l, ok && l != nil
}
