// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// Semantic is the learning facade used by recovery: it records outcomes and
// recalls similar ones. A nil Semantic, or one without a store, is disabled
// and every call is a no-op.
type Semantic struct {
	store   Store
	backend string
	logger  *slog.Logger
	now     func() time.Time
}

// SemanticOption configures a Semantic facade.
type SemanticOption func(*Semantic)

// WithBackendName labels the store in Stats.
func WithBackendName(name string) SemanticOption {
	return func(s *Semantic) {
		s.backend = name
	}
}

// WithSemanticLogger sets the logger.
func WithSemanticLogger(logger *slog.Logger) SemanticOption {
	return func(s *Semantic) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSemantic wraps store.
func NewSemantic(store Store, opts ...SemanticOption) *Semantic {
	s := &Semantic{store: store, backend: fmt.Sprintf("%T", store), logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether a store is attached.
func (s *Semantic) Enabled() bool {
	return s != nil && s.store != nil
}

// LearnFromSuccess records a successful action.
func (s *Semantic) LearnFromSuccess(ctx context.Context, action, result, tool string, extra map[string]any) error {
	if !s.Enabled() {
		return nil
	}
	meta := map[string]any{"tool": tool, "result": clip(result, 200)}
	for k, v := range extra {
		meta[k] = v
	}
	_, err := s.store.Store(ctx, Entry{
		Type:     TypeSuccess,
		Content:  fmt.Sprintf("%s -> %s", action, clip(result, 200)),
		Metadata: meta,
		Success:  true,
	})
	return err
}

// LearnFromError records a failed action with the fixes already tried.
func (s *Semantic) LearnFromError(ctx context.Context, action, errMsg, tool string, attemptedFixes []string) error {
	if !s.Enabled() {
		return nil
	}
	if attemptedFixes == nil {
		attemptedFixes = []string{}
	}
	_, err := s.store.Store(ctx, Entry{
		Type:     TypeError,
		Content:  fmt.Sprintf("ERROR: %s failed", action),
		Metadata: map[string]any{"tool": tool, "attempted_fixes": attemptedFixes},
		Success:  false,
		Error:    errMsg,
	})
	return err
}

// SimilarSuccesses recalls successful outcomes similar to action.
func (s *Semantic) SimilarSuccesses(ctx context.Context, action string, limit int) ([]Entry, error) {
	return s.recall(ctx, Query{Text: action, Limit: limit, Type: TypeSuccess, SuccessOnly: true})
}

// SimilarErrors recalls failures similar to action.
func (s *Semantic) SimilarErrors(ctx context.Context, action string, limit int) ([]Entry, error) {
	return s.recall(ctx, Query{Text: action, Limit: limit, Type: TypeError})
}

func (s *Semantic) recall(ctx context.Context, q Query) ([]Entry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	entries, err := s.store.Recall(ctx, q)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "memory.recall",
		slog.String("type", string(q.Type)),
		slog.Int("results", len(entries)),
	)
	return entries, nil
}

// Stats summarizes the store contents.
type Stats struct {
	Enabled      bool              `json:"enabled"`
	Backend      string            `json:"backend,omitempty"`
	TotalEntries int               `json:"total_entries"`
	ByType       map[EntryType]int `json:"by_type,omitempty"`
	Successes    int               `json:"successes"`
	Failures     int               `json:"failures"`
}

// Stats counts entries when the store can list them.
func (s *Semantic) Stats(ctx context.Context) (Stats, error) {
	if !s.Enabled() {
		return Stats{}, nil
	}
	st := Stats{Enabled: true, Backend: s.backend, ByType: map[EntryType]int{}}
	entries, err := s.list(ctx)
	if err != nil {
		return st, err
	}
	st.TotalEntries = len(entries)
	for _, e := range entries {
		st.ByType[e.Type]++
		if e.Success {
			st.Successes++
		} else {
			st.Failures++
		}
	}
	return st, nil
}

type exportDocument struct {
	ExportedAt   time.Time `json:"exported_at"`
	TotalEntries int       `json:"total_entries"`
	Entries      []Entry   `json:"entries"`
}

// Export writes every entry to path as an indented JSON document.
func (s *Semantic) Export(ctx context.Context, path string) error {
	if !s.Enabled() {
		return berrors.New(berrors.CodeMemoryError, "memory is disabled", nil)
	}
	entries, err := s.list(ctx)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(exportDocument{
		ExportedAt:   s.now().UTC(),
		TotalEntries: len(entries),
		Entries:      entries,
	}, "", "  ")
	if err != nil {
		return berrors.New(berrors.CodeMemoryError, "encode export", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return berrors.New(berrors.CodeMemoryError, "write export", err).WithContext("path", path)
	}
	s.logger.InfoContext(ctx, "memory.exported", slog.String("path", path), slog.Int("entries", len(entries)))
	return nil
}

func (s *Semantic) list(ctx context.Context) ([]Entry, error) {
	lister, ok := s.store.(Lister)
	if !ok {
		return nil, berrors.New(berrors.CodeMemoryError, "store cannot enumerate entries", nil).
			WithContext("backend", s.backend)
	}
	return lister.List(ctx)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
