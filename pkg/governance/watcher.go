// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher re-applies a policy file to running gates whenever it
// changes on disk. Reloads are additive.
type PolicyWatcher struct {
	path      string
	gate      *Gate
	approvals *ApprovalGate
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	pending   time.Time
	reloads   int
	listeners []func(*PolicyFile, error)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// PolicyWatcherOption configures a PolicyWatcher.
type PolicyWatcherOption func(*PolicyWatcher)

// WithPolicyDebounce sets how long writes must settle before reloading.
func WithPolicyDebounce(d time.Duration) PolicyWatcherOption {
	return func(w *PolicyWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithPolicyLogger sets the watcher logger.
func WithPolicyLogger(logger *slog.Logger) PolicyWatcherOption {
	return func(w *PolicyWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewPolicyWatcher watches the directory holding path. Editors often replace
// files on save, so the parent directory is watched rather than the file.
func NewPolicyWatcher(path string, gate *Gate, approvals *ApprovalGate, opts ...PolicyWatcherOption) (*PolicyWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &PolicyWatcher{
		path:      abs,
		gate:      gate,
		approvals: approvals,
		watcher:   fw,
		debounce:  200 * time.Millisecond,
		logger:    slog.Default(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnReload registers a callback invoked after each reload attempt.
func (w *PolicyWatcher) OnReload(fn func(*PolicyFile, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reloads returns how many reloads have been attempted.
func (w *PolicyWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Start begins watching in a background goroutine.
func (w *PolicyWatcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop stops the watcher and waits for the goroutine to exit.
func (w *PolicyWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *PolicyWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(max(w.debounce/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy.watch.error", slog.String("error", err.Error()))
		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.reload()
			}
		}
	}
}

func (w *PolicyWatcher) reload() {
	pf, err := LoadPolicyFile(w.path)
	if err == nil {
		err = pf.ApplyAdditive(w.gate, w.approvals)
	}

	w.mu.Lock()
	w.reloads++
	listeners := make([]func(*PolicyFile, error), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("policy.reload.failed", slog.String("path", w.path), slog.String("error", err.Error()))
	} else {
		w.logger.Info("policy.reload.applied",
			slog.String("path", w.path),
			slog.Int("commands", len(pf.AllowedCommands)),
			slog.Int("paths", len(pf.AllowedPaths)),
		)
	}
	for _, fn := range listeners {
		fn(pf, err)
	}
}
