// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LoadFunc produces a configuration. Watchers call it on every change so a
// reload sees the same sources as the initial load.
type LoadFunc func() (*Config, error)

// Watcher polls configuration files and reloads when one changes. A reload
// that fails validation keeps the previous configuration.
type Watcher struct {
	mu          sync.RWMutex
	load        LoadFunc
	paths       []string
	interval    time.Duration
	lastModTime map[string]time.Time
	config      *Config
	listeners   []func(*Config)
	reloads     int
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	logger      *slog.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets the polling interval for file changes.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads the initial configuration and records the modification
// time of every path.
func NewWatcher(load LoadFunc, paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		load:        load,
		paths:       paths,
		interval:    time.Second,
		lastModTime: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTime[path] = info.ModTime()
		}
	}

	cfg, err := load()
	if err != nil {
		return nil, err
	}
	w.config = cfg
	return w, nil
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Reloads returns the number of successful reloads.
func (w *Watcher) Reloads() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads
}

// Start begins polling in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	go w.watch(ctx)
}

// Stop ends polling and waits for the goroutine. It must follow Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.checkForChanges() {
				w.reload()
			}
		}
	}
}

func (w *Watcher) checkForChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		lastMod, exists := w.lastModTime[path]
		if !exists || info.ModTime().After(lastMod) {
			w.lastModTime[path] = info.ModTime()
			changed = true
		}
	}
	return changed
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.logger.Error("config.reload.failed", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.config = cfg
	w.reloads++
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Info("config.reload.complete", slog.Int("listeners", len(listeners)))
	for _, fn := range listeners {
		fn(cfg)
	}
}

// WatchFiles watches path and its profile overlay, reloading with the same
// CLI arguments that produced the initial configuration.
func WatchFiles(ctx context.Context, args []string, opts ...WatcherOption) (*Watcher, error) {
	cli, _, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	var paths []string
	if cli.path != "" {
		paths = append(paths, cli.path)
		if overlay := profileConfigPath(cli.path, cli.profile); overlay != "" {
			paths = append(paths, overlay)
		}
	}
	w, err := NewWatcher(func() (*Config, error) { return LoadWithCLI(args) }, paths, opts...)
	if err != nil {
		return nil, err
	}
	w.Start(ctx)
	return w, nil
}
