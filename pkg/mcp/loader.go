// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/resilience"
	"github.com/jllopis/bastion/pkg/tools"
)

// Transport names accepted in ServerConfig.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig describes one MCP server whose tools are loaded.
type ServerConfig struct {
	Name      string        `koanf:"name" yaml:"name"`
	Transport string        `koanf:"transport" yaml:"transport"`
	Command   string        `koanf:"command" yaml:"command"`
	Args      []string      `koanf:"args" yaml:"args"`
	Env       []string      `koanf:"env" yaml:"env"`
	URL       string        `koanf:"url" yaml:"url"`
	Timeout   time.Duration `koanf:"timeout" yaml:"timeout"`
	// Prefix namespaces the server's tools in the registry. Empty keeps
	// the server's own names.
	Prefix string `koanf:"prefix" yaml:"prefix"`
}

// Validate checks the fields required by the transport.
func (c ServerConfig) Validate() error {
	switch c.Transport {
	case TransportStdio, "":
		if c.Command == "" {
			return berrors.New(berrors.CodeInvalidArgument, "mcp stdio server requires a command", nil).
				WithContext("server", c.Name)
		}
	case TransportHTTP:
		if c.URL == "" {
			return berrors.New(berrors.CodeInvalidArgument, "mcp http server requires a url", nil).
				WithContext("server", c.Name)
		}
	default:
		return berrors.Newf(berrors.CodeInvalidArgument, "unknown mcp transport %q", c.Transport).
			WithContext("server", c.Name)
	}
	return nil
}

// ToolLister is the part of Client the loader needs.
type ToolLister interface {
	ToolCaller
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoaderBackoff sets the retry policy used by every client.
func WithLoaderBackoff(retries int, b resilience.Backoff) LoaderOption {
	return func(l *Loader) {
		l.clientOpts = append(l.clientOpts, WithRetry(retries, b))
	}
}

// Loader connects to MCP servers and registers their tools.
type Loader struct {
	registry   *tools.Registry
	logger     *slog.Logger
	clientOpts []ClientOption

	mu      sync.Mutex
	clients []*Client
}

// NewLoader creates a loader that registers into registry.
func NewLoader(registry *tools.Registry, opts ...LoaderOption) (*Loader, error) {
	if registry == nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "registry is required", nil)
	}
	l := &Loader{registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Connect opens a client for cfg and registers its tools. The client stays
// open until Close.
func (l *Loader) Connect(ctx context.Context, cfg ServerConfig) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	opts := append([]ClientOption{
		WithServerName(cfg.Name),
		WithClientLogger(l.logger),
		WithBreaker(resilience.BreakerConfig{Name: "mcp:" + cfg.Name}),
	}, l.clientOpts...)
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}

	var (
		c   *Client
		err error
	)
	if cfg.Transport == TransportHTTP {
		c, err = NewClientWithStreamableHTTP(ctx, cfg.URL, opts...)
	} else {
		c, err = NewClientWithStdio(ctx, cfg.Command, cfg.Env, cfg.Args, opts...)
	}
	if err != nil {
		return 0, err
	}

	n, err := l.Register(ctx, c, cfg.Prefix)
	if err != nil {
		_ = c.Close()
		return 0, err
	}
	l.mu.Lock()
	l.clients = append(l.clients, c)
	l.mu.Unlock()
	l.logger.Info("mcp.server.loaded",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("tools", n),
	)
	return n, nil
}

// LoadAll connects every server. A server that fails is logged and skipped;
// the joined errors are returned with the number of tools registered.
func (l *Loader) LoadAll(ctx context.Context, servers []ServerConfig) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, cfg := range servers {
		n, err := l.Connect(ctx, cfg)
		if err != nil {
			l.logger.Warn("mcp.server.failed",
				slog.String("server", cfg.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Register lists the tools of src and adds them to the registry. A name
// collision stops registration at that tool.
func (l *Loader) Register(ctx context.Context, src ToolLister, prefix string) (int, error) {
	list, err := src.ListTools(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tool := range list {
		adapter, err := NewToolAdapter(tool, src, WithNamePrefix(prefix))
		if err != nil {
			return n, err
		}
		if err := l.registry.Register(adapter); err != nil {
			return n, err
		}
		l.logger.Debug("mcp.tool.registered",
			slog.String("tool", adapter.Name()),
			slog.String("category", string(adapter.Category())),
			slog.Bool("requires_approval", adapter.RequiresApproval()),
		)
		n++
	}
	return n, nil
}

// Servers returns the names of the connected servers in connection order.
func (l *Loader) Servers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.clients))
	for i, c := range l.clients {
		names[i] = c.Name()
	}
	return names
}

// Close closes every client opened by Connect.
func (l *Loader) Close() error {
	l.mu.Lock()
	clients := l.clients
	l.clients = nil
	l.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
