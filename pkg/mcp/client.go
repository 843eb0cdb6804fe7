// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp loads tools exposed by Model Context Protocol servers into the
// tool registry, so they run under the same supervision as built-in tools.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/resilience"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetries  = 2
	defaultCacheTTL = 30 * time.Second
	initTimeout     = 10 * time.Second

	clientName    = "bastion"
	clientVersion = "0.1.0"
)

// ClientOption customizes the MCP client wrapper behavior.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures the retry count and the delay between retries.
func WithRetry(retries int, backoff resilience.Backoff) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retries = retries
		}
		c.backoff = backoff
	}
}

// WithToolCacheTTL sets the tool discovery cache TTL. Use 0 to disable caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithBreaker guards calls to the server with a circuit breaker.
func WithBreaker(cfg resilience.BreakerConfig) ClientOption {
	return func(c *Client) {
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// WithServerName names the server in errors and logs.
func WithServerName(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client wraps an mcp-go client with timeouts, retries, a breaker and a
// tool list cache.
type Client struct {
	mcpClient client.MCPClient
	name      string
	timeout   time.Duration
	retries   int
	backoff   resilience.Backoff
	breaker   *resilience.CircuitBreaker
	cacheTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewClient creates a Client around an already initialized MCP client.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	cl := &Client{
		mcpClient: c,
		name:      "mcp",
		timeout:   defaultTimeout,
		retries:   defaultRetries,
		backoff:   resilience.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
		cacheTTL:  defaultCacheTTL,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.breaker == nil {
		cl.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: cl.name})
	}
	return cl
}

// NewClientWithStdio starts command as a subprocess and connects over stdio.
func NewClientWithStdio(ctx context.Context, command string, env, args []string, opts ...ClientOption) (*Client, error) {
	stdioClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, berrors.New(berrors.CodeExecutionFault, "start mcp stdio server", err).
			WithContext("command", command).
			WithRecoverable(false)
	}
	// The stdio transport is already running once the client exists.
	return initialize(ctx, stdioClient, false, opts...)
}

// NewClientWithStreamableHTTP connects to a server over Streamable HTTP.
func NewClientWithStreamableHTTP(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	httpClient, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "create mcp http client", err).
			WithContext("url", url)
	}
	return initialize(ctx, httpClient, true, opts...)
}

func initialize(ctx context.Context, c *client.Client, start bool, opts ...ClientOption) (*Client, error) {
	if start {
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, berrors.New(berrors.CodeExecutionFault, "start mcp transport", err).WithRecoverable(false)
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(initCtx, req); err != nil {
		_ = c.Close()
		return nil, berrors.New(berrors.CodeExecutionFault, "initialize mcp session", err).WithRecoverable(false)
	}
	return NewClient(c, opts...), nil
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// ListTools retrieves the list of tools available on the server.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	var resp *mcp.ListToolsResult
	err := c.do(ctx, "list_tools", func(ctx context.Context) error {
		var err error
		resp, err = c.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.storeTools(resp.Tools)
	return resp.Tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var res *mcp.CallToolResult
	err := c.do(ctx, "call_tool", func(ctx context.Context) error {
		var err error
		res, err = c.mcpClient.CallTool(ctx, req)
		return err
	})
	if err != nil {
		return nil, berrors.As(err).WithContext("tool", name)
	}
	return res, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.mcpClient.Close()
}

// do runs fn under the breaker, retrying transport errors. Context errors
// and an open breaker stop the retries.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return c.backoff.Retry(ctx, c.retries+1, func(ctx context.Context) error {
		attempt++
		return c.breaker.Call(ctx, func(ctx context.Context) error {
			reqCtx, cancel := c.withTimeout(ctx)
			defer cancel()
			err := c.classify(op, fn(reqCtx))
			if err != nil {
				c.logger.Debug("mcp.request.failed",
					slog.String("server", c.name),
					slog.String("op", op),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			}
			return err
		})
	})
}

func (c *Client) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return berrors.New(berrors.CodeTimeout, "mcp request interrupted", err).
			WithContext("server", c.name).
			WithContext("op", op).
			WithRecoverable(false)
	}
	return berrors.New(berrors.CodeExecutionFault, "mcp request failed", err).
		WithContext("server", c.name).
		WithContext("op", op)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || c.now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]mcp.Tool, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = make([]mcp.Tool, len(tools))
	copy(c.toolsCache, tools)
	c.cacheExpiry = c.now().Add(c.cacheTTL)
}
