// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Bastion settings from defaults, a YAML file, an
// optional profile overlay, BASTION_ environment variables and --set
// overrides, in that order.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BASTION_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Security  SecurityConfig  `koanf:"security"`
	Agent     AgentConfig     `koanf:"agent"`
	Tools     ToolsConfig     `koanf:"tools"`
	LLM       LLMConfig       `koanf:"llm"`
	Memory    MemoryConfig    `koanf:"memory"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	MCP       MCPConfig       `koanf:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
	File   string `koanf:"file"`
}

type SecurityConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AutoApprove      bool     `koanf:"auto_approve"`
	AllowedCommands  []string `koanf:"allowed_commands"`
	AllowedPaths     []string `koanf:"allowed_paths"`
	BlockedPatterns  []string `koanf:"blocked_patterns"`
	CriticalKeywords []string `koanf:"critical_keywords"`
	PolicyFile       string   `koanf:"policy_file"`
	WatchPolicy      bool     `koanf:"watch_policy"`
}

type AgentConfig struct {
	MaxIterations int           `koanf:"max_iterations"`
	MaxRetries    int           `koanf:"max_retries"`
	RetryBackoff  time.Duration `koanf:"retry_backoff"`
	Concurrency   int           `koanf:"concurrency"`
}

type ToolsConfig struct {
	Allow          []string      `koanf:"allow"`
	Deny           []string      `koanf:"deny"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

type LLMConfig struct {
	Provider string `koanf:"provider"` // ollama, mock
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
}

type MemoryConfig struct {
	Enabled         bool   `koanf:"enabled"`
	Provider        string `koanf:"provider"` // inmemory, vector, file
	Path            string `koanf:"path"`
	QdrantAddr      string `koanf:"qdrant_addr"`
	Collection      string `koanf:"collection"`
	EmbedderBaseURL string `koanf:"embedder_base_url"`
	EmbedderModel   string `koanf:"embedder_model"`
}

type LedgerConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// MCPConfig lists MCP servers whose tools are loaded at startup, keyed by
// server name.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `koanf:"servers"`
}

type MCPServerConfig struct {
	Transport string        `koanf:"transport"` // stdio, http
	Command   string        `koanf:"command"`
	Args      []string      `koanf:"args"`
	Env       []string      `koanf:"env"`
	URL       string        `koanf:"url"`
	Prefix    string        `koanf:"prefix"`
	Timeout   time.Duration `koanf:"timeout"`
}

// Core is the configuration surface the execution core recognizes.
type Core struct {
	SecurityEnabled bool
	MaxRetries      int
	MaxIterations   int
	AutoApprove     bool
}

// Core returns the core subset of the configuration.
func (c *Config) Core() Core {
	return Core{
		SecurityEnabled: c.Security.Enabled,
		MaxRetries:      c.Agent.MaxRetries,
		MaxIterations:   c.Agent.MaxIterations,
		AutoApprove:     c.Security.AutoApprove,
	}
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "text",

	"security.enabled":      true,
	"security.auto_approve": false,

	"agent.max_iterations": 10,
	"agent.max_retries":    3,
	"agent.retry_backoff":  "0s",
	"agent.concurrency":    2,

	"tools.command_timeout": "30s",

	"llm.provider": "ollama",
	"llm.model":    "qwen2.5-coder:7b-instruct-q5_K_M",
	"llm.base_url": "http://localhost:11434",

	"memory.enabled":           false,
	"memory.provider":          "inmemory",
	"memory.qdrant_addr":       "localhost:6334",
	"memory.collection":        "bastion_memory",
	"memory.embedder_base_url": "http://localhost:11434",
	"memory.embedder_model":    "nomic-embed-text",

	"telemetry.exporter": "none",
}

// Load reads defaults, then path (if set), then the environment.
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile is Load plus the overlay <name>.<profile>.<ext> next to
// path, when it exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI parses --config, --profile (alias --env) and repeated
// --set key=value from args. --set wins over every other source.
func LoadWithCLI(args []string) (*Config, error) {
	opts, sets, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.path, opts.profile, sets)
}

func load(path, profile string, sets []override) (*Config, error) {
	// A fresh instance per call; no process-wide state.
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, berrors.New(berrors.CodeInternal, "set default", err).WithContext("key", key)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, berrors.New(berrors.CodeInvalidArgument, "load config file", err).WithContext("path", path)
		}
		if overlay := profileConfigPath(path, profile); overlay != "" {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, berrors.New(berrors.CodeInvalidArgument, "load profile config", err).WithContext("path", overlay)
			}
		}
	}

	// BASTION_SECURITY_AUTO_APPROVE -> security.auto_approve
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "load environment", err)
	}

	for _, o := range sets {
		if err := k.Set(o.key, o.value); err != nil {
			return nil, berrors.New(berrors.CodeInvalidArgument, "apply --set", err).WithContext("key", o.key)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps an environment name to a key. The first underscore after the
// prefix separates the section; the rest stays part of the field name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + field
}

// envValue splits comma separated values into lists.
func envValue(name, value string) (string, any) {
	key := envKey(name)
	if !strings.Contains(value, ",") {
		return key, value
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return key, parts
}

func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(filepath.Base(base), ext)
	candidate := filepath.Join(filepath.Dir(base), name+"."+profile+ext)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	invalid := func(key string, value any, msg string) error {
		return berrors.New(berrors.CodeInvalidArgument, msg, nil).
			WithContext("key", key).
			WithContext("value", value)
	}
	switch {
	case c.Agent.MaxRetries < 0:
		return invalid("agent.max_retries", c.Agent.MaxRetries, "must not be negative")
	case c.Agent.MaxIterations < 0:
		return invalid("agent.max_iterations", c.Agent.MaxIterations, "must not be negative")
	case c.Agent.Concurrency < 0:
		return invalid("agent.concurrency", c.Agent.Concurrency, "must not be negative")
	case c.Agent.RetryBackoff < 0:
		return invalid("agent.retry_backoff", c.Agent.RetryBackoff, "must not be negative")
	}
	if !oneOf(c.Log.Format, "", "text", "json") {
		return invalid("log.format", c.Log.Format, "unknown log format")
	}
	if !oneOf(c.Memory.Provider, "", "inmemory", "vector", "file") {
		return invalid("memory.provider", c.Memory.Provider, "unknown memory provider")
	}
	if c.Memory.Enabled && c.Memory.Provider == "file" && c.Memory.Path == "" {
		return invalid("memory.path", c.Memory.Path, "file memory requires a path")
	}
	if !oneOf(c.Telemetry.Exporter, "", "none", "stdout", "otlp") {
		return invalid("telemetry.exporter", c.Telemetry.Exporter, "unknown exporter")
	}
	if !oneOf(c.LLM.Provider, "ollama", "mock") {
		return invalid("llm.provider", c.LLM.Provider, "unknown llm provider")
	}
	for name, s := range c.MCP.Servers {
		if !oneOf(s.Transport, "", "stdio", "http") {
			return invalid("mcp.servers."+name+".transport", s.Transport, "unknown mcp transport")
		}
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

type cliOptions struct {
	path    string
	profile string
}

type override struct {
	key   string
	value any
}

// parseCLIOverrides accepts both "--flag value" and "--flag=value". Unknown
// arguments are ignored so callers can share args with other flag sets.
func parseCLIOverrides(args []string) (cliOptions, []override, error) {
	var (
		opts cliOptions
		sets []override
	)
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, nil, berrors.Newf(berrors.CodeInvalidArgument, "%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.path = value
		case "--profile", "--env":
			opts.profile = value
		case "--set":
			o, err := parseSet(value)
			if err != nil {
				return opts, nil, err
			}
			sets = append(sets, o)
		}
	}
	return opts, sets, nil
}

// parseSet splits key=value and decodes value as YAML, so numbers, booleans,
// lists and JSON objects keep their types.
func parseSet(s string) (override, error) {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return override{}, berrors.Newf(berrors.CodeInvalidArgument, "--set expects key=value, got %q", s)
	}
	var value any
	if err := yamlv3.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		value = raw
	}
	return override{key: key, value: value}, nil
}
