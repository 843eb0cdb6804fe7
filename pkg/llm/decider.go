// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jllopis/bastion/pkg/core"
	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/tools"
)

const systemPrompt = `You drive a command-line agent toward an objective.
Every tool call you request is checked by a security policy before it runs.
Rules:
1. Only use the tools listed below.
2. Never try to bypass the security policy. If an action is blocked, try a safe alternative.
3. Explain your reasoning before each action.
Answer with a single JSON object and nothing else:
{"done": false, "tool_name": "<tool>", "tool_args": {...}, "reasoning": "<why>"}
or, when the objective is complete:
{"done": true, "message": "<final answer>", "reasoning": "<why>"}`

// Decider asks a Provider for the next step and parses the answer into a
// core.Decision.
type Decider struct {
	provider     Provider
	model        string
	temperature  float64
	nativeTools  bool
	historyLimit int
	outputLimit  int
	logger       *slog.Logger
}

// DeciderOption configures a Decider.
type DeciderOption func(*Decider)

// WithModel sets the model name sent to the provider.
func WithModel(model string) DeciderOption {
	return func(d *Decider) {
		d.model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) DeciderOption {
	return func(d *Decider) {
		d.temperature = t
	}
}

// WithNativeTools advertises the tools through the provider's tool-calling
// API instead of asking for JSON output.
func WithNativeTools(enabled bool) DeciderOption {
	return func(d *Decider) {
		d.nativeTools = enabled
	}
}

// WithHistoryLimit bounds how many past steps are shown. Zero shows all.
func WithHistoryLimit(n int) DeciderOption {
	return func(d *Decider) {
		d.historyLimit = n
	}
}

// WithDeciderLogger sets the logger.
func WithDeciderLogger(logger *slog.Logger) DeciderOption {
	return func(d *Decider) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDecider wraps provider.
func NewDecider(provider Provider, opts ...DeciderOption) *Decider {
	d := &Decider{provider: provider, historyLimit: 20, outputLimit: 500, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ core.DecisionProvider = (*Decider)(nil)

// Decide implements core.DecisionProvider.
func (d *Decider) Decide(ctx context.Context, req core.DecisionRequest) (core.Decision, error) {
	chat := ChatRequest{
		Model:       d.model,
		Temperature: d.temperature,
		Messages: []Message{
			{Role: RoleSystem, Content: systemPrompt + "\n\nTools:\n" + describeTools(req.Tools)},
			{Role: RoleUser, Content: d.userPrompt(req)},
		},
	}
	if d.nativeTools {
		chat.Tools = toolDefs(req.Tools)
	} else {
		chat.Format = "json"
	}

	resp, err := d.provider.Chat(ctx, chat)
	if err != nil {
		if be := berrors.As(err); be.Code != berrors.CodeInternal {
			return core.Decision{}, err
		}
		return core.Decision{}, berrors.New(berrors.CodeLLMError, "decision provider failed", err)
	}
	d.logger.DebugContext(ctx, "llm.decision.response",
		slog.Int("iteration", req.Iteration),
		slog.Int("tool_calls", len(resp.ToolCalls)),
		slog.Int("tokens", resp.Usage.TotalTokens),
	)

	if len(resp.ToolCalls) > 0 {
		return decisionFromToolCall(resp.ToolCalls[0], resp.Content)
	}
	return ParseDecision(resp.Content)
}

func (d *Decider) userPrompt(req core.DecisionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", req.Objective)
	fmt.Fprintf(&b, "Iteration %d of %d.\n", req.Iteration, req.MaxIterations)
	history := req.History
	if d.historyLimit > 0 && len(history) > d.historyLimit {
		history = history[len(history)-d.historyLimit:]
	}
	if len(history) == 0 {
		b.WriteString("No actions taken yet.\n")
	} else {
		fmt.Fprintf(&b, "History of %d previous actions:\n", len(req.History))
		for _, s := range history {
			status := "ok"
			detail := s.Output
			if !s.Success {
				status = "failed"
				detail = s.Error
			}
			fmt.Fprintf(&b, "- [%d] %s(%s) %s: %s\n", s.Iteration, s.Tool, s.Args.Summary(80), status, clip(detail, d.outputLimit))
		}
	}
	b.WriteString("Choose a tool to run next, or reply with done=true.")
	return b.String()
}

func describeTools(descs []tools.Descriptor) string {
	if len(descs) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, t := range descs {
		fmt.Fprintf(&b, "- %s [%s]: %s\n", t.Name, t.Category, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func toolDefs(descs []tools.Descriptor) []Tool {
	out := make([]Tool, 0, len(descs))
	for _, t := range descs {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "additionalProperties": true}
		}
		out = append(out, Tool{
			Type: ToolTypeFunction,
			Function: FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

type wireDecision struct {
	Done      bool           `json:"done"`
	ToolName  string         `json:"tool_name"`
	Tool      string         `json:"tool"`
	ToolArgs  map[string]any `json:"tool_args"`
	Args      map[string]any `json:"args"`
	Reasoning string         `json:"reasoning"`
	Message   string         `json:"message"`
}

// ParseDecision extracts the JSON decision object from model output. Code
// fences and text around the object are ignored.
func ParseDecision(text string) (core.Decision, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return core.Decision{}, berrors.New(berrors.CodeLLMError, "no JSON object in model output", nil).
			WithContext("output", clip(text, 200))
	}
	var w wireDecision
	if err := json.Unmarshal([]byte(text[start:end+1]), &w); err != nil {
		return core.Decision{}, berrors.New(berrors.CodeLLMError, "invalid decision JSON", err).
			WithContext("output", clip(text, 200))
	}
	tool := w.ToolName
	if tool == "" {
		tool = w.Tool
	}
	args := w.ToolArgs
	if args == nil {
		args = w.Args
	}
	return core.Decision{
		Done:      w.Done,
		Tool:      strings.TrimSpace(tool),
		Args:      tools.Args(args),
		Reasoning: w.Reasoning,
		Message:   w.Message,
	}, nil
}

func decisionFromToolCall(call ToolCall, content string) (core.Decision, error) {
	args := map[string]any{}
	switch a := call.Function.Arguments.(type) {
	case map[string]any:
		args = a
	case string:
		if strings.TrimSpace(a) != "" {
			if err := json.Unmarshal([]byte(a), &args); err != nil {
				return core.Decision{}, berrors.New(berrors.CodeLLMError, "invalid tool call arguments", err).
					WithContext("tool", call.Function.Name)
			}
		}
	case nil:
	default:
		return core.Decision{}, berrors.Newf(berrors.CodeLLMError, "unsupported tool call arguments %T", a)
	}
	return core.Decision{
		Tool:      call.Function.Name,
		Args:      tools.Args(args),
		Reasoning: strings.TrimSpace(content),
	}, nil
}

func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
