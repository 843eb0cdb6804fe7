// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"slices"
	"sync"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// MockProvider answers every request with Response, or fails with Err.
// Respond, when set, computes the answer instead.
type MockProvider struct {
	Response string
	Err      error
	Respond  func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	switch {
	case m.Respond != nil:
		return m.Respond(ctx, req)
	case m.Err != nil:
		return nil, m.Err
	}
	return reply(req, m.Response), nil
}

// ScriptedMockProvider replays decision texts in order, one per Chat call,
// and keeps every request it saw. It drives the loop without a model.
type ScriptedMockProvider struct {
	mu       sync.Mutex
	queue    []string
	requests []ChatRequest
}

// NewScriptedMockProvider queues responses.
func NewScriptedMockProvider(responses ...string) *ScriptedMockProvider {
	return &ScriptedMockProvider{queue: slices.Clone(responses)}
}

// Chat implements Provider. Once the queue is empty every call fails with
// LLM_ERROR.
func (s *ScriptedMockProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.queue) == 0 {
		return nil, berrors.New(berrors.CodeLLMError, "scripted provider has no responses left", nil).
			WithContext("calls", len(s.requests))
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return reply(req, next), nil
}

// Push appends responses to the queue.
func (s *ScriptedMockProvider) Push(responses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, responses...)
}

// Next returns the response the following call will get.
func (s *ScriptedMockProvider) Next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	return s.queue[0], true
}

// Remaining reports how many responses are queued.
func (s *ScriptedMockProvider) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Requests returns a copy of the requests received so far.
func (s *ScriptedMockProvider) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// reply wraps content with a rough usage estimate of four bytes per token.
func reply(req ChatRequest, content string) *ChatResponse {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content)
	}
	u := Usage{PromptTokens: prompt / 4, CompletionTokens: len(content) / 4}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return &ChatResponse{Content: content, Usage: u}
}
