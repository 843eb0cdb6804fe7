// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"sort"
	"strings"
	"sync"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// Registry maps tool names to tools. Loaders register at startup; the
// supervisor only reads.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique and non-empty.
func (r *Registry) Register(t Tool) error {
	if t == nil || strings.TrimSpace(t.Name()) == "" {
		return berrors.New(berrors.CodeInvalidArgument, "tool name is empty", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return berrors.New(berrors.CodeInvalidArgument, "tool already registered", nil).WithContext("tool", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered as name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Descriptor is the view of a tool handed to a decision provider.
type Descriptor struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Category         Category `json:"category"`
	RequiresApproval bool     `json:"requires_approval"`
	// Parameters is a JSON schema for the arguments, when the tool has one.
	Parameters any `json:"parameters,omitempty"`
}

// Parameterized is implemented by tools that publish an argument schema.
type Parameterized interface {
	Parameters() any
}

// Describe returns descriptors for the named tools, or all tools when
// names is nil.
func (r *Registry) Describe(names []string) []Descriptor {
	if names == nil {
		names = r.Names()
	}
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		d := Descriptor{
			Name:             t.Name(),
			Description:      t.Description(),
			Category:         t.Category(),
			RequiresApproval: t.RequiresApproval(),
		}
		if p, ok := t.(Parameterized); ok {
			d.Parameters = p.Parameters()
		}
		out = append(out, d)
	}
	return out
}
