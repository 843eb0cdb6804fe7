// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"reflect"
	"testing"
)

func TestToolFilter_EmptyFilter(t *testing.T) {
	filter := NewToolFilter()
	if !filter.Check(context.Background(), "any-tool").IsAllowed() {
		t.Error("empty filter should allow all tools")
	}
	var nilFilter *ToolFilter
	if !nilFilter.Check(context.Background(), "any-tool").IsAllowed() {
		t.Error("nil filter should allow all tools")
	}
}

func TestToolFilter_Lists(t *testing.T) {
	filter := NewToolFilter(
		WithAllowlist("read_*", "list_dir", "execute_command"),
		WithDenylist("read_secret"),
	)

	tests := []struct {
		tool    string
		allowed bool
	}{
		{"read_file", true},
		{"list_dir", true},
		{"execute_command", true},
		{"read_secret", false},
		{"write_file", false},
	}
	for _, tc := range tests {
		t.Run(tc.tool, func(t *testing.T) {
			if got := filter.Check(context.Background(), tc.tool).IsAllowed(); got != tc.allowed {
				t.Errorf("tool %q: expected allowed=%v, got %v", tc.tool, tc.allowed, got)
			}
		})
	}
}

type denyAllEngine struct{}

func (denyAllEngine) Evaluate(context.Context, Action) Decision {
	return deny("engine says no", "engine")
}

func TestToolFilter_PolicyEngine(t *testing.T) {
	filter := NewToolFilter(WithPolicyEngine(denyAllEngine{}))
	d := filter.Check(context.Background(), "read_file")
	if d.IsAllowed() || d.RuleID != "engine" {
		t.Fatalf("expected engine denial, got %+v", d)
	}
}

func TestToolFilter_Filter(t *testing.T) {
	filter := NewToolFilter(WithDenylist("write_*"))
	got := filter.Filter(context.Background(), []string{"read_file", "write_file", "list_dir"})
	want := []string{"read_file", "list_dir"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Filter = %v, want %v", got, want)
	}
}
