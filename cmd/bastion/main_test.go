// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

func TestParseGlobalFlags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantConfig []string
		wantRest   []string
		wantJSON   bool
		wantTO     time.Duration
		wantHelp   bool
		wantErr    bool
	}{
		{
			name:     "command only",
			args:     []string{"status"},
			wantRest: []string{"status"},
			wantTO:   30 * time.Second,
		},
		{
			name:       "config forms",
			args:       []string{"--config", "a.yaml", "--set=agent.max_retries=1", "--profile", "dev", "run", "x"},
			wantConfig: []string{"--config", "a.yaml", "--set", "agent.max_retries=1", "--profile", "dev"},
			wantRest:   []string{"run", "x"},
			wantTO:     30 * time.Second,
		},
		{
			name:     "json and timeout",
			args:     []string{"--json", "--timeout=2s", "check", "report"},
			wantRest: []string{"check", "report"},
			wantJSON: true,
			wantTO:   2 * time.Second,
		},
		{
			name:     "double dash",
			args:     []string{"--", "--weird"},
			wantRest: []string{"--weird"},
			wantTO:   30 * time.Second,
		},
		{name: "help", args: []string{"-h", "run"}, wantHelp: true, wantTO: 30 * time.Second},
		{name: "missing value", args: []string{"--config"}, wantErr: true},
		{name: "bad timeout", args: []string{"--timeout", "soon"}, wantErr: true},
		{name: "unknown flag", args: []string{"--verbose"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, rest, err := parseGlobalFlags(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseGlobalFlags: %v", err)
			}
			if !reflect.DeepEqual(flags.ConfigArgs, tt.wantConfig) {
				t.Errorf("ConfigArgs = %q, want %q", flags.ConfigArgs, tt.wantConfig)
			}
			if !reflect.DeepEqual(rest, tt.wantRest) {
				t.Errorf("rest = %q, want %q", rest, tt.wantRest)
			}
			if flags.JSON != tt.wantJSON || flags.Help != tt.wantHelp || flags.Timeout != tt.wantTO {
				t.Errorf("flags = %+v", flags)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	if got := configPath([]string{"--set", "a=b", "--config", "x.yaml"}); got != "x.yaml" {
		t.Fatalf("configPath = %q", got)
	}
	if got := configPath([]string{"--set", "a=b"}); got != "" {
		t.Fatalf("configPath = %q", got)
	}
}

func TestTruncateMessage(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"  hello\n world ", 0, "hello world"},
		{"", 10, "-"},
		{"abcdefghij", 8, "abcde..."},
		{"abcdefghij", 3, "abc"},
		{"short", 10, "short"},
	}
	for _, tt := range tests {
		if got := truncateMessage(tt.in, tt.limit); got != tt.want {
			t.Errorf("truncateMessage(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}

func TestCLIErrorOutput(t *testing.T) {
	ce := NewCLIError(berrors.New(berrors.CodePolicyViolation, "command denied", nil).WithContext("target", "rm -rf /"), "extend the allow set")

	var text bytes.Buffer
	ce.writeTo(&text, false)
	if !strings.Contains(text.String(), "Error [Policy Violation]: command denied") ||
		!strings.Contains(text.String(), "Hint: extend the allow set") {
		t.Fatalf("text output = %q", text.String())
	}

	var js bytes.Buffer
	ce.writeTo(&js, true)
	var payload struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Context map[string]any `json:"context"`
			Hint    string         `json:"hint"`
		} `json:"error"`
	}
	if err := json.Unmarshal(js.Bytes(), &payload); err != nil {
		t.Fatalf("json output %q: %v", js.String(), err)
	}
	if payload.Error.Code != "POLICY_VIOLATION" || payload.Error.Context["target"] != "rm -rf /" {
		t.Fatalf("payload = %+v", payload)
	}
	if !strings.Contains(ce.Error(), "Hint: extend the allow set") {
		t.Fatalf("Error() = %q", ce.Error())
	}
}

func TestNewStartupErrorKeepsCode(t *testing.T) {
	ce := NewStartupError(berrors.New(berrors.CodePathNotFound, "allowed path does not exist", nil), "policy")
	if ce.Code != berrors.CodePathNotFound {
		t.Fatalf("Code = %s", ce.Code)
	}
	if ce.Context["component"] != "policy" || !strings.Contains(ce.Hint, "security.policy_file") {
		t.Fatalf("unexpected error %+v hint %q", ce.Context, ce.Hint)
	}
}
