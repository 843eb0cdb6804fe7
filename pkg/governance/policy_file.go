// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"os"

	berrors "github.com/jllopis/bastion/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PatternSpec is a blocked pattern as written in a policy file.
type PatternSpec struct {
	ID          string `yaml:"id"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
}

// PolicyFile is the YAML document holding additional policy entries.
//
//	allowed_commands: [ls, cat, git]
//	allowed_paths: [/srv/project]
//	blocked_patterns:
//	  - id: curl-pipe
//	    pattern: 'curl\s+.*\|\s*(ba)?sh'
//	    description: piping downloads into a shell
//	critical_keywords: [deploy]
type PolicyFile struct {
	AllowedCommands  []string      `yaml:"allowed_commands"`
	AllowedPaths     []string      `yaml:"allowed_paths"`
	BlockedPatterns  []PatternSpec `yaml:"blocked_patterns"`
	CriticalKeywords []string      `yaml:"critical_keywords"`
}

// LoadPolicyFile reads and parses a policy file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "read policy file", err).WithContext("path", path)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses a policy document.
func ParsePolicy(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, berrors.New(berrors.CodeInvalidArgument, "parse policy file", err)
	}
	return &pf, nil
}

// Patterns compiles the blocked pattern entries.
func (pf *PolicyFile) Patterns() ([]BlockedPattern, error) {
	out := make([]BlockedPattern, 0, len(pf.BlockedPatterns))
	for _, spec := range pf.BlockedPatterns {
		p, err := NewBlockedPattern(spec.ID, spec.Pattern, spec.Description)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GateOptions converts the file into construction options for NewGate.
// Blocked patterns can only be installed at construction time.
func (pf *PolicyFile) GateOptions() ([]GateOption, error) {
	patterns, err := pf.Patterns()
	if err != nil {
		return nil, err
	}
	return []GateOption{
		WithAllowedCommands(pf.AllowedCommands...),
		WithAllowedPaths(pf.AllowedPaths...),
		WithBlockedPatterns(patterns...),
	}, nil
}

// ApplyAdditive adds the file's commands, paths and keywords to running
// gates. Nothing is ever removed. Either gate may be nil. The first error is
// returned after every entry has been attempted.
func (pf *PolicyFile) ApplyAdditive(gate *Gate, approvals *ApprovalGate) error {
	var first error
	if gate != nil {
		for _, c := range pf.AllowedCommands {
			if err := gate.AddAllowedCommand(c); err != nil && first == nil {
				first = err
			}
		}
		for _, p := range pf.AllowedPaths {
			if err := gate.AddAllowedPath(p); err != nil && first == nil {
				first = err
			}
		}
	}
	if approvals != nil {
		approvals.AddCriticalKeywords(pf.CriticalKeywords...)
	}
	return first
}
