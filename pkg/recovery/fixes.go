// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"strings"

	"github.com/jllopis/bastion/pkg/tools"
)

// Fix is one entry of the fix catalog. Applies receives the lowercased
// error message. Correct returns the corrected arguments and whether it
// changed anything; an unresolved fix returns the arguments unchanged.
type Fix struct {
	Name    string
	Applies func(errMsg string, args tools.Args) bool
	Correct func(args tools.Args) (tools.Args, bool)
}

// AlternateBinaries maps a command head to the name tried when the shell
// cannot find it.
var AlternateBinaries = map[string]string{
	"python": "python3",
	"pip":    "pip3",
	"node":   "nodejs",
}

// DefaultFixes returns the built-in catalog in evaluation order. The first
// fix whose Applies matches is used.
func DefaultFixes() []Fix {
	return []Fix{
		{
			Name: "permission_denied",
			Applies: func(msg string, args tools.Args) bool {
				return strings.Contains(msg, "permission denied") && args.String(tools.ArgCommand) != ""
			},
			Correct: escalate,
		},
		{
			// Checked before missing_file: "command not found" also contains "not found".
			Name: "command_not_found",
			Applies: func(msg string, args tools.Args) bool {
				if strings.Contains(msg, "command not found") {
					return true
				}
				head := commandHead(args)
				return head != "" && strings.Contains(msg, strings.ToLower(head)+": not found")
			},
			Correct: alternateBinary,
		},
		{
			Name: "missing_file",
			Applies: func(msg string, _ tools.Args) bool {
				return strings.Contains(msg, "no such file") || strings.Contains(msg, "not found")
			},
			Correct: unresolved,
		},
	}
}

func escalate(args tools.Args) (tools.Args, bool) {
	cmd := strings.TrimSpace(args.String(tools.ArgCommand))
	if cmd == "" || commandHead(args) == "sudo" {
		return args, false
	}
	out := args.Clone()
	out[tools.ArgCommand] = "sudo " + cmd
	return out, true
}

func alternateBinary(args tools.Args) (tools.Args, bool) {
	cmd := strings.TrimSpace(args.String(tools.ArgCommand))
	head := commandHead(args)
	alt, ok := AlternateBinaries[head]
	if !ok {
		return args, false
	}
	out := args.Clone()
	out[tools.ArgCommand] = alt + strings.TrimPrefix(cmd, head)
	return out, true
}

// unresolved never guesses a path.
func unresolved(args tools.Args) (tools.Args, bool) {
	return args, false
}

func commandHead(args tools.Args) string {
	fields := strings.Fields(args.String(tools.ArgCommand))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// correct applies the first matching fix. It returns the fix name, or ""
// when nothing matched.
func correct(fixes []Fix, errMsg string, args tools.Args) (tools.Args, string, bool) {
	msg := strings.ToLower(errMsg)
	for _, f := range fixes {
		if f.Applies != nil && f.Applies(msg, args) {
			if f.Correct == nil {
				return args, f.Name, false
			}
			out, changed := f.Correct(args)
			return out, f.Name, changed
		}
	}
	return args, "", false
}
