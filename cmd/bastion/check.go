// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jllopis/bastion/pkg/config"
	berrors "github.com/jllopis/bastion/pkg/errors"
	"github.com/jllopis/bastion/pkg/governance"
)

type checkResult struct {
	Kind     string `json:"kind"`
	Target   string `json:"target"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	RuleID   string `json:"rule_id,omitempty"`
	Critical bool   `json:"critical"`
	Keyword  string `json:"critical_keyword,omitempty"`
}

type securityReport struct {
	SecurityEnabled bool                      `json:"security_enabled"`
	AutoApprove     bool                      `json:"auto_approve"`
	Policy          governance.Report         `json:"policy"`
	Approvals       governance.ApprovalReport `json:"approvals"`
}

func runCheck(flags globalFlags, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return NewInvalidArgumentError("check", "usage: bastion check command <cmd> | path <path> | report")
	}
	gate, approvals, err := buildGates(cfg, nil, nil)
	if err != nil {
		return NewStartupError(err, "policy")
	}

	switch args[0] {
	case "command":
		if len(args) < 2 {
			return NewInvalidArgumentError("command", "check command needs a command")
		}
		res := checkCommand(gate, approvals, strings.Join(args[1:], " "))
		return reportCheck(os.Stdout, res, flags.JSON)
	case "path":
		if len(args) != 2 {
			return NewInvalidArgumentError("path", "check path needs exactly one path")
		}
		return reportCheck(os.Stdout, checkPath(gate, args[1]), flags.JSON)
	case "report":
		if err := ensureNoArgs(args[1:]); err != nil {
			return err
		}
		rep := securityReport{
			SecurityEnabled: cfg.Security.Enabled,
			AutoApprove:     approvals.AutoApprove(),
			Policy:          gate.Report(),
			Approvals:       approvals.Report(10),
		}
		return printSecurityReport(os.Stdout, rep, flags.JSON)
	default:
		return NewInvalidArgumentError("check", fmt.Sprintf("unknown check %q", args[0]))
	}
}

func checkCommand(gate *governance.Gate, approvals *governance.ApprovalGate, command string) checkResult {
	d := gate.CheckCommand(command)
	res := checkResult{Kind: "command", Target: command, Allowed: d.IsAllowed(), Reason: d.Reason, RuleID: d.RuleID}
	res.Keyword, res.Critical = approvals.CriticalKeyword(command)
	return res
}

func checkPath(gate *governance.Gate, path string) checkResult {
	res := checkResult{Kind: "path", Target: path}
	if err := gate.ValidatePath(path); err != nil {
		res.Reason = berrors.As(err).Message
		return res
	}
	res.Allowed = true
	res.Reason = "path inside an allowed directory"
	return res
}

// reportCheck prints res and returns a POLICY_VIOLATION error when denied so
// the exit status reflects the decision.
func reportCheck(w io.Writer, res checkResult, jsonOutput bool) error {
	if jsonOutput {
		if err := printJSON(w, res); err != nil {
			return err
		}
	} else {
		verdict := "DENIED"
		if res.Allowed {
			verdict = "ALLOWED"
		}
		fmt.Fprintf(w, "%s %s: %s\n", verdict, res.Kind, res.Target)
		fmt.Fprintf(w, "  reason: %s\n", res.Reason)
		if res.Critical {
			fmt.Fprintf(w, "  requires approval (keyword %q)\n", res.Keyword)
		}
	}
	if res.Allowed {
		return nil
	}
	be := berrors.New(berrors.CodePolicyViolation, res.Kind+" denied", nil).
		WithContext("target", res.Target).
		WithContext("reason", res.Reason)
	return NewCLIError(be, "extend security.allowed_commands, security.allowed_paths or the policy file")
}

func printSecurityReport(w io.Writer, rep securityReport, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, rep)
	}
	fmt.Fprintf(w, "Security enabled: %t\n", rep.SecurityEnabled)
	fmt.Fprintf(w, "Auto-approve: %t\n", rep.AutoApprove)
	fmt.Fprintf(w, "Allowed commands: %s\n", normalizeCell(strings.Join(rep.Policy.AllowedCommands, ", ")))
	fmt.Fprintln(w, "Allowed paths:")
	for _, p := range rep.Policy.AllowedPaths {
		fmt.Fprintf(w, "  %s\n", p)
	}
	fmt.Fprintf(w, "Blocked patterns (%d):\n", len(rep.Policy.BlockedPatterns))
	tw := newTabWriter(w)
	writeRow(tw, "  ID", "DESCRIPTION")
	for _, p := range rep.Policy.BlockedPatterns {
		writeRow(tw, "  "+p.ID, p.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Approvals: %d total, %d approved, %d denied\n",
		rep.Approvals.Total, rep.Approvals.Approved, rep.Approvals.Denied)
	return nil
}
