// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"regexp"
	"strings"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// BlockedPattern denies any command whose full text matches it, regardless
// of allow-set membership. Matching is case-insensitive.
type BlockedPattern struct {
	ID          string
	Description string
	expr        string
	re          *regexp.Regexp
}

// NewBlockedPattern compiles expr into a case-insensitive blocked pattern.
func NewBlockedPattern(id, expr, description string) (BlockedPattern, error) {
	if strings.TrimSpace(expr) == "" {
		return BlockedPattern{}, berrors.New(berrors.CodeInvalidArgument, "blocked pattern expression is empty", nil).
			WithContext("id", id)
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return BlockedPattern{}, berrors.New(berrors.CodeInvalidArgument, "invalid blocked pattern", err).
			WithContext("id", id).
			WithContext("pattern", expr)
	}
	if id == "" {
		id = expr
	}
	return BlockedPattern{ID: id, Description: description, expr: expr, re: re}, nil
}

// MustBlockedPattern is like NewBlockedPattern but panics on error.
func MustBlockedPattern(id, expr, description string) BlockedPattern {
	p, err := NewBlockedPattern(id, expr, description)
	if err != nil {
		panic(err)
	}
	return p
}

// Expr returns the source expression without the case-insensitivity flag.
func (p BlockedPattern) Expr() string { return p.expr }

// Match reports whether the command matches the pattern.
func (p BlockedPattern) Match(command string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(command)
}

// rootDeleteExpr matches rm with both a recursive and a force flag, in one
// cluster (-rf), split (-r -f) or long form (--recursive --force), followed
// by an absolute path.
var rootDeleteExpr = func() string {
	const (
		flag      = `-[a-z-]*`
		recursive = `(?:-[a-z]*r[a-z]*|--recursive)`
		force     = `(?:-[a-z]*f[a-z]*|--force)`
		cluster   = `-[a-z]*(?:r[a-z]*f|f[a-z]*r)[a-z]*`
	)
	between := `(?:\s+` + flag + `)*\s+`
	return `\brm\s+(?:` + flag + `\s+)*` +
		`(?:` + cluster + `|` + recursive + between + force + `|` + force + between + recursive + `)` +
		between + `/`
}()

// DefaultBlockedPatterns returns the catalog every gate starts with.
// Callers can add patterns but never remove these.
func DefaultBlockedPatterns() []BlockedPattern {
	return []BlockedPattern{
		MustBlockedPattern("root-delete", rootDeleteExpr,
			"recursive forced deletion from the filesystem root"),
		MustBlockedPattern("disk-format",
			`\bmkfs`,
			"filesystem creation on a device"),
		MustBlockedPattern("block-device",
			`\bdd\s+.*\bof=/dev/`,
			"raw write to a block device"),
		MustBlockedPattern("fork-bomb",
			`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`,
			"shell fork bomb"),
		MustBlockedPattern("system-redirect",
			`>\s*/(dev/(sd|hd|nvme|vd|xvd|disk|mmcblk)|etc/|root/|boot/)`,
			"output redirection into a device or system directory"),
	}
}
