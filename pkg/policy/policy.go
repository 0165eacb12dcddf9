// Package policy holds the static per-role rules governing which statement
// kinds a role may run, how many rows it gets back, and how long a statement
// may execute. Policies are loaded once and never mutated.
package policy

import (
	"strings"
	"time"

	"github.com/durlabhjain/sql-browser/pkg/apperrors"
)

// Role names form a closed set. Unknown roles fall back to RoleViewer.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
)

// StatementKind is a coarse classification of a SQL statement, derived from
// its leading token. This is intentionally a prefix match, not a parser.
type StatementKind string

const (
	KindRead     StatementKind = "read"     // SELECT, WITH
	KindWrite    StatementKind = "write"    // INSERT, UPDATE
	KindDestroy  StatementKind = "destroy"  // DELETE, MERGE
	KindDefine   StatementKind = "define"   // CREATE, ALTER, DROP, GRANT, ...
	KindOther    StatementKind = "other"
	KindAllKinds StatementKind = "*" // wildcard in a role's allowed set
)

// Permissions is one role's resolved policy entry.
type Permissions struct {
	Role         string
	AllowedKinds map[StatementKind]bool
	MaxRows      int
	Timeout      time.Duration
	// CancelOwn permits cancelling the role's own in-flight executions.
	CancelOwn bool
}

// AllowsAll reports whether the role carries the statement-kind wildcard.
func (p Permissions) AllowsAll() bool {
	return p.AllowedKinds[KindAllKinds]
}

var rolePolicies = map[string]Permissions{
	RoleAdmin: {
		Role:         RoleAdmin,
		AllowedKinds: map[StatementKind]bool{KindAllKinds: true},
		MaxRows:      10000,
		Timeout:      300 * time.Second,
		CancelOwn:    true,
	},
	RoleAnalyst: {
		Role:         RoleAnalyst,
		AllowedKinds: map[StatementKind]bool{KindRead: true, KindWrite: true},
		MaxRows:      5000,
		Timeout:      120 * time.Second,
		CancelOwn:    true,
	},
	RoleViewer: {
		Role:         RoleViewer,
		AllowedKinds: map[StatementKind]bool{KindRead: true},
		MaxRows:      1000,
		Timeout:      30 * time.Second,
		CancelOwn:    true,
	},
}

// Lookup returns the permissions for a role. Unknown roles get the most
// restrictive policy (viewer).
func Lookup(role string) Permissions {
	if p, ok := rolePolicies[strings.ToLower(strings.TrimSpace(role))]; ok {
		return p
	}
	return rolePolicies[RoleViewer]
}

// definitionKeywords are the administrative keywords named verbatim in a
// denial so the caller knows exactly which operation was refused.
var definitionKeywords = map[string]bool{
	"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "DENY": true,
	"EXEC": true, "EXECUTE": true, "BACKUP": true, "RESTORE": true,
}

var leadingKinds = map[string]StatementKind{
	"SELECT": KindRead,
	"WITH":   KindRead,
	"SHOW":   KindRead,
	"INSERT": KindWrite,
	"UPDATE": KindWrite,
	"DELETE": KindDestroy,
	"MERGE":  KindDestroy,
}

// Classify returns the coarse kind of a statement from its leading token.
func Classify(statement string) StatementKind {
	keyword := leadingKeyword(statement)
	if keyword == "" {
		return KindOther
	}
	if definitionKeywords[keyword] {
		return KindDefine
	}
	if kind, ok := leadingKinds[keyword]; ok {
		return kind
	}
	return KindOther
}

// Authorize checks a statement against a role's allowed kinds. The returned
// error is an *apperrors.AuthorizationError naming the offending keyword when
// the statement leads with a recognized administrative keyword.
func Authorize(role, statement string) error {
	perms := Lookup(role)
	if perms.AllowsAll() {
		return nil
	}

	kind := Classify(statement)
	if perms.AllowedKinds[kind] {
		return nil
	}

	denial := &apperrors.AuthorizationError{Role: perms.Role}
	if keyword := leadingKeyword(statement); definitionKeywords[keyword] {
		denial.Keyword = keyword
	}
	return denial
}

// leadingKeyword extracts the first token of the trimmed, upper-cased
// statement text. Leading line and block comments are skipped so a commented
// statement classifies the same as a bare one.
func leadingKeyword(statement string) string {
	s := strings.TrimSpace(statement)
	for {
		switch {
		case strings.HasPrefix(s, "--"):
			nl := strings.IndexByte(s, '\n')
			if nl < 0 {
				return ""
			}
			s = strings.TrimSpace(s[nl+1:])
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s, "*/")
			if end < 0 {
				return ""
			}
			s = strings.TrimSpace(s[end+2:])
		default:
			end := strings.IndexFunc(s, func(r rune) bool {
				return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' || r == ';'
			})
			if end < 0 {
				return strings.ToUpper(s)
			}
			return strings.ToUpper(s[:end])
		}
	}
}
