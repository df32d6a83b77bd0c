// File: internal/iast/vulnerability/types.go

// Package vulnerability describes detected issues and the per-scope batch that
// collects them until delivery.
package vulnerability

import (
	"fmt"
	"sort"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
)

// Severity defines the severity level of a vulnerability.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Type is a kind of vulnerability. Types are compared by pointer and shared;
// never mutate a registered type.
type Type struct {
	Name     string
	CWE      int
	Severity Severity
	// Mark is the security control that neutralizes ranges for this type.
	Mark taint.Marks
	// Deduplicable types are reported once per dedup cache lifetime.
	Deduplicable bool
	// HashByEvidence derives the dedup hash from the evidence value instead of
	// the location, for issues that are about a value rather than a code site.
	HashByEvidence bool
}

func (t *Type) String() string {
	if t == nil {
		return "UNKNOWN"
	}
	return t.Name
}

// MarshalText encodes a type as its name.
func (t *Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

var (
	SQLInjection        = &Type{Name: "SQL_INJECTION", CWE: 89, Severity: SeverityCritical, Mark: taint.MarkSQL, Deduplicable: true}
	CommandInjection    = &Type{Name: "COMMAND_INJECTION", CWE: 78, Severity: SeverityCritical, Mark: taint.MarkCommand, Deduplicable: true}
	PathTraversal       = &Type{Name: "PATH_TRAVERSAL", CWE: 22, Severity: SeverityHigh, Mark: taint.MarkPath, Deduplicable: true}
	SSRF                = &Type{Name: "SSRF", CWE: 918, Severity: SeverityHigh, Mark: taint.MarkSSRF, Deduplicable: true}
	LDAPInjection       = &Type{Name: "LDAP_INJECTION", CWE: 90, Severity: SeverityHigh, Mark: taint.MarkLDAP, Deduplicable: true}
	XSS                 = &Type{Name: "XSS", CWE: 79, Severity: SeverityHigh, Mark: taint.MarkXSS, Deduplicable: true}
	UnvalidatedRedirect = &Type{Name: "UNVALIDATED_REDIRECT", CWE: 601, Severity: SeverityMedium, Mark: taint.MarkRedirect, Deduplicable: true}
	HeaderInjection     = &Type{Name: "HEADER_INJECTION", CWE: 113, Severity: SeverityMedium, Mark: taint.MarkHeader, Deduplicable: true, HashByEvidence: true}
	WeakHash            = &Type{Name: "WEAK_HASH", CWE: 328, Severity: SeverityLow, Deduplicable: true}
	InsecureCookie      = &Type{Name: "INSECURE_COOKIE", CWE: 614, Severity: SeverityLow, Deduplicable: true, HashByEvidence: true}
)

var registry = func() map[string]*Type {
	m := make(map[string]*Type)
	for _, t := range []*Type{
		SQLInjection, CommandInjection, PathTraversal, SSRF, LDAPInjection, XSS,
		UnvalidatedRedirect, HeaderInjection, WeakHash, InsecureCookie,
	} {
		m[t.Name] = t
	}
	return m
}()

// TypeByName looks up a registered type.
func TypeByName(name string) (*Type, error) {
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown vulnerability type %q", name)
	}
	return t, nil
}

// Types returns every registered type sorted by name.
func Types() []*Type {
	out := make([]*Type, 0, len(registry))
	for _, t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
