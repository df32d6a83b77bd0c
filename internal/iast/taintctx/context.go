// File: internal/iast/taintctx/context.go

// Package taintctx provides the per-scope facade over a tainted object map and
// the providers that hand those facades out: one long-lived global table, a
// pool of per-request tables, or nothing at all.
package taintctx

import (
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taintmap"
)

// Mode selects the taint context strategy at start-up.
type Mode string

const (
	ModeGlobal  Mode = "global"
	ModeRequest Mode = "request"
	ModeOptOut  Mode = "optout"
)

// Context records and answers taint for one analysis scope.
type Context interface {
	// Get returns the ranges of v, or nil when v is not tainted.
	Get(v any) []taint.Range
	// Taint associates ranges with v, replacing previous ranges. Empty ranges
	// untaint v.
	Taint(v any, ranges []taint.Range)
	// IsTainted reports whether v carries any range.
	IsTainted(v any) bool
	// Active is false once the context has been released or is a sentinel.
	Active() bool
}

// Provider builds and releases contexts; implementations differ only in
// pooling and eviction policy.
type Provider interface {
	Mode() Mode
	// Build returns a context for a new scope.
	Build() Context
	// Release ends the scope of c. Using c afterwards is inert.
	Release(c Context)
}

// Noop is the sentinel that reports everything as untainted.
var Noop Context = noopContext{}

type noopContext struct{}

func (noopContext) Get(any) []taint.Range { return nil }

func (noopContext) Taint(any, []taint.Range) {}

func (noopContext) IsTainted(any) bool { return false }

func (noopContext) Active() bool { return false }

// mapContext adapts a taintmap.Map to Context.
type mapContext struct {
	m *taintmap.Map
}

func (c mapContext) Get(v any) []taint.Range {
	k, ok := taintmap.KeyOf(v)
	if !ok {
		return nil
	}
	ranges, _ := c.m.Get(k)
	return ranges
}

func (c mapContext) Taint(v any, ranges []taint.Range) {
	if k, ok := taintmap.KeyOf(v); ok {
		c.m.Put(k, ranges)
	}
}

func (c mapContext) IsTainted(v any) bool {
	return len(c.Get(v)) > 0
}

func (c mapContext) Active() bool { return true }
