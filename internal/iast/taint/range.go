// File: internal/iast/taint/range.go

// Package taint holds the value model of runtime taint tracking: the tainted
// sub-ranges of a value, the untrusted input they came from, and the pure
// functions that carry ranges across string and byte operations.
package taint

import (
	"fmt"
	"strings"
)

// Marks is a bitset of security controls that have been applied to a range.
// A range marked for a vulnerability type is no longer dangerous for it.
type Marks uint8

// MarkNone means no security control has touched the range.
const MarkNone Marks = 0

const (
	MarkSQL Marks = 1 << iota
	MarkCommand
	MarkPath
	MarkXSS
	MarkSSRF
	MarkHeader
	MarkRedirect
	MarkLDAP
)

// Has reports whether every bit of m is set.
func (mk Marks) Has(m Marks) bool {
	return m != MarkNone && mk&m == m
}

// Range is one tainted interval [Start, Start+Length) of a value together
// with its origin. Ranges are values; a modified copy replaces the original.
type Range struct {
	Start  int     `json:"start"`
	Length int     `json:"length"`
	Source *Source `json:"source,omitempty"`
	Marks  Marks   `json:"marks,omitempty"`
}

// NewRange builds a range, rejecting empty or negative intervals.
func NewRange(start, length int, src *Source) (Range, error) {
	if start < 0 {
		return Range{}, fmt.Errorf("range start must not be negative, got %d", start)
	}
	if length <= 0 {
		return Range{}, fmt.Errorf("range length must be positive, got %d", length)
	}
	return Range{Start: start, Length: length, Source: src}, nil
}

// End returns the exclusive end offset.
func (r Range) End() int {
	return r.Start + r.Length
}

// Shifted returns a copy moved by delta.
func (r Range) Shifted(delta int) Range {
	r.Start += delta
	return r
}

// Intersects reports whether the range overlaps [start, end).
func (r Range) Intersects(start, end int) bool {
	return r.Start < end && start < r.End()
}

func (r Range) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d,%d)", r.Start, r.End())
	if r.Source != nil {
		b.WriteString(" ")
		b.WriteString(r.Source.String())
	}
	if r.Marks != MarkNone {
		fmt.Fprintf(&b, " marks=%08b", uint8(r.Marks))
	}
	return b.String()
}
