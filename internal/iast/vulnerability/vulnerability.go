package vulnerability

import (
	"hash/fnv"
	"runtime"
	"strconv"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
)

// Location is the code site where a sink received tainted data.
type Location struct {
	Path   string `json:"path,omitempty"`
	Line   int    `json:"line,omitempty"`
	Method string `json:"method,omitempty"`
	// SpanID links the location to the scope's trace span, when there is one.
	SpanID string `json:"spanId,omitempty"`
}

// LocationFromCaller describes the caller skip frames above its own caller.
func LocationFromCaller(skip int) Location {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Location{Line: -1}
	}
	loc := Location{Path: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Method = fn.Name()
	}
	return loc
}

// Evidence is the offending value and the tainted ranges that make it so.
type Evidence struct {
	Value  string        `json:"value"`
	Ranges []taint.Range `json:"ranges,omitempty"`
}

// Vulnerability is immutable after New; derive variants with the With methods.
type Vulnerability struct {
	Type     *Type    `json:"type"`
	Location Location `json:"location"`
	Evidence Evidence `json:"evidence"`
	Hash     uint64   `json:"hash"`
	StackID  string   `json:"stackId,omitempty"`
}

// New builds a vulnerability and computes its content hash.
func New(t *Type, loc Location, ev Evidence) *Vulnerability {
	return &Vulnerability{
		Type:     t,
		Location: loc,
		Evidence: ev,
		Hash:     Hash(t, loc, ev),
	}
}

// WithStackID returns a copy carrying id.
func (v *Vulnerability) WithStackID(id string) *Vulnerability {
	c := *v
	c.StackID = id
	return &c
}

// Hash is the dedup key of a vulnerability. It ignores the span and the stack
// so that the same issue seen from different requests collides.
func Hash(t *Type, loc Location, ev Evidence) uint64 {
	h := fnv.New64a()
	h.Write([]byte(t.String()))
	h.Write([]byte{0})
	if t != nil && t.HashByEvidence {
		h.Write([]byte(ev.Value))
		return h.Sum64()
	}
	h.Write([]byte(loc.Path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(loc.Line)))
	if loc.Line <= 0 {
		h.Write([]byte{0})
		h.Write([]byte(loc.Method))
	}
	return h.Sum64()
}

// StackFrame is one captured frame of a stack snapshot.
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}
