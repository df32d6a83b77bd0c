// File: internal/iast/scope/scope.go

// Package scope carries one unit of analysis (usually one inbound request)
// through a context.Context: its taint context, its report budget, its
// vulnerability batch and its trace span.
package scope

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/overhead"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taintctx"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// Span attribute and event names.
const (
	AttrAnalyzed       = "iast.analyzed"
	AttrSampled        = "iast.sampled"
	AttrAdHoc          = "iast.adhoc"
	AttrScopeID        = "iast.scope.id"
	EventVulnerability = "iast.vulnerability"
)

// Options describes a new scope.
type Options struct {
	Taint    taintctx.Context
	Overhead *overhead.Context
	Span     trace.Span
	// Sampled is false for requests rejected by the overhead controller.
	Sampled bool
	// AdHoc marks a scope synthesized for a report made outside any request.
	AdHoc bool
}

type taintHolder struct{ c taintctx.Context }

// Scope is safe for concurrent use by the goroutines serving one request.
type Scope struct {
	id       string
	overhead *overhead.Context
	batch    *vulnerability.Batch
	span     trace.Span
	sampled  bool
	adhoc    bool

	taint    atomic.Pointer[taintHolder]
	analyzed atomic.Bool
	endOnce  sync.Once
}

// New builds a scope and tags its span.
func New(opts Options) *Scope {
	s := &Scope{
		id:       uuid.NewString(),
		overhead: opts.Overhead,
		batch:    vulnerability.NewBatch(),
		span:     opts.Span,
		sampled:  opts.Sampled,
		adhoc:    opts.AdHoc,
	}
	if s.span == nil {
		s.span = trace.SpanFromContext(context.Background())
	}
	tc := opts.Taint
	if tc == nil {
		tc = taintctx.Noop
	}
	s.taint.Store(&taintHolder{c: tc})

	attrs := []attribute.KeyValue{
		attribute.String(AttrScopeID, s.id),
		attribute.Bool(AttrSampled, s.sampled),
	}
	if s.adhoc {
		attrs = append(attrs, attribute.Bool(AttrAdHoc, true))
	}
	s.span.SetAttributes(attrs...)
	return s
}

func (s *Scope) ID() string { return s.id }

// Taint returns the scope's taint context, or the Noop sentinel once the scope
// has been detached.
func (s *Scope) Taint() taintctx.Context { return s.taint.Load().c }

func (s *Scope) Overhead() *overhead.Context { return s.overhead }

func (s *Scope) Batch() *vulnerability.Batch { return s.batch }

func (s *Scope) Span() trace.Span { return s.span }

func (s *Scope) Sampled() bool { return s.sampled }

func (s *Scope) AdHoc() bool { return s.adhoc }

// Analyzed reports whether at least one vulnerability was recorded.
func (s *Scope) Analyzed() bool { return s.analyzed.Load() }

// Append records v in the batch. The first append tags the span as analyzed.
func (s *Scope) Append(v *vulnerability.Vulnerability) {
	s.batch.Add(v)
	if s.analyzed.CompareAndSwap(false, true) {
		s.span.SetAttributes(attribute.Bool(AttrAnalyzed, true))
	}
	s.span.AddEvent(EventVulnerability, trace.WithAttributes(
		attribute.String("type", v.Type.String()),
		attribute.String("location.path", v.Location.Path),
		attribute.Int("location.line", v.Location.Line),
		attribute.Int64("hash", int64(v.Hash)),
	))
}

// Detach swaps the taint context for Noop and returns the previous one. Only
// the first call returns a live context.
func (s *Scope) Detach() taintctx.Context {
	prev := s.taint.Swap(&taintHolder{c: taintctx.Noop})
	if prev.c == taintctx.Noop {
		return nil
	}
	return prev.c
}

// End runs fn exactly once, however many times End is called.
func (s *Scope) End(fn func()) {
	s.endOnce.Do(fn)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the scope carried by ctx.
func FromContext(ctx context.Context) (*Scope, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(ctxKey{}).(*Scope)
	return s, ok && s != nil
}

// TaintFrom returns the taint context of the scope in ctx, or Noop.
func TaintFrom(ctx context.Context) taintctx.Context {
	if s, ok := FromContext(ctx); ok {
		return s.Taint()
	}
	return taintctx.Noop
}
