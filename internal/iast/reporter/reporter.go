// File: internal/iast/reporter/reporter.go

// Package reporter turns sink detections into entries of the active scope's
// vulnerability batch, suppressing duplicates across the whole process.
package reporter

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/scope"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// AdHocSpanName names the span opened for reports made outside any scope.
const AdHocSpanName = "iast.adhoc"

// Options configures a Reporter.
type Options struct {
	// Dedup is the shared cache. Nil disables deduplication entirely.
	Dedup *DedupCache
	// DedupDisabledTypes lists type names reported every time.
	DedupDisabledTypes []string
	StackTraces        bool
	MaxStackDepth      int
	Tracer             trace.Tracer
	// Publisher delivers the batches of ad-hoc scopes, which have no request
	// end to flush them.
	Publisher vulnerability.Publisher
	Logger    *zap.Logger
}

// Stats counts report outcomes.
type Stats struct {
	Reported     uint64
	Deduplicated uint64
	AdHoc        uint64
}

// Reporter is safe for concurrent use.
type Reporter struct {
	dedup        *DedupCache
	noDedup      map[string]struct{}
	stackTraces  bool
	maxDepth     int
	tracer       trace.Tracer
	publisher    vulnerability.Publisher
	logger       *zap.Logger
	reported     atomic.Uint64
	deduplicated atomic.Uint64
	adhoc        atomic.Uint64
}

func New(opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.MaxStackDepth <= 0 {
		opts.MaxStackDepth = DefaultMaxStackDepth
	}
	r := &Reporter{
		dedup:       opts.Dedup,
		noDedup:     make(map[string]struct{}, len(opts.DedupDisabledTypes)),
		stackTraces: opts.StackTraces,
		maxDepth:    opts.MaxStackDepth,
		tracer:      opts.Tracer,
		publisher:   opts.Publisher,
		logger:      opts.Logger.Named("reporter"),
	}
	for _, name := range opts.DedupDisabledTypes {
		r.noDedup[name] = struct{}{}
	}
	return r
}

// Report records v in the scope carried by ctx, or in a fresh ad-hoc scope
// published immediately. It returns false when v was suppressed as a
// duplicate.
func (r *Reporter) Report(ctx context.Context, v *vulnerability.Vulnerability) bool {
	if v == nil {
		return false
	}
	if r.deduplicable(v.Type) && !r.dedup.Add(v.Hash) {
		r.deduplicated.Add(1)
		r.logger.Debug("Duplicate vulnerability suppressed.",
			zap.Stringer("type", v.Type),
			zap.Uint64("hash", v.Hash),
		)
		return false
	}

	s, ok := scope.FromContext(ctx)
	var span trace.Span
	if !ok {
		ctx, span = r.tracer.Start(ctx, AdHocSpanName)
		s = scope.New(scope.Options{Span: span, Sampled: true, AdHoc: true})
		r.adhoc.Add(1)
	}

	if v.Location.SpanID == "" {
		if sc := s.Span().SpanContext(); sc.HasSpanID() {
			c := *v
			c.Location.SpanID = sc.SpanID().String()
			v = &c
		}
	}
	if r.stackTraces && v.StackID == "" {
		id := uuid.NewString()
		s.Batch().AttachStack(id, captureStack(r.maxDepth))
		v = v.WithStackID(id)
	}

	s.Append(v)
	r.reported.Add(1)
	r.logger.Debug("Vulnerability reported.",
		zap.Stringer("type", v.Type),
		zap.String("path", v.Location.Path),
		zap.Int("line", v.Location.Line),
		zap.String("scope_id", s.ID()),
	)

	if span != nil {
		r.flush(ctx, s)
		span.End()
	}
	return true
}

func (r *Reporter) flush(ctx context.Context, s *scope.Scope) {
	if r.publisher == nil {
		r.logger.Warn("No publisher configured; ad-hoc vulnerability batch dropped.", zap.String("scope_id", s.ID()))
		return
	}
	if err := r.publisher.Publish(ctx, s.Batch()); err != nil {
		r.logger.Error("Failed to publish ad-hoc vulnerability batch.", zap.String("scope_id", s.ID()), zap.Error(err))
	}
}

func (r *Reporter) deduplicable(t *vulnerability.Type) bool {
	if r.dedup == nil || t == nil || !t.Deduplicable {
		return false
	}
	_, disabled := r.noDedup[t.Name]
	return !disabled
}

func (r *Reporter) Stats() Stats {
	return Stats{
		Reported:     r.reported.Load(),
		Deduplicated: r.deduplicated.Load(),
		AdHoc:        r.adhoc.Load(),
	}
}
