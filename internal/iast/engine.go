// File: internal/iast/engine.go

// Package iast wires the taint tracking engine together: taint context
// provider, overhead controller, reporter and sink checker, plus the request
// lifecycle that call sites drive.
package iast

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/xkilldash9x/scalpel-iast/internal/config"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/overhead"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/propagation"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/reporter"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/scope"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/sink"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taintctx"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// RequestSpanName names the span opened for every request scope.
const RequestSpanName = "iast.request"

// Stats aggregates the counters of every component.
type Stats struct {
	Overhead overhead.Stats
	Reporter reporter.Stats
	Dedup    reporter.DedupStats
	Sources  int
}

// Engine is safe for concurrent use. Create it with New, call Start once to
// launch background maintenance and Close on shutdown.
type Engine struct {
	cfg        config.IASTConfig
	logger     *zap.Logger
	clock      clock.Clock
	tracer     trace.Tracer
	publisher  vulnerability.Publisher
	provider   taintctx.Provider
	controller overhead.Controller
	dedup      *reporter.DedupCache
	reporter   *reporter.Reporter
	checker    *sink.Checker
	sources    *taint.SourceInterner

	stateLock sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the destination of finished batches. Without one,
// batches are logged and dropped.
func WithPublisher(p vulnerability.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock replaces the wall clock used for map aging and dedup resets.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New validates the IAST section of cfg and builds every component.
func New(cfg config.Interface, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	iastCfg := cfg.IAST()
	if iastCfg.Enabled {
		if err := iastCfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid iast configuration: %w", err)
		}
	}

	e := &Engine{
		cfg:    iastCfg,
		logger: logger.With(zap.String("component", "iast_engine")),
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}

	mode := taintctx.Mode(iastCfg.Mode)
	if !iastCfg.Enabled {
		mode = taintctx.ModeOptOut
	}
	provider, err := taintctx.NewProvider(taintctx.Options{
		Mode:     mode,
		Capacity: iastCfg.TaintMap.Capacity,
		MaxAge:   iastCfg.TaintMap.MaxAge,
		PoolSize: iastCfg.TaintMap.PoolSize,
		Clock:    e.clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create taint context provider: %w", err)
	}
	e.provider = provider

	b := overhead.NewBuilder().
		SamplingPercent(iastCfg.Overhead.SamplingPercent).
		MaxConcurrentRequests(iastCfg.Overhead.MaxConcurrentRequests).
		VulnerabilitiesPerRequest(iastCfg.Overhead.VulnerabilitiesPerRequest).
		ReportsPerSecond(iastCfg.Overhead.ReportsPerSecond).
		Logger(logger)
	// A global table outlives requests, so per-request admission buys nothing.
	if !iastCfg.Enabled || iastCfg.Overhead.Unlimited || mode == taintctx.ModeGlobal {
		b = b.Unlimited()
	}
	if e.controller, err = b.Build(); err != nil {
		return nil, fmt.Errorf("failed to create overhead controller: %w", err)
	}

	if iastCfg.Enabled && iastCfg.Dedup.Enabled {
		e.dedup, err = reporter.NewDedupCache(reporter.DedupOptions{
			MaxSize:              iastCfg.Dedup.MaxSize,
			ResetInterval:        iastCfg.Dedup.ResetInterval,
			ResetTimerOnOverflow: iastCfg.Dedup.ResetTimerOnOverflow,
			Clock:                e.clock,
			Logger:               logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create dedup cache: %w", err)
		}
	}

	if iastCfg.SourceCacheSize > 0 {
		if e.sources, err = taint.NewSourceInterner(iastCfg.SourceCacheSize); err != nil {
			return nil, fmt.Errorf("failed to create source interner: %w", err)
		}
	}

	e.reporter = reporter.New(reporter.Options{
		Dedup:              e.dedup,
		DedupDisabledTypes: iastCfg.Dedup.DisabledTypes,
		StackTraces:        iastCfg.StackTraces.Enabled,
		MaxStackDepth:      iastCfg.StackTraces.MaxDepth,
		Tracer:             e.tracer,
		Publisher:          e.publisher,
		Logger:             logger,
	})
	e.checker = sink.NewChecker(e.controller, e.reporter, logger)

	e.logger.Info("IAST engine initialized.",
		zap.Bool("enabled", iastCfg.Enabled),
		zap.String("mode", string(mode)),
		zap.Bool("unlimited", e.controller.Unlimited()),
		zap.Bool("dedup", e.dedup != nil),
	)
	return e, nil
}

// Start launches the dedup reset loop. It returns immediately; the loop stops
// when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.running {
		e.logger.Warn("Engine.Start called, but engine is already running.")
		return
	}
	e.running = true
	if e.dedup == nil {
		return
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dedup.Run(ctx)
	}()
}

// Close stops background work and waits for it to exit.
func (e *Engine) Close() error {
	e.stateLock.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.running = false
	e.stateLock.Unlock()

	e.wg.Wait()
	e.logger.Info("IAST engine stopped.")
	return nil
}

// AcquireRequest asks the overhead controller for an analysis slot. A true
// result must be paired with ReleaseRequest. StartRequest does both through
// the scope lifecycle and is preferred.
func (e *Engine) AcquireRequest() bool {
	return e.cfg.Enabled && e.controller.AcquireRequest()
}

func (e *Engine) ReleaseRequest() { e.controller.ReleaseRequest() }

// StartRequest opens the scope of one request and returns ctx carrying it.
// Requests the controller rejects still get a scope, tagged as not sampled,
// whose taint context is Noop.
func (e *Engine) StartRequest(ctx context.Context) (context.Context, *scope.Scope) {
	ctx, span := e.tracer.Start(ctx, RequestSpanName)
	if !e.AcquireRequest() {
		s := scope.New(scope.Options{Span: span})
		return scope.NewContext(ctx, s), s
	}
	s := scope.New(scope.Options{
		Taint:    e.provider.Build(),
		Overhead: e.controller.NewContext(),
		Span:     span,
		Sampled:  true,
	})
	return scope.NewContext(ctx, s), s
}

// EndRequest closes s: it releases the taint context and the analysis slot,
// publishes a non-empty batch and ends the span. Extra calls do nothing.
func (e *Engine) EndRequest(ctx context.Context, s *scope.Scope) {
	if s == nil {
		return
	}
	s.End(func() {
		if tc := s.Detach(); tc != nil {
			e.provider.Release(tc)
		}
		if s.Sampled() {
			e.controller.ReleaseRequest()
		}
		if (s.Sampled() || s.AdHoc()) && s.Batch().Len() > 0 {
			e.publish(ctx, s)
		}
		s.Span().End()
	})
}

func (e *Engine) publish(ctx context.Context, s *scope.Scope) {
	if e.publisher == nil {
		e.logger.Warn("No publisher configured; vulnerability batch dropped.",
			zap.String("scope_id", s.ID()),
			zap.Int("vulnerabilities", s.Batch().Len()),
		)
		return
	}
	if err := e.publisher.Publish(ctx, s.Batch()); err != nil {
		e.logger.Error("Failed to publish vulnerability batch.", zap.String("scope_id", s.ID()), zap.Error(err))
	}
}

// Taint marks value as untrusted input in the scope of ctx. Identical sources
// are shared through the interner.
func (e *Engine) Taint(ctx context.Context, value any, origin taint.Origin, name, val string) {
	propagation.TaintWithSource(scope.TaintFrom(ctx), value, e.sources.Intern(origin, name, val))
}

// TaintContext returns the taint context of the scope in ctx, or Noop.
func (e *Engine) TaintContext(ctx context.Context) taintctx.Context {
	return scope.TaintFrom(ctx)
}

// CheckInjection runs the sink check for t over values.
func (e *Engine) CheckInjection(ctx context.Context, t *vulnerability.Type, values ...any) bool {
	return e.checker.CheckInjection(ctx, t, taint.ProviderForValues(scope.TaintFrom(ctx), values...))
}

// Report records an externally built vulnerability, for sinks that do not
// depend on taint such as weak hashing. It is bounded by the same sampling and
// quota as CheckInjection.
func (e *Engine) Report(ctx context.Context, v *vulnerability.Vulnerability) bool {
	return e.checker.Report(ctx, v)
}

func (e *Engine) Checker() *sink.Checker { return e.checker }

func (e *Engine) Stats() Stats {
	st := Stats{
		Overhead: e.controller.Stats(),
		Reporter: e.reporter.Stats(),
		Sources:  e.sources.Len(),
	}
	if e.dedup != nil {
		st.Dedup = e.dedup.Stats()
	}
	return st
}
