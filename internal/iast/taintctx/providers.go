package taintctx

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taintmap"
)

// Options holds the resolved settings for a provider.
type Options struct {
	Mode Mode
	// Capacity of each tainted map.
	Capacity int
	// MaxAge purges global entries; ignored by per-request maps, which are
	// cleared at scope end.
	MaxAge time.Duration
	// PoolSize bounds the number of recycled per-request maps.
	PoolSize int
	Clock    clock.PassiveClock
	Logger   *zap.Logger
}

// NewProvider validates opts and builds the provider for opts.Mode.
func NewProvider(opts Options) (Provider, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch opts.Mode {
	case ModeGlobal:
		g, err := NewGlobal(opts)
		if err != nil {
			return nil, err
		}
		return g, nil
	case ModeRequest:
		p, err := NewPooled(opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ModeOptOut:
		return OptOut{}, nil
	default:
		return nil, fmt.Errorf("unknown taint context mode %q", opts.Mode)
	}
}

// -- Global --

// Global shares one process-wide map between every scope. The map is never
// cleared; age purging bounds its staleness.
type Global struct {
	ctx mapContext
}

// NewGlobal allocates the shared map.
func NewGlobal(opts Options) (*Global, error) {
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("global taint context requires a positive max age, got %s", opts.MaxAge)
	}
	m, err := taintmap.New(taintmap.Options{Capacity: opts.Capacity, MaxAge: opts.MaxAge, Clock: opts.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create global tainted map: %w", err)
	}
	if opts.Logger != nil {
		opts.Logger.Named("taint_context").Info("Global taint context initialized.",
			zap.Int("capacity", m.Capacity()),
			zap.Duration("max_age", opts.MaxAge),
		)
	}
	return &Global{ctx: mapContext{m: m}}, nil
}

func (g *Global) Mode() Mode { return ModeGlobal }

// Build returns a wrapper over the shared map.
func (g *Global) Build() Context { return g.ctx }

// Release is a no-op; the global map outlives every scope.
func (g *Global) Release(Context) {}

// Map exposes the shared table for diagnostics.
func (g *Global) Map() *taintmap.Map { return g.ctx.m }

// -- Pooled (per request) --

// Pooled hands each request its own map, recycled through a bounded pool.
// When the pool is empty a fresh map is allocated and discarded on release.
type Pooled struct {
	pool     chan *taintmap.Map
	capacity int
	logger   *zap.Logger

	allocated atomic.Uint64
	recycled  atomic.Uint64
	dropped   atomic.Uint64
}

// NewPooled pre-fills the pool with opts.PoolSize maps.
func NewPooled(opts Options) (*Pooled, error) {
	if opts.PoolSize <= 0 {
		return nil, fmt.Errorf("per-request taint context pool size must be positive, got %d", opts.PoolSize)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &Pooled{
		pool:     make(chan *taintmap.Map, opts.PoolSize),
		capacity: opts.Capacity,
		logger:   opts.Logger.Named("taint_context"),
	}
	for i := 0; i < opts.PoolSize; i++ {
		m, err := taintmap.New(taintmap.Options{Capacity: opts.Capacity})
		if err != nil {
			return nil, fmt.Errorf("failed to create pooled tainted map: %w", err)
		}
		p.pool <- m
	}
	return p, nil
}

func (p *Pooled) Mode() Mode { return ModeRequest }

// Build takes a recycled map or allocates a non-poolable one.
func (p *Pooled) Build() Context {
	select {
	case m := <-p.pool:
		return newRequestContext(m, true)
	default:
	}
	m, err := taintmap.New(taintmap.Options{Capacity: p.capacity})
	if err != nil {
		// Capacity was validated when the pool was filled.
		p.logger.Error("Failed to allocate overflow tainted map.", zap.Error(err))
		return Noop
	}
	p.allocated.Add(1)
	p.logger.Debug("Taint context pool exhausted; allocated a fresh map.")
	return newRequestContext(m, false)
}

// Release clears the context's map and returns it to the pool when it came
// from there and the pool has room.
func (p *Pooled) Release(c Context) {
	rc, ok := c.(*requestContext)
	if !ok {
		return
	}
	m := rc.detach()
	if m == nil || !rc.poolable {
		return
	}
	m.Clear()
	select {
	case p.pool <- m:
		p.recycled.Add(1)
	default:
		p.dropped.Add(1)
	}
}

// Idle returns the number of maps waiting in the pool.
func (p *Pooled) Idle() int { return len(p.pool) }

// PoolStats reports fresh allocations, recycled maps and dropped maps.
func (p *Pooled) PoolStats() (allocated, recycled, dropped uint64) {
	return p.allocated.Load(), p.recycled.Load(), p.dropped.Load()
}

// requestContext is Active until released, then behaves like Noop.
// gen pins the map generation seen at Build so a write racing Release cannot
// land in the map's next lease.
type requestContext struct {
	m        atomic.Pointer[taintmap.Map]
	gen      uint64
	poolable bool
}

func newRequestContext(m *taintmap.Map, poolable bool) *requestContext {
	rc := &requestContext{gen: m.Generation(), poolable: poolable}
	rc.m.Store(m)
	return rc
}

func (rc *requestContext) detach() *taintmap.Map {
	return rc.m.Swap(nil)
}

func (rc *requestContext) Get(v any) []taint.Range {
	m := rc.m.Load()
	if m == nil {
		return nil
	}
	return mapContext{m: m}.Get(v)
}

func (rc *requestContext) Taint(v any, ranges []taint.Range) {
	if m := rc.m.Load(); m != nil {
		rc.write(m, v, ranges)
	}
}

// write stores through m, which may have been released and recycled since
// the caller loaded it.
func (rc *requestContext) write(m *taintmap.Map, v any, ranges []taint.Range) bool {
	k, ok := taintmap.KeyOf(v)
	if !ok {
		return false
	}
	return m.PutIfGeneration(k, ranges, rc.gen)
}

func (rc *requestContext) IsTainted(v any) bool {
	return len(rc.Get(v)) > 0
}

func (rc *requestContext) Active() bool {
	return rc.m.Load() != nil
}

// -- Opt out --

// OptOut disables taint tracking entirely.
type OptOut struct{}

func (OptOut) Mode() Mode { return ModeOptOut }

func (OptOut) Build() Context { return Noop }

func (OptOut) Release(Context) {}
