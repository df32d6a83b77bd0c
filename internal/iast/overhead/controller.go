// File: internal/iast/overhead/controller.go

// Package overhead bounds the cost of analysis: how many requests are analyzed
// at once, which requests are sampled at all, and how many vulnerabilities a
// single scope may report. Every rejection is a silent degradation; nothing in
// this package returns an error after construction.
package overhead

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Operation names a quota-consuming action.
type Operation int

const (
	// ReportVulnerability is charged once per vulnerability appended to a batch.
	ReportVulnerability Operation = iota
)

func (o Operation) String() string {
	switch o {
	case ReportVulnerability:
		return "report_vulnerability"
	default:
		return "unknown"
	}
}

// Context holds the report budget of one scope. It is created when the scope
// starts and never replenished.
type Context struct {
	initial   int64
	remaining atomic.Int64
}

// NewContext returns a context with the given budget. Negative budgets are
// treated as zero.
func NewContext(budget int) *Context {
	c := &Context{initial: int64(max(budget, 0))}
	c.remaining.Store(c.initial)
	return c
}

// Remaining returns the unspent budget. A nil context has none.
func (c *Context) Remaining() int {
	if c == nil {
		return 0
	}
	return int(c.remaining.Load())
}

// Initial returns the budget the context started with.
func (c *Context) Initial() int {
	if c == nil {
		return 0
	}
	return int(c.initial)
}

func (c *Context) take() bool {
	for {
		cur := c.remaining.Load()
		if cur <= 0 {
			return false
		}
		if c.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (c *Context) refund() {
	for {
		cur := c.remaining.Load()
		if cur >= c.initial {
			return
		}
		if c.remaining.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// Controller is the admission gate consulted at scope start and before every
// report.
type Controller interface {
	// AcquireRequest reports whether a new scope may be analyzed. Every true
	// result must be paired with exactly one ReleaseRequest.
	AcquireRequest() bool
	ReleaseRequest()
	// NewContext returns the budget for a scope admitted by AcquireRequest.
	NewContext() *Context
	HasQuota(op Operation, c *Context) bool
	// ConsumeQuota charges op against c and reports whether it may proceed.
	ConsumeQuota(op Operation, c *Context) bool
	Unlimited() bool
	Stats() Stats
}

// Stats are monotonic counters plus the current number of active scopes.
type Stats struct {
	Active          int64
	Acquired        uint64
	SampledOut      uint64
	CeilingRejected uint64
	QuotaExhausted  uint64
	RateLimited     uint64
}

// -- Unlimited --

type unlimited struct {
	acquired atomic.Uint64
	active   atomic.Int64
}

func (u *unlimited) AcquireRequest() bool {
	u.acquired.Add(1)
	u.active.Add(1)
	return true
}

func (u *unlimited) ReleaseRequest() { u.active.Add(-1) }

// NewContext returns nil; quota checks ignore the context in this mode.
func (u *unlimited) NewContext() *Context { return nil }

func (u *unlimited) HasQuota(Operation, *Context) bool { return true }

func (u *unlimited) ConsumeQuota(Operation, *Context) bool { return true }

func (u *unlimited) Unlimited() bool { return true }

func (u *unlimited) Stats() Stats {
	return Stats{Active: u.active.Load(), Acquired: u.acquired.Load()}
}

// -- Sampled --

type sampled struct {
	every   uint64
	budget  int
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.Logger

	seen            atomic.Uint64
	active          atomic.Int64
	acquired        atomic.Uint64
	sampledOut      atomic.Uint64
	ceilingRejected atomic.Uint64
	quotaExhausted  atomic.Uint64
	rateLimited     atomic.Uint64
}

func (s *sampled) AcquireRequest() bool {
	if (s.seen.Add(1)-1)%s.every != 0 {
		s.sampledOut.Add(1)
		return false
	}
	if !s.sem.TryAcquire(1) {
		s.ceilingRejected.Add(1)
		s.logger.Debug("Concurrent analysis ceiling reached; request not analyzed.")
		return false
	}
	s.active.Add(1)
	s.acquired.Add(1)
	return true
}

func (s *sampled) ReleaseRequest() {
	if s.active.Add(-1) < 0 {
		s.active.Add(1)
		s.logger.Warn("ReleaseRequest called without a matching AcquireRequest.")
		return
	}
	s.sem.Release(1)
}

func (s *sampled) NewContext() *Context { return NewContext(s.budget) }

func (s *sampled) HasQuota(_ Operation, c *Context) bool {
	return c.Remaining() > 0
}

func (s *sampled) ConsumeQuota(op Operation, c *Context) bool {
	if c == nil || !c.take() {
		s.quotaExhausted.Add(1)
		s.logger.Debug("Scope quota exhausted.", zap.Stringer("operation", op))
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		c.refund()
		s.rateLimited.Add(1)
		s.logger.Debug("Global report rate exceeded.", zap.Stringer("operation", op))
		return false
	}
	return true
}

func (s *sampled) Unlimited() bool { return false }

func (s *sampled) Stats() Stats {
	return Stats{
		Active:          s.active.Load(),
		Acquired:        s.acquired.Load(),
		SampledOut:      s.sampledOut.Load(),
		CeilingRejected: s.ceilingRejected.Load(),
		QuotaExhausted:  s.quotaExhausted.Load(),
		RateLimited:     s.rateLimited.Load(),
	}
}
