// File: internal/iast/sink/sink.go

// Package sink implements the check made where tainted data is consumed: find
// the first value still dangerous for a vulnerability type, charge the scope's
// budget and hand the evidence to the reporter.
package sink

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/overhead"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/reporter"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/scope"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// enginePrefix identifies the frames skipped when locating the call site.
const enginePrefix = "github.com/xkilldash9x/scalpel-iast/internal/iast"

// panicOnBug re-raises recovered panics in tests.
var panicOnBug = false

// Checker is safe for concurrent use.
type Checker struct {
	controller overhead.Controller
	reporter   *reporter.Reporter
	logger     *zap.Logger
}

// NewChecker wires a checker to the overhead gate and the reporter.
func NewChecker(controller overhead.Controller, r *reporter.Reporter, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{controller: controller, reporter: r, logger: logger.Named("sink")}
}

// CheckInjection reports t when a value of p carries ranges not neutralized
// for t. The location is the first caller outside the engine. It returns true
// when a vulnerability was recorded.
func (c *Checker) CheckInjection(ctx context.Context, t *vulnerability.Type, p taint.Provider) (reported bool) {
	defer c.guard(t)
	return c.check(ctx, t, nil, p)
}

// CheckInjectionAt is CheckInjection with an explicit location, for callers
// that already know the sink site.
func (c *Checker) CheckInjectionAt(ctx context.Context, t *vulnerability.Type, loc vulnerability.Location, p taint.Provider) (reported bool) {
	defer c.guard(t)
	return c.check(ctx, t, &loc, p)
}

// Report records v under the same budget as a sink check: a scope that was
// not sampled gets nothing, and each report consumes vulnerability quota.
func (c *Checker) Report(ctx context.Context, v *vulnerability.Vulnerability) (reported bool) {
	if v == nil {
		return false
	}
	defer c.guard(v.Type)
	budget, ok := c.budget(ctx)
	if !ok || !c.controller.HasQuota(overhead.ReportVulnerability, budget) {
		return false
	}
	if !c.controller.ConsumeQuota(overhead.ReportVulnerability, budget) {
		return false
	}
	return c.reporter.Report(ctx, v)
}

func (c *Checker) check(ctx context.Context, t *vulnerability.Type, loc *vulnerability.Location, p taint.Provider) bool {
	if t == nil || p == nil {
		return false
	}
	budget, ok := c.budget(ctx)
	if !ok || !c.controller.HasQuota(overhead.ReportVulnerability, budget) {
		return false
	}

	var (
		evidence vulnerability.Evidence
		found    bool
	)
	p.Each(func(_ int, v any, ranges []taint.Range) bool {
		if len(ranges) == 0 {
			return true
		}
		dangerous := taint.Unmarked(ranges, t.Mark)
		if len(dangerous) == 0 {
			return true
		}
		evidence = vulnerability.Evidence{Value: valueString(v), Ranges: dangerous}
		found = true
		return false
	})
	if !found {
		return false
	}
	if !c.controller.ConsumeQuota(overhead.ReportVulnerability, budget) {
		return false
	}

	if loc == nil {
		l := callerLocation()
		loc = &l
	}
	return c.reporter.Report(ctx, vulnerability.New(t, *loc, evidence))
}

// budget returns the report budget for ctx. Scopes that were not sampled get
// none; reports made outside any scope get a one-off budget.
func (c *Checker) budget(ctx context.Context) (*overhead.Context, bool) {
	s, ok := scope.FromContext(ctx)
	if !ok {
		return c.controller.NewContext(), true
	}
	if !s.Sampled() {
		return nil, false
	}
	return s.Overhead(), true
}

func (c *Checker) guard(t *vulnerability.Type) {
	r := recover()
	if r == nil {
		return
	}
	if panicOnBug {
		panic(r)
	}
	c.logger.Error("Sink check failed.",
		zap.Stringer("type", t),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
}

func valueString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// callerLocation walks up to the first frame that is not part of the engine.
func callerLocation() vulnerability.Location {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !isEngineFrame(f.Function) {
			return vulnerability.Location{Path: f.File, Line: f.Line, Method: f.Function}
		}
		if !more {
			return vulnerability.Location{Line: -1}
		}
	}
}

func isEngineFrame(fn string) bool {
	if strings.HasPrefix(fn, "runtime.") {
		return true
	}
	return strings.HasPrefix(fn, enginePrefix) && !strings.Contains(fn, ".Test")
}
