package scope

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/overhead"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taintctx"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestScopeLifecycle(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(context.Background(), "request")

	p, err := taintctx.NewPooled(taintctx.Options{Capacity: 16, PoolSize: 1})
	require.NoError(t, err)
	tc := p.Build()

	s := New(Options{Taint: tc, Overhead: overhead.NewContext(2), Span: span, Sampled: true})
	require.NotEmpty(t, s.ID())
	assert.True(t, s.Sampled())
	assert.False(t, s.AdHoc())
	assert.False(t, s.Analyzed())
	assert.Equal(t, 2, s.Overhead().Remaining())

	v := strings.Clone("bar")
	s.Taint().Taint(v, taint.Full(3, taint.NewSource(taint.OriginRequestParameterValue, "q", "bar")))
	assert.True(t, s.Taint().IsTainted(v))

	vuln := vulnerability.New(vulnerability.SQLInjection, vulnerability.Location{Path: "db.go", Line: 1}, vulnerability.Evidence{Value: "bar"})
	s.Append(vuln)
	s.Append(vuln)
	assert.True(t, s.Analyzed())
	assert.Equal(t, 2, s.Batch().Len())

	detached := s.Detach()
	assert.Equal(t, tc, detached)
	assert.Nil(t, s.Detach(), "only the first detach returns the live context")
	assert.Equal(t, taintctx.Noop, s.Taint())
	p.Release(detached)

	calls := 0
	s.End(func() { calls++ })
	s.End(func() { calls++ })
	assert.Equal(t, 1, calls)

	span.End()
	ended := rec.Ended()
	require.Len(t, ended, 1)
	got := attrs(ended[0])
	assert.True(t, got[AttrAnalyzed].AsBool())
	assert.True(t, got[AttrSampled].AsBool())
	assert.Equal(t, s.ID(), got[AttrScopeID].AsString())
	_, adhoc := got[AttrAdHoc]
	assert.False(t, adhoc)

	events := ended[0].Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventVulnerability, events[0].Name)
}

func TestScopeDefaults(t *testing.T) {
	s := New(Options{AdHoc: true})
	assert.Equal(t, taintctx.Noop, s.Taint())
	assert.Nil(t, s.Detach())
	assert.NotNil(t, s.Span())
	assert.True(t, s.AdHoc())
	assert.NotPanics(t, func() {
		s.Append(vulnerability.New(vulnerability.XSS, vulnerability.Location{}, vulnerability.Evidence{}))
	})
}

func TestContextCarriage(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Equal(t, taintctx.Noop, TaintFrom(context.Background()))

	tc := taintctx.OptOut{}.Build()
	s := New(Options{Taint: tc})
	ctx := NewContext(context.Background(), s)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, tc, TaintFrom(ctx))
}
