// File: internal/iast/propagation/guard.go

// Package propagation is the call-site API that instrumented code uses to mark
// sources and to carry taint across string and byte operations. Every hook is
// safe to call with any taint context, including the Noop sentinel, and never
// panics into its caller.
package propagation

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/observability"
)

// panicOnBug re-raises recovered panics. Tests enable it so logic errors are
// not hidden by the boundary recovery.
var panicOnBug = false

func guard(op string) {
	r := recover()
	if r == nil {
		return
	}
	if panicOnBug {
		panic(r)
	}
	observability.GetLogger().Named("propagation").Error("Propagation hook failed.",
		zap.String("operation", op),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
}
