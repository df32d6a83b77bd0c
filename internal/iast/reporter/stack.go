package reporter

import (
	"runtime"
	"strings"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
)

// DefaultMaxStackDepth caps captured frames.
const DefaultMaxStackDepth = 32

// internalPrefix identifies frames of the analysis engine itself.
const internalPrefix = "github.com/xkilldash9x/scalpel-iast/internal/iast"

// captureStack snapshots the calling goroutine's stack, leaving out runtime
// and engine frames.
func captureStack(maxDepth int) []vulnerability.StackFrame {
	pcs := make([]uintptr, maxDepth+16)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	out := make([]vulnerability.StackFrame, 0, maxDepth)
	for len(out) < maxDepth {
		f, more := frames.Next()
		if !isInternalFrame(f.Function) {
			out = append(out, vulnerability.StackFrame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return out
}

func isInternalFrame(fn string) bool {
	if strings.HasPrefix(fn, "runtime.") {
		return true
	}
	if !strings.HasPrefix(fn, internalPrefix) {
		return false
	}
	// Tests of the engine still count as callers.
	return !strings.Contains(fn, ".Test")
}
