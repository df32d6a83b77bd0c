package propagation

import (
	"math"
	"unsafe"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/taintctx"
)

// objectLength is the range length used for values that are not sequences;
// such values are tainted as a whole.
const objectLength = math.MaxInt32

func lengthOf(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case []byte:
		return len(x)
	case interface{ Len() int }:
		if n := x.Len(); n > 0 {
			return n
		}
		return objectLength
	default:
		return objectLength
	}
}

// Taint marks the whole of value as coming from origin.
func Taint(tc taintctx.Context, value any, origin taint.Origin, name, val string) {
	defer guard("taint")
	TaintWithSource(tc, value, taint.NewSource(origin, name, val))
}

// TaintWithSource marks the whole of value with an existing, possibly shared,
// source.
func TaintWithSource(tc taintctx.Context, value any, src *taint.Source) {
	defer guard("taint")
	if src == nil {
		return
	}
	n := lengthOf(value)
	if n == 0 {
		return
	}
	tc.Taint(value, taint.Full(n, src))
}

// TaintIfTainted carries taint from original to derived. With keepRanges the
// ranges are copied as is; otherwise derived is tainted as a whole with the
// source of the first range.
func TaintIfTainted(tc taintctx.Context, derived, original any, keepRanges bool) {
	defer guard("taint_if_tainted")
	ranges := tc.Get(original)
	if len(ranges) == 0 {
		return
	}
	if keepRanges {
		tc.Taint(derived, ranges)
		return
	}
	n := lengthOf(derived)
	if n == 0 {
		return
	}
	tc.Taint(derived, taint.Full(n, taint.FirstSource(ranges)))
}

// TaintObjectIfTainted taints derived as a whole object when original is
// tainted.
func TaintObjectIfTainted(tc taintctx.Context, derived, original any) {
	defer guard("taint_object_if_tainted")
	ranges := tc.Get(original)
	if len(ranges) == 0 {
		return
	}
	tc.Taint(derived, taint.Full(objectLength, taint.FirstSource(ranges)))
}

func IsTainted(tc taintctx.Context, v any) (tainted bool) {
	defer guard("is_tainted")
	return tc.IsTainted(v)
}

func GetRanges(tc taintctx.Context, v any) (ranges []taint.Range) {
	defer guard("get_ranges")
	return tc.Get(v)
}

// OnStringConcat propagates left+right into result.
func OnStringConcat(tc taintctx.Context, left, right, result string) {
	defer guard("string_concat")
	if result == "" {
		return
	}
	l, r := tc.Get(left), tc.Get(right)
	if len(l) == 0 && len(r) == 0 {
		return
	}
	tc.Taint(result, taint.Merge(len(left), l, r))
}

// OnStringJoin propagates strings.Join(elems, sep) into result.
func OnStringJoin(tc taintctx.Context, result, sep string, elems []string) {
	defer guard("string_join")
	if result == "" {
		return
	}
	sepRanges := tc.Get(sep)
	var out []taint.Range
	offset := 0
	for i, e := range elems {
		if i > 0 {
			out = taint.Merge(offset, out, sepRanges)
			offset += len(sep)
		}
		out = taint.Merge(offset, out, tc.Get(e))
		offset += len(e)
	}
	if len(out) > 0 {
		tc.Taint(result, out)
	}
}

// OnStringBuilderAppend records that appended was written to builder, which
// held lenBefore bytes. builder is any pointer-identified buffer such as a
// *strings.Builder or *bytes.Buffer.
func OnStringBuilderAppend(tc taintctx.Context, builder any, lenBefore int, appended string) {
	defer guard("string_builder_append")
	add := tc.Get(appended)
	if len(add) == 0 {
		return
	}
	tc.Taint(builder, taint.Merge(lenBefore, tc.Get(builder), add))
}

// OnStringBuilderString propagates the builder's ranges into its rendered
// string.
func OnStringBuilderString(tc taintctx.Context, builder any, result string) {
	defer guard("string_builder_string")
	ranges := tc.Get(builder)
	if len(ranges) == 0 {
		return
	}
	if sub := taint.ForSubstring(ranges, 0, len(result)); len(sub) > 0 {
		tc.Taint(result, sub)
	}
}

// OnStringBuilderReset forgets the builder's ranges.
func OnStringBuilderReset(tc taintctx.Context, builder any) {
	defer guard("string_builder_reset")
	tc.Taint(builder, nil)
}

// OnSubstring propagates self[begin:end] into result.
func OnSubstring(tc taintctx.Context, self, result string, begin, end int) {
	defer guard("substring")
	ranges := tc.Get(self)
	if len(ranges) == 0 {
		return
	}
	if sub := taint.ForSubstring(ranges, begin, end); len(sub) > 0 {
		tc.Taint(result, sub)
	}
}

// OnTrim propagates a trimmed view of self, as returned by strings.TrimSpace
// and friends, into result. Results that do not alias self are ignored.
func OnTrim(tc taintctx.Context, self, result string) {
	defer guard("trim")
	begin, ok := offsetWithin(unsafe.StringData(self), len(self), unsafe.StringData(result), len(result))
	if !ok {
		return
	}
	OnSubstring(tc, self, result, begin, begin+len(result))
}

// OnSubslice propagates a reslice of self into result. Both must share a
// backing array.
func OnSubslice(tc taintctx.Context, self, result []byte) {
	defer guard("subslice")
	begin, ok := offsetWithin(unsafe.SliceData(self), len(self), unsafe.SliceData(result), len(result))
	if !ok {
		return
	}
	ranges := tc.Get(self)
	if len(ranges) == 0 {
		return
	}
	if sub := taint.ForSubstring(ranges, begin, begin+len(result)); len(sub) > 0 {
		tc.Taint(result, sub)
	}
}

// OnCaseChange propagates strings.ToUpper, ToLower and similar. When the byte
// length is unchanged the ranges are kept; otherwise the result is tainted as
// a whole.
func OnCaseChange(tc taintctx.Context, self, result string) {
	defer guard("case_change")
	ranges := tc.Get(self)
	if len(ranges) == 0 || result == "" {
		return
	}
	if len(self) == len(result) {
		tc.Taint(result, ranges)
		return
	}
	tc.Taint(result, taint.Full(len(result), taint.FirstSource(ranges)))
}

// OnSanitize marks every range of value as neutralized by marks.
func OnSanitize(tc taintctx.Context, value any, marks taint.Marks) {
	defer guard("sanitize")
	ranges := tc.Get(value)
	if len(ranges) == 0 {
		return
	}
	tc.Taint(value, taint.WithMarks(ranges, marks))
}

// offsetWithin returns the offset of sub inside base when sub lies entirely
// within it.
func offsetWithin(base *byte, baseLen int, sub *byte, subLen int) (int, bool) {
	if base == nil || sub == nil || subLen == 0 {
		return 0, false
	}
	off := int(uintptr(unsafe.Pointer(sub)) - uintptr(unsafe.Pointer(base)))
	if uintptr(unsafe.Pointer(sub)) < uintptr(unsafe.Pointer(base)) || off+subLen > baseLen {
		return 0, false
	}
	return off, true
}
