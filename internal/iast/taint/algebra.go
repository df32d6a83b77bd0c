package taint

// Shift returns ranges moved by offset. A zero offset returns the input, since
// ranges are never mutated in place.
func Shift(ranges []Range, offset int) []Range {
	if len(ranges) == 0 {
		return nil
	}
	if offset == 0 {
		return ranges
	}
	out := make([]Range, len(ranges))
	for i, r := range ranges {
		out[i] = r.Shifted(offset)
	}
	return out
}

// ShiftFrom copies the part of ranges covering [srcStart, srcStart+srcLength)
// to destOffset. A negative srcLength means "to the end of the value".
func ShiftFrom(ranges []Range, destOffset, srcStart, srcLength int) []Range {
	if len(ranges) == 0 {
		return nil
	}
	if srcStart <= 0 && srcLength < 0 {
		return Shift(ranges, destOffset)
	}
	end := -1
	if srcLength >= 0 {
		end = srcStart + srcLength
	}
	return Shift(ForSubstring(ranges, srcStart, end), destOffset)
}

// Merge concatenates left with right moved by offset, the length of the left
// operand. Ranges are neither intersected nor coalesced.
func Merge(offset int, left, right []Range) []Range {
	if len(right) == 0 {
		return left
	}
	if len(left) == 0 {
		return Shift(right, offset)
	}
	out := make([]Range, 0, len(left)+len(right))
	out = append(out, left...)
	for _, r := range right {
		out = append(out, r.Shifted(offset))
	}
	return out
}

// ForSubstring clips ranges to [begin, end) and rebases them to begin.
// A negative end means "to the end of the value".
func ForSubstring(ranges []Range, begin, end int) []Range {
	if len(ranges) == 0 {
		return nil
	}
	if begin < 0 {
		begin = 0
	}
	var out []Range
	for _, r := range ranges {
		s := max(r.Start, begin)
		e := r.End()
		if end >= 0 {
			e = min(e, end)
		}
		if e <= s {
			continue
		}
		out = append(out, Range{Start: s - begin, Length: e - s, Source: r.Source, Marks: r.Marks})
	}
	return out
}

// Full taints a whole value of the given length with one range.
func Full(length int, src *Source) []Range {
	if length <= 0 {
		return nil
	}
	return []Range{{Start: 0, Length: length, Source: src}}
}

// WithMarks returns a copy of ranges with m added to every range.
func WithMarks(ranges []Range, m Marks) []Range {
	if len(ranges) == 0 || m == MarkNone {
		return ranges
	}
	out := make([]Range, len(ranges))
	for i, r := range ranges {
		r.Marks |= m
		out[i] = r
	}
	return out
}

// Unmarked keeps the ranges that a control of kind m has not neutralised.
func Unmarked(ranges []Range, m Marks) []Range {
	if m == MarkNone {
		return ranges
	}
	var out []Range
	for _, r := range ranges {
		if !r.Marks.Has(m) {
			out = append(out, r)
		}
	}
	return out
}

// FirstSource returns the source of the first range, or nil.
func FirstSource(ranges []Range) *Source {
	for _, r := range ranges {
		if r.Source != nil {
			return r.Source
		}
	}
	return nil
}
