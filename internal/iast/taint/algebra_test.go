package taint

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paramSource = NewSource(OriginRequestParameterValue, "q", "bar")

func mustRange(t *testing.T, start, length int) Range {
	t.Helper()
	r, err := NewRange(start, length, paramSource)
	require.NoError(t, err)
	return r
}

func TestNewRange(t *testing.T) {
	_, err := NewRange(0, 0, paramSource)
	assert.Error(t, err, "zero length ranges are never stored")

	_, err = NewRange(-1, 3, paramSource)
	assert.Error(t, err)

	r, err := NewRange(2, 3, paramSource)
	require.NoError(t, err)
	assert.Equal(t, 5, r.End())
	assert.True(t, r.Intersects(4, 10))
	assert.False(t, r.Intersects(5, 10))
}

func TestShift(t *testing.T) {
	ranges := []Range{mustRange(t, 0, 3), mustRange(t, 5, 2)}

	t.Run("round trip restores offsets", func(t *testing.T) {
		for _, k := range []int{0, 1, 7, 1024} {
			got := Shift(Shift(ranges, k), -k)
			if diff := cmp.Diff(ranges, got); diff != "" {
				t.Fatalf("round trip with k=%d mismatch (-want +got):\n%s", k, diff)
			}
		}
	})

	t.Run("does not mutate input", func(t *testing.T) {
		_ = Shift(ranges, 10)
		assert.Equal(t, 0, ranges[0].Start)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, Shift(nil, 4))
	})
}

func TestShiftFrom(t *testing.T) {
	ranges := []Range{mustRange(t, 0, 3), mustRange(t, 5, 4)}

	got := ShiftFrom(ranges, 10, 2, 5)
	want := []Range{
		{Start: 10, Length: 1, Source: paramSource},
		{Start: 13, Length: 2, Source: paramSource},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ShiftFrom mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, Shift(ranges, 3), ShiftFrom(ranges, 3, 0, -1))
}

func TestMerge(t *testing.T) {
	left := []Range{mustRange(t, 0, 2)}
	right := []Range{mustRange(t, 0, 3), mustRange(t, 1, 1)}

	t.Run("length invariant", func(t *testing.T) {
		got := Merge(4, left, right)
		assert.Len(t, got, len(left)+len(right))
		assert.Equal(t, 4, got[1].Start)
		assert.Equal(t, 5, got[2].Start, "overlap is kept, never coalesced")
	})

	t.Run("empty left degenerates to shift", func(t *testing.T) {
		if diff := cmp.Diff(Shift(right, 6), Merge(6, nil, right)); diff != "" {
			t.Fatalf("(-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(Shift(right, 6), Merge(6, []Range{}, right)); diff != "" {
			t.Fatalf("(-want +got):\n%s", diff)
		}
	})

	t.Run("empty right returns left", func(t *testing.T) {
		if diff := cmp.Diff(left, Merge(6, left, nil)); diff != "" {
			t.Fatalf("(-want +got):\n%s", diff)
		}
	})
}

func TestForSubstring(t *testing.T) {
	ranges := []Range{mustRange(t, 3, 3)}

	assert.Empty(t, ForSubstring(ranges, 0, 3), "untainted prefix")
	assert.Equal(t, []Range{{Start: 0, Length: 2, Source: paramSource}}, ForSubstring(ranges, 4, 10))
	assert.Equal(t, []Range{{Start: 1, Length: 3, Source: paramSource}}, ForSubstring(ranges, 2, -1))
}

func TestMarks(t *testing.T) {
	ranges := []Range{mustRange(t, 0, 3), mustRange(t, 4, 2)}
	marked := WithMarks(ranges[:1], MarkSQL)
	mixed := append(marked, ranges[1])

	assert.Equal(t, MarkNone, ranges[0].Marks, "input untouched")
	assert.True(t, mixed[0].Marks.Has(MarkSQL))
	assert.False(t, mixed[0].Marks.Has(MarkXSS))
	assert.Len(t, Unmarked(mixed, MarkSQL), 1)
	assert.Len(t, Unmarked(mixed, MarkXSS), 2)
	assert.False(t, MarkSQL.Has(MarkNone))
}

func TestFullAndFirstSource(t *testing.T) {
	assert.Nil(t, Full(0, paramSource))
	full := Full(6, paramSource)
	require.Len(t, full, 1)
	assert.Equal(t, 6, full[0].Length)
	assert.Same(t, paramSource, FirstSource(full))
	assert.Nil(t, FirstSource(nil))
}

type rangeSeed struct {
	Start  uint16
	Length uint8
}

func seedsToRanges(seeds []rangeSeed) []Range {
	out := make([]Range, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, Range{Start: int(s.Start), Length: int(s.Length) + 1, Source: paramSource})
	}
	return out
}

func FuzzMergeInvariants(f *testing.F) {
	f.Add([]byte{3, 0, 1, 2, 0, 4, 9, 1, 0, 0, 7})
	f.Fuzz(func(t *testing.T, data []byte) {
		var in struct {
			Left   []rangeSeed
			Right  []rangeSeed
			Offset uint16
		}
		if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
			return
		}
		left, right := seedsToRanges(in.Left), seedsToRanges(in.Right)
		off := int(in.Offset)

		merged := Merge(off, left, right)
		if len(merged) != len(left)+len(right) {
			t.Fatalf("merge length %d, want %d", len(merged), len(left)+len(right))
		}
		for i := range right {
			if merged[len(left)+i].Start != right[i].Start+off {
				t.Fatalf("right range %d not shifted by %d", i, off)
			}
		}
		if diff := cmp.Diff(Shift(Shift(right, off), -off), Shift(right, 0)); diff != "" {
			t.Fatalf("shift round trip (-want +got):\n%s", diff)
		}
	})
}
