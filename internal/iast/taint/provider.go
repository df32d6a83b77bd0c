package taint

// Lookup is the read side of a tainted context.
type Lookup interface {
	Get(v any) []Range
}

// Provider is a uniform, lazy view over the value(s) handed to a sink, so a
// sink check is written once whether the API received one string, a pointer,
// or a list of them.
type Provider interface {
	Len() int
	Value(i int) any
	// Ranges resolves the taint of element i on first use.
	Ranges(i int) []Range
	// Tainted reports whether any element carries ranges.
	Tainted() bool
	// Each visits elements in order until fn returns false.
	Each(fn func(i int, v any, ranges []Range) bool)
}

type valuesProvider struct {
	lookup   Lookup
	values   []any
	ranges   [][]Range
	resolved []bool
}

// ProviderFor wraps a single value.
func ProviderFor(l Lookup, v any) Provider {
	return newValuesProvider(l, []any{v})
}

// ProviderForValues wraps an ordered list of heterogeneous values.
func ProviderForValues(l Lookup, vs ...any) Provider {
	return newValuesProvider(l, vs)
}

// ProviderForSlice wraps a typed slice such as []string.
func ProviderForSlice[T any](l Lookup, vs []T) Provider {
	values := make([]any, len(vs))
	for i, v := range vs {
		values[i] = v
	}
	return newValuesProvider(l, values)
}

func newValuesProvider(l Lookup, values []any) *valuesProvider {
	return &valuesProvider{
		lookup:   l,
		values:   values,
		ranges:   make([][]Range, len(values)),
		resolved: make([]bool, len(values)),
	}
}

func (p *valuesProvider) Len() int { return len(p.values) }

func (p *valuesProvider) Value(i int) any { return p.values[i] }

func (p *valuesProvider) Ranges(i int) []Range {
	if !p.resolved[i] {
		if p.lookup != nil && p.values[i] != nil {
			p.ranges[i] = p.lookup.Get(p.values[i])
		}
		p.resolved[i] = true
	}
	return p.ranges[i]
}

func (p *valuesProvider) Tainted() bool {
	for i := range p.values {
		if len(p.Ranges(i)) > 0 {
			return true
		}
	}
	return false
}

func (p *valuesProvider) Each(fn func(i int, v any, ranges []Range) bool) {
	for i, v := range p.values {
		if !fn(i, v, p.Ranges(i)) {
			return
		}
	}
}
