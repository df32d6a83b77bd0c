package taint

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type sourceKey struct {
	origin Origin
	name   string
	value  string
}

// SourceInterner shares identical sources so hot parameters do not allocate a
// new Source per request. It is bounded and safe for concurrent use. A nil
// interner allocates every time.
type SourceInterner struct {
	cache *lru.Cache[sourceKey, *Source]
}

// NewSourceInterner creates an interner holding at most size sources.
func NewSourceInterner(size int) (*SourceInterner, error) {
	c, err := lru.New[sourceKey, *Source](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create source cache: %w", err)
	}
	return &SourceInterner{cache: c}, nil
}

// Intern returns the shared source for (origin, name, value).
func (si *SourceInterner) Intern(origin Origin, name, value string) *Source {
	if si == nil {
		return NewSource(origin, name, value)
	}
	k := sourceKey{origin: origin, name: name, value: value}
	if s, ok := si.cache.Get(k); ok {
		return s
	}
	s := NewSource(origin, name, value)
	if prev, ok, _ := si.cache.PeekOrAdd(k, s); ok {
		return prev
	}
	return s
}

// Len returns the number of interned sources.
func (si *SourceInterner) Len() int {
	if si == nil {
		return 0
	}
	return si.cache.Len()
}
