// File: internal/iast/taintmap/key.go

// Package taintmap implements the bounded, concurrent, identity-keyed table
// that associates runtime values with their tainted ranges.
//
// Entries remember only the address of a value's backing storage. An address
// held as a uintptr is invisible to the garbage collector, so tracking a value
// never extends its lifetime. Entries whose value may have been collected are
// retired by age (global tables) or by generation (per-request tables that are
// cleared when their scope ends).
package taintmap

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Key is the identity of a runtime value: the address of its backing storage
// plus, for strings and slices, its length. Two strings sharing a prefix of the
// same backing array are distinct keys.
type Key struct {
	addr uintptr
	n    int
}

// KeyOf derives the identity of v. Values without a stable identity (numbers,
// structs held by value, empty strings and slices, nil) are not taintable.
func KeyOf(v any) (Key, bool) {
	switch x := v.(type) {
	case nil:
		return Key{}, false
	case string:
		if len(x) == 0 {
			return Key{}, false
		}
		return Key{addr: uintptr(unsafe.Pointer(unsafe.StringData(x))), n: len(x)}, true
	case []byte:
		if len(x) == 0 {
			return Key{}, false
		}
		return Key{addr: uintptr(unsafe.Pointer(unsafe.SliceData(x))), n: len(x)}, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan, reflect.Func:
		if rv.IsNil() {
			return Key{}, false
		}
		return Key{addr: rv.Pointer()}, true
	case reflect.Slice:
		if rv.Len() == 0 {
			return Key{}, false
		}
		return Key{addr: rv.Pointer(), n: rv.Len()}, true
	default:
		return Key{}, false
	}
}

// IsZero reports whether k identifies nothing.
func (k Key) IsZero() bool {
	return k.addr == 0
}

func (k Key) String() string {
	return fmt.Sprintf("%#x/%d", k.addr, k.n)
}

// hash spreads the key with a Fibonacci multiplier; the high bits index buckets.
func (k Key) hash() uint64 {
	h := uint64(k.addr) ^ (uint64(k.n) << 47) ^ (uint64(k.n) >> 17)
	return h * 0x9E3779B97F4A7C15
}
