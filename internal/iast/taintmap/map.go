// File: internal/iast/taintmap/map.go
package taintmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/taint"
)

const (
	// Ways is the number of slots per bucket.
	Ways = 4
	// MaxCapacity bounds the table so a bad config cannot allocate gigabytes.
	MaxCapacity = 1 << 24

	maxCASAttempts = 3
)

// Options configures a Map.
type Options struct {
	// Capacity is the maximum number of live entries. It is rounded up to a
	// power of two no smaller than Ways.
	Capacity int
	// MaxAge retires entries older than this on access. Zero disables age
	// based purging, which is right for tables cleared at scope end.
	MaxAge time.Duration
	// Clock drives age purging. Defaults to the wall clock.
	Clock clock.PassiveClock
}

// Stats are monotonic counters describing table churn.
type Stats struct {
	Capacity   int
	Generation uint64
	Puts       uint64
	Evictions  uint64
	Purges     uint64
}

// entry is immutable once published; updates replace the whole entry.
type entry struct {
	key    Key
	gen    uint64
	seq    uint64
	born   int64
	ranges []taint.Range
}

// Map is a fixed-capacity, set-associative table from value identity to
// tainted ranges. It is a best-effort cache: a full bucket evicts its oldest
// entry, losing precision but never blocking or growing. All methods are safe
// for concurrent use and none of them take a lock.
type Map struct {
	slots  []atomic.Pointer[entry]
	shift  uint
	maxAge time.Duration
	clock  clock.PassiveClock

	gen       atomic.Uint64
	seq       atomic.Uint64
	puts      atomic.Uint64
	evictions atomic.Uint64
	purges    atomic.Uint64
}

// New validates opts and allocates the table.
func New(opts Options) (*Map, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("tainted map capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Capacity > MaxCapacity {
		return nil, fmt.Errorf("tainted map capacity %d exceeds maximum %d", opts.Capacity, MaxCapacity)
	}
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("tainted map max age must not be negative, got %s", opts.MaxAge)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	capacity := 1 << bits.Len(uint(max(opts.Capacity, Ways)-1))
	buckets := capacity / Ways

	return &Map{
		slots:  make([]atomic.Pointer[entry], capacity),
		shift:  uint(64 - bits.TrailingZeros(uint(buckets))),
		maxAge: opts.MaxAge,
		clock:  opts.Clock,
	}, nil
}

// Capacity returns the number of slots, the upper bound on live entries.
func (m *Map) Capacity() int {
	return len(m.slots)
}

// Get returns the ranges recorded for k. Absent, purged and stale entries all
// read as not found.
func (m *Map) Get(k Key) ([]taint.Range, bool) {
	if k.IsZero() {
		return nil, false
	}
	gen, now := m.gen.Load(), m.now()
	base := m.bucketOf(k)
	for i := base; i < base+Ways; i++ {
		e := m.slots[i].Load()
		if e == nil || e.key != k {
			continue
		}
		if m.stale(e, gen, now) {
			if m.slots[i].CompareAndSwap(e, nil) {
				m.purges.Add(1)
			}
			continue
		}
		return e.ranges, true
	}
	return nil, false
}

// Put records ranges for k, replacing any previous association. Empty ranges
// remove the association instead of storing it.
func (m *Map) Put(k Key, ranges []taint.Range) {
	if k.IsZero() {
		return
	}
	if len(ranges) == 0 {
		m.Remove(k)
		return
	}
	m.put(k, ranges, m.gen.Load())
}

// PutIfGeneration is Put for a writer that captured Generation earlier. The
// write is dropped and false returned once the map has been cleared since gen.
// An entry written while a Clear races with it carries gen and reads as stale.
func (m *Map) PutIfGeneration(k Key, ranges []taint.Range, gen uint64) bool {
	if k.IsZero() || m.gen.Load() != gen {
		return false
	}
	if len(ranges) == 0 {
		m.Remove(k)
		return true
	}
	m.put(k, ranges, gen)
	return true
}

// Generation returns the current clear generation.
func (m *Map) Generation() uint64 {
	return m.gen.Load()
}

func (m *Map) put(k Key, ranges []taint.Range, gen uint64) {
	m.puts.Add(1)
	now := m.now()
	ne := &entry{key: k, gen: gen, seq: m.seq.Add(1), born: now, ranges: ranges}
	base := m.bucketOf(k)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		idx, old := m.victim(base, k, gen, now)
		if m.slots[idx].CompareAndSwap(old, ne) {
			m.retire(old, k, gen, now)
			m.dropDuplicates(base, idx, k)
			return
		}
	}
	// Heavy contention on one bucket: last write wins.
	idx, _ := m.victim(base, k, gen, now)
	old := m.slots[idx].Swap(ne)
	m.retire(old, k, gen, now)
	m.dropDuplicates(base, idx, k)
}

// Remove drops any association for k.
func (m *Map) Remove(k Key) {
	if k.IsZero() {
		return
	}
	base := m.bucketOf(k)
	for i := base; i < base+Ways; i++ {
		if e := m.slots[i].Load(); e != nil && e.key == k {
			m.slots[i].CompareAndSwap(e, nil)
		}
	}
}

// Clear forgets every entry in O(1) by advancing the generation. Slots holding
// older generations are reused lazily.
func (m *Map) Clear() {
	m.gen.Add(1)
}

// Len counts live entries. It scans the table and is meant for diagnostics.
func (m *Map) Len() int {
	gen, now := m.gen.Load(), m.now()
	n := 0
	for i := range m.slots {
		if e := m.slots[i].Load(); e != nil && !m.stale(e, gen, now) {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the table counters.
func (m *Map) Stats() Stats {
	return Stats{
		Capacity:   len(m.slots),
		Generation: m.gen.Load(),
		Puts:       m.puts.Load(),
		Evictions:  m.evictions.Load(),
		Purges:     m.purges.Load(),
	}
}

func (m *Map) bucketOf(k Key) int {
	return int(k.hash()>>m.shift) * Ways
}

func (m *Map) now() int64 {
	if m.maxAge == 0 {
		return 0
	}
	return m.clock.Now().UnixNano()
}

func (m *Map) stale(e *entry, gen uint64, now int64) bool {
	if e.gen != gen {
		return true
	}
	return m.maxAge > 0 && now-e.born > int64(m.maxAge)
}

// victim picks the slot for k: its current slot, else an empty or stale slot,
// else the oldest live entry of the bucket.
func (m *Map) victim(base int, k Key, gen uint64, now int64) (int, *entry) {
	free, oldest := -1, -1
	var freeEntry, oldestEntry *entry
	for i := base; i < base+Ways; i++ {
		e := m.slots[i].Load()
		switch {
		case e != nil && e.key == k:
			return i, e
		case e == nil || m.stale(e, gen, now):
			if free < 0 {
				free, freeEntry = i, e
			}
		case oldest < 0 || e.seq < oldestEntry.seq:
			oldest, oldestEntry = i, e
		}
	}
	if free >= 0 {
		return free, freeEntry
	}
	return oldest, oldestEntry
}

func (m *Map) retire(old *entry, k Key, gen uint64, now int64) {
	switch {
	case old == nil || old.key == k:
	case m.stale(old, gen, now):
		m.purges.Add(1)
	default:
		m.evictions.Add(1)
	}
}

// dropDuplicates clears other slots of the bucket that a racing writer filled
// with the same key.
func (m *Map) dropDuplicates(base, keep int, k Key) {
	for i := base; i < base+Ways; i++ {
		if i == keep {
			continue
		}
		if e := m.slots[i].Load(); e != nil && e.key == k {
			m.slots[i].CompareAndSwap(e, nil)
		}
	}
}
