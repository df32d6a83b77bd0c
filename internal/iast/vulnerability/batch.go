package vulnerability

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Batch is the append-only, ordered collection of one scope's vulnerabilities
// plus the stack snapshots they reference. It is safe for concurrent use.
type Batch struct {
	mu     sync.Mutex
	vulns  []*Vulnerability
	stacks map[string][]StackFrame
}

func NewBatch() *Batch {
	return &Batch{}
}

// Add appends v and returns the new length.
func (b *Batch) Add(v *Vulnerability) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vulns = append(b.vulns, v)
	return len(b.vulns)
}

// AttachStack stores frames under id. The first snapshot for an id wins.
func (b *Batch) AttachStack(id string, frames []StackFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stacks == nil {
		b.stacks = make(map[string][]StackFrame)
	}
	if _, ok := b.stacks[id]; !ok {
		b.stacks[id] = frames
	}
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.vulns)
}

// Vulnerabilities returns a snapshot in append order.
func (b *Batch) Vulnerabilities() []*Vulnerability {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Vulnerability, len(b.vulns))
	copy(out, b.vulns)
	return out
}

// Stack returns the snapshot stored under id.
func (b *Batch) Stack(id string) ([]StackFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames, ok := b.stacks[id]
	return frames, ok
}

type batchJSON struct {
	Vulnerabilities []*Vulnerability        `json:"vulnerabilities"`
	Stacks          map[string][]StackFrame `json:"stacks,omitempty"`
}

// MarshalJSON encodes a consistent snapshot of the batch.
func (b *Batch) MarshalJSON() ([]byte, error) {
	b.mu.Lock()
	snap := batchJSON{Vulnerabilities: make([]*Vulnerability, len(b.vulns))}
	copy(snap.Vulnerabilities, b.vulns)
	if len(b.stacks) > 0 {
		snap.Stacks = make(map[string][]StackFrame, len(b.stacks))
		for id, frames := range b.stacks {
			snap.Stacks[id] = frames
		}
	}
	b.mu.Unlock()
	return json.Marshal(snap)
}

// Publisher delivers a finished batch. Implementations own serialization and
// transport.
type Publisher interface {
	Publish(ctx context.Context, b *Batch) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, b *Batch) error

func (f PublisherFunc) Publish(ctx context.Context, b *Batch) error {
	return f(ctx, b)
}
