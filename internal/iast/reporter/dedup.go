// File: internal/iast/reporter/dedup.go
package reporter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

// DedupOptions configures a DedupCache.
type DedupOptions struct {
	// MaxSize bounds the number of remembered hashes.
	MaxSize int
	// ResetInterval clears the cache periodically while Run is active. Zero
	// disables periodic clearing.
	ResetInterval time.Duration
	// ResetTimerOnOverflow restarts the periodic timer whenever a size
	// triggered clear happens. When false the two triggers are independent.
	ResetTimerOnOverflow bool
	Clock                clock.Clock
	Logger               *zap.Logger
}

// DedupStats counts cache resets by cause.
type DedupStats struct {
	Size           int
	SizeResets     uint64
	IntervalResets uint64
	TimerRestarts  uint64
}

// DedupCache is the process-wide set of vulnerability hashes already reported.
type DedupCache struct {
	mu       sync.Mutex
	hashes   sets.Set[uint64]
	maxSize  int
	interval time.Duration
	restart  bool
	clock    clock.Clock
	logger   *zap.Logger
	kick     chan struct{}

	sizeResets     atomic.Uint64
	intervalResets atomic.Uint64
	timerRestarts  atomic.Uint64
}

// NewDedupCache validates opts and returns an empty cache.
func NewDedupCache(opts DedupOptions) (*DedupCache, error) {
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("dedup cache max size must be a positive integer, got %d", opts.MaxSize)
	}
	if opts.ResetInterval < 0 {
		return nil, fmt.Errorf("dedup reset interval must not be negative, got %s", opts.ResetInterval)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &DedupCache{
		hashes:   sets.New[uint64](),
		maxSize:  opts.MaxSize,
		interval: opts.ResetInterval,
		restart:  opts.ResetTimerOnOverflow,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("dedup"),
		kick:     make(chan struct{}, 1),
	}, nil
}

// Add records h and reports whether it was new. When the cache grows past its
// maximum it is cleared and only h is kept.
func (d *DedupCache) Add(h uint64) bool {
	d.mu.Lock()
	if d.hashes.Has(h) {
		d.mu.Unlock()
		return false
	}
	d.hashes.Insert(h)
	overflow := d.hashes.Len() > d.maxSize
	if overflow {
		d.hashes = sets.New(h)
	}
	d.mu.Unlock()

	if overflow {
		d.sizeResets.Add(1)
		d.logger.Debug("Dedup cache full; cleared.", zap.Int("max_size", d.maxSize))
		if d.restart {
			select {
			case d.kick <- struct{}{}:
			default:
			}
		}
	}
	return true
}

// Contains reports whether h is remembered.
func (d *DedupCache) Contains(h uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hashes.Has(h)
}

// Reset forgets every hash.
func (d *DedupCache) Reset() {
	d.mu.Lock()
	d.hashes = sets.New[uint64]()
	d.mu.Unlock()
}

func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hashes.Len()
}

func (d *DedupCache) Stats() DedupStats {
	return DedupStats{
		Size:           d.Len(),
		SizeResets:     d.sizeResets.Load(),
		IntervalResets: d.intervalResets.Load(),
		TimerRestarts:  d.timerRestarts.Load(),
	}
}

// Run clears the cache every ResetInterval until ctx is done. It returns
// immediately when periodic clearing is disabled.
func (d *DedupCache) Run(ctx context.Context) {
	if d.interval <= 0 {
		return
	}
	d.logger.Debug("Dedup reset loop started.", zap.Duration("interval", d.interval))
	t := d.clock.NewTimer(d.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("Dedup reset loop stopped.")
			return
		case <-t.C():
			d.Reset()
			d.intervalResets.Add(1)
			d.logger.Debug("Dedup cache cleared on interval.")
			t.Reset(d.interval)
		case <-d.kick:
			if !t.Stop() {
				select {
				case <-t.C():
				default:
				}
			}
			t.Reset(d.interval)
			d.timerRestarts.Add(1)
		}
	}
}
