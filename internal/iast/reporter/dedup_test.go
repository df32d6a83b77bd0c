package reporter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	testingclock "k8s.io/utils/clock/testing"
)

func newDedup(t *testing.T, opts DedupOptions) *DedupCache {
	t.Helper()
	d, err := NewDedupCache(opts)
	require.NoError(t, err)
	return d
}

func TestDedupValidation(t *testing.T) {
	_, err := NewDedupCache(DedupOptions{MaxSize: 0})
	assert.Error(t, err)
	_, err = NewDedupCache(DedupOptions{MaxSize: 1, ResetInterval: -time.Second})
	assert.Error(t, err)
}

func TestDedupAdd(t *testing.T) {
	d := newDedup(t, DedupOptions{MaxSize: 3})
	assert.True(t, d.Add(1))
	assert.False(t, d.Add(1), "a known hash is a duplicate")
	assert.True(t, d.Add(2))
	assert.True(t, d.Add(3))
	assert.Equal(t, 3, d.Len())

	assert.True(t, d.Add(4), "overflowing hash is still new")
	assert.Equal(t, 1, d.Len(), "overflow keeps only the newest hash")
	assert.True(t, d.Contains(4))
	assert.False(t, d.Contains(1))
	assert.True(t, d.Add(1), "a cleared hash may be reported once more")
	assert.False(t, d.Add(1))
	assert.Equal(t, uint64(1), d.Stats().SizeResets)
}

func TestDedupConcurrentAddIsExactlyOnce(t *testing.T) {
	d := newDedup(t, DedupOptions{MaxSize: 1000})
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Add(42) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDedupRunDisabled(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := newDedup(t, DedupOptions{MaxSize: 4})
	d.Run(context.Background())
}

func TestDedupPeriodicReset(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := testingclock.NewFakeClock(time.Now())
	d := newDedup(t, DedupOptions{MaxSize: 10, ResetInterval: time.Hour, Clock: fc})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)

	require.True(t, d.Add(7))
	require.False(t, d.Add(7))

	fc.Step(59 * time.Minute)
	assert.True(t, d.Contains(7), "nothing is cleared before the interval")

	fc.Step(time.Minute)
	require.Eventually(t, func() bool { return d.Stats().IntervalResets == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, d.Len())
	assert.True(t, d.Add(7), "after the reset the hash is reported exactly once more")
	assert.False(t, d.Add(7))

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(time.Hour)
	require.Eventually(t, func() bool { return d.Stats().IntervalResets == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestDedupOverflowTriggersAreIndependentByDefault(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := testingclock.NewFakeClock(time.Now())
	d := newDedup(t, DedupOptions{MaxSize: 1, ResetInterval: time.Hour, Clock: fc})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)

	fc.Step(30 * time.Minute)
	d.Add(1)
	d.Add(2)
	require.Equal(t, uint64(1), d.Stats().SizeResets)

	fc.Step(30 * time.Minute)
	require.Eventually(t, func() bool { return d.Stats().IntervalResets == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, d.Stats().TimerRestarts)

	cancel()
	<-done
}

func TestDedupOverflowRestartsTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := testingclock.NewFakeClock(time.Now())
	d := newDedup(t, DedupOptions{MaxSize: 1, ResetInterval: time.Hour, ResetTimerOnOverflow: true, Clock: fc})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)

	fc.Step(30 * time.Minute)
	d.Add(1)
	d.Add(2)
	require.Eventually(t, func() bool { return d.Stats().TimerRestarts == 1 }, time.Second, time.Millisecond)

	fc.Step(45 * time.Minute)
	assert.Never(t, func() bool { return d.Stats().IntervalResets > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"the original deadline no longer applies")
	assert.True(t, d.Contains(2))

	fc.Step(15 * time.Minute)
	require.Eventually(t, func() bool { return d.Stats().IntervalResets == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}
