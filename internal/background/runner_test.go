package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRunner_RunsPeriodically(t *testing.T) {
	var count atomic.Int32
	r := &Runner{
		Name:   "sweep",
		Period: 5 * time.Millisecond,
		Func:   func(ctx context.Context) { count.Inc() },
	}

	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.Running())
	assert.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)

	r.Stop()
	assert.False(t, r.Running())
	stopped := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, count.Load())
	assert.Equal(t, int64(stopped), r.Runs())
}

func TestRunner_NoOverlap(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		runs    atomic.Int32
	)
	r := &Runner{
		Name:   "slow",
		Period: time.Millisecond,
		Func: func(ctx context.Context) {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			runs.Inc()
		},
	}

	require.NoError(t, r.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	r.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
}

func TestRunner_StartTwice(t *testing.T) {
	r := &Runner{Name: "twice", Period: time.Hour, Func: func(ctx context.Context) {}}

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()
	assert.False(t, r.Running())
}

func TestRunner_InitialDelayCancelled(t *testing.T) {
	var count atomic.Int32
	r := &Runner{
		Name:         "delayed",
		Period:       time.Millisecond,
		InitialDelay: time.Hour,
		Func:         func(ctx context.Context) { count.Inc() },
	}

	require.NoError(t, r.Start(context.Background()))
	r.Stop()
	assert.Zero(t, count.Load())
}

func TestRunner_ParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{Name: "parent", Period: time.Millisecond, Func: func(ctx context.Context) {}}

	require.NoError(t, r.Start(ctx))
	cancel()
	assert.Eventually(t, func() bool { return !r.Running() }, time.Second, time.Millisecond)
	r.Stop()
}

func TestRunner_Invalid(t *testing.T) {
	assert.Error(t, (&Runner{Period: time.Second, Func: func(context.Context) {}}).Start(context.Background()))
	assert.Error(t, (&Runner{Name: "x", Func: func(context.Context) {}}).Start(context.Background()))
	assert.Error(t, (&Runner{Name: "x", Period: time.Second}).Start(context.Background()))
}
