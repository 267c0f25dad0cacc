package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsPerHostConcurrency(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostPermits: 2})
	ctx := context.Background()

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "https://example.com/page")
			if err != nil {
				t.Error(err)
				return
			}
			n :=atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			release()
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostPermits: 1})
	ctx := context.Background()

	releaseA, err := l.Acquire(ctx, "https://a.com/1")
	require.NoError(t, err)
	defer releaseA()

	ctxB, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	releaseB, err := l.Acquire(ctxB, "https://b.com/1")
	require.NoError(t, err, "host b must not wait on host a")
	releaseB()
}

func TestLimiterAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostPermits: 1})
	release, err := l.Acquire(context.Background(), "https://a.com/1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "https://a.com/2")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := l.Acquire(context.Background(), "https://a.com/3")
	require.NoError(t, err, "double release must not leak or panic")
	again()
}

func TestLimiterQPS(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostPermits: 4, PerHostQPS: 10, Burst: 1})
	ctx := context.Background()

	release, err := l.Acquire(ctx, "https://test.com")
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = l.Acquire(ctx, "https://test.com")
	require.NoError(t, err)
	release()
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterStats(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	release, err := l.Acquire(context.Background(), "https://b.com/x")
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "https://a.com/x")
	require.NoError(t, err)
	release()

	require.Equal(t, []HostStat{{Host: "a.com", InFlight: 1}, {Host: "b.com", InFlight: 0}}, l.Stats())
}
