package crawler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunBatchWaitsAndBoundsConcurrency(t *testing.T) {
	pool, err := NewWorkerPool(context.Background(), 2, 4)
	require.NoError(t, err)
	defer pool.Close()

	var running, peak, done atomic.Int32
	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = func(context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			done.Add(1)
		}
	}
	require.NoError(t, pool.RunBatch(context.Background(), jobs))
	require.EqualValues(t, 10, done.Load())
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerPoolCancelledJobsStillRelease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := NewWorkerPool(ctx, 1, 1)
	require.NoError(t, err)

	var mu sync.Mutex
	var sawCancel bool
	cancel()
	err = pool.RunBatch(context.Background(), []Job{func(c context.Context) {
		mu.Lock()
		sawCancel = c.Err() != nil
		mu.Unlock()
	}})
	pool.Close()
	if err == nil {
		require.True(t, sawCancel)
	} else {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestNewWorkerPoolRejectsBadSizes(t *testing.T) {
	_, err := NewWorkerPool(context.Background(), 0, 1)
	require.Error(t, err)
}

func TestPageLimiterFloorAndCancel(t *testing.T) {
	l := NewPageLimiter(0, 0, RateLimiterSettings{})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "8se.me"))

	l.SetFloor("8SE.me", 40*time.Millisecond)
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "8se.me"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	l.SetFloor("8se.me", time.Hour)
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, l.Wait(cctx, "8se.me"), context.Canceled)

	require.NoError(t, l.Wait(ctx, "other.example"))
}

func TestPageLimiterJitterWithinBounds(t *testing.T) {
	l := NewPageLimiter(10*time.Millisecond, 20*time.Millisecond, RateLimiterSettings{})
	for i := 0; i < 100; i++ {
		d := l.jitterLocked()
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 20*time.Millisecond)
	}
}

func TestPagedURL(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"https://8se.me/", 1, "https://8se.me/"},
		{"https://8se.me/list.html", 3, "https://8se.me/list-3.html"},
		{"https://8se.me/photo/id-1/", 2, "https://8se.me/photo/id-1/?page=2"},
		{"https://8se.me/s?q=cat", 2, "https://8se.me/s?page=2&q=cat"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ListingPageURL(tc.in, tc.n))
		require.Equal(t, tc.want, DetailPageURL(tc.in, tc.n))
	}
}
