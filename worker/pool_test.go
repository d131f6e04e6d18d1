package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(4)
	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(Task{Name: "t", Run: func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			wg.Done()
			return nil
		}})
	}
	waitGroupTimeout(t, &wg, time.Second)
	p.Stop(time.Second)
	require.EqualValues(t, 20, count)
}

func TestPoolSerializesSameKey(t *testing.T) {
	p := NewPool(8)
	var mu sync.Mutex
	running := map[string]bool{}
	var violated atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(Task{Name: "t", Key: "node-a", Run: func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			if running["node-a"] {
				violated.Store(true)
			}
			running["node-a"] = true
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			running["node-a"] = false
			mu.Unlock()
			return nil
		}})
	}
	waitGroupTimeout(t, &wg, time.Second)
	p.Stop(time.Second)
	require.False(t, violated.Load(), "two tasks with the same key ran concurrently")
}

func TestPoolParallelizableBypassesAffinity(t *testing.T) {
	p := NewPool(4)
	start := make(chan struct{})
	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		p.Submit(Task{Name: "t", Key: "node-a", Parallelizable: true, Run: func(ctx context.Context) error {
			defer wg.Done()
			<-start
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		}})
	}
	close(start)
	waitGroupTimeout(t, &wg, time.Second)
	p.Stop(time.Second)
	require.Greater(t, maxInFlight, int32(1))
}

func TestPoolDeferral(t *testing.T) {
	p := NewPool(2)
	var calls int32
	done := make(chan struct{})
	p.Submit(Task{Name: "t", Run: func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return Defer(10 * time.Millisecond)
		}
		close(done)
		return nil
	}})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred task never ran a second time")
	}
	p.Stop(time.Second)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func waitGroupTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for tasks")
	}
}
