package fsroot

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateDownLockReadersConcurrent(t *testing.T) {
	l := NewUpdateDownLock()
	var concurrent int32
	var maxConcurrent int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.RLock()
			defer unlock()
			n := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
		}()
	}
	wg.Wait()
	require.Greater(t, maxConcurrent, int32(1), "scans should run concurrently with each other")
}

func TestUpdateDownLockWriterExcludesReaders(t *testing.T) {
	l := NewUpdateDownLock()
	var active int32
	var violated bool
	var mu sync.Mutex

	writerDone := make(chan struct{})
	go func() {
		unlock := l.Lock()
		mu.Lock()
		if atomic.LoadInt32(&active) != 0 {
			violated = true
		}
		mu.Unlock()
		atomic.AddInt32(&active, 1)
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		unlock()
		close(writerDone)
	}()

	time.Sleep(5 * time.Millisecond) // let the writer grab the lock first
	unlockR := l.RLock()
	if atomic.LoadInt32(&active) != 0 {
		violated = true
	}
	unlockR()

	<-writerDone
	require.False(t, violated, "reader ran concurrently with an active writer")
}

func TestUpdateDownLockFIFOPreventsWriterStarvation(t *testing.T) {
	l := NewUpdateDownLock()
	unlockFirstReader := l.RLock()

	writerAcquired := make(chan struct{})
	go func() {
		unlock := l.Lock()
		close(writerAcquired)
		unlock()
	}()

	time.Sleep(5 * time.Millisecond) // writer is now queued behind the first reader

	laterReaderBlocked := make(chan struct{})
	go func() {
		unlock := l.RLock()
		close(laterReaderBlocked)
		unlock()
	}()

	time.Sleep(5 * time.Millisecond)
	select {
	case <-writerAcquired:
		t.Fatal("writer should still be waiting on the first reader")
	default:
	}

	unlockFirstReader()
	<-writerAcquired
	<-laterReaderBlocked
}
