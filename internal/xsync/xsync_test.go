package xsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())

	var wg sync.WaitGroup
	var woken atomic.Int32
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait()
			woken.Add(1)
		}()
	}
	require.Equal(t, int32(0), woken.Load())

	l.Trigger()
	wg.Wait()
	require.Equal(t, int32(3), woken.Load())
	require.True(t, l.Test())

	// Trigger is idempotent, and Wait after Trigger returns immediately.
	l.Trigger()
	l.Wait()

	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("WaitChan not closed after Trigger")
	}
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	s.Acquire()
	s.Acquire()

	acquired := make(chan struct{})
	go func() {
		s.Acquire()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("third Acquire should have blocked at capacity 2")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not proceed after Release")
	}
}

func TestSemaphore_Unlimited(t *testing.T) {
	s := NewSemaphore(0)
	for range 100 {
		s.Acquire()
	}
	for range 100 {
		s.Release()
	}
}
