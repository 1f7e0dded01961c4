package stack

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusive_Serializes(t *testing.T) {
	h := NewHandle("local", "http://127.0.0.1:8080", 0, 1)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Exclusive(context.Background(), func(context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside.Load())
}

func TestExclusive_CancelledWhileWaiting(t *testing.T) {
	h := NewHandle("local", "", 0, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = h.Exclusive(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Exclusive(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestExclusive_Paced(t *testing.T) {
	h := NewHandle("local", "", 20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Exclusive(context.Background(), func(context.Context) error { return nil }))
	}
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestAcquire_HeldUntilReleased(t *testing.T) {
	h := NewHandle("local", "", 0, 1)
	release, err := h.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := h.Acquire(context.Background())
	require.NoError(t, err)
	again()
}
