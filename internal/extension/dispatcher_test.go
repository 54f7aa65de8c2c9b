package extension

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedDispatcher(t *testing.T) *dispatcher {
	t.Helper()
	d := newDispatcher(slog.Default(), nil)
	require.NoError(t, d.start(context.Background()))
	t.Cleanup(d.stop)
	return d
}

func TestDispatcherLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(slog.Default(), nil)

	assert.ErrorIs(t, d.post("early", func(context.Context) {}), ErrNotInitialized)
	assert.ErrorIs(t, d.submit(ctx, "early", func(context.Context) {}), ErrNotInitialized)

	require.NoError(t, d.start(ctx))
	assert.ErrorIs(t, d.start(ctx), ErrAlreadyInitialized)

	d.stop()
	d.stop()
	assert.ErrorIs(t, d.post("late", func(context.Context) {}), ErrClosed)
	assert.ErrorIs(t, d.start(ctx), ErrClosed)
}

func TestDispatcherFIFO(t *testing.T) {
	d := startedDispatcher(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, d.post("step", func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, d.submit(context.Background(), "barrier", func(context.Context) {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestDispatcherSubmitInlineOnLoop(t *testing.T) {
	d := startedDispatcher(t)

	var inner, outer bool
	err := d.submit(context.Background(), "outer", func(ctx context.Context) {
		assert.True(t, d.onLoop(ctx))
		require.NoError(t, d.submit(ctx, "inner", func(context.Context) { inner = true }))
		outer = true
	})
	require.NoError(t, err)
	assert.True(t, inner)
	assert.True(t, outer)
	assert.False(t, d.onLoop(context.Background()))
}

func TestDispatcherSingleThreaded(t *testing.T) {
	d := startedDispatcher(t)

	var running, overlaps int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.submit(context.Background(), "work", func(context.Context) {
				mu.Lock()
				running++
				if running > 1 {
					overlaps++
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := startedDispatcher(t)

	require.NoError(t, d.submit(context.Background(), "boom", func(context.Context) { panic("boom") }))

	ran := false
	require.NoError(t, d.submit(context.Background(), "after", func(context.Context) { ran = true }))
	assert.True(t, ran)
}

func TestDispatcherSubmitHonorsContext(t *testing.T) {
	d := startedDispatcher(t)

	release := make(chan struct{})
	require.NoError(t, d.post("block", func(context.Context) { <-release }))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.submit(ctx, "waiting", func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcherStopReleasesWaiters(t *testing.T) {
	d := newDispatcher(slog.Default(), nil)
	require.NoError(t, d.start(context.Background()))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, d.post("block", func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.submit(context.Background(), "never", func(context.Context) {})
	}()

	// Give the submitter time to enqueue behind the blocked task.
	time.Sleep(20 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		d.stop()
		close(stopped)
	}()
	<-d.quit
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("submitter was not released")
	}
	<-stopped
}
