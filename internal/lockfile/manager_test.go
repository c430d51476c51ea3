package lockfile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(t.TempDir(),
		WithMutexRetryInterval(2*time.Millisecond),
		WithPollInterval(50*time.Millisecond),
	)
	require.NoError(t, err)
	return mgr
}

// waitForQueueDepth polls until the target's queue reaches the wanted depth.
func waitForQueueDepth(t *testing.T, mgr *Manager, target string, depth int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		holders, err := mgr.List()
		require.NoError(t, err)
		for _, h := range holders {
			if h.Path == target && h.QueueDepth >= depth {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue for %s never reached depth %d", target, depth)
}

func TestAcquireImmediateGrant(t *testing.T) {
	mgr := newTestManager(t)

	acq, err := mgr.Acquire(context.Background(), "/tmp/App.xcodeproj", "Fix login bug", "build")
	require.NoError(t, err)

	assert.Equal(t, 0, acq.QueuePosition)
	assert.Equal(t, 1, acq.QueueDepth)
	assert.Nil(t, acq.BlockedBy)
	require.NotNil(t, acq.Entry.LockedAt)
	assert.Equal(t, "Fix login bug", acq.Entry.Reason)

	assert.Contains(t, acq.StatusText, "/tmp/App.xcodeproj")
	assert.Contains(t, acq.StatusText, "buildlock release /tmp/App.xcodeproj")
	assert.Contains(t, acq.StatusText, acq.Entry.ID)
}

func TestAcquireValidatesReason(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		reason string
	}{
		{name: "empty", reason: ""},
		{name: "whitespace only", reason: "   \t "},
		{name: "multi-line", reason: "line one\nline two"},
		{name: "carriage return", reason: "line one\rline two"},
		{name: "too long", reason: strings.Repeat("x", DefaultMaxReasonLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.Acquire(ctx, "/tmp/App.xcodeproj", tt.reason, "build")
			assert.ErrorIs(t, err, ErrInvalidReason)
		})
	}

	// Rejection happens before any disk I/O: nothing was queued.
	holders, err := mgr.List()
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	target := "/tmp/App.xcodeproj"

	_, err := mgr.Acquire(ctx, target, "Fix login bug", "build")
	require.NoError(t, err)

	granted := make(chan *Acquisition, 1)
	go func() {
		acq, err := mgr.Acquire(ctx, target, "Write tests", "test")
		if err != nil {
			t.Error(err)
			return
		}
		granted <- acq
	}()

	waitForQueueDepth(t, mgr, target, 2)

	select {
	case <-granted:
		t.Fatal("second acquire granted while lock held")
	case <-time.After(100 * time.Millisecond):
	}

	res, err := mgr.Release(target)
	require.NoError(t, err)
	require.True(t, res.Released)
	assert.Equal(t, 1, res.Remaining)

	select {
	case acq := <-granted:
		require.NotNil(t, acq.BlockedBy)
		assert.Equal(t, "Fix login bug", acq.BlockedBy.Reason)
		assert.Greater(t, acq.BlockedBy.Waited, time.Duration(0))
		assert.Equal(t, 1, acq.QueueDepth)
	case <-time.After(3 * time.Second):
		t.Fatal("blocked acquire not granted after release")
	}
}

func TestAcquireFIFOFairness(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	target := "/tmp/App.xcodeproj"

	_, err := mgr.Acquire(ctx, target, "holder", "build")
	require.NoError(t, err)

	// Enqueue B, then C, deterministically: each goroutine starts only
	// after the previous waiter is visible in the queue.
	grants := make(chan string, 2)
	var wg sync.WaitGroup
	for i, name := range []string{"B", "C"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := mgr.Acquire(ctx, target, "work "+name, "build"); err != nil {
				t.Error(err)
				return
			}
			grants <- name
		}(name)
		waitForQueueDepth(t, mgr, target, i+2)
	}

	for _, want := range []string{"B", "C"} {
		_, err := mgr.Release(target)
		require.NoError(t, err)

		select {
		case got := <-grants:
			assert.Equal(t, want, got, "grant order violates FIFO")
		case <-time.After(3 * time.Second):
			t.Fatalf("waiter %s never granted", want)
		}
	}
	wg.Wait()

	_, err = mgr.Release(target)
	require.NoError(t, err)
}

func TestReleaseWithoutHolder(t *testing.T) {
	mgr := newTestManager(t)

	res, err := mgr.Release("/tmp/App.xcodeproj")
	require.NoError(t, err)
	assert.False(t, res.Released)
	assert.Nil(t, res.Info)
}

func TestReleaseTwice(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	target := "/tmp/App.xcodeproj"

	_, err := mgr.Acquire(ctx, target, "Fix login bug", "build")
	require.NoError(t, err)

	res, err := mgr.Release(target)
	require.NoError(t, err)
	require.True(t, res.Released)
	assert.Equal(t, "Fix login bug", res.Info.Reason)

	res, err = mgr.Release(target)
	require.NoError(t, err)
	assert.False(t, res.Released)
}

func TestCrossResourceIndependence(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "/tmp/A.xcodeproj", "hold A", "build")
	require.NoError(t, err)

	// A held lock on A must not delay B at all.
	start := time.Now()
	acq, err := mgr.Acquire(ctx, "/tmp/B.xcodeproj", "hold B", "build")
	require.NoError(t, err)
	assert.Equal(t, 0, acq.QueuePosition)
	assert.Nil(t, acq.BlockedBy)
	assert.Less(t, time.Since(start), time.Second)
}

func TestList(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	holders, err := mgr.List()
	require.NoError(t, err)
	assert.Empty(t, holders)

	_, err = mgr.Acquire(ctx, "/tmp/A.xcodeproj", "hold A", "build")
	require.NoError(t, err)
	_, err = mgr.Acquire(ctx, "/tmp/B.xcodeproj", "hold B", "test")
	require.NoError(t, err)

	holders, err = mgr.List()
	require.NoError(t, err)
	require.Len(t, holders, 2)

	// Sorted by path.
	assert.Equal(t, "/tmp/A.xcodeproj", holders[0].Path)
	assert.Equal(t, "/tmp/B.xcodeproj", holders[1].Path)
	assert.Equal(t, "hold A", holders[0].Entry.Reason)
	assert.True(t, holders[0].Entry.Held())
}

func TestForceReleaseAll(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "/tmp/A.xcodeproj", "hold A", "build")
	require.NoError(t, err)
	_, err = mgr.Acquire(ctx, "/tmp/B.xcodeproj", "hold B", "test")
	require.NoError(t, err)

	res, err := mgr.ForceReleaseAll()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Len(t, res.Details, 2)

	holders, err := mgr.List()
	require.NoError(t, err)
	assert.Empty(t, holders)

	for _, target := range []string{"/tmp/A.xcodeproj", "/tmp/B.xcodeproj"} {
		rel, err := mgr.Release(target)
		require.NoError(t, err)
		assert.False(t, rel.Released, "%s still holds a lock after ForceReleaseAll", target)
	}
}

func TestAcquireTimeout(t *testing.T) {
	mgr := newTestManager(t)
	target := "/tmp/App.xcodeproj"

	_, err := mgr.Acquire(context.Background(), target, "holder", "build")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = mgr.Acquire(ctx, target, "impatient", "test")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDepthAccounting(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	target := "/tmp/App.xcodeproj"

	_, err := mgr.Acquire(ctx, target, "holder", "build")
	require.NoError(t, err)

	const waiters = 3
	done := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			if _, err := mgr.Acquire(ctx, target, "waiter", "build"); err != nil {
				t.Error(err)
			}
			done <- struct{}{}
		}()
		waitForQueueDepth(t, mgr, target, i+2)
	}

	holders, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, waiters+1, holders[0].QueueDepth)

	for i := 0; i < waiters+1; i++ {
		_, err := mgr.Release(target)
		require.NoError(t, err)
		if i < waiters {
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				t.Fatal("waiter never granted")
			}
		}
	}

	holders, err = mgr.List()
	require.NoError(t, err)
	assert.Empty(t, holders)
}
