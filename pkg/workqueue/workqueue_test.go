package workqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsQueued(t *testing.T) {
	p := NewPool("test", 3)

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.True(t, p.Queue(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(50), n.Load())

	p.Close()
	assert.False(t, p.Queue(func() {}))
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool("test", 1)
	defer p.Close()

	done := make(chan struct{})
	p.Queue(func() { panic("boom") })
	p.Queue(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestWorkCoalesces(t *testing.T) {
	p := NewPool("test", 4)
	defer p.Close()

	release := make(chan struct{})
	var runs atomic.Int32
	var concurrent, maxConcurrent atomic.Int32
	w := p.NewWork(func() {
		c := concurrent.Add(1)
		if c > maxConcurrent.Load() {
			maxConcurrent.Store(c)
		}
		<-release
		runs.Add(1)
		concurrent.Add(-1)
	})

	assert.True(t, w.Schedule())
	assert.Eventually(t, func() bool { return concurrent.Load() == 1 }, time.Second, time.Millisecond)

	// queued while running: one more run, not three
	assert.True(t, w.Schedule())
	assert.False(t, w.Schedule())
	assert.False(t, w.Schedule())

	close(release)
	w.Flush()
	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestWorkScheduleAfterAndCancel(t *testing.T) {
	p := NewPool("test", 1)
	defer p.Close()

	var runs atomic.Int32
	w := p.NewWork(func() { runs.Add(1) })

	assert.True(t, w.ScheduleAfter(time.Hour))
	assert.False(t, w.ScheduleAfter(time.Hour))
	assert.True(t, w.Pending())
	w.Cancel()
	assert.False(t, w.Pending())

	assert.True(t, w.ScheduleAfter(10*time.Millisecond))
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// flush fires an armed timer right away
	assert.True(t, w.ScheduleAfter(time.Hour))
	w.Flush()
	assert.Equal(t, int32(2), runs.Load())
}

func TestWorkCancelSyncWaitsForRun(t *testing.T) {
	p := NewPool("test", 1)
	defer p.Close()

	started := make(chan struct{})
	var finished atomic.Bool
	w := p.NewWork(func() {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	w.Schedule()
	<-started
	w.CancelSync()
	assert.True(t, finished.Load())
}
