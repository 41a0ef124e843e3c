package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerCoalescesDuplicateTriggers(t *testing.T) {
	var runs int32
	s := newScheduler(func(id string) { atomic.AddInt32(&runs, 1) })
	defer s.Stop()

	// three triggers for the same request collapse into one pass
	s.Schedule("r1", 20*time.Millisecond)
	s.Schedule("r1", 50*time.Millisecond)
	s.Schedule("r1", 30*time.Millisecond)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestSchedulerEarlierDeadlineWins(t *testing.T) {
	var mu sync.Mutex
	var fired time.Time
	s := newScheduler(func(id string) {
		mu.Lock()
		fired = time.Now()
		mu.Unlock()
	})
	defer s.Stop()

	start := time.Now()
	s.Schedule("r1", 200*time.Millisecond)
	s.Schedule("r1", 20*time.Millisecond) // moves the deadline forward

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !fired.IsZero()
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	elapsed := fired.Sub(start)
	mu.Unlock()
	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestSchedulerCancel(t *testing.T) {
	var runs int32
	s := newScheduler(func(id string) { atomic.AddInt32(&runs, 1) })
	s.Schedule("r1", 20*time.Millisecond)
	s.Cancel("r1")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestSchedulerStaleFireDoesNotPreemptFresh(t *testing.T) {
	var runs int32
	s := newScheduler(func(id string) { atomic.AddInt32(&runs, 1) })
	defer s.Stop()

	s.Schedule("r1", 40*time.Millisecond)

	// a superseded timer firing with its old deadline must neither run
	// the pass nor drop the queued entry
	s.fire("r1", time.Now().Add(-time.Second))
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerIndependentIDs(t *testing.T) {
	var runs int32
	s := newScheduler(func(id string) { atomic.AddInt32(&runs, 1) })
	defer s.Stop()
	s.Schedule("a", 10*time.Millisecond)
	s.Schedule("b", 10*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, 5*time.Millisecond)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km keyedMutex
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			defer unlock()
			cur := atomic.AddInt32(&inside, 1)
			if cur > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, cur)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}
