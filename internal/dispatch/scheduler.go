package dispatch

import (
	"sync"
	"time"
)

// scheduler is the single trigger for selection passes. Every source
// of work (create, reject retry, widen retry, stale sweep) funnels
// through Schedule, and at most one pass per request id is ever
// queued: duplicate triggers collapse onto the earliest deadline.
type scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	due    map[string]time.Time
	run    func(id string)
}

func newScheduler(run func(id string)) *scheduler {
	return &scheduler{
		timers: make(map[string]*time.Timer),
		due:    make(map[string]time.Time),
		run:    run,
	}
}

func (s *scheduler) Schedule(id string, delay time.Duration) {
	at := time.Now().Add(delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.due[id]; ok {
		if !cur.After(at) {
			return // an earlier or equal pass is already queued
		}
		s.timers[id].Stop()
	}
	s.due[id] = at
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, at) })
}

// fire runs the pass for the timer whose deadline is at. A timer that
// was superseded or cancelled after its callback started must not run
// the pass or drop the fresh entry, so the deadline is re-checked
// under the lock.
func (s *scheduler) fire(id string, at time.Time) {
	s.mu.Lock()
	if cur, ok := s.due[id]; !ok || !cur.Equal(at) {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	delete(s.due, id)
	s.mu.Unlock()
	s.run(id)
}

func (s *scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		delete(s.due, id)
	}
}

func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
		delete(s.due, id)
	}
}

// keyedMutex serializes work per request id. Entries are refcounted so
// the map does not grow with dead ids.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
