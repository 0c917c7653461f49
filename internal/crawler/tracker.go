package crawler

import "sync"

// workTracker counts requests handed to colly that have not reached a
// terminal callback yet. Unlike colly's internal WaitGroup it tolerates new
// work being added from goroutines outside the collector, such as a solve
// pipeline replaying deferred requests.
type workTracker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	inflight  int
	scheduled int64
}

func newWorkTracker() *workTracker {
	t := &workTracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *workTracker) start() {
	t.mu.Lock()
	t.inflight++
	t.scheduled++
	t.mu.Unlock()
}

func (t *workTracker) done() {
	t.mu.Lock()
	t.inflight--
	if t.inflight <= 0 {
		t.inflight = 0
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// waitIdle blocks until nothing is in flight and returns the number of
// requests scheduled so far.
func (t *workTracker) waitIdle() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.inflight > 0 {
		t.cond.Wait()
	}
	return t.scheduled
}

func (t *workTracker) snapshot() (inflight int, scheduled int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight, t.scheduled
}
