package coordinator

import (
	"sort"
	"sync"
	"time"
)

// LivenessTracker records the last time each worker was heard from.
type LivenessTracker struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	timeout time.Duration
	now     func() time.Time
}

func NewLivenessTracker(timeout time.Duration, now func() time.Time) *LivenessTracker {
	if now == nil {
		now = time.Now
	}
	return &LivenessTracker{
		seen:    make(map[string]time.Time),
		timeout: timeout,
		now:     now,
	}
}

// Touch marks worker alive. It returns true the first time a worker is seen
// or when it comes back after being expired.
func (l *LivenessTracker) Touch(worker string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, known := l.seen[worker]
	l.seen[worker] = l.now()
	return !known
}

// Expire removes and returns the workers silent for longer than the timeout,
// sorted by ID.
func (l *LivenessTracker) Expire() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.timeout)
	var lost []string
	for worker, last := range l.seen {
		if last.Before(cutoff) {
			lost = append(lost, worker)
			delete(l.seen, worker)
		}
	}
	sort.Strings(lost)
	return lost
}

func (l *LivenessTracker) Forget(worker string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, worker)
}

func (l *LivenessTracker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
