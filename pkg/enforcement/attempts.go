package enforcement

import (
	"sync"
	"time"
)

// AttemptLimiter tracks attempts per key over a rolling window.
//
// Each key keeps the timestamps of its attempts inside the window. Entries
// older than the window are pruned on every call, so a key that stops
// trying is forgotten once its window passes.
type AttemptLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewAttemptLimiter allows max attempts per key within window.
func NewAttemptLimiter(max int, window time.Duration, now func() time.Time) *AttemptLimiter {
	if max < 1 {
		max = 1
	}
	if now == nil {
		now = time.Now
	}
	return &AttemptLimiter{
		max:      max,
		window:   window,
		now:      now,
		attempts: make(map[string][]time.Time),
	}
}

// Allow records an attempt for key and reports whether it is within the
// limit. Rejected attempts are not recorded.
func (l *AttemptLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.pruneLocked(key, now)
	if len(recent) >= l.max {
		return false
	}
	l.attempts[key] = append(recent, now)
	return true
}

// Remaining returns how many attempts key has left in the current window.
func (l *AttemptLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - len(l.pruneLocked(key, l.now()))
}

// Reset forgets the attempts of key.
func (l *AttemptLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// pruneLocked drops attempts older than the window.
// Caller must hold the lock.
func (l *AttemptLimiter) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	times := l.attempts[key]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	times = times[i:]
	if len(times) == 0 {
		delete(l.attempts, key)
		return nil
	}
	l.attempts[key] = times
	return times
}
