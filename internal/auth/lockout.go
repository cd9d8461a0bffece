package auth

import (
	"sync"
	"time"
)

const (
	failureLimit  = 5
	failureWindow = 60 * time.Second
	lockDuration  = 5 * time.Minute
)

// Lockout tracks failed login attempts per key and locks a key out after
// repeated failures inside a short window.
type Lockout struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	locked   map[string]time.Time // key -> lock expiry
	now      func() time.Time
}

// NewLockout returns a ready Lockout tracker.
func NewLockout() *Lockout {
	return &Lockout{
		failures: make(map[string][]time.Time),
		locked:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Locked reports whether key is currently locked out.
func (l *Lockout) Locked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.locked[key]
	if !ok {
		return false
	}
	if !l.now().Before(until) {
		delete(l.locked, key)
		return false
	}
	return true
}

// RecordFailure notes a failed attempt for key. The fifth failure inside the
// window converts into a lock.
func (l *Lockout) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.failures[key][:0]
	for _, at := range l.failures[key] {
		if now.Sub(at) < failureWindow {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	l.failures[key] = recent

	if len(recent) >= failureLimit {
		l.locked[key] = now.Add(lockDuration)
		delete(l.failures, key)
	}
}

// Clear forgets all state for key. Called on successful login.
func (l *Lockout) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
	delete(l.locked, key)
}

// Prune drops stale failure slices and expired locks. Run periodically from
// the maintenance worker.
func (l *Lockout) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, attempts := range l.failures {
		recent := attempts[:0]
		for _, at := range attempts {
			if now.Sub(at) < failureWindow {
				recent = append(recent, at)
			}
		}
		if len(recent) == 0 {
			delete(l.failures, key)
		} else {
			l.failures[key] = recent
		}
	}
	for key, until := range l.locked {
		if !now.Before(until) {
			delete(l.locked, key)
		}
	}
}
