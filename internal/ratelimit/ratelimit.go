// Package ratelimit implements per-(bucket, client IP, route template)
// sliding-window rate limiting for mutating requests.
package ratelimit

import (
	"net"
	"strings"
	"sync"
	"time"
)

// Rule is a bucket policy: at most Limit hits per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Fixed bucket policy. Login POST is exempt from this limiter entirely; it is
// covered by the failure-based lockout in the auth package.
var rules = map[string]Rule{
	"auth":      {Limit: 10, Window: 5 * time.Minute},
	"chat":      {Limit: 60, Window: time.Minute},
	"upload":    {Limit: 10, Window: time.Minute},
	"admin":     {Limit: 5, Window: time.Minute},
	"export":    {Limit: 3, Window: 5 * time.Minute},
	"crash":     {Limit: 20, Window: time.Minute},
	"community": {Limit: 10, Window: time.Minute},
	"default":   {Limit: 120, Window: time.Minute},
}

// RuleFor returns the policy for a bucket, falling back to "default".
func RuleFor(bucket string) Rule {
	if r, ok := rules[bucket]; ok {
		return r
	}
	return rules["default"]
}

// maxWindow is the longest configured window; hits older than this are dead
// weight for every bucket and safe to prune.
const maxWindow = 5 * time.Minute

// Limiter tracks request timestamps per key. Keys are
// "{bucket}:{ip}:{route-template}". State is in-memory and best-effort; it
// does not survive a restart.
type Limiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// New returns an empty Limiter.
func New() *Limiter {
	return &Limiter{hits: make(map[string][]time.Time), now: time.Now}
}

// mutating reports whether the method is subject to rate limiting.
func mutating(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// Allow records a hit for (bucket, ip, route) and reports whether the request
// is within the bucket's window. Non-mutating methods always pass without
// recording.
func (l *Limiter) Allow(method, bucket, ip, route string) bool {
	if !mutating(method) {
		return true
	}
	rule := RuleFor(bucket)
	key := bucket + ":" + ip + ":" + route
	now := l.now()
	cutoff := now.Add(-rule.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hits[key]
	// Drop hits that slid out of the window.
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	hits = hits[idx:]

	if len(hits) >= rule.Limit {
		l.hits[key] = hits
		return false
	}
	l.hits[key] = append(hits, now)
	return true
}

// Prune drops keys whose newest hit is older than the longest window.
// Called periodically by a maintenance worker.
func (l *Limiter) Prune() {
	cutoff := l.now().Add(-maxWindow)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// ClientIP extracts the caller address: the first X-Forwarded-For token when
// present and non-empty, else the peer address without its port.
func ClientIP(xff, remoteAddr string) string {
	if xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	if remoteAddr != "" {
		return remoteAddr
	}
	return "unknown"
}
