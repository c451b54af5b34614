// Package ratelimit throttles outbound client events with fixed windows: the
// first event for a key opens a window, and at most Limit events pass until
// the window ends.
package ratelimit

import (
	"log"
	"sync"
	"time"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// events allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "typing:", "msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleTyping lets one typing notice per conversation through every 3
	// seconds, matching how long the other side shows it.
	RuleTyping = Rule{Key: "typing:", Limit: 1, Window: 3 * time.Second}

	// RuleMessage allows 5 messages per 10 seconds per conversation.
	RuleMessage = Rule{Key: "msg:", Limit: 5, Window: 10 * time.Second}
)

type window struct {
	count   int
	expires time.Time
}

// Limiter counts events per key.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow counts one event for identifier under rule and reports whether it is
// within the limit.
func (l *Limiter) Allow(identifier string, rule Rule) bool {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(rule.Window)}
		l.windows[key] = w
	}
	w.count++

	if w.count > rule.Limit {
		log.Printf("[ratelimit] key=%s over limit (%d/%d)", key, w.count, rule.Limit)
		return false
	}
	return true
}

// Remaining returns how many events identifier has left in the current
// window.
func (l *Limiter) Remaining(identifier string, rule Rule) int {
	key := rule.Key + identifier

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !l.now().Before(w.expires) {
		return rule.Limit
	}
	remaining := rule.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset forgets identifier's window so the next event passes.
func (l *Limiter) Reset(identifier string, rule Rule) {
	l.mu.Lock()
	delete(l.windows, rule.Key+identifier)
	l.mu.Unlock()
}

// Prune drops expired windows.
func (l *Limiter) Prune() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, w := range l.windows {
		if !now.Before(w.expires) {
			delete(l.windows, k)
		}
	}
}
