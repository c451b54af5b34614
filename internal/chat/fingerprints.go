package chat

import (
	"fmt"
	"sync"
	"time"
)

// DefaultFingerprintTTL is how long a sent message's fingerprint is remembered.
const DefaultFingerprintTTL = 10 * time.Second

// Fingerprint identifies a message this client sent so that the server echo
// can be attributed to the local user.
func Fingerprint(userID, chatCode, text string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%d", userID, chatCode, text, at.UnixMilli())
}

// Fingerprints remembers recently sent fingerprints. Each one is forgotten by
// its own timer after the TTL.
type Fingerprints struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]*time.Timer
	closed  bool
}

// NewFingerprints creates a registry. A non-positive ttl selects
// DefaultFingerprintTTL.
func NewFingerprints(ttl time.Duration) *Fingerprints {
	if ttl <= 0 {
		ttl = DefaultFingerprintTTL
	}
	return &Fingerprints{ttl: ttl, pending: make(map[string]*time.Timer)}
}

// Add remembers fp, restarting its timer if it is already known.
func (f *Fingerprints) Add(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || fp == "" {
		return
	}
	if t, ok := f.pending[fp]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(f.ttl, func() {
		f.mu.Lock()
		if f.pending[fp] == timer {
			delete(f.pending, fp)
		}
		f.mu.Unlock()
	})
	f.pending[fp] = timer
}

// Claim reports whether fp is pending and forgets it.
func (f *Fingerprints) Claim(fp string) bool {
	if fp == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.pending[fp]
	if !ok {
		return false
	}
	t.Stop()
	delete(f.pending, fp)
	return true
}

// Len returns the number of pending fingerprints.
func (f *Fingerprints) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Close stops every timer. Later Adds are ignored.
func (f *Fingerprints) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for fp, t := range f.pending {
		t.Stop()
		delete(f.pending, fp)
	}
}
