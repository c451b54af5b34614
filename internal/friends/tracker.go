// Package friends tracks the friend-request status between the local user
// and each partner.
package friends

import (
	"sync"

	"github.com/whisper/chat-sync/internal/observe"
)

// Status is the request state with one partner.
type Status string

const (
	StatusNone     Status = "none"
	StatusSent     Status = "sent"
	StatusReceived Status = "received"
	StatusAccepted Status = "accepted"
)

// rank orders statuses. Transitions only move to a higher rank, so sent and
// received never overwrite each other and accepted is terminal.
func (s Status) rank() int {
	switch s {
	case StatusSent, StatusReceived:
		return 1
	case StatusAccepted:
		return 2
	}
	return 0
}

// Change is published on observe.SubjectFriends when a status moves.
type Change struct {
	PartnerID string `json:"partnerId"`
	Status    Status `json:"status"`
}

// Tracker holds one status per partner id.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
	pub      observe.Publisher
}

// NewTracker creates an empty Tracker.
func NewTracker(pub observe.Publisher) *Tracker {
	return &Tracker{
		statuses: make(map[string]Status),
		pub:      observe.OrNop(pub),
	}
}

// Set moves partnerID to status if that is a forward transition. Repeating
// the current status, as a server echo of an optimistic local update does,
// changes nothing. It reports whether the status changed.
func (t *Tracker) Set(partnerID string, status Status) bool {
	if partnerID == "" {
		return false
	}

	t.mu.Lock()
	cur := t.statuses[partnerID]
	if status.rank() <= cur.rank() {
		t.mu.Unlock()
		return false
	}
	t.statuses[partnerID] = status
	t.mu.Unlock()

	t.pub.Publish(observe.SubjectFriends, Change{PartnerID: partnerID, Status: status})
	return true
}

// Status returns the status with partnerID, StatusNone when unknown.
func (t *Tracker) Status(partnerID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.statuses[partnerID]; ok {
		return s
	}
	return StatusNone
}

// ApplyFriends marks every id in a friends list snapshot as accepted.
func (t *Tracker) ApplyFriends(ids []string) {
	for _, id := range ids {
		t.Set(id, StatusAccepted)
	}
}

// Len returns the number of partners with a known status.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.statuses)
}

// Snapshot returns a copy of all known statuses.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Status, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = s
	}
	return out
}

// Reset forgets every status. Each forgotten partner is published as
// StatusNone.
func (t *Tracker) Reset() {
	t.mu.Lock()
	old := t.statuses
	t.statuses = make(map[string]Status)
	t.mu.Unlock()

	for id := range old {
		t.pub.Publish(observe.SubjectFriends, Change{PartnerID: id, Status: StatusNone})
	}
}
