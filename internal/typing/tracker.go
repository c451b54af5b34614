// Package typing tracks who is currently typing in each conversation. Entries
// are ephemeral: each one is removed by its own timer once it goes stale, and
// a stale entry is never reported even before its timer fires.
package typing

import (
	"sync"
	"time"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/observe"
)

// DefaultTTL is how long a typing indicator stays live after its last write.
const DefaultTTL = 3 * time.Second

// Entry is the latest typing notice for a conversation.
type Entry struct {
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// Change is published on observe.SubjectTyping when an entry is written or
// removed.
type Change struct {
	Conversation chat.ConversationID `json:"conversation"`
	Username     string              `json:"username,omitempty"`
	Typing       bool                `json:"typing"`
}

type entry struct {
	Entry
	timer *time.Timer
}

// Tracker holds at most one entry per conversation.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[chat.ConversationID]*entry
	pub     observe.Publisher
	closed  bool
}

// NewTracker creates a Tracker. A non-positive ttl selects DefaultTTL.
func NewTracker(ttl time.Duration, pub observe.Publisher) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[chat.ConversationID]*entry),
		pub:     observe.OrNop(pub),
	}
}

// Upsert records that username typed in conv at ts, replacing any previous
// entry and restarting the expiry timer. An entry that is already stale is
// not stored.
func (t *Tracker) Upsert(conv chat.ConversationID, username string, ts time.Time) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	remaining := t.ttl - t.now().Sub(ts)
	if old, ok := t.entries[conv]; ok {
		old.timer.Stop()
		delete(t.entries, conv)
	}
	if remaining <= 0 {
		n := len(t.entries)
		t.mu.Unlock()
		metrics.TypingEntries.Set(float64(n))
		return
	}

	e := &entry{Entry: Entry{Username: username, Timestamp: ts}}
	e.timer = time.AfterFunc(remaining, func() { t.expire(conv, e) })
	t.entries[conv] = e
	n := len(t.entries)
	t.mu.Unlock()

	metrics.TypingEntries.Set(float64(n))
	t.pub.Publish(observe.SubjectTyping, Change{Conversation: conv, Username: username, Typing: true})
}

func (t *Tracker) expire(conv chat.ConversationID, e *entry) {
	t.mu.Lock()
	if t.closed || t.entries[conv] != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, conv)
	n := len(t.entries)
	t.mu.Unlock()

	metrics.TypingEntries.Set(float64(n))
	t.pub.Publish(observe.SubjectTyping, Change{Conversation: conv, Typing: false})
}

// IsTyping returns the live entry for conv, if any.
func (t *Tracker) IsTyping(conv chat.ConversationID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[conv]
	if !ok || t.now().Sub(e.Timestamp) >= t.ttl {
		return Entry{}, false
	}
	return e.Entry, true
}

// Len returns the number of stored entries, stale or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reset stops every expiry timer and drops all entries, publishing a
// not-typing Change for each. The tracker stays usable.
func (t *Tracker) Reset() {
	t.mu.Lock()
	dropped := make([]chat.ConversationID, 0, len(t.entries))
	for conv, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, conv)
		dropped = append(dropped, conv)
	}
	t.mu.Unlock()

	metrics.TypingEntries.Set(0)
	for _, conv := range dropped {
		t.pub.Publish(observe.SubjectTyping, Change{Conversation: conv, Typing: false})
	}
}

// Close stops every expiry timer and drops all entries. Later upserts are
// ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for conv, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, conv)
	}
	metrics.TypingEntries.Set(0)
}
