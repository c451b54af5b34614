// Package observe carries store change notices to whoever renders them. The
// stores publish on a fixed set of subjects; the in-process Bus serves local
// consumers and the NATS bridge in package messaging serves remote ones.
package observe

import (
	"log"
	"sync"
)

// Subjects published by the sync stores.
const (
	SubjectMessages      = "sync.messages"
	SubjectTyping        = "sync.typing"
	SubjectTabs          = "sync.tabs"
	SubjectQueue         = "sync.queue"
	SubjectFriends       = "sync.friends"
	SubjectConnection    = "sync.connection"
	SubjectProfile       = "sync.profile"
	SubjectNotifications = "sync.notifications"
)

// Publisher receives change notices. Implementations must not block the
// caller for long; stores publish while handling inbound events.
type Publisher interface {
	Publish(subject string, payload interface{})
}

// Nop discards every notice.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, interface{}) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Multi fans a notice out to several publishers in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(subject string, payload interface{}) {
	for _, p := range m {
		if p != nil {
			p.Publish(subject, payload)
		}
	}
}

// Event is one notice delivered to Bus subscribers.
type Event struct {
	Subject string
	Payload interface{}
}

// Bus delivers notices to in-process subscribers over buffered channels. A
// subscriber that falls behind loses notices rather than stalling the stores.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of notices and a function that cancels the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(subject string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- Event{Subject: subject, Payload: payload}:
		default:
			log.Printf("[observe] subscriber %d is full, dropping %s notice", id, subject)
		}
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
