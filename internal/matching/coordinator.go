// Package matching tracks the local user's stranger-matching request. The
// pairing itself happens on the server; the client only knows whether it is
// currently searching.
package matching

import (
	"log"
	"sync"

	"github.com/whisper/chat-sync/internal/observe"
)

// QueueSender emits the queue events. Each method reports whether the event
// was actually sent.
type QueueSender interface {
	JoinQueue() bool
	LeaveQueue() bool
}

// Coordinator holds the searching flag. There is no client-side timeout; the
// flag stays set until the server answers or the user leaves.
type Coordinator struct {
	mu        sync.Mutex
	sender    QueueSender
	searching bool
	pub       observe.Publisher
}

// NewCoordinator creates a Coordinator that emits through sender.
func NewCoordinator(sender QueueSender, pub observe.Publisher) *Coordinator {
	return &Coordinator{sender: sender, pub: observe.OrNop(pub)}
}

// Join asks to be matched. Nothing changes when the request could not be
// sent.
func (c *Coordinator) Join() bool {
	if !c.sender.JoinQueue() {
		log.Printf("[matching] join dropped: not connected")
		return false
	}
	c.set(true)
	return true
}

// Leave cancels the request. Nothing changes when the cancel could not be
// sent.
func (c *Coordinator) Leave() bool {
	if !c.sender.LeaveQueue() {
		log.Printf("[matching] leave dropped: not connected")
		return false
	}
	c.set(false)
	return true
}

// Clear resets the flag without emitting anything. Used when the server
// reports a match, a queue exit, or a queue error.
func (c *Coordinator) Clear() {
	c.set(false)
}

// Searching reports whether a match request is outstanding.
func (c *Coordinator) Searching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searching
}

func (c *Coordinator) set(v bool) {
	c.mu.Lock()
	changed := c.searching != v
	c.searching = v
	c.mu.Unlock()

	if changed {
		c.pub.Publish(observe.SubjectQueue, v)
	}
}
