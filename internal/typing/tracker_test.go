package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/observe"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var conv = chat.NewConversationID(chat.KindStranger, "abc")

func newTestTracker(pub observe.Publisher) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	tr := NewTracker(DefaultTTL, pub)
	tr.now = clock.Now
	return tr, clock
}

func TestUpsertAndIsTyping(t *testing.T) {
	tr, clock := newTestTracker(nil)
	defer tr.Close()

	tr.Upsert(conv, "alice", clock.Now())

	e, ok := tr.IsTyping(conv)
	if !ok || e.Username != "alice" {
		t.Fatalf("expected alice typing, got %+v %v", e, ok)
	}
}

func TestEntryStaleAfterTTL(t *testing.T) {
	tr, clock := newTestTracker(nil)
	defer tr.Close()

	start := clock.Now()
	tr.Upsert(conv, "alice", start)

	clock.Advance(2999 * time.Millisecond)
	if _, ok := tr.IsTyping(conv); !ok {
		t.Error("expected entry to be live just before TTL")
	}

	clock.Advance(time.Millisecond)
	if _, ok := tr.IsTyping(conv); ok {
		t.Error("expected entry to be absent at T+3000ms even before its timer fires")
	}
}

func TestUpsertExtendsFromLastWrite(t *testing.T) {
	tr, clock := newTestTracker(nil)
	defer tr.Close()

	tr.Upsert(conv, "alice", clock.Now())
	clock.Advance(2 * time.Second)
	tr.Upsert(conv, "bob", clock.Now())
	clock.Advance(2 * time.Second)

	e, ok := tr.IsTyping(conv)
	if !ok || e.Username != "bob" {
		t.Errorf("expected bob still typing, got %+v %v", e, ok)
	}
	if tr.Len() != 1 {
		t.Errorf("expected one entry per conversation, got %d", tr.Len())
	}
}

func TestUpsertAlreadyStaleIsDropped(t *testing.T) {
	tr, clock := newTestTracker(nil)
	defer tr.Close()

	tr.Upsert(conv, "alice", clock.Now().Add(-5*time.Second))
	if tr.Len() != 0 {
		t.Error("stale upsert should not be stored")
	}
}

func TestTimerRemovesEntry(t *testing.T) {
	bus := observe.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	tr := NewTracker(20*time.Millisecond, bus)
	defer tr.Close()

	tr.Upsert(conv, "alice", time.Now())

	var got []Change
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Payload.(Change))
		case <-timeout:
			t.Fatalf("timed out, got %+v", got)
		}
	}
	if !got[0].Typing || got[1].Typing {
		t.Errorf("expected typing then cleared, got %+v", got)
	}
	if tr.Len() != 0 {
		t.Error("expected entry removed by timer")
	}
}

func TestReset(t *testing.T) {
	bus := observe.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	tr, clock := newTestTracker(bus)
	tr.Upsert(conv, "alice", clock.Now())
	<-ch

	tr.Reset()
	if tr.Len() != 0 {
		t.Fatalf("expected no entries after reset, got %d", tr.Len())
	}
	select {
	case ev := <-ch:
		want := Change{Conversation: conv, Typing: false}
		if ev.Payload != want {
			t.Errorf("got %+v, want %+v", ev.Payload, want)
		}
	default:
		t.Fatal("reset published nothing")
	}

	tr.Upsert(conv, "bob", clock.Now())
	if _, ok := tr.IsTyping(conv); !ok {
		t.Error("tracker should accept upserts after reset")
	}
}

func TestCloseStopsTimers(t *testing.T) {
	tr := NewTracker(10*time.Millisecond, nil)
	tr.Upsert(conv, "alice", time.Now())
	tr.Close()

	tr.Upsert(conv, "bob", time.Now())
	if tr.Len() != 0 {
		t.Error("upsert after close should be ignored")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := tr.IsTyping(conv); ok {
		t.Error("expected nothing typing after close")
	}
}
