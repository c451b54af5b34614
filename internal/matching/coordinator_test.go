package matching

import (
	"testing"

	"github.com/whisper/chat-sync/internal/observe"
)

type fakeSender struct {
	connected     bool
	joins, leaves int
}

func (f *fakeSender) JoinQueue() bool {
	if !f.connected {
		return false
	}
	f.joins++
	return true
}

func (f *fakeSender) LeaveQueue() bool {
	if !f.connected {
		return false
	}
	f.leaves++
	return true
}

func TestJoinAndLeave(t *testing.T) {
	s := &fakeSender{connected: true}
	c := NewCoordinator(s, nil)

	if !c.Join() || !c.Searching() {
		t.Fatal("expected searching after join")
	}
	if !c.Leave() || c.Searching() {
		t.Fatal("expected not searching after leave")
	}
	if s.joins != 1 || s.leaves != 1 {
		t.Errorf("expected one join and one leave, got %d/%d", s.joins, s.leaves)
	}
}

func TestJoinWhileDisconnectedIsNoop(t *testing.T) {
	s := &fakeSender{}
	c := NewCoordinator(s, nil)

	if c.Join() {
		t.Error("join should report false while disconnected")
	}
	if c.Searching() {
		t.Error("searching must stay false when nothing was sent")
	}
}

func TestLeaveWhileDisconnectedKeepsFlag(t *testing.T) {
	s := &fakeSender{connected: true}
	c := NewCoordinator(s, nil)
	c.Join()

	s.connected = false
	if c.Leave() {
		t.Error("leave should report false while disconnected")
	}
	if !c.Searching() {
		t.Error("searching should be unchanged by a dropped leave")
	}
}

func TestClearPublishesOnce(t *testing.T) {
	bus := observe.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	c := NewCoordinator(&fakeSender{connected: true}, bus)
	c.Join()
	c.Clear()
	c.Clear()

	var got []interface{}
	for len(ch) > 0 {
		got = append(got, (<-ch).Payload)
	}
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("expected [true false], got %v", got)
	}
}
