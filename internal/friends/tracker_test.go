package friends

import (
	"testing"

	"github.com/whisper/chat-sync/internal/observe"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		name  string
		steps []Status
		want  Status
	}{
		{"sent", []Status{StatusSent}, StatusSent},
		{"received", []Status{StatusReceived}, StatusReceived},
		{"sent then accepted", []Status{StatusSent, StatusAccepted}, StatusAccepted},
		{"received then accepted", []Status{StatusReceived, StatusAccepted}, StatusAccepted},
		{"accepted is terminal", []Status{StatusAccepted, StatusSent, StatusReceived, StatusNone}, StatusAccepted},
		{"sent not overwritten by received", []Status{StatusSent, StatusReceived}, StatusSent},
		{"none is ignored", []Status{StatusNone}, StatusNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(nil)
			for _, s := range tt.steps {
				tr.Set("u1", s)
			}
			if got := tr.Status("u1"); got != tt.want {
				t.Errorf("status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEchoIsNotDuplicated(t *testing.T) {
	tr := NewTracker(nil)

	if !tr.Set("u1", StatusSent) {
		t.Fatal("optimistic update should apply")
	}
	if tr.Set("u1", StatusSent) {
		t.Error("server echo should be a no-op")
	}
	tr.Set("u1", StatusAccepted)
	tr.Set("u1", StatusAccepted)

	if tr.Len() != 1 {
		t.Errorf("expected one entry, got %d", tr.Len())
	}
	if tr.Status("u1") != StatusAccepted {
		t.Errorf("expected accepted, got %q", tr.Status("u1"))
	}
}

func TestApplyFriendsAndSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u3", StatusReceived)
	tr.ApplyFriends([]string{"u1", "u2", "u3", ""})

	snap := tr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 partners, got %v", snap)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if snap[id] != StatusAccepted {
			t.Errorf("%s = %q, want accepted", id, snap[id])
		}
	}
	if tr.Status("nobody") != StatusNone {
		t.Error("unknown partner should be none")
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u1", StatusAccepted)
	tr.Reset()

	if tr.Len() != 0 || tr.Status("u1") != StatusNone {
		t.Errorf("expected empty tracker after reset, got %v", tr.Snapshot())
	}
	if !tr.Set("u1", StatusSent) {
		t.Error("expected forward transition from none after reset")
	}
}

func TestResetPublishesNone(t *testing.T) {
	bus := observe.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	tr := NewTracker(bus)
	tr.Set("u1", StatusAccepted)
	<-ch

	tr.Reset()
	select {
	case ev := <-ch:
		want := Change{PartnerID: "u1", Status: StatusNone}
		if ev.Subject != observe.SubjectFriends || ev.Payload != want {
			t.Errorf("got %+v, want %+v", ev, want)
		}
	default:
		t.Fatal("reset published nothing")
	}

	tr.Reset()
	select {
	case ev := <-ch:
		t.Errorf("reset of an empty tracker published %+v", ev)
	default:
	}
}
