package tabs

import (
	"testing"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/protocol"
)

func stranger(code string) Tab {
	return NewTab(chat.KindStranger, code, protocol.UserRef{ID: "p-" + code, Username: "user-" + code})
}

func activeID(m *Manager) string {
	t, ok := m.Active()
	if !ok {
		return ""
	}
	return t.ID
}

func TestNewTabID(t *testing.T) {
	tests := []struct {
		kind chat.Kind
		want string
	}{
		{chat.KindStranger, "stranger-c1"},
		{chat.KindFriend, "friend-c1"},
		{chat.KindGroup, "group-c1"},
	}
	for _, tt := range tests {
		if got := NewTab(tt.kind, "c1", protocol.UserRef{}).ID; got != tt.want {
			t.Errorf("NewTab(%s).ID = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestAddTabIsIdempotentAndActivates(t *testing.T) {
	m := NewManager(nil)

	if !m.AddTab(stranger("a")) {
		t.Fatal("expected first add to add")
	}
	m.AddTab(stranger("b"))
	if m.AddTab(stranger("a")) {
		t.Error("re-adding an existing tab should not add")
	}

	if n := len(m.Tabs()); n != 2 {
		t.Errorf("expected 2 tabs, got %d", n)
	}
	if got := activeID(m); got != "stranger-a" {
		t.Errorf("expected re-added tab active, got %q", got)
	}
}

func TestCloseTabSelectsSuccessor(t *testing.T) {
	tests := []struct {
		name       string
		open       []string
		activate   string
		close      string
		wantActive string
	}{
		{"successor", []string{"a", "b", "c"}, "stranger-b", "stranger-b", "stranger-c"},
		{"predecessor when last", []string{"a", "b", "c"}, "stranger-c", "stranger-c", "stranger-b"},
		{"none when only tab", []string{"a"}, "stranger-a", "stranger-a", ""},
		{"inactive close keeps active", []string{"a", "b", "c"}, "stranger-a", "stranger-c", "stranger-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			for _, code := range tt.open {
				m.AddTab(stranger(code))
			}
			m.SwitchTab(tt.activate)

			if !m.CloseTab(tt.close) {
				t.Fatalf("CloseTab(%q) returned false", tt.close)
			}
			if got := activeID(m); got != tt.wantActive {
				t.Errorf("active = %q, want %q", got, tt.wantActive)
			}
		})
	}
}

func TestCloseUnknownTab(t *testing.T) {
	m := NewManager(nil)
	m.AddTab(stranger("a"))

	if m.CloseTab("stranger-zzz") {
		t.Error("closing an unknown tab should report false")
	}
	if len(m.Tabs()) != 1 {
		t.Error("unknown close must not change the list")
	}
}

func TestSwitchTabUnknownIgnored(t *testing.T) {
	m := NewManager(nil)
	m.AddTab(stranger("a"))

	if m.SwitchTab("friend-x") {
		t.Error("switch to unknown tab should be refused")
	}
	if got := activeID(m); got != "stranger-a" {
		t.Errorf("active changed to %q", got)
	}
}

func TestRequiresConfirmation(t *testing.T) {
	m := NewManager(nil)
	m.AddTab(stranger("a"))
	m.AddTab(NewTab(chat.KindFriend, "f", protocol.UserRef{ID: "u2"}))

	if !m.RequiresConfirmation("stranger-a") {
		t.Error("connected stranger tab should require confirmation")
	}
	if m.RequiresConfirmation("friend-f") {
		t.Error("friend tab should not require confirmation")
	}

	m.MarkDisconnected("stranger-a")
	if !m.IsDisconnected("stranger-a") {
		t.Error("expected stranger-a marked disconnected")
	}
	if m.RequiresConfirmation("stranger-a") {
		t.Error("disconnected stranger tab should close without confirmation")
	}

	m.CloseTab("stranger-a")
	if m.IsDisconnected("stranger-a") {
		t.Error("closing a tab should clear its disconnected mark")
	}
}

func TestFindByCodeAndReset(t *testing.T) {
	m := NewManager(nil)
	m.AddTab(NewTab(chat.KindGroup, "g1", protocol.UserRef{}))

	tab, ok := m.FindByCode("g1")
	if !ok || tab.Kind != chat.KindGroup {
		t.Fatalf("FindByCode = %+v %v", tab, ok)
	}
	if tab.Conversation() != chat.NewConversationID(chat.KindGroup, "g1") {
		t.Errorf("unexpected conversation %v", tab.Conversation())
	}

	m.Reset()
	if len(m.Tabs()) != 0 || activeID(m) != "" {
		t.Error("expected empty manager after reset")
	}
}
