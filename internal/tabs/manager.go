// Package tabs tracks the open conversation sessions and which one is active.
package tabs

import (
	"sync"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/observe"
	"github.com/whisper/chat-sync/internal/protocol"
)

// Tab is one open conversation.
type Tab struct {
	ID      string           `json:"id"`
	Kind    chat.Kind        `json:"kind"`
	Code    string           `json:"code"`
	Partner protocol.UserRef `json:"partner"`
}

// NewTab builds a Tab whose id is derived from kind and code.
func NewTab(kind chat.Kind, code string, partner protocol.UserRef) Tab {
	return Tab{
		ID:      chat.NewConversationID(kind, code).String(),
		Kind:    kind,
		Code:    code,
		Partner: partner,
	}
}

// Conversation returns the tab's conversation id.
func (t Tab) Conversation() chat.ConversationID {
	return chat.NewConversationID(t.Kind, t.Code)
}

// Snapshot is published on observe.SubjectTabs after every change.
type Snapshot struct {
	Tabs         []Tab    `json:"tabs"`
	Active       string   `json:"active"`
	Disconnected []string `json:"disconnected"`
}

// Manager holds the ordered tab list. When the list is non-empty exactly one
// tab is active.
type Manager struct {
	mu           sync.RWMutex
	tabs         []Tab
	active       string
	disconnected map[string]struct{}
	pub          observe.Publisher
}

// NewManager creates an empty Manager.
func NewManager(pub observe.Publisher) *Manager {
	return &Manager{
		disconnected: make(map[string]struct{}),
		pub:          observe.OrNop(pub),
	}
}

// AddTab appends tab and activates it. A tab with the same id is activated
// without being added again. It reports whether a new tab was added.
func (m *Manager) AddTab(tab Tab) bool {
	m.mu.Lock()
	added := m.indexLocked(tab.ID) < 0
	if added {
		m.tabs = append(m.tabs, tab)
	}
	m.active = tab.ID
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
	return added
}

// CloseTab removes the tab with id. When it was active, the tab that took
// its position becomes active, else the one before it, else none. It reports
// whether a tab was removed.
func (m *Manager) CloseTab(id string) bool {
	m.mu.Lock()
	idx := m.indexLocked(id)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.tabs = append(m.tabs[:idx:idx], m.tabs[idx+1:]...)
	delete(m.disconnected, id)

	if m.active == id {
		switch {
		case idx < len(m.tabs):
			m.active = m.tabs[idx].ID
		case idx > 0:
			m.active = m.tabs[idx-1].ID
		default:
			m.active = ""
		}
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
	return true
}

// SwitchTab activates the tab with id. Unknown ids are ignored.
func (m *Manager) SwitchTab(id string) bool {
	m.mu.Lock()
	if m.indexLocked(id) < 0 {
		m.mu.Unlock()
		return false
	}
	m.active = id
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
	return true
}

// MarkDisconnected records that the partner in tab id has gone away.
func (m *Manager) MarkDisconnected(id string) {
	m.mu.Lock()
	if _, ok := m.disconnected[id]; ok {
		m.mu.Unlock()
		return
	}
	m.disconnected[id] = struct{}{}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
}

// IsDisconnected reports whether tab id was marked disconnected.
func (m *Manager) IsDisconnected(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.disconnected[id]
	return ok
}

// RequiresConfirmation reports whether closing tab id should be confirmed
// first: only stranger tabs whose partner is still present need it.
func (m *Manager) RequiresConfirmation(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.indexLocked(id)
	if idx < 0 || m.tabs[idx].Kind != chat.KindStranger {
		return false
	}
	_, gone := m.disconnected[id]
	return !gone
}

// Get returns the tab with id.
func (m *Manager) Get(id string) (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if idx := m.indexLocked(id); idx >= 0 {
		return m.tabs[idx], true
	}
	return Tab{}, false
}

// Active returns the active tab, if any.
func (m *Manager) Active() (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if idx := m.indexLocked(m.active); idx >= 0 {
		return m.tabs[idx], true
	}
	return Tab{}, false
}

// Tabs returns a copy of the open tabs in order.
func (m *Manager) Tabs() []Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Tab, len(m.tabs))
	copy(out, m.tabs)
	return out
}

// FindByCode returns the first open tab for a server chat code.
func (m *Manager) FindByCode(code string) (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tabs {
		if t.Code == code {
			return t, true
		}
	}
	return Tab{}, false
}

// Reset closes every tab.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.tabs = nil
	m.active = ""
	m.disconnected = make(map[string]struct{})
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(snap)
}

func (m *Manager) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, t := range m.tabs {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Tabs:         make([]Tab, len(m.tabs)),
		Active:       m.active,
		Disconnected: make([]string, 0, len(m.disconnected)),
	}
	copy(snap.Tabs, m.tabs)
	for id := range m.disconnected {
		snap.Disconnected = append(snap.Disconnected, id)
	}
	return snap
}

func (m *Manager) publish(snap Snapshot) {
	metrics.OpenTabs.Set(float64(len(snap.Tabs)))
	m.pub.Publish(observe.SubjectTabs, snap)
}
