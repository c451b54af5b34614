package connection

import (
	"log"
	"strings"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/protocol"
)

// Outbound operations return whether the event was emitted. They are no-ops
// while not connected; nothing is queued for later.

// emit sends one event on the current transport. need lists identity fields
// the event requires ("id", "username").
func (m *Manager) emit(msgType string, payload interface{}, need ...string) bool {
	m.mu.Lock()
	t := m.transport
	ok := m.state == StateConnected && t != nil
	var id Identity = m.identity
	m.mu.Unlock()

	if ok {
		for _, field := range need {
			switch {
			case id == nil:
				ok = false
			case field == "id" && id.ID() == "":
				ok = false
			case field == "username" && id.Username() == "":
				ok = false
			}
		}
	}
	if !ok {
		return drop(msgType)
	}

	if err := t.Send(msgType, payload); err != nil {
		log.Printf("[conn] send %s failed: %v", msgType, err)
		metrics.OutboundTotal.WithLabelValues(msgType, "dropped").Inc()
		return false
	}
	metrics.OutboundTotal.WithLabelValues(msgType, "sent").Inc()
	return true
}

// drop counts an outbound event that was not emitted.
func drop(msgType string) bool {
	metrics.OutboundTotal.WithLabelValues(msgType, "dropped").Inc()
	return false
}

func (m *Manager) currentIdentity() (id, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return "", ""
	}
	return m.identity.ID(), m.identity.Username()
}

// chatType names the conversation kind of a chat code for the server.
func chatType(chatCode string) string {
	kind, _ := chat.KindFromCode(chatCode)
	return string(kind)
}

// SendMessage sends text to chatCode. Blank text is dropped. The message
// carries a fingerprint that is remembered so the echo can be attributed to
// the local user.
func (m *Manager) SendMessage(chatCode, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || chatCode == "" || !m.IsConnected() {
		return drop(protocol.TypeMessage)
	}

	userID, username := m.currentIdentity()
	now := m.now()
	fp := chat.Fingerprint(userID, chatCode, text, now)

	// Registered first so an echo handled before emit returns still matches.
	m.fps.Add(fp)
	sent := m.emit(protocol.TypeMessage, protocol.ChatMsg{
		ChatCode:    chatCode,
		Message:     text,
		Timestamp:   now.UTC().Format(protocol.TimeLayout),
		Username:    username,
		Type:        string(chat.KindMessage),
		Fingerprint: fp,
	}, "username")
	if !sent {
		m.fps.Claim(fp)
	}
	return sent
}

// SendTypingEvent tells the server the local user is typing in chatCode.
func (m *Manager) SendTypingEvent(chatCode string) bool {
	if chatCode == "" {
		return drop(protocol.TypeTyping)
	}
	_, username := m.currentIdentity()
	return m.emit(protocol.TypeTyping, protocol.TypingMsg{
		ChatCode:  chatCode,
		Username:  username,
		ChatType:  chatType(chatCode),
		Timestamp: m.now().UnixMilli(),
	}, "username")
}

// SendFriendRequest asks targetUserID to become a friend.
func (m *Manager) SendFriendRequest(targetUserID string) bool {
	if targetUserID == "" {
		return false
	}
	return m.emit(protocol.TypeSendFriendRequest, protocol.SendFriendRequestMsg{TargetUserID: targetUserID})
}

// AcceptFriendRequest accepts the pending request from fromUserID.
func (m *Manager) AcceptFriendRequest(fromUserID string) bool {
	if fromUserID == "" {
		return false
	}
	return m.emit(protocol.TypeAcceptFriendRequest, protocol.AcceptFriendRequestMsg{FromUserID: fromUserID})
}

// JoinQueue asks the matchmaker for a stranger.
func (m *Manager) JoinQueue() bool {
	id, _ := m.currentIdentity()
	return m.emit(protocol.TypeJoinQueue, id, "id")
}

// LeaveQueue cancels a JoinQueue.
func (m *Manager) LeaveQueue() bool {
	id, _ := m.currentIdentity()
	return m.emit(protocol.TypeLeaveQueue, id, "id")
}

// SendUserDisconnect ends a stranger conversation from the local side.
func (m *Manager) SendUserDisconnect(chatCode string) bool {
	if chatCode == "" {
		return drop(protocol.TypeUserDisconnect)
	}
	return m.emit(protocol.TypeUserDisconnect, protocol.UserDisconnectMsg{ChatCode: chatCode}, "id")
}

// LoadChatHistory requests the stored messages of chatID. The answer arrives
// as a chatHistory event.
func (m *Manager) LoadChatHistory(chatID string) bool {
	if chatID == "" {
		return drop(protocol.TypeLoadMessages)
	}
	return m.emit(protocol.TypeLoadMessages, chatID)
}

// LoadFriendsList requests a friendsList snapshot.
func (m *Manager) LoadFriendsList() bool {
	return m.emit(protocol.TypeGetFriendsList, nil, "id")
}

// JoinRoom subscribes to a friend or group room.
func (m *Manager) JoinRoom(chatCode string, kind chat.Kind) bool {
	if chatCode == "" {
		return drop(protocol.TypeJoinRoom)
	}
	_, username := m.currentIdentity()
	return m.emit(protocol.TypeJoinRoom, protocol.JoinRoomMsg{
		ChatCode: chatCode,
		Username: username,
		ChatType: string(kind),
	}, "username")
}

// MarkMessagesAsRead clears the unread counter of chatCode.
func (m *Manager) MarkMessagesAsRead(chatCode string) bool {
	if chatCode == "" {
		return drop(protocol.TypeMarkMessagesAsRead)
	}
	return m.emit(protocol.TypeMarkMessagesAsRead, protocol.MarkMessagesAsReadMsg{ChatCode: chatCode})
}
