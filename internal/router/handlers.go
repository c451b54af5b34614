package router

import (
	"encoding/json"
	"log"
	"time"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/friends"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/tabs"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// toMessage converts a server message into a log entry. ok is false when the
// chat code or text is missing.
func (r *Router) toMessage(m protocol.ServerChatMsg) (chat.Message, bool) {
	if m.ChatCode == "" || m.Message == "" {
		return chat.Message{}, false
	}

	kind := chat.KindMessage
	var sender string
	switch {
	case m.Type == string(chat.KindSystem):
		kind = chat.KindSystem
		sender = chat.SenderSystem
	case r.d.Fingerprints != nil && r.d.Fingerprints.Claim(m.Fingerprint):
		sender = chat.SenderSelf
	case m.Username != "" && m.Username == r.localUsername():
		sender = chat.SenderSelf
	case m.Username != "":
		sender = m.Username
	default:
		sender = "unknown"
	}

	ts := r.d.Now()
	if m.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
			ts = parsed
		}
	}
	return chat.NewServerMessage(m.ID, m.Message, sender, ts, kind), true
}

func (r *Router) handleMessages(msg interface{}) {
	batch, _ := msg.([]protocol.ServerChatMsg)
	for _, m := range batch {
		entry, ok := r.toMessage(m)
		if !ok {
			metrics.MessagesTotal.WithLabelValues("discarded").Inc()
			continue
		}
		r.d.Log.Append(r.Resolve(m.ChatCode), entry)
	}
}

// handlePartnerGone appends a system notice and marks the tab so it can be
// closed without confirmation.
func (r *Router) handlePartnerGone(defaultText string) Handler {
	return func(msg interface{}) {
		m, _ := msg.(protocol.UserLeftMsg)
		if m.ChatCode == "" {
			return
		}
		text := m.Message
		if text == "" {
			text = defaultText
		}
		conv := r.Resolve(m.ChatCode)
		r.d.Log.Append(conv, chat.NewSystemMessage(text, r.d.Now()))
		if r.d.Tabs != nil {
			r.d.Tabs.MarkDisconnected(conv.String())
		}
	}
}

func (r *Router) handleChatHistory(msg interface{}) {
	m, _ := msg.(protocol.ChatHistoryMsg)
	if m.ChatCode == "" {
		log.Printf("[router] chatHistory without chat code")
		return
	}
	conv := r.Resolve(m.ChatCode)

	if !protocol.IsArray(m.Messages) {
		r.d.Log.Replace(conv, nil)
		return
	}
	batch, err := protocol.DecodeChatMessages(m.Messages)
	if err != nil {
		log.Printf("[router] chatHistory for %s: %v", conv, err)
		return
	}

	history := make([]chat.Message, 0, len(batch))
	for _, sm := range batch {
		if sm.ChatCode == "" {
			sm.ChatCode = m.ChatCode
		}
		if entry, ok := r.toMessage(sm); ok {
			history = append(history, entry)
		}
	}
	r.d.Log.Replace(conv, history)
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

// handleUserTyping records another participant's typing notice. Entries are
// stamped with the local receive time.
func (r *Router) handleUserTyping(msg interface{}) {
	m, _ := msg.(protocol.UserTypingMsg)
	if m.ChatCode == "" || m.Username == "" || m.Username == r.localUsername() {
		return
	}
	r.d.Typing.Upsert(r.Resolve(m.ChatCode), m.Username, r.d.Now())
}

// ---------------------------------------------------------------------------
// Friends
// ---------------------------------------------------------------------------

func (r *Router) handleFriendRequestSent(msg interface{}) {
	m, _ := msg.(protocol.FriendRequestSentMsg)
	r.d.Friends.Set(m.To.ID, friends.StatusSent)
}

func (r *Router) handleFriendRequestReceived(msg interface{}) {
	m, _ := msg.(protocol.FriendRequestReceivedMsg)
	r.d.Friends.Set(m.Request.From.ID, friends.StatusReceived)
	r.refreshNotifications()
}

// handleFriendRequestAccepted serves both accept events; whichever side
// accepted, the pair is now friends.
func (r *Router) handleFriendRequestAccepted(msg interface{}) {
	m, _ := msg.(protocol.FriendRequestAcceptedMsg)
	r.d.Friends.Set(m.Friend.ID, friends.StatusAccepted)
	r.refreshNotifications()
	if r.d.Outbound != nil {
		r.d.Outbound.LoadFriendsList()
	}
}

func (r *Router) handleFriendsList(msg interface{}) {
	m, _ := msg.(protocol.FriendsListMsg)
	if !protocol.IsArray(m.Friends) {
		log.Printf("[router] friendsList payload is not a list, ignoring")
		return
	}
	if _, ok := r.d.Profile.Snapshot(); !ok {
		return
	}

	var list []protocol.Friend
	if err := json.Unmarshal(m.Friends, &list); err != nil {
		log.Printf("[router] friendsList: %v", err)
		return
	}
	r.d.Profile.SetFriends(list)

	ids := make([]string, 0, len(list))
	for _, f := range list {
		ids = append(ids, f.ID)
	}
	r.d.Friends.ApplyFriends(ids)
}

func (r *Router) handleUnreadUpdate(msg interface{}) {
	m, _ := msg.(protocol.UnreadMessageUpdateMsg)
	if m.ChatCode == "" {
		return
	}
	r.d.Profile.UpdateUnread(m.ChatCode, m.UnreadCount)
}

func (r *Router) handleGroupUpdate(msg interface{}) {
	m, _ := msg.(protocol.GroupUpdateMsg)
	if m.Group == nil || m.Group.ID == "" {
		return
	}
	g := *m.Group
	if g.ChatRoom == "" {
		g.ChatRoom = g.ID
	}
	r.d.Profile.AddGroup(g)
}

// ---------------------------------------------------------------------------
// Session and queue
// ---------------------------------------------------------------------------

// handleAuthenticated merges the server's profile into the local one; the
// server wins on every field it sends.
func (r *Router) handleAuthenticated(msg interface{}) {
	m, _ := msg.(protocol.AuthenticatedMsg)
	if len(m.User) == 0 || string(m.User) == "null" {
		return
	}
	if err := r.d.Profile.Merge(m.User); err != nil {
		log.Printf("[router] authenticated: %v", err)
	}
}

func (r *Router) handleChatMatched(msg interface{}) {
	m, _ := msg.(protocol.ChatMatchedMsg)
	r.d.Queue.Clear()
	if m.ChatCode == "" {
		log.Printf("[router] chatMatched without chat code")
		return
	}
	r.d.Tabs.AddTab(tabs.NewTab(chat.KindStranger, m.ChatCode, m.Partner))
}

func (r *Router) handleQueueJoined(msg interface{}) {
	m, _ := msg.(protocol.QueueStatusMsg)
	log.Printf("[router] queue joined: %s", m.Message)
}

func (r *Router) handleQueueExit(msg interface{}) {
	m, _ := msg.(protocol.QueueStatusMsg)
	if m.Message != "" {
		log.Printf("[router] queue exit: %s", m.Message)
	}
	r.d.Queue.Clear()
}

// handleError logs server errors. Credential rejections are acted on by the
// connection manager before the event reaches here.
func (r *Router) handleError(event string) Handler {
	return func(msg interface{}) {
		m, _ := msg.(protocol.ErrorMsg)
		log.Printf("[router] %s code=%q: %s", event, m.Code, m.Message)
	}
}
