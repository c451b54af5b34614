// Package router is the single inbound dispatch point. It decodes named
// server events and applies them to the local stores.
package router

import (
	"encoding/json"
	"log"
	"time"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/friends"
	"github.com/whisper/chat-sync/internal/matching"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/session"
	"github.com/whisper/chat-sync/internal/tabs"
	"github.com/whisper/chat-sync/internal/typing"
)

// Handler is the callback signature for a decoded server event. The msg
// parameter is the concrete value returned by protocol.DecodeServerPayload
// (e.g., protocol.ChatMatchedMsg, []protocol.ServerChatMsg).
type Handler func(msg interface{})

// Outbound is the part of the connection the router talks back through.
type Outbound interface {
	LoadFriendsList() bool
}

// NotificationRefresher refetches the notification snapshot. It must not
// block the caller.
type NotificationRefresher interface {
	RefreshNotifications()
}

// Deps are the stores and collaborators the default handlers act on.
type Deps struct {
	Log           *chat.Log
	Fingerprints  *chat.Fingerprints
	Typing        *typing.Tracker
	Tabs          *tabs.Manager
	Queue         *matching.Coordinator
	Friends       *friends.Tracker
	Profile       *session.Store
	Outbound      Outbound
	Notifications NotificationRefresher
	Now           func() time.Time
}

// Router routes server events to registered handlers based on the event
// name.
type Router struct {
	d        Deps
	handlers map[string]Handler
}

// New creates a Router with the default handlers registered.
func New(d Deps) *Router {
	if d.Now == nil {
		d.Now = time.Now
	}
	r := &Router{d: d, handlers: make(map[string]Handler)}
	r.registerDefaults()
	return r
}

// Register associates a Handler with an event name. If a handler was already
// registered for the name, it is silently replaced.
func (r *Router) Register(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// Dispatch decodes one inbound event and routes it. Decode failures and
// unregistered events are logged and skipped.
func (r *Router) Dispatch(msgType string, data json.RawMessage) {
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	h, ok := r.handlers[msgType]
	if !ok {
		log.Printf("[router] unsupported event type=%q", msgType)
		return
	}

	msg, err := protocol.DecodeServerPayload(msgType, data)
	if err != nil {
		log.Printf("[router] %v", err)
		return
	}
	h(msg)
}

func (r *Router) registerDefaults() {
	r.Register(protocol.TypeMessage, r.handleMessages)
	r.Register(protocol.TypeUserLeft, r.handlePartnerGone(chat.TextUserLeft))
	r.Register(protocol.TypeUserDisconnected, r.handlePartnerGone(chat.TextUserDisconnected))
	r.Register(protocol.TypeUserTyping, r.handleUserTyping)
	r.Register(protocol.TypeFriendRequestSent, r.handleFriendRequestSent)
	r.Register(protocol.TypeFriendRequestReceived, r.handleFriendRequestReceived)
	r.Register(protocol.TypeFriendRequestAccepted, r.handleFriendRequestAccepted)
	r.Register(protocol.TypeFriendRequestAcceptedByMe, r.handleFriendRequestAccepted)
	r.Register(protocol.TypeAuthenticated, r.handleAuthenticated)
	r.Register(protocol.TypeChatMatched, r.handleChatMatched)
	r.Register(protocol.TypeQueueJoined, r.handleQueueJoined)
	r.Register(protocol.TypeQueueLeft, r.handleQueueExit)
	r.Register(protocol.TypeQueueError, r.handleQueueExit)
	r.Register(protocol.TypeFriendsList, r.handleFriendsList)
	r.Register(protocol.TypeUnreadMessageUpdate, r.handleUnreadUpdate)
	r.Register(protocol.TypeGroupUpdate, r.handleGroupUpdate)
	r.Register(protocol.TypeChatHistory, r.handleChatHistory)
	r.Register(protocol.TypeError, r.handleError(protocol.TypeError))
	r.Register(protocol.TypeConnectError, r.handleError(protocol.TypeConnectError))
}

// Resolve maps a server chat code to a conversation: an open tab wins, then
// the local friend list and groups, then the code prefix, and finally a
// stranger pairing.
func (r *Router) Resolve(chatCode string) chat.ConversationID {
	if r.d.Tabs != nil {
		if t, ok := r.d.Tabs.FindByCode(chatCode); ok {
			return t.Conversation()
		}
	}
	if r.d.Profile != nil {
		if _, ok := r.d.Profile.FriendByChatRoom(chatCode); ok {
			return chat.NewConversationID(chat.KindFriend, chatCode)
		}
		if p, ok := r.d.Profile.Snapshot(); ok {
			for _, g := range p.Groups {
				if g.ChatRoom == chatCode {
					return chat.NewConversationID(chat.KindGroup, chatCode)
				}
			}
		}
	}
	kind, _ := chat.KindFromCode(chatCode)
	return chat.NewConversationID(kind, chatCode)
}

func (r *Router) localUsername() string {
	if r.d.Profile == nil {
		return ""
	}
	return r.d.Profile.Username()
}

func (r *Router) refreshNotifications() {
	if r.d.Notifications != nil {
		r.d.Notifications.RefreshNotifications()
	}
}
