// Package protocol defines the named events and payload structures exchanged
// between the sync client and the chat server. Every frame is a JSON envelope
// with an event name discriminator and an optional data payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeAuthenticate        = "authenticate"
	TypeMessage             = "message"
	TypeTyping              = "typing"
	TypeJoinRoom            = "joinRoom"
	TypeJoinQueue           = "joinQueue"
	TypeLeaveQueue          = "leaveQueue"
	TypeUserDisconnect      = "userDisconnect"
	TypeSendFriendRequest   = "sendFriendRequest"
	TypeAcceptFriendRequest = "acceptFriendRequest"
	TypeLoadMessages        = "loadMessages"
	TypeGetFriendsList      = "getFriendsList"
	TypeMarkMessagesAsRead  = "markMessagesAsRead"
)

// Server -> Client events. TypeConnect and TypeDisconnect are never sent by
// the server; the transport synthesizes them from socket lifecycle.
const (
	TypeConnect                   = "connect"
	TypeDisconnect                = "disconnect"
	TypeError                     = "error"
	TypeConnectError              = "connect_error"
	TypeUserLeft                  = "userLeft"
	TypeUserDisconnected          = "userDisconnected"
	TypeUserTyping                = "userTyping"
	TypeFriendRequestSent         = "friendRequestSent"
	TypeFriendRequestReceived     = "friendRequestReceived"
	TypeFriendRequestAccepted     = "friendRequestAccepted"
	TypeFriendRequestAcceptedByMe = "friendRequestAcceptedByMe"
	TypeAuthenticated             = "authenticated"
	TypeChatMatched               = "chatMatched"
	TypeQueueJoined               = "queueJoined"
	TypeQueueLeft                 = "queueLeft"
	TypeQueueError                = "queueError"
	TypeFriendsList               = "friendsList"
	TypeUnreadMessageUpdate       = "unreadMessageUpdate"
	TypeGroupUpdate               = "groupUpdate"
	TypeChatHistory               = "chatHistory"
)

// TimeLayout is the timestamp format used in message payloads
// (millisecond-precision UTC, e.g. 2024-01-02T15:04:05.000Z).
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrorCodeUnauthorized is the error code the server uses when it rejects
// the credential presented during the handshake.
const ErrorCodeUnauthorized = "unauthorized"

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the frame format on the wire. Data is kept raw so it can be
// decoded into the concrete payload once the event name is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON rejects frames that do not carry an event name.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.Data = partial.Data
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload fragments
// ---------------------------------------------------------------------------

// UserRef identifies another user in friend and matching events.
type UserRef struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
}

// Friend is one entry of the friends list snapshot.
type Friend struct {
	ID             string `json:"_id"`
	Username       string `json:"username"`
	ChatRoom       string `json:"chatRoom"`
	UnreadMessages int    `json:"unreadMessages"`
}

// Group is a group chat the local user belongs to.
type Group struct {
	ID        string `json:"_id"`
	Name      string `json:"name"`
	ChatRoom  string `json:"chatRoom,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// ChatMsg is a text message sent by the client to a conversation.
type ChatMsg struct {
	ChatCode    string `json:"chatCode"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	Username    string `json:"username"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
}

// TypingMsg tells the server the local user is typing.
type TypingMsg struct {
	ChatCode  string `json:"chatCode"`
	Username  string `json:"username"`
	ChatType  string `json:"chatType"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// JoinRoomMsg subscribes the connection to a conversation room.
type JoinRoomMsg struct {
	ChatCode string `json:"chatCode"`
	Username string `json:"username"`
	ChatType string `json:"chatType"`
}

// UserDisconnectMsg ends a stranger conversation from the local side.
type UserDisconnectMsg struct {
	ChatCode string `json:"chatCode"`
}

// SendFriendRequestMsg asks the server to send a friend request.
type SendFriendRequestMsg struct {
	TargetUserID string `json:"targetUserId"`
}

// AcceptFriendRequestMsg accepts a pending friend request.
type AcceptFriendRequestMsg struct {
	FromUserID string `json:"fromUserId"`
}

// MarkMessagesAsReadMsg clears the unread counter for a conversation.
type MarkMessagesAsReadMsg struct {
	ChatCode string `json:"chatCode"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ServerChatMsg is a single chat message delivered by the server, either live
// or as part of a history batch.
type ServerChatMsg struct {
	ID          string `json:"_id"`
	ChatCode    string `json:"chatCode"`
	Message     string `json:"message"`
	Username    string `json:"username"`
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// UserLeftMsg is sent when the other side of a conversation leaves or drops.
// It is used for both userLeft and userDisconnected.
type UserLeftMsg struct {
	ChatCode string `json:"chatCode"`
	Message  string `json:"message,omitempty"`
}

// UserTypingMsg relays another participant's typing indicator.
type UserTypingMsg struct {
	Username  string `json:"username"`
	ChatCode  string `json:"chatCode"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// FriendRequestSentMsg confirms a friend request left the local user.
type FriendRequestSentMsg struct {
	To UserRef `json:"to"`
}

// FriendRequestReceivedMsg notifies the local user of an incoming request.
type FriendRequestReceivedMsg struct {
	Request struct {
		From UserRef `json:"from"`
	} `json:"request"`
}

// FriendRequestAcceptedMsg is used for both friendRequestAccepted and
// friendRequestAcceptedByMe.
type FriendRequestAcceptedMsg struct {
	Friend UserRef `json:"friend"`
}

// AuthenticatedMsg carries the server's view of the local profile. User is
// kept raw so unknown profile fields survive the merge.
type AuthenticatedMsg struct {
	User json.RawMessage `json:"user"`
}

// ChatMatchedMsg is sent when the matchmaker pairs the local user.
type ChatMatchedMsg struct {
	ChatCode string  `json:"chatCode"`
	Partner  UserRef `json:"partner"`
}

// QueueStatusMsg is used for queueJoined, queueLeft and queueError.
type QueueStatusMsg struct {
	Message string `json:"message,omitempty"`
}

// FriendsListMsg is the friends list snapshot. Friends is kept raw so that a
// malformed (non-array) list can be told apart from an empty one.
type FriendsListMsg struct {
	Friends json.RawMessage `json:"friends"`
}

// UnreadMessageUpdateMsg updates the unread counter of one friend chat.
type UnreadMessageUpdateMsg struct {
	ChatCode    string `json:"chatCode"`
	UnreadCount int    `json:"unreadCount"`
}

// GroupUpdateMsg announces a group the local user was added to.
type GroupUpdateMsg struct {
	Group *Group `json:"group"`
}

// ChatHistoryMsg answers loadMessages with the stored history of one chat.
type ChatHistoryMsg struct {
	ChatCode string          `json:"chatCode"`
	Messages json.RawMessage `json:"messages"`
}

// ErrorMsg is used for error and connect_error.
type ErrorMsg struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// NewClientMessage encodes an outbound event. A nil payload produces an
// envelope without a data field.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msgType, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}

// ParseServerMessage parses a raw frame into its event name and a typed
// payload. Unknown events are returned with a nil payload and an error so the
// caller can log and skip them.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	msg, err := DecodeServerPayload(env.Type, env.Data)
	return env.Type, msg, err
}

// DecodeServerPayload decodes the data of a server event whose name is
// already known.
func DecodeServerPayload(msgType string, raw json.RawMessage) (interface{}, error) {
	var (
		msg interface{}
		err error
	)

	switch msgType {
	case TypeMessage:
		msg, err = DecodeChatMessages(raw)
	case TypeUserLeft, TypeUserDisconnected:
		var m UserLeftMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeUserTyping:
		var m UserTypingMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeFriendRequestSent:
		var m FriendRequestSentMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeFriendRequestReceived:
		var m FriendRequestReceivedMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeFriendRequestAccepted, TypeFriendRequestAcceptedByMe:
		var m FriendRequestAcceptedMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeAuthenticated:
		var m AuthenticatedMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeChatMatched:
		var m ChatMatchedMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeQueueJoined, TypeQueueLeft, TypeQueueError:
		var m QueueStatusMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeFriendsList:
		var m FriendsListMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeUnreadMessageUpdate:
		var m UnreadMessageUpdateMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeGroupUpdate:
		var m GroupUpdateMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeChatHistory:
		var m ChatHistoryMsg
		err = decodeObject(raw, &m)
		msg = m
	case TypeError, TypeConnectError:
		msg, err = decodeError(raw)
	default:
		return nil, fmt.Errorf("protocol: unknown server message type: %q", msgType)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", msgType, err)
	}
	return msg, nil
}

// DecodeChatMessages accepts either a single message object or an array of
// them. A missing or null payload yields an empty batch.
func DecodeChatMessages(raw json.RawMessage) ([]ServerChatMsg, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []ServerChatMsg{}, nil
	}
	if trimmed[0] == '[' {
		var batch []ServerChatMsg
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var single ServerChatMsg
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []ServerChatMsg{single}, nil
}

// IsArray reports whether raw holds a JSON array.
func IsArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// decodeObject tolerates events sent without a payload.
func decodeObject(raw json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, v)
}

// decodeError accepts both {"code","message"} objects and bare strings.
func decodeError(raw json.RawMessage) (ErrorMsg, error) {
	var m ErrorMsg
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		err := json.Unmarshal(trimmed, &m.Message)
		return m, err
	}
	err := decodeObject(trimmed, &m)
	return m, err
}
