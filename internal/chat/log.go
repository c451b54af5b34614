package chat

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/observe"
)

// Sender markers used instead of a username.
const (
	SenderSelf   = "me"
	SenderSystem = "system"
)

// MessageKind distinguishes user messages from synthesized notices.
type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindSystem  MessageKind = "system"
)

// System notice texts.
const (
	TextUserLeft         = "A user has left the chat"
	TextUserDisconnected = "A user has disconnected"
)

// ErrNotSequence is returned by Replace when it is handed no sequence at all.
var ErrNotSequence = errors.New("chat: replacement is not a message sequence")

// MessageKey is the duplicate-suppression key of a message.
type MessageKey string

// ServerKey derives the key of a server-issued id: its first dash-delimited
// segment.
func ServerKey(id string) MessageKey {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		return MessageKey(id[:i])
	}
	return MessageKey(id)
}

// NewLocalKey returns a fresh key for a message synthesized on this client.
func NewLocalKey() MessageKey {
	return MessageKey("local:" + uuid.NewString())
}

// Message is one immutable log entry.
type Message struct {
	Key       MessageKey  `json:"key"`
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Sender    string      `json:"sender"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      MessageKind `json:"kind"`
}

// NewServerMessage builds a message from a server-issued id. An empty id is
// replaced by a local temporary one.
func NewServerMessage(id, text, sender string, ts time.Time, kind MessageKind) Message {
	key := ServerKey(id)
	if id == "" {
		key = NewLocalKey()
		id = "temp-" + strings.TrimPrefix(string(key), "local:")
	}
	if kind == "" {
		kind = KindMessage
	}
	return Message{Key: key, ID: id, Text: text, Sender: sender, Timestamp: ts, Kind: kind}
}

// NewSystemMessage builds a local system notice.
func NewSystemMessage(text string, ts time.Time) Message {
	key := NewLocalKey()
	return Message{
		Key:       key,
		ID:        "system-" + strings.TrimPrefix(string(key), "local:"),
		Text:      text,
		Sender:    SenderSystem,
		Timestamp: ts,
		Kind:      KindSystem,
	}
}

// LogChange is published on observe.SubjectMessages after every mutation.
type LogChange struct {
	Conversation ConversationID `json:"conversation"`
	Count        int            `json:"count"`
	Last         *Message       `json:"last,omitempty"`
}

type conversationLog struct {
	msgs []Message
	keys map[MessageKey]struct{}
}

// Log stores messages per conversation in arrival order. Within one
// conversation no two messages share a key; the first one wins.
type Log struct {
	mu    sync.RWMutex
	convs map[ConversationID]*conversationLog
	pub   observe.Publisher
}

// NewLog creates an empty Log that reports changes to pub (may be nil).
func NewLog(pub observe.Publisher) *Log {
	return &Log{
		convs: make(map[ConversationID]*conversationLog),
		pub:   observe.OrNop(pub),
	}
}

// Append adds msg to the end of conv's log unless a message with the same key
// is already present. It reports whether the message was added.
func (l *Log) Append(conv ConversationID, msg Message) bool {
	l.mu.Lock()
	cl, ok := l.convs[conv]
	if !ok {
		cl = &conversationLog{keys: make(map[MessageKey]struct{})}
		l.convs[conv] = cl
	}
	if _, dup := cl.keys[msg.Key]; dup {
		l.mu.Unlock()
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return false
	}
	cl.keys[msg.Key] = struct{}{}
	cl.msgs = append(cl.msgs, msg)
	count := len(cl.msgs)
	l.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("appended").Inc()
	last := msg
	l.pub.Publish(observe.SubjectMessages, LogChange{Conversation: conv, Count: count, Last: &last})
	return true
}

// Replace discards conv's log and installs msgs in order, keeping the first
// of any messages sharing a key. A nil slice is rejected with ErrNotSequence
// and leaves the log untouched; an empty non-nil slice clears it.
func (l *Log) Replace(conv ConversationID, msgs []Message) error {
	if msgs == nil {
		log.Printf("[chat] rejected history replace for %s: not a sequence", conv)
		return ErrNotSequence
	}

	cl := &conversationLog{
		msgs: make([]Message, 0, len(msgs)),
		keys: make(map[MessageKey]struct{}, len(msgs)),
	}
	for _, m := range msgs {
		if _, dup := cl.keys[m.Key]; dup {
			continue
		}
		cl.keys[m.Key] = struct{}{}
		cl.msgs = append(cl.msgs, m)
	}

	l.mu.Lock()
	l.convs[conv] = cl
	l.mu.Unlock()

	l.pub.Publish(observe.SubjectMessages, LogChange{Conversation: conv, Count: len(cl.msgs)})
	return nil
}

// Get returns a copy of conv's messages in arrival order. Returns an empty
// slice if the conversation has no log.
func (l *Log) Get(conv ConversationID) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cl, ok := l.convs[conv]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(cl.msgs))
	copy(out, cl.msgs)
	return out
}

// Len returns the number of messages in conv's log.
func (l *Log) Len(conv ConversationID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if cl, ok := l.convs[conv]; ok {
		return len(cl.msgs)
	}
	return 0
}

// Reset drops every conversation and publishes an empty LogChange for each.
func (l *Log) Reset() {
	l.mu.Lock()
	dropped := make([]ConversationID, 0, len(l.convs))
	for conv := range l.convs {
		dropped = append(dropped, conv)
	}
	l.convs = make(map[ConversationID]*conversationLog)
	l.mu.Unlock()

	for _, conv := range dropped {
		l.pub.Publish(observe.SubjectMessages, LogChange{Conversation: conv})
	}
}
