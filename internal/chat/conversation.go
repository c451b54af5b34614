// Package chat holds conversation-scoped message state: conversation
// identities, the per-conversation message log, and the registry of
// fingerprints for messages this client has sent.
package chat

import "strings"

// Kind is the conversation category.
type Kind string

const (
	KindFriend   Kind = "friend"
	KindStranger Kind = "stranger"
	KindGroup    Kind = "group"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFriend, KindStranger, KindGroup:
		return true
	}
	return false
}

// ConversationID keys all conversation-scoped data.
type ConversationID struct {
	Kind Kind   `json:"kind"`
	Code string `json:"code"`
}

// NewConversationID builds a ConversationID.
func NewConversationID(kind Kind, code string) ConversationID {
	return ConversationID{Kind: kind, Code: code}
}

// String returns the "<kind>-<code>" form also used as a tab id.
func (c ConversationID) String() string {
	return string(c.Kind) + "-" + c.Code
}

// KindFromCode infers a conversation kind from a server chat code. Codes
// issued for friend and group rooms carry a "friend-" or "group-" prefix;
// everything else is a stranger pairing. ok is false when no prefix matched.
func KindFromCode(code string) (kind Kind, ok bool) {
	switch {
	case strings.HasPrefix(code, "friend-"):
		return KindFriend, true
	case strings.HasPrefix(code, "group-"):
		return KindGroup, true
	}
	return KindStranger, false
}
