package api

import (
	"encoding/json"

	"github.com/whisper/chat-sync/internal/protocol"
)

// Notification is one entry of the notification feed.
type Notification struct {
	ID        string            `json:"_id"`
	Type      string            `json:"type"`
	Message   string            `json:"message,omitempty"`
	From      *protocol.UserRef `json:"from,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt string            `json:"createdAt,omitempty"`
}

// PendingRequest is an incoming friend request awaiting an answer.
type PendingRequest struct {
	From   protocol.UserRef `json:"from"`
	Status string           `json:"status,omitempty"`
}

// UnmarshalJSON accepts "from" as either a user object or a bare user id.
func (r *PendingRequest) UnmarshalJSON(data []byte) error {
	var wire struct {
		From   json.RawMessage `json:"from"`
		Status string          `json:"status"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Status = wire.Status
	r.From = protocol.UserRef{}
	if len(wire.From) == 0 || string(wire.From) == "null" {
		return nil
	}
	if wire.From[0] == '"' {
		return json.Unmarshal(wire.From, &r.From.ID)
	}
	return json.Unmarshal(wire.From, &r.From)
}

// Snapshot is the notification state returned by FetchNotifications.
type Snapshot struct {
	Notifications   []Notification   `json:"notifications"`
	PendingRequests []PendingRequest `json:"pendingRequests"`
	UnreadCount     int              `json:"unreadCount"`
}

func (s *Snapshot) countUnread() {
	s.UnreadCount = 0
	for _, n := range s.Notifications {
		if !n.Read {
			s.UnreadCount++
		}
	}
}

// RequesterIDs returns the ids of users with a pending request.
func (s Snapshot) RequesterIDs() []string {
	ids := make([]string, 0, len(s.PendingRequests))
	for _, r := range s.PendingRequests {
		if r.From.ID != "" {
			ids = append(ids, r.From.ID)
		}
	}
	return ids
}
