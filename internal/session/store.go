package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/whisper/chat-sync/internal/observe"
	"github.com/whisper/chat-sync/internal/protocol"
)

// Store holds the profile of the signed-in user, if any.
type Store struct {
	mu      sync.RWMutex
	profile Profile
	set     bool
	pub     observe.Publisher
}

// NewStore creates an empty Store.
func NewStore(pub observe.Publisher) *Store {
	return &Store{pub: observe.OrNop(pub)}
}

// Set replaces the profile.
func (s *Store) Set(p Profile) {
	s.mu.Lock()
	s.profile = p.clone()
	s.set = true
	snap := s.profile.clone()
	s.mu.Unlock()

	s.pub.Publish(observe.SubjectProfile, snap)
}

// Merge applies a server profile object on top of the current one. Every
// field the server sends wins; fields it omits are kept.
func (s *Store) Merge(raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("session: merge profile: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("session: merge profile: not an object")
	}

	s.mu.Lock()
	next := s.profile.clone()
	if err := next.apply(fields); err != nil {
		s.mu.Unlock()
		return err
	}
	s.profile = next
	s.set = true
	snap := s.profile.clone()
	s.mu.Unlock()

	s.pub.Publish(observe.SubjectProfile, snap)
	return nil
}

// SetFriends replaces the friends list.
func (s *Store) SetFriends(friends []protocol.Friend) {
	s.mu.Lock()
	s.profile.Friends = append([]protocol.Friend{}, friends...)
	snap := s.profile.clone()
	s.mu.Unlock()

	s.pub.Publish(observe.SubjectProfile, snap)
}

// UpdateUnread sets the unread counter of the friend whose chat room is
// chatCode. It reports whether such a friend exists.
func (s *Store) UpdateUnread(chatCode string, count int) bool {
	s.mu.Lock()
	found := false
	for i := range s.profile.Friends {
		if s.profile.Friends[i].ChatRoom == chatCode {
			s.profile.Friends[i].UnreadMessages = count
			found = true
		}
	}
	snap := s.profile.clone()
	s.mu.Unlock()

	if found {
		s.pub.Publish(observe.SubjectProfile, snap)
	}
	return found
}

// AddGroup appends g unless a group with the same id is present.
func (s *Store) AddGroup(g protocol.Group) bool {
	s.mu.Lock()
	for _, existing := range s.profile.Groups {
		if existing.ID == g.ID {
			s.mu.Unlock()
			return false
		}
	}
	s.profile.Groups = append(s.profile.Groups, g)
	snap := s.profile.clone()
	s.mu.Unlock()

	s.pub.Publish(observe.SubjectProfile, snap)
	return true
}

// FriendByChatRoom returns the friend whose chat room is code.
func (s *Store) FriendByChatRoom(code string) (protocol.Friend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.profile.Friends {
		if f.ChatRoom == code {
			return f, true
		}
	}
	return protocol.Friend{}, false
}

// Snapshot returns a copy of the profile and whether one is set.
func (s *Store) Snapshot() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.clone(), s.set
}

// ID returns the local user id, empty when signed out.
func (s *Store) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.ID
}

// Username returns the local username, empty when signed out.
func (s *Store) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.Username
}

// Clear forgets the profile.
func (s *Store) Clear() {
	s.mu.Lock()
	s.profile = Profile{}
	s.set = false
	s.mu.Unlock()

	s.pub.Publish(observe.SubjectProfile, Profile{})
}
