package session

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/chat-sync/internal/protocol"
)

// Profile is the local user as the server describes it. Fields the client
// does not interpret are kept in Extra and written back unchanged.
type Profile struct {
	ID       string
	Username string
	Friends  []protocol.Friend
	Groups   []protocol.Group
	Extra    map[string]json.RawMessage
}

// Known profile keys.
const (
	keyID       = "_id"
	keyUsername = "username"
	keyFriends  = "friends"
	keyGroups   = "groups"
)

// UnmarshalJSON decodes a server profile object.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("session: decode profile: %w", err)
	}
	*p = Profile{}
	return p.apply(fields)
}

// MarshalJSON encodes the profile with its extra fields.
func (p Profile) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	out[keyID] = p.ID
	out[keyUsername] = p.Username
	if p.Friends != nil {
		out[keyFriends] = p.Friends
	}
	if p.Groups != nil {
		out[keyGroups] = p.Groups
	}
	return json.Marshal(out)
}

// apply overwrites p with every field present in fields. Friends or groups
// that do not decode as object lists (for example bare id arrays) are kept
// in Extra instead.
func (p *Profile) apply(fields map[string]json.RawMessage) error {
	for k, raw := range fields {
		switch k {
		case keyID:
			if err := json.Unmarshal(raw, &p.ID); err != nil {
				return fmt.Errorf("session: decode %s: %w", k, err)
			}
		case keyUsername:
			if err := json.Unmarshal(raw, &p.Username); err != nil {
				return fmt.Errorf("session: decode %s: %w", k, err)
			}
		case keyFriends:
			var friends []protocol.Friend
			if err := json.Unmarshal(raw, &friends); err != nil {
				p.setExtra(k, raw)
				continue
			}
			p.Friends = friends
		case keyGroups:
			var groups []protocol.Group
			if err := json.Unmarshal(raw, &groups); err != nil {
				p.setExtra(k, raw)
				continue
			}
			p.Groups = groups
		default:
			p.setExtra(k, raw)
		}
	}
	return nil
}

func (p *Profile) setExtra(k string, raw json.RawMessage) {
	if p.Extra == nil {
		p.Extra = make(map[string]json.RawMessage)
	}
	p.Extra[k] = raw
}

func (p Profile) clone() Profile {
	c := p
	if p.Friends != nil {
		c.Friends = append([]protocol.Friend(nil), p.Friends...)
	}
	if p.Groups != nil {
		c.Groups = append([]protocol.Group(nil), p.Groups...)
	}
	if p.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return c
}
