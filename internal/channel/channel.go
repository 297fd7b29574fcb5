// Package channel implements the channel manager (C7): the name→Channel
// map, subscription lifecycle, authorization gating for private/presence/
// encrypted channels, presence roster maintenance, and full re-subscription
// after reconnect.
package channel

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/relaywire/pusherclient/internal/dispatch"
	"github.com/relaywire/pusherclient/internal/filter"
)

// Type classifies a channel by its name prefix.
type Type int

const (
	Public Type = iota
	Private
	Presence
	PrivateEncrypted
)

const (
	privatePrefix          = "private-"
	presencePrefix         = "presence-"
	privateEncryptedPrefix = "private-encrypted-"
)

// TypeOf derives a channel's Type from its name.
func TypeOf(name string) Type {
	switch {
	case strings.HasPrefix(name, privateEncryptedPrefix):
		return PrivateEncrypted
	case strings.HasPrefix(name, presencePrefix):
		return Presence
	case strings.HasPrefix(name, privatePrefix):
		return Private
	default:
		return Public
	}
}

// RequiresAuth reports whether t needs a signed subscription.
func (t Type) RequiresAuth() bool { return t != Public }

// Member is one entry in a presence channel's roster.
type Member struct {
	ID   string
	Info json.RawMessage
}

// Channel is one entry in the manager's name→Channel map.
type Channel struct {
	Name         string
	Type         Type
	Filter       *filter.Filter
	SharedSecret *[32]byte // set once the encrypted-channel auth response arrives

	Events *dispatch.Registry

	mu         sync.Mutex
	subscribed bool
	members    map[string]Member
	myID       string
}

func newChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		Type:    TypeOf(name),
		Events:  dispatch.New(nil),
		members: make(map[string]Member),
	}
}

// Subscribed reports whether pusher_internal:subscription_succeeded has
// been observed for this channel since the last (re)subscribe.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// Members returns a snapshot of the presence roster. Empty for non-presence
// channels.
func (c *Channel) Members() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	return out
}

// MemberCount returns the current roster size.
func (c *Channel) MemberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// Me returns the local user's own presence entry. Its ID is the user_id from
// the channel_data the authorization endpoint returned for this
// subscription; Info comes from the roster while the roster holds that id.
// ok is false for non-presence channels and when channel_data carried no
// user_id.
func (c *Channel) Me() (Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.myID == "" {
		return Member{}, false
	}
	if m, ok := c.members[c.myID]; ok {
		return m, true
	}
	return Member{ID: c.myID}, true
}

func (c *Channel) markSubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
}

func (c *Channel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = false
	c.members = make(map[string]Member)
}

// setMyID records the local user's id, parsed from the presence channel_data
// at subscribe time. It survives reset() and roster replacement.
func (c *Channel) setMyID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.myID = id
}

// replaceRoster is called on subscription_succeeded for presence channels:
// the roster is wholly replaced, not merged. myID is never touched here; it
// is fixed at subscribe time by setMyID.
func (c *Channel) replaceRoster(members []Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = make(map[string]Member, len(members))
	for _, m := range members {
		c.members[m.ID] = m
	}
}

func (c *Channel) addMember(m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[m.ID] = m
}

func (c *Channel) removeMember(id string) (Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[id]
	if ok {
		delete(c.members, id)
	}
	return m, ok
}
