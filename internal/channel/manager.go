package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/relaywire/pusherclient/internal/auth"
	"github.com/relaywire/pusherclient/internal/filter"
	"github.com/relaywire/pusherclient/internal/protocol"
)

// ErrAuthTimeout is returned when an authorization round trip does not
// complete before the caller's deadline.
var ErrAuthTimeout = errors.New("channel: authorization timed out")

// ErrUnsubscribed is delivered to a pending subscribe waiter when the
// channel is unsubscribed before authorization completes.
var ErrUnsubscribed = errors.New("channel: unsubscribed before authorization completed")

// Sender delivers an already-built frame to the transport. The manager
// never touches the transport directly; the connection manager owns it.
type Sender func(event, channel string, data any) error

// Deps bundles the manager's collaborators.
type Deps struct {
	Send         Sender
	Fetcher      auth.Fetcher
	AuthEndpoint func(Type) string
	AuthTimeout  time.Duration
	SocketID     func() string // resolved lazily; empty until connected
	Log          *logrus.Entry
}

// Manager owns the name→Channel map and drives the subscription lifecycle
// described for the channel manager: idempotent subscribe, auth gating,
// presence roster maintenance, and full re-subscription after reconnect.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	channels map[string]*Channel
	pending  map[string]uuid.UUID // channel name -> in-flight auth request id
}

// New constructs a Manager. deps is copied into the Manager and cannot be
// changed afterwards, so deps.Send must be non-nil here for Subscribe,
// Unsubscribe and Resubscribe to work.
func New(deps Deps) *Manager {
	if deps.AuthTimeout <= 0 {
		deps.AuthTimeout = 30 * time.Second
	}
	if deps.Log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel + 1)
		deps.Log = logrus.NewEntry(l)
	}
	return &Manager{
		deps:     deps,
		channels: make(map[string]*Channel),
		pending:  make(map[string]uuid.UUID),
	}
}

// Get returns the channel by name, if it has been subscribed.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[name]
	return c, ok
}

// Subscribe is idempotent: a repeat call for an already-tracked channel
// returns the existing Channel without emitting a second subscription
// frame. For private/presence/encrypted channels it blocks on ctx until
// authorization completes (or fails) before sending pusher:subscribe.
func (m *Manager) Subscribe(ctx context.Context, name string, f *filter.Filter) (*Channel, error) {
	m.mu.Lock()
	if c, ok := m.channels[name]; ok {
		m.mu.Unlock()
		return c, nil
	}
	c := newChannel(name)
	c.Filter = f
	m.channels[name] = c
	m.mu.Unlock()

	var authField, channelData string
	if c.Type.RequiresAuth() {
		reqID := uuid.New()
		m.mu.Lock()
		m.pending[name] = reqID
		m.mu.Unlock()

		authCtx, cancel := context.WithTimeout(ctx, m.deps.AuthTimeout)
		resp, err := m.deps.Fetcher.Authorize(authCtx, m.endpointFor(c.Type), m.deps.SocketID(), name)
		cancel()
		err = wrapAuthTimeout(err)

		m.mu.Lock()
		stillPending := m.pending[name] == reqID
		delete(m.pending, name)
		m.mu.Unlock()
		if !stillPending {
			return nil, ErrUnsubscribed
		}
		if err != nil {
			m.mu.Lock()
			delete(m.channels, name)
			m.mu.Unlock()
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}

		authField = resp.Auth
		channelData = resp.ChannelData

		if c.Type == PrivateEncrypted {
			key, err := auth.DecodeSharedSecret(resp.SharedSecret)
			if err != nil {
				m.mu.Lock()
				delete(m.channels, name)
				m.mu.Unlock()
				return nil, fmt.Errorf("channel %s: %w", name, err)
			}
			c.SharedSecret = key
		}
		if c.Type == Presence {
			c.setMyID(presenceUserID(channelData))
		}
	}

	if err := m.sendSubscribe(c, authField, channelData); err != nil {
		m.mu.Lock()
		delete(m.channels, name)
		m.mu.Unlock()
		return nil, err
	}

	return c, nil
}

func wrapAuthTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAuthTimeout, err)
	}
	return err
}

func (m *Manager) endpointFor(t Type) string {
	// user_auth_endpoint vs auth_endpoint selection is made by the façade,
	// which supplies the mapping via Deps.AuthEndpoint; the manager itself
	// is endpoint-agnostic.
	return m.deps.AuthEndpoint(t)
}

func (m *Manager) sendSubscribe(c *Channel, authField, channelData string) error {
	payload := map[string]any{"channel": c.Name}
	if authField != "" {
		payload["auth"] = authField
	}
	if channelData != "" {
		payload["channel_data"] = channelData
	}
	if c.Filter != nil {
		payload["filter"] = *c.Filter
	}
	return m.deps.Send(protocol.SystemPrefix+"subscribe", "", payload)
}

// Unsubscribe sends pusher:unsubscribe, drops the channel, and cancels any
// in-flight authorization for it.
func (m *Manager) Unsubscribe(name string) error {
	m.mu.Lock()
	delete(m.pending, name)
	_, existed := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()

	if !existed {
		return nil
	}
	return m.deps.Send(protocol.SystemPrefix+"unsubscribe", "", map[string]any{"channel": name})
}

// Resubscribe re-issues pusher:subscribe for every currently tracked
// channel in its original configuration, clearing subscribed/roster state
// first. Called by the connection manager after a successful reconnect.
func (m *Manager) Resubscribe(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.channels))
	for name, c := range m.channels {
		c.reset()
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		m.mu.Lock()
		c := m.channels[name]
		m.mu.Unlock()
		if c == nil {
			continue
		}
		var authField, channelData string
		if c.Type.RequiresAuth() {
			authCtx, cancel := context.WithTimeout(ctx, m.deps.AuthTimeout)
			resp, err := m.deps.Fetcher.Authorize(authCtx, m.endpointFor(c.Type), m.deps.SocketID(), name)
			cancel()
			err = wrapAuthTimeout(err)
			if err != nil {
				errs = append(errs, fmt.Errorf("resubscribe %s: %w", name, err))
				continue
			}
			authField = resp.Auth
			channelData = resp.ChannelData
			if c.Type == PrivateEncrypted {
				key, err := auth.DecodeSharedSecret(resp.SharedSecret)
				if err != nil {
					errs = append(errs, fmt.Errorf("resubscribe %s: %w", name, err))
					continue
				}
				c.SharedSecret = key
			}
			if c.Type == Presence {
				c.setMyID(presenceUserID(channelData))
			}
		}
		if err := m.sendSubscribe(c, authField, channelData); err != nil {
			errs = append(errs, fmt.Errorf("resubscribe %s: %w", name, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	var merr *multierror.Error
	for _, e := range errs {
		merr = multierror.Append(merr, e)
	}
	return merr.ErrorOrNil()
}

// HandleInternal processes a pusher_internal:* frame: subscription
// lifecycle and presence roster maintenance.
func (m *Manager) HandleInternal(f protocol.Frame) {
	switch f.Event {
	case protocol.InternalPrefix + "subscription_succeeded":
		m.handleSubscriptionSucceeded(f)
	case protocol.InternalPrefix + "subscription_error":
		m.handleSubscriptionError(f)
	case protocol.InternalPrefix + "member_added":
		m.handleMemberAdded(f)
	case protocol.InternalPrefix + "member_removed":
		m.handleMemberRemoved(f)
	default:
		m.deps.Log.WithField("event", f.Event).Debug("unhandled internal frame")
	}
}

// presenceUserID extracts user_id from the channel_data JSON string the
// authorization endpoint returned for a presence subscription, so the
// channel can tell its own roster entry apart from everyone else's.
func presenceUserID(channelData string) string {
	if channelData == "" {
		return ""
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(channelData), &body); err != nil {
		return ""
	}
	return body.UserID
}

type presenceData struct {
	Presence struct {
		IDs   []string                   `json:"ids"`
		Hash  map[string]json.RawMessage `json:"hash"`
		Count int                        `json:"count"`
	} `json:"presence"`
}

func (m *Manager) handleSubscriptionSucceeded(f protocol.Frame) {
	m.mu.Lock()
	c, ok := m.channels[f.Channel]
	m.mu.Unlock()
	if !ok {
		return
	}

	c.markSubscribed()

	if c.Type == Presence && len(f.Data) > 0 {
		var pd presenceData
		if err := json.Unmarshal(f.Data, &pd); err == nil {
			members := make([]Member, 0, len(pd.Presence.IDs))
			for _, id := range pd.Presence.IDs {
				members = append(members, Member{ID: id, Info: pd.Presence.Hash[id]})
			}
			c.replaceRoster(members)
		}
	}

	c.Events.Dispatch(protocol.SystemPrefix+"subscription_succeeded", f.Channel, f.Data)
}

func (m *Manager) handleSubscriptionError(f protocol.Frame) {
	m.mu.Lock()
	c, ok := m.channels[f.Channel]
	m.mu.Unlock()
	if !ok {
		return
	}
	c.Events.Dispatch(protocol.SystemPrefix+"subscription_error", f.Channel, f.Data)
}

type memberChange struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info"`
}

func (m *Manager) handleMemberAdded(f protocol.Frame) {
	m.mu.Lock()
	c, ok := m.channels[f.Channel]
	m.mu.Unlock()
	if !ok {
		return
	}
	var mc memberChange
	if err := json.Unmarshal(f.Data, &mc); err != nil {
		return
	}
	c.addMember(Member{ID: mc.UserID, Info: mc.UserInfo})
	c.Events.Dispatch(protocol.SystemPrefix+"member_added", f.Channel, f.Data)
}

func (m *Manager) handleMemberRemoved(f protocol.Frame) {
	m.mu.Lock()
	c, ok := m.channels[f.Channel]
	m.mu.Unlock()
	if !ok {
		return
	}
	var mc memberChange
	if err := json.Unmarshal(f.Data, &mc); err != nil {
		return
	}
	if _, removed := c.removeMember(mc.UserID); removed {
		c.Events.Dispatch(protocol.SystemPrefix+"member_removed", f.Channel, f.Data)
	}
}
