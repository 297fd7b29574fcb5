// Package pusher implements a Pusher Channels protocol v7 client: connection
// lifecycle management, public/private/presence/encrypted subscriptions,
// event dispatch, and delta-compressed message decoding.
//
// Example usage:
//
//	opts := pusher.DefaultOptions()
//	opts.Cluster = "mt1"
//	client, err := pusher.NewClient("app-key", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.Bind("state_change", func(e pusher.Event) {
//	    log.Printf("connection: %s", e.Data)
//	})
//	if err := client.Connect(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	channel, err := client.Subscribe(context.Background(), "chat", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	channel.Bind("message", func(e pusher.Event) {
//	    fmt.Println(string(e.Data))
//	})
package pusher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/relaywire/pusherclient/internal/auth"
	"github.com/relaywire/pusherclient/internal/channel"
	"github.com/relaywire/pusherclient/internal/conn"
	"github.com/relaywire/pusherclient/internal/delta"
	"github.com/relaywire/pusherclient/internal/dispatch"
	"github.com/relaywire/pusherclient/internal/protocol"
	"github.com/relaywire/pusherclient/internal/wstransport"
)

// Client is the single user-facing surface: construct with NewClient,
// connect, subscribe, bind callbacks. Every method is safe to call from any
// goroutine: methods run on the caller's goroutine and the underlying
// managers guard their shared state with mutexes, while inbound frames are
// handled on the connection's I/O loop goroutine.
type Client struct {
	appKey string
	opts   Options
	log    *logrus.Entry

	conn     *conn.Manager
	channels *channel.Manager
	delta    *delta.Engine
	events   *dispatch.Registry // client-level bind/bind_global

	deltaAlgorithms []string
}

// Channel is the public handle for a subscribed channel: bind callbacks,
// inspect the presence roster, check whether subscription_succeeded has
// arrived.
type Channel struct {
	inner *channel.Channel
	log   *logrus.Entry
}

// NewClient constructs a Client for appKey. It does not connect; call
// Connect to start the I/O loop.
func NewClient(appKey string, opts Options) (*Client, error) {
	if err := opts.Validate(appKey); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if opts.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logger.WithField("client", appKey)

	fetcher := opts.AuthFetcher
	if fetcher == nil {
		switch {
		case opts.AppSecret != "":
			fetcher = &auth.SecretFetcher{AppKey: appKey, AppSecret: opts.AppSecret}
		default:
			fetcher = auth.NewHTTPFetcher(opts.HTTPClient)
		}
	}

	c := &Client{
		appKey:          appKey,
		opts:            opts,
		log:             log,
		events:          dispatch.New(log.WithField("scope", "client")),
		deltaAlgorithms: opts.DeltaAlgorithms,
	}

	c.delta = delta.NewEngine(opts.MaxMessagesPerKey, c.onDeltaStats, c.onDeltaError)

	c.channels = channel.New(channel.Deps{
		Send:         c.sendRaw,
		Fetcher:      fetcher,
		AuthEndpoint: c.authEndpointFor,
		AuthTimeout:  opts.ActivityTimeout,
		SocketID:     func() string { return c.conn.SocketID() },
		Log:          log.WithField("scope", "channel"),
	})

	dialer := func(ctx context.Context) (wstransport.Transport, error) {
		if opts.Transport != nil {
			return opts.Transport, nil
		}
		return wstransport.Dial(ctx, opts.wsURL(appKey), opts.ActivityTimeout)
	}

	connOpts := conn.Options{
		ActivityTimeout:         opts.ActivityTimeout,
		PongTimeout:             opts.PongTimeout,
		ReconnectionDelay:       opts.ReconnectionDelay,
		MaxReconnectionDelay:    opts.MaxReconnectionDelay,
		MaxReconnectionAttempts: opts.MaxReconnectionAttempts,
		DisableReconnection:     opts.DisableReconnection,
		SendRateLimit:           opts.SendRateLimit,
	}
	c.conn = conn.New(dialer, connOpts, c.handleFrame, c.onReconnected, log.WithField("scope", "conn"))
	c.conn.Events.BindGlobal(c.relayConnEvent)

	return c, nil
}

func (c *Client) authEndpointFor(t channel.Type) string {
	if t == channel.Presence && c.opts.UserAuthEndpoint != "" {
		return c.opts.UserAuthEndpoint
	}
	return c.opts.AuthEndpoint
}

func (c *Client) sendRaw(event, ch string, data any) error {
	return c.conn.Send(context.Background(), event, ch, data)
}

// Connect starts the connection. It returns once the I/O loop has started,
// not once the handshake completes; bind "state_change" to observe
// connected.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect requests a cooperative shutdown and waits for it to finish or
// ctx to expire.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.conn.Disconnect(ctx)
}

// State returns the connection's current FSM state.
func (c *Client) State() ConnState { return c.conn.State() }

// Subscribe subscribes to a channel, blocking on ctx for authorization if
// the channel requires it. Repeat calls for an already-subscribed channel
// return the same Channel without emitting a second subscribe frame.
func (c *Client) Subscribe(ctx context.Context, name string, f *Filter) (*Channel, error) {
	inner, err := c.channels.Subscribe(ctx, name, f)
	if err != nil {
		return nil, err
	}
	return &Channel{inner: inner, log: c.log}, nil
}

// Unsubscribe unsubscribes from a channel and drops its local state.
func (c *Client) Unsubscribe(name string) error {
	c.delta.Reset(name)
	return c.channels.Unsubscribe(name)
}

// Channel looks up an already-subscribed channel by name.
func (c *Client) Channel(name string) (*Channel, bool) {
	inner, ok := c.channels.Get(name)
	if !ok {
		return nil, false
	}
	return &Channel{inner: inner, log: c.log}, true
}

// Bind registers cb for every client-level event named name (connection
// events like "state_change" and "error"; per-channel message events are
// bound on the Channel returned by Subscribe).
func (c *Client) Bind(name string, cb Callback) {
	c.events.Bind(name, func(name, channel string, data []byte) {
		cb(Event{Name: name, Channel: channel, Data: data})
	})
}

// BindGlobal registers cb to receive every client-level event regardless of
// name.
func (c *Client) BindGlobal(cb Callback) {
	c.events.BindGlobal(func(name, channel string, data []byte) {
		cb(Event{Name: name, Channel: channel, Data: data})
	})
}

// Unbind removes every client-level callback registered for name.
func (c *Client) Unbind(name string) { c.events.Unbind(name) }

// UnbindGlobal removes only global client-level callbacks.
func (c *Client) UnbindGlobal() { c.events.UnbindGlobal() }

// UnbindAll removes every client-level callback, named and global.
func (c *Client) UnbindAll() { c.events.UnbindAll() }

// SendEvent sends a client-* event, valid only on private/presence channels
// the caller has already subscribed to.
func (c *Client) SendEvent(ctx context.Context, name, channelName string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return c.conn.Send(ctx, name, channelName, json.RawMessage(raw))
}

// GetDeltaStats returns a snapshot of the delta engine's counters.
func (c *Client) GetDeltaStats() DeltaStats { return statsFromEngine(c.delta.Stats()) }

// ResetDeltaStats zeroes every delta engine counter.
func (c *Client) ResetDeltaStats() { c.delta.ResetStats() }

// Bind registers cb for every event named name arriving on this channel.
func (ch *Channel) Bind(name string, cb Callback) {
	ch.inner.Events.Bind(name, func(name, channel string, data []byte) {
		cb(Event{Name: name, Channel: channel, Data: data})
	})
}

// BindGlobal registers cb to receive every event on this channel.
func (ch *Channel) BindGlobal(cb Callback) {
	ch.inner.Events.BindGlobal(func(name, channel string, data []byte) {
		cb(Event{Name: name, Channel: channel, Data: data})
	})
}

// Unbind removes every callback registered for name on this channel.
func (ch *Channel) Unbind(name string) { ch.inner.Events.Unbind(name) }

// UnbindGlobal removes only this channel's global callbacks.
func (ch *Channel) UnbindGlobal() { ch.inner.Events.UnbindGlobal() }

// UnbindAll removes every callback bound to this channel.
func (ch *Channel) UnbindAll() { ch.inner.Events.UnbindAll() }

// Name returns the channel's name.
func (ch *Channel) Name() string { return ch.inner.Name }

// Subscribed reports whether subscription_succeeded has been observed since
// the last (re)subscribe.
func (ch *Channel) Subscribed() bool { return ch.inner.Subscribed() }

// Members returns a snapshot of the presence roster; empty for non-presence
// channels.
func (ch *Channel) Members() []channel.Member { return ch.inner.Members() }

// MemberCount returns the current roster size.
func (ch *Channel) MemberCount() int { return ch.inner.MemberCount() }

// Me returns the local user's own presence entry (see channel.Channel.Me).
func (ch *Channel) Me() (channel.Member, bool) { return ch.inner.Me() }

func (c *Client) onDeltaStats(s delta.Stats) {
	if c.opts.DeltaDebug {
		c.log.WithFields(logrus.Fields{
			"total": s.TotalMessages, "delta": s.DeltaMessages, "full": s.FullMessages,
		}).Debug("delta engine stats")
	}
}

func (c *Client) onDeltaError(channelName string, err error) {
	c.log.WithField("channel", channelName).WithError(err).Warn("delta engine error")
	payload, _ := json.Marshal(map[string]string{"channel": channelName, "message": err.Error()})
	c.events.Dispatch(protocol.SystemPrefix+"delta_sync_error", channelName, payload)
	if inner, ok := c.channels.Get(channelName); ok {
		inner.Events.Dispatch(protocol.SystemPrefix+"delta_sync_error", channelName, payload)
	}
	_ = c.sendRaw(protocol.SystemPrefix+"delta_sync_error", "", map[string]any{"channel": channelName})
}

// relayConnEvent forwards state_change/error events from the connection
// manager's own registry onto the client-level one, so client.Bind("error",
// ...) and client.Bind("state_change", ...) see them without callers having
// to reach into the connection manager.
func (c *Client) relayConnEvent(name, channelName string, data []byte) {
	c.events.Dispatch(name, channelName, data)
}

// onReconnected is invoked by the connection manager once a handshake
// completes, before any user event is delivered on the new connection: it
// re-issues delta compression opt-in and every tracked subscription.
func (c *Client) onReconnected(ctx context.Context) error {
	if c.opts.EnableDeltaCompression && len(c.deltaAlgorithms) > 0 {
		if err := c.sendRaw(protocol.SystemPrefix+"enable_delta_compression", "", map[string]any{"algorithms": c.deltaAlgorithms}); err != nil {
			c.log.WithError(err).Warn("failed to send enable_delta_compression")
		}
	}
	return c.channels.Resubscribe(ctx)
}

// handleFrame is the connection manager's FrameHandler: every inbound frame
// that is not pusher:pong or pusher:error (both intercepted by the
// connection manager itself) arrives here.
func (c *Client) handleFrame(f protocol.Frame) {
	switch {
	case protocol.IsInternal(f.Event):
		c.channels.HandleInternal(f)
		return
	case f.Event == protocol.SystemPrefix+"delta_compression_enabled":
		c.handleDeltaCompressionEnabled(f)
		return
	case f.Event == protocol.SystemPrefix+"delta_cache_sync":
		c.handleDeltaCacheSync(f)
		return
	case f.Event == protocol.SystemPrefix+"delta":
		c.handleDelta(f)
		return
	case f.Event == protocol.SystemPrefix+"connection_established":
		// consumed by the connection manager's own handshake wait.
		return
	}
	c.handleUserEvent(f)
}

func (c *Client) handleDeltaCompressionEnabled(f protocol.Frame) {
	c.log.WithField("data", string(f.Data)).Debug("delta compression acknowledged")
	c.events.Dispatch(protocol.SystemPrefix+"delta_compression_enabled", "", f.Data)
}

type cacheSyncEntry struct {
	Content string `json:"content"`
	Seq     int64  `json:"seq"`
}

type cacheSyncMessage struct {
	Channel           string                      `json:"channel"`
	ConflationKey     string                      `json:"conflation_key"`
	MaxMessagesPerKey int                         `json:"max_messages_per_key"`
	States            map[string][]cacheSyncEntry `json:"states"`
}

func (c *Client) handleDeltaCacheSync(f protocol.Frame) {
	var msg cacheSyncMessage
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		c.log.WithError(err).WithField("channel", f.Channel).Warn("malformed delta_cache_sync frame")
		return
	}
	states := make(map[string][]delta.CachedMessage, len(msg.States))
	for key, entries := range msg.States {
		decoded := make([]delta.CachedMessage, 0, len(entries))
		for _, e := range entries {
			content, err := base64.StdEncoding.DecodeString(e.Content)
			if err != nil {
				c.log.WithError(err).WithField("channel", msg.Channel).Warn("malformed delta_cache_sync entry")
				continue
			}
			decoded = append(decoded, delta.CachedMessage{Content: content, Seq: e.Seq})
		}
		states[key] = decoded
	}
	c.delta.CacheSync(msg.Channel, msg.ConflationKey, msg.MaxMessagesPerKey, states)
}

type deltaWireMessage struct {
	Event         string `json:"event"`
	Delta         string `json:"delta"`
	Seq           int64  `json:"seq"`
	Algorithm     string `json:"algorithm,omitempty"`
	ConflationKey string `json:"conflation_key,omitempty"`
	BaseIndex     int    `json:"base_index,omitempty"`
}

func (c *Client) handleDelta(f protocol.Frame) {
	var wire deltaWireMessage
	if err := json.Unmarshal(f.Data, &wire); err != nil {
		c.log.WithError(err).WithField("channel", f.Channel).Warn("malformed delta frame")
		return
	}
	algorithm := wire.Algorithm
	if algorithm == "" {
		algorithm = "fossil"
	}
	deltaBytes, err := base64.StdEncoding.DecodeString(wire.Delta)
	if err != nil {
		c.onDeltaError(f.Channel, fmt.Errorf("%w: %v", delta.ErrDeltaDecode, err))
		return
	}

	inner, err := c.delta.HandleDelta(f.Channel, delta.DeltaMessage{
		Event:         wire.Event,
		Delta:         deltaBytes,
		Seq:           wire.Seq,
		Algorithm:     algorithm,
		ConflationKey: wire.ConflationKey,
		BaseIndex:     wire.BaseIndex,
	})
	if err != nil {
		// onDeltaError already ran via the engine's error callback.
		return
	}
	c.deliverToChannel(inner.Event, f.Channel, inner.Data)
}

func (c *Client) handleUserEvent(f protocol.Frame) {
	if f.Channel == "" {
		c.events.Dispatch(f.Event, "", f.Data)
		return
	}

	data := f.Data
	if f.Sequence != nil {
		canonical, err := c.delta.HandleFull(f.Channel, f)
		if err != nil {
			// countError/resync already ran inside the engine.
			return
		}
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(canonical, &envelope); err == nil {
			data = envelope.Data
		}
	}

	c.deliverToChannel(f.Event, f.Channel, data)
}

// deliverToChannel decrypts (if needed) and dispatches one event both on the
// owning Channel's registry and on the client-level registry.
func (c *Client) deliverToChannel(event, channelName string, data []byte) {
	inner, ok := c.channels.Get(channelName)
	if !ok {
		return
	}

	if inner.Type == channel.PrivateEncrypted && inner.SharedSecret != nil {
		plain, err := auth.Decrypt(data, inner.SharedSecret)
		if err != nil {
			c.log.WithError(err).WithField("channel", channelName).Warn("dropping undecryptable event")
			return
		}
		data = plain
	}

	inner.Events.Dispatch(event, channelName, data)
	c.events.Dispatch(event, channelName, data)
}
