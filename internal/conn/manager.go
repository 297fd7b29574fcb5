// Package conn implements the connection manager (C8): the FSM, handshake,
// activity monitoring, exponential-backoff reconnect, and the cooperative
// single-goroutine I/O loop described in the specification's concurrency
// model.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/relaywire/pusherclient/internal/dispatch"
	"github.com/relaywire/pusherclient/internal/protocol"
	"github.com/relaywire/pusherclient/internal/wstransport"
)

// Dialer opens a fresh transport for one connection attempt.
type Dialer func(ctx context.Context) (wstransport.Transport, error)

// FrameHandler receives every inbound frame, system and user alike; the
// caller (the client façade) is responsible for further routing.
type FrameHandler func(f protocol.Frame)

// ResubscribeFunc is invoked once the connection is up and the socket_id is
// known, to re-issue every intent-subscribed channel. A returned error is
// dispatched as an "error" event on Manager.Events and does not prevent
// Connected.
type ResubscribeFunc func(ctx context.Context) error

// Options configures the reconnect policy and heartbeat windows (§4.8,
// §4.9's configuration table).
type Options struct {
	ActivityTimeout         time.Duration
	PongTimeout             time.Duration
	ReconnectionDelay       time.Duration
	MaxReconnectionDelay    time.Duration
	MaxReconnectionAttempts int // 0 = unlimited
	DisableReconnection     bool
	SendRateLimit           *rate.Limiter // nil = unthrottled (matches NoRateLimit())
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ActivityTimeout:      120 * time.Second,
		PongTimeout:          30 * time.Second,
		ReconnectionDelay:    time.Second,
		MaxReconnectionDelay: 30 * time.Second,
	}
}

// Manager drives one client's connection lifecycle.
type Manager struct {
	dialer      Dialer
	opts        Options
	log         *logrus.Entry
	onFrame     FrameHandler
	resubscribe ResubscribeFunc

	Events *dispatch.Registry // state-change and error events, dispatched by name

	mu        sync.Mutex
	state     State
	socketID  string
	transport wstransport.Transport
	queue     [][]byte
	attempt   int

	stopCh   chan struct{}
	stopped  bool
	loopDone chan struct{}
}

// New constructs a Manager in the Initialized state.
func New(dialer Dialer, opts Options, onFrame FrameHandler, resubscribe ResubscribeFunc, log *logrus.Entry) *Manager {
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = DefaultOptions().ActivityTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultOptions().PongTimeout
	}
	if opts.ReconnectionDelay <= 0 {
		opts.ReconnectionDelay = DefaultOptions().ReconnectionDelay
	}
	if opts.MaxReconnectionDelay <= 0 {
		opts.MaxReconnectionDelay = DefaultOptions().MaxReconnectionDelay
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel + 1)
		log = logrus.NewEntry(l)
	}
	return &Manager{
		dialer:      dialer,
		opts:        opts,
		log:         log,
		onFrame:     onFrame,
		resubscribe: resubscribe,
		Events:      dispatch.New(log),
		state:       Initialized,
	}
}

// State returns the current FSM state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SocketID returns the socket id from the last successful handshake, empty
// if never connected.
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev == s {
		return
	}
	m.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("connection state transition")
	m.Events.Dispatch("state_change", "", []byte(fmt.Sprintf(`{"previous":%q,"current":%q}`, prev, s)))
}

// Connect starts the I/O loop. It is asynchronous: it returns once the loop
// goroutine has started, not once the handshake completes; callers observe
// readiness via State() or by binding "state_change".
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Initialized && m.state != Disconnected && m.state != Failed {
		m.mu.Unlock()
		return nil
	}
	m.stopCh = make(chan struct{})
	m.loopDone = make(chan struct{})
	m.stopped = false
	m.attempt = 0
	m.mu.Unlock()

	m.setState(Connecting)
	go m.runLoop(ctx)
	return nil
}

// Disconnect requests a cooperative shutdown and waits for the loop to
// finish or ctx to expire, whichever comes first.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Disconnected || m.state == Initialized || m.state == Failed {
		m.mu.Unlock()
		return nil
	}
	stopCh := m.stopCh
	loopDone := m.loopDone
	alreadyStopped := m.stopped
	m.stopped = true
	m.mu.Unlock()

	m.setState(Disconnecting)

	if stopCh != nil && !alreadyStopped {
		close(stopCh)
	}

	if loopDone == nil {
		return nil
	}
	select {
	case <-loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues a frame. If Connected the queue is flushed immediately
// (subject to SendRateLimit); otherwise the frame waits for the next
// successful connection.
func (m *Manager) Send(ctx context.Context, event, channel string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.Frame{Event: event, Channel: channel, Data: raw})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.queue = append(m.queue, frame)
	connected := m.state == Connected
	m.mu.Unlock()

	if connected {
		m.flushQueue(ctx)
	}
	return nil
}

func (m *Manager) flushQueue(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.transport == nil {
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		transport := m.transport
		m.mu.Unlock()

		if m.opts.SendRateLimit != nil {
			if err := m.opts.SendRateLimit.Wait(ctx); err != nil {
				return
			}
		}
		if err := transport.Send(ctx, next); err != nil {
			m.log.WithError(err).Warn("send failed, will retry after reconnect")
			return
		}

		m.mu.Lock()
		if len(m.queue) > 0 {
			m.queue = m.queue[1:]
		}
		m.mu.Unlock()
	}
}

// ErrHandshakeFailed indicates the server did not send
// pusher:connection_established before the handshake deadline.
var ErrHandshakeFailed = errors.New("conn: handshake failed")

func (m *Manager) runLoop(ctx context.Context) {
	defer close(m.loopDone)

	for {
		m.mu.Lock()
		stopCh := m.stopCh
		m.mu.Unlock()

		select {
		case <-stopCh:
			m.teardown(ctx)
			m.setState(Disconnected)
			return
		default:
		}

		transport, err := m.dialer(ctx)
		if err != nil {
			m.setState(Unavailable)
			if !m.scheduleRetryOrFail(stopCh) {
				return
			}
			continue
		}

		inbound := make(chan []byte, 32)
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				data, err := transport.Recv(context.Background())
				if err != nil {
					return
				}
				select {
				case inbound <- data:
				case <-readerDone:
					return
				}
			}
		}()

		established, ok := m.awaitHandshake(inbound, stopCh)
		if !ok {
			_ = transport.Close()
			m.Events.Dispatch("error", "", []byte(fmt.Sprintf(`{"message":%q}`, ErrHandshakeFailed.Error())))
			m.setState(Unavailable)
			if !m.scheduleRetryOrFail(stopCh) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.transport = transport
		m.socketID = established.socketID
		m.attempt = 0
		m.mu.Unlock()

		m.setState(Connected)
		m.flushQueue(ctx)

		if m.resubscribe != nil {
			if err := m.resubscribe(ctx); err != nil {
				m.log.WithError(err).Warn("resubscribe after connect reported errors")
				m.Events.Dispatch("error", "", []byte(fmt.Sprintf(`{"message":%q}`, err.Error())))
			}
		}

		reason := m.serve(ctx, inbound, readerDone, stopCh, established.activityTimeout)

		if reason == reasonStop {
			// Cooperative disconnect: flush best-effort while the transport
			// is still open, then close it.
			m.teardown(ctx)
			m.setState(Disconnected)
			return
		}

		_ = transport.Close()
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()

		m.setState(Unavailable)
		if !m.scheduleRetryOrFail(stopCh) {
			return
		}
	}
}

type handshakeResult struct {
	socketID        string
	activityTimeout time.Duration
}

func (m *Manager) awaitHandshake(inbound <-chan []byte, stopCh <-chan struct{}) (handshakeResult, bool) {
	timer := time.NewTimer(m.opts.ActivityTimeout)
	defer timer.Stop()

	for {
		select {
		case raw := <-inbound:
			f, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			if f.Event != protocol.SystemPrefix+"connection_established" {
				continue
			}
			var body struct {
				SocketID        string `json:"socket_id"`
				ActivityTimeout int64  `json:"activity_timeout"`
			}
			if err := json.Unmarshal(f.Data, &body); err != nil {
				return handshakeResult{}, false
			}
			at := m.opts.ActivityTimeout
			if body.ActivityTimeout > 0 {
				at = time.Duration(body.ActivityTimeout) * time.Second
			}
			return handshakeResult{socketID: body.SocketID, activityTimeout: at}, true
		case <-timer.C:
			return handshakeResult{}, false
		case <-stopCh:
			return handshakeResult{}, false
		}
	}
}

type serveReason int

const (
	reasonStop serveReason = iota
	reasonUnavailable
)

func (m *Manager) serve(ctx context.Context, inbound <-chan []byte, readerDone, stopCh <-chan struct{}, activityTimeout time.Duration) serveReason {
	activityTimer := time.NewTimer(activityTimeout)
	defer activityTimer.Stop()
	var pongTimer *time.Timer

	for {
		select {
		case raw := <-inbound:
			if !activityTimer.Stop() {
				select {
				case <-activityTimer.C:
				default:
				}
			}
			activityTimer.Reset(activityTimeout)
			if pongTimer != nil {
				pongTimer.Stop()
				pongTimer = nil
			}

			f, err := protocol.Decode(raw)
			if err != nil {
				m.log.WithError(err).Warn("dropping malformed frame")
				continue
			}
			m.handleFrame(f)

		case <-activityTimer.C:
			m.sendPing(ctx)
			pongTimer = time.NewTimer(m.opts.PongTimeout)

		case <-pongTimerC(pongTimer):
			return reasonUnavailable

		case <-readerDone:
			// The transport's Recv failed: the connection is gone.
			return reasonUnavailable

		case <-stopCh:
			return reasonStop

		case <-ctx.Done():
			return reasonStop
		}
	}
}

func pongTimerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *Manager) handleFrame(f protocol.Frame) {
	switch f.Event {
	case protocol.SystemPrefix + "pong":
		return
	case protocol.SystemPrefix + "error":
		m.Events.Dispatch("error", f.Channel, f.Data)
		return
	}
	if m.onFrame != nil {
		m.onFrame(f)
	}
}

func (m *Manager) sendPing(ctx context.Context) {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return
	}
	frame, err := protocol.Encode(protocol.Frame{Event: protocol.SystemPrefix + "ping"})
	if err != nil {
		return
	}
	_ = transport.Send(ctx, frame)
}

// scheduleRetryOrFail waits out the backoff delay (or observes stopCh) and
// reports whether the loop should continue reconnecting.
func (m *Manager) scheduleRetryOrFail(stopCh <-chan struct{}) bool {
	if m.opts.DisableReconnection {
		m.setState(Failed)
		return false
	}

	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	if m.opts.MaxReconnectionAttempts > 0 && attempt > m.opts.MaxReconnectionAttempts {
		m.setState(Failed)
		return false
	}

	delay := backoff(attempt, m.opts.ReconnectionDelay, m.opts.MaxReconnectionDelay)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		m.setState(Connecting)
		return true
	case <-stopCh:
		return false
	}
}

func (m *Manager) teardown(ctx context.Context) {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport == nil {
		return
	}
	m.flushQueue(ctx)

	m.mu.Lock()
	m.transport = nil
	m.mu.Unlock()
	_ = transport.Close()
}

// AggregateErrors is exposed for the façade to build a single reported
// Connection error out of several concurrent resubscribe failures,
// matching the pack's aggregation idiom for multi-cause failures.
func AggregateErrors(errs ...error) error {
	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	return merr.ErrorOrNil()
}
