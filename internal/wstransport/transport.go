// Package wstransport implements the client-side duplex transport (C10):
// a minimal interface the connection manager drives, plus the default
// implementation backed by gorilla/websocket.
package wstransport

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send/Recv once the transport has been closed.
var ErrClosed = errors.New("wstransport: closed")

// Transport is the duplex byte-message channel the connection manager
// reads frames from and writes frames to. Recv blocks until a message
// arrives, ctx is done, or the transport closes.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// GorillaTransport implements Transport over a gorilla/websocket connection,
// generalizing the teacher's server-side Client write pump into a
// symmetric duplex client transport (one upstream connection, not many
// downstream ones, so a single connection needs no per-direction pump
// goroutine of its own — the connection manager's I/O loop plays that role).
type GorillaTransport struct {
	conn *websocket.Conn
}

// Dial opens a websocket connection to url with the given per-attempt
// handshake timeout.
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration) (*GorillaTransport, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &GorillaTransport{conn: conn}, nil
}

// NewGorillaTransport wraps an already-established connection, primarily
// for tests that need to control the handshake themselves.
func NewGorillaTransport(conn *websocket.Conn) *GorillaTransport {
	return &GorillaTransport{conn: conn}
}

// Send writes data as a single text message, honoring ctx's deadline.
func (t *GorillaTransport) Send(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv reads the next message, honoring ctx's deadline.
func (t *GorillaTransport) Recv(ctx context.Context) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close sends a close frame best-effort and closes the underlying socket.
func (t *GorillaTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
