// Package transporttest provides an in-memory Transport double, mirroring
// the teacher's own preference for testing through the public interface
// rather than mocking a networking library.
package transporttest

import (
	"context"
	"sync"

	"github.com/relaywire/pusherclient/internal/wstransport"
)

// Fake is a wstransport.Transport backed by two channels: inbox carries
// server-to-client frames a test injects with Push, and Outbound receives
// every frame the client Sends so a test can assert on them.
type Fake struct {
	Outbound chan []byte

	mu     sync.Mutex
	inbox  chan []byte
	closed bool
}

// NewFake constructs a Fake with buffered channels large enough for
// ordinary test scenarios.
func NewFake() *Fake {
	return &Fake{
		Outbound: make(chan []byte, 64),
		inbox:    make(chan []byte, 64),
	}
}

var _ wstransport.Transport = (*Fake)(nil)

// Push injects a server-to-client frame, delivered on the next Recv.
func (f *Fake) Push(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.inbox <- data
}

// Send records data on Outbound for the test to inspect.
func (f *Fake) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return wstransport.ErrClosed
	}
	select {
	case f.Outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until a pushed frame is available, ctx is done, or the fake
// is closed.
func (f *Fake) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return nil, wstransport.ErrClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the fake closed; pending and future Recv calls observe
// ErrClosed.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbox)
	return nil
}
