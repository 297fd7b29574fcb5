// Package dispatch implements the two-level callback registry: per-event
// and global callbacks, invoked synchronously and in registration order.
// A callback that panics is caught and logged; it never suppresses later
// callbacks or future events.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrCallback is the sentinel wrapped into the log entry for a callback that
// panicked; per the error taxonomy such failures are caught and logged, and
// never propagated to the caller or surfaced as a dispatched event.
var ErrCallback = errors.New("dispatch: callback panicked")

// Callback receives a delivered event's name, channel, and data payload.
// Named callbacks bound with Bind already know name from the Bind call, but
// still receive it so the same function value can be shared across binds;
// global callbacks bound with BindGlobal rely on it to tell events apart.
type Callback func(name, channel string, data []byte)

// Registry is a concurrency-safe, ordered callback registry. It must never
// be held locked while invoking a callback — a callback may legally re-enter
// to bind or unbind — so Dispatch takes a snapshot before calling out.
type Registry struct {
	mu     sync.Mutex
	byName map[string][]Callback
	global []Callback
	log    *logrus.Entry
}

// New constructs an empty Registry. log may be nil, in which case a
// disabled entry is used (no output).
func New(log *logrus.Entry) *Registry {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel + 1) // effectively silent
		log = logrus.NewEntry(l)
	}
	return &Registry{byName: make(map[string][]Callback), log: log}
}

// Bind registers cb for event name, appended after any existing callbacks.
func (r *Registry) Bind(name string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = append(r.byName[name], cb)
}

// BindGlobal registers cb to receive every dispatched event.
func (r *Registry) BindGlobal(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, cb)
}

// Unbind removes every callback registered for name.
func (r *Registry) Unbind(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
}

// UnbindGlobal removes only global callbacks.
func (r *Registry) UnbindGlobal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = nil
}

// UnbindAll removes every callback, named and global.
func (r *Registry) UnbindAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string][]Callback)
	r.global = nil
}

// Dispatch invokes every callback bound to name, then every global callback,
// each in registration order. Panics are recovered, logged, and do not
// interrupt the remaining callbacks.
func (r *Registry) Dispatch(name, channel string, data []byte) {
	r.mu.Lock()
	named := append([]Callback(nil), r.byName[name]...)
	global := append([]Callback(nil), r.global...)
	r.mu.Unlock()

	for _, cb := range named {
		r.invoke(cb, name, channel, data)
	}
	for _, cb := range global {
		r.invoke(cb, name, channel, data)
	}
}

func (r *Registry) invoke(cb Callback, name, channel string, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithFields(logrus.Fields{
				"event":   name,
				"channel": channel,
			}).WithError(fmt.Errorf("%w: %v", ErrCallback, rec)).Error("callback panicked")
		}
	}()
	cb(name, channel, data)
}
