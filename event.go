package pusher

import "encoding/json"

// Event is the payload delivered to a bound callback: the event name it was
// dispatched under, the channel it arrived on (empty for connection-level
// events), and its data.
type Event struct {
	Name    string
	Channel string
	Data    json.RawMessage
}

// Callback is a user-supplied handler bound with Bind, BindGlobal, or the
// per-channel equivalents. It must not block; the dispatching task waits for
// it to return before delivering the next event.
type Callback func(Event)
