package pusher

import "github.com/relaywire/pusherclient/internal/conn"

// ConnState is the connection FSM state returned by Client.State.
type ConnState = conn.State

// The full set of states Client.State can return.
const (
	StateInitialized   = conn.Initialized
	StateConnecting    = conn.Connecting
	StateConnected     = conn.Connected
	StateDisconnecting = conn.Disconnecting
	StateDisconnected  = conn.Disconnected
	StateUnavailable   = conn.Unavailable
	StateFailed        = conn.Failed
)
