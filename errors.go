package pusher

import (
	"errors"

	"github.com/relaywire/pusherclient/internal/auth"
	"github.com/relaywire/pusherclient/internal/delta"
	"github.com/relaywire/pusherclient/internal/dispatch"
)

// The library's errors fall into seven categories. Configuration,
// Connection and Protocol are declared here; Authorization, Decryption, and DeltaDecode
// re-export the sentinels their owning package already wraps every failure
// in that category with, so errors.Is works the same way whether a caller
// caught the error at the façade or dug into an internal package during
// testing. Callback re-exports the dispatcher's own sentinel for the same
// reason.
var (
	// ErrConfiguration marks an invalid Options value, surfaced at
	// construction time by NewClient.
	ErrConfiguration = errors.New("pusher: invalid configuration")

	// ErrConnection marks a handshake, heartbeat, or transport I/O failure.
	ErrConnection = errors.New("pusher: connection failed")

	// ErrProtocol marks a malformed frame or unexpected system event.
	ErrProtocol = errors.New("pusher: protocol violation")

	// ErrAuthorization marks a channel authorization failure: a non-2xx
	// response, or a response missing required fields.
	ErrAuthorization = auth.ErrAuthorization

	// ErrDecryption marks a failure to authenticate or decrypt an
	// encrypted-channel payload. The event is dropped; the connection is
	// unaffected.
	ErrDecryption = auth.ErrDecryption

	// ErrDeltaDecode marks a delta engine failure: a sequence gap, a missing
	// base, or a decoder error. The channel's delta state is cleared and a
	// resync is requested.
	ErrDeltaDecode = delta.ErrDeltaDecode

	// ErrCallback marks a user callback that panicked. It is only ever seen
	// in log output; per the propagation policy it is never returned from a
	// public method or dispatched as an event.
	ErrCallback = dispatch.ErrCallback
)
