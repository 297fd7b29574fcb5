// Package delta implements the FOSSIL and VCDIFF/Xdelta3 decoders, per-
// channel delta state, conflation caching, and sequence validation that
// together reconstruct full event payloads from server-sent deltas.
package delta

import (
	"errors"
	"fmt"
)

// ErrDeltaDecode is the sentinel wrapped by every decode-time failure:
// unknown algorithm, malformed delta bytes, or a checksum/magic mismatch.
// The engine's missing-base and sequence-gap errors wrap it too.
var ErrDeltaDecode = errors.New("delta: decode failed")

// ErrUnknownAlgorithm is returned when a delta frame names an algorithm the
// engine does not recognize.
var ErrUnknownAlgorithm = fmt.Errorf("%w: unknown algorithm", ErrDeltaDecode)

// ErrMissingBase is returned when a delta references a base that is not (or
// no longer) present in the channel's cache.
var ErrMissingBase = fmt.Errorf("%w: missing base", ErrDeltaDecode)

// ErrSequenceGap is returned when an incoming sequence number is not
// strictly greater than the last seen value for the channel.
var ErrSequenceGap = fmt.Errorf("%w: sequence gap", ErrDeltaDecode)
