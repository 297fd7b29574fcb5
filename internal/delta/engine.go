package delta

import (
	"fmt"
	"sync"

	"github.com/relaywire/pusherclient/internal/protocol"
)

// DefaultMaxMessagesPerKey is the cache cap applied when a channel does not
// override it via a cache-sync message.
const DefaultMaxMessagesPerKey = 10

// CachedMessage is the exact canonical base bytes the server used when
// computing a delta, plus the sequence number it was cached under.
type CachedMessage struct {
	Content []byte
	Seq     int64
}

// channelState is the per-channel bookkeeping the engine maintains: an
// optional conflation-key name, a bounded FIFO cache per conflation value
// (or a single legacy base when no conflation key is in play), the last
// sequence seen, and message counters.
type channelState struct {
	conflationKey string // empty when the channel is not in conflation mode
	cache         map[string][]CachedMessage
	legacyBase    *CachedMessage
	maxPerKey     int
	lastSeq       int64
	haveLastSeq   bool
	deltaCount    uint64
	fullCount     uint64
}

func newChannelState(maxPerKey int) *channelState {
	if maxPerKey <= 0 {
		maxPerKey = DefaultMaxMessagesPerKey
	}
	return &channelState{cache: make(map[string][]CachedMessage), maxPerKey: maxPerKey}
}

// Stats mirrors the process-global DeltaStats counters: monotonic except
// through an explicit Reset.
type Stats struct {
	TotalMessages           uint64
	DeltaMessages           uint64
	FullMessages            uint64
	BytesWithoutCompression uint64
	BytesWithCompression    uint64
	Errors                  uint64
}

// DeltaMessage is the parsed body of a pusher:delta frame's data field.
type DeltaMessage struct {
	Event         string
	Delta         []byte // decoded from base64 by the caller
	Seq           int64
	Algorithm     string
	ConflationKey string
	BaseIndex     int
}

// Engine reconstructs full event payloads from delta-encoded updates,
// keeping per-channel caches and sequence numbers consistent with the
// server (§4.5 of the specification).
type Engine struct {
	mu               sync.Mutex
	channels         map[string]*channelState
	defaultMaxPerKey int
	stats            Stats
	onStats          func(Stats)
	onError          func(channel string, err error)
}

// NewEngine constructs an Engine. defaultMaxPerKey is used for channels that
// have not received an explicit delta_cache_sync.
func NewEngine(defaultMaxPerKey int, onStats func(Stats), onError func(channel string, err error)) *Engine {
	if defaultMaxPerKey <= 0 {
		defaultMaxPerKey = DefaultMaxMessagesPerKey
	}
	return &Engine{
		channels:         make(map[string]*channelState),
		defaultMaxPerKey: defaultMaxPerKey,
		onStats:          onStats,
		onError:          onError,
	}
}

// Reset clears a channel's delta state, used on unsubscribe and resync.
func (e *Engine) Reset(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, channel)
}

// Stats returns a snapshot of the process-global counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetStats zeroes every counter.
func (e *Engine) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Stats{}
}

// CacheSync replaces channel's cache atomically in response to a
// pusher:delta_cache_sync frame.
func (e *Engine) CacheSync(channel, conflationKey string, maxMessagesPerKey int, states map[string][]CachedMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := newChannelState(maxMessagesPerKey)
	st.conflationKey = conflationKey
	for key, msgs := range states {
		capped := msgs
		if len(capped) > st.maxPerKey {
			capped = capped[len(capped)-st.maxPerKey:]
		}
		st.cache[key] = append([]CachedMessage(nil), capped...)
		if n := len(capped); n > 0 && capped[n-1].Seq > st.lastSeq {
			st.lastSeq = capped[n-1].Seq
			st.haveLastSeq = true
		}
	}
	e.channels[channel] = st
}

// HandleFull canonicalizes a server-originated full event, caches it as the
// base for future deltas, validates sequence monotonicity when a sequence
// number is present, and returns the canonical bytes.
func (e *Engine) HandleFull(channel string, f protocol.Frame) ([]byte, error) {
	canonical, err := protocol.Canonicalize(f)
	if err != nil {
		e.countError(channel, err)
		return nil, err
	}

	e.mu.Lock()

	st, ok := e.channels[channel]
	if !ok {
		st = newChannelState(e.defaultMaxPerKey)
		e.channels[channel] = st
	}

	if f.Sequence != nil {
		if err := checkSequence(st, *f.Sequence); err != nil {
			e.resetLocked(channel)
			e.mu.Unlock()
			e.countError(channel, err)
			return nil, err
		}
		st.lastSeq = *f.Sequence
		st.haveLastSeq = true
	}

	msg := CachedMessage{Content: canonical, Seq: 0}
	if f.Sequence != nil {
		msg.Seq = *f.Sequence
	}

	if f.ConflationKey != nil {
		st.conflationKey = *f.ConflationKey
		key := *f.ConflationKey
		st.cache[key] = appendCapped(st.cache[key], msg, st.maxPerKey)
	} else {
		st.legacyBase = &msg
	}
	st.fullCount++

	e.stats.TotalMessages++
	e.stats.FullMessages++
	e.stats.BytesWithoutCompression += uint64(len(canonical))
	e.stats.BytesWithCompression += uint64(len(canonical))
	e.reportStatsLocked()
	e.mu.Unlock()

	return canonical, nil
}

// ResyncError indicates the channel must resync: the caller is expected to
// send pusher:delta_sync_error for the channel.
type ResyncError struct {
	Channel string
	Err     error
}

func (e *ResyncError) Error() string { return fmt.Sprintf("delta: %s: resync required: %v", e.Channel, e.Err) }
func (e *ResyncError) Unwrap() error { return e.Err }

// HandleDelta applies a pusher:delta message: locates the channel state and
// base, decodes the delta, re-canonicalizes and re-caches the result, and
// returns the reconstructed frame (its Channel set to channel and its Event
// defaulting to msg.Event). The returned frame's Sequence is not set.
func (e *Engine) HandleDelta(channel string, msg DeltaMessage) (protocol.Frame, error) {
	e.mu.Lock()
	st, ok := e.channels[channel]
	if !ok {
		e.mu.Unlock()
		resyncErr := &ResyncError{Channel: channel, Err: ErrMissingBase}
		e.countError(channel, resyncErr)
		return protocol.Frame{}, resyncErr
	}

	if err := checkSequence(st, msg.Seq); err != nil {
		e.resetLocked(channel)
		resyncErr := &ResyncError{Channel: channel, Err: err}
		e.mu.Unlock()
		e.countError(channel, resyncErr)
		return protocol.Frame{}, resyncErr
	}

	base, err := selectBase(st, msg)
	if err != nil {
		e.resetLocked(channel)
		resyncErr := &ResyncError{Channel: channel, Err: err}
		e.mu.Unlock()
		e.countError(channel, resyncErr)
		return protocol.Frame{}, resyncErr
	}
	e.mu.Unlock()

	reconstructed, err := Decode(msg.Algorithm, base, msg.Delta)
	if err != nil {
		e.mu.Lock()
		e.resetLocked(channel)
		e.mu.Unlock()
		resyncErr := &ResyncError{Channel: channel, Err: err}
		e.countError(channel, resyncErr)
		return protocol.Frame{}, resyncErr
	}

	innerFrame, err := protocol.Decode(reconstructed)
	if err != nil {
		e.mu.Lock()
		e.resetLocked(channel)
		e.mu.Unlock()
		resyncErr := &ResyncError{Channel: channel, Err: err}
		e.countError(channel, resyncErr)
		return protocol.Frame{}, resyncErr
	}
	innerFrame.Channel = channel
	innerFrame.Event = valueOr(innerFrame.Event, msg.Event)

	canonical, err := protocol.Canonicalize(innerFrame)
	if err != nil {
		e.countError(channel, err)
		return protocol.Frame{}, err
	}

	e.mu.Lock()
	st.lastSeq = msg.Seq
	st.haveLastSeq = true
	newMsg := CachedMessage{Content: canonical, Seq: msg.Seq}
	if msg.ConflationKey != "" {
		st.conflationKey = msg.ConflationKey
		st.cache[msg.ConflationKey] = appendCapped(st.cache[msg.ConflationKey], newMsg, st.maxPerKey)
	} else {
		st.legacyBase = &newMsg
	}
	st.deltaCount++

	e.stats.TotalMessages++
	e.stats.DeltaMessages++
	e.stats.BytesWithCompression += uint64(len(msg.Delta))
	e.stats.BytesWithoutCompression += uint64(len(reconstructed))
	e.reportStatsLocked()
	e.mu.Unlock()

	return innerFrame, nil
}

func selectBase(st *channelState, msg DeltaMessage) ([]byte, error) {
	if msg.ConflationKey != "" {
		entries, ok := st.cache[msg.ConflationKey]
		if !ok || msg.BaseIndex < 0 || msg.BaseIndex >= len(entries) {
			return nil, ErrMissingBase
		}
		return entries[msg.BaseIndex].Content, nil
	}
	if st.legacyBase == nil {
		return nil, ErrMissingBase
	}
	return st.legacyBase.Content, nil
}

func checkSequence(st *channelState, seq int64) error {
	if !st.haveLastSeq {
		return nil
	}
	if seq <= st.lastSeq {
		return ErrSequenceGap
	}
	return nil
}

func appendCapped(entries []CachedMessage, msg CachedMessage, cap int) []CachedMessage {
	entries = append(entries, msg)
	if len(entries) > cap {
		entries = entries[len(entries)-cap:]
	}
	return entries
}

func (e *Engine) resetLocked(channel string) {
	delete(e.channels, channel)
}

func (e *Engine) countError(channel string, err error) {
	e.mu.Lock()
	e.stats.Errors++
	e.mu.Unlock()
	if e.onError != nil {
		e.onError(channel, err)
	}
}

func (e *Engine) reportStatsLocked() {
	if e.onStats != nil {
		snapshot := e.stats
		e.onStats(snapshot)
	}
}

func valueOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
