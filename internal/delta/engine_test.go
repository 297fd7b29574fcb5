package delta

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/relaywire/pusherclient/internal/protocol"
)

func fullFrame(t *testing.T, channel string, seq int64, data string) protocol.Frame {
	t.Helper()
	f, err := protocol.Decode([]byte(`{"event":"px","channel":"` + channel + `","data":` + jsonQuote(data) + `,"sequence":` + itoa(seq) + `}`))
	if err != nil {
		t.Fatalf("protocol.Decode: %v", err)
	}
	return f
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestEngineFullThenDeltaFossilRoundTrip(t *testing.T) {
	t.Parallel()

	e := NewEngine(10, nil, nil)

	full := fullFrame(t, "mkt", 1, `{"s":1,"p":100}`)
	fullCanonical, err := e.HandleFull("mkt", full)
	if err != nil {
		t.Fatalf("HandleFull: %v", err)
	}

	nextFull := fullFrame(t, "mkt", 2, `{"s":2,"p":101}`)
	nextCanonical, err := protocol.Canonicalize(nextFull)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}

	// An insert-only delta reconstructs the target without reading the base
	// at all; this still exercises the full engine wiring (base lookup,
	// decode dispatch, re-canonicalization, sequence and stats updates).
	fossilDelta := encodeFossilInsertDelta(nextCanonical)

	reconstructed, err := e.HandleDelta("mkt", DeltaMessage{
		Event:     "px",
		Delta:     fossilDelta,
		Seq:       2,
		Algorithm: "fossil",
	})
	if err != nil {
		t.Fatalf("HandleDelta: %v", err)
	}

	var data map[string]any
	if err := json.Unmarshal(reconstructed.Data, &data); err != nil {
		t.Fatalf("unmarshal reconstructed data: %v", err)
	}
	if data["s"].(float64) != 2 || data["p"].(float64) != 101 {
		t.Fatalf("reconstructed data mismatch: %+v", data)
	}

	stats := e.Stats()
	if stats.FullMessages != 1 || stats.DeltaMessages != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	// An insert-only delta carries the whole target plus its header, so here
	// the compressed side is the larger one: each side adds the full message
	// once, then the delta's own size or the reconstructed size.
	wantWith := uint64(len(fullCanonical) + len(fossilDelta))
	wantWithout := uint64(len(fullCanonical) + len(nextCanonical))
	if stats.BytesWithCompression != wantWith || stats.BytesWithoutCompression != wantWithout {
		t.Fatalf("expected bytes with/without compression %d/%d, got %+v", wantWith, wantWithout, stats)
	}
}

func TestEngineSequenceGapTriggersResync(t *testing.T) {
	t.Parallel()

	e := NewEngine(10, nil, nil)

	full := fullFrame(t, "mkt", 5, `{"s":5}`)
	if _, err := e.HandleFull("mkt", full); err != nil {
		t.Fatalf("HandleFull: %v", err)
	}

	// Same sequence again (not strictly increasing) must resync.
	_, err := e.HandleDelta("mkt", DeltaMessage{Seq: 5, Algorithm: "fossil", Delta: []byte("0\n0;")})
	var resync *ResyncError
	if !errors.As(err, &resync) {
		t.Fatalf("expected ResyncError, got %v", err)
	}

	// Channel state must have been cleared: even a fresh full message with
	// the same sequence number is now accepted without resync.
	if _, err := e.HandleFull("mkt", full); err != nil {
		t.Fatalf("HandleFull after resync: %v", err)
	}
}

func TestEngineMissingChannelResyncsWithoutCrashing(t *testing.T) {
	t.Parallel()

	e := NewEngine(10, nil, nil)
	_, err := e.HandleDelta("unknown", DeltaMessage{Seq: 1, Algorithm: "fossil"})
	var resync *ResyncError
	if !errors.As(err, &resync) {
		t.Fatalf("expected ResyncError for unknown channel, got %v", err)
	}
}

func TestEngineUnknownAlgorithmYieldsDecodeErrorNotPanic(t *testing.T) {
	t.Parallel()

	e := NewEngine(10, nil, nil)
	full := fullFrame(t, "mkt", 1, `{"s":1}`)
	if _, err := e.HandleFull("mkt", full); err != nil {
		t.Fatalf("HandleFull: %v", err)
	}

	_, err := e.HandleDelta("mkt", DeltaMessage{Seq: 2, Algorithm: "unknown-algo", Delta: []byte("x")})
	var resync *ResyncError
	if !errors.As(err, &resync) {
		t.Fatalf("expected ResyncError wrapping decode failure, got %v", err)
	}
	if !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm in chain, got %v", err)
	}
}

func TestEngineConflationCacheFIFOEviction(t *testing.T) {
	t.Parallel()

	e := NewEngine(2, nil, nil)

	for i := int64(1); i <= 3; i++ {
		raw := []byte(`{"event":"px","channel":"mkt","data":{"s":` + itoa(i) + `},"sequence":` + itoa(i) + `,"conflation_key":"BTC"}`)
		f, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, err := e.HandleFull("mkt", f); err != nil {
			t.Fatalf("HandleFull %d: %v", i, err)
		}
	}

	st := e.channels["mkt"]
	entries := st.cache["BTC"]
	if len(entries) != 2 {
		t.Fatalf("expected cache capped at 2, got %d", len(entries))
	}
	if entries[0].Seq != 2 || entries[1].Seq != 3 {
		t.Fatalf("expected FIFO eviction to keep seq 2,3; got %+v", entries)
	}
}

func TestEngineMaxMessagesPerKeyOne(t *testing.T) {
	t.Parallel()

	e := NewEngine(1, nil, nil)

	raw1 := []byte(`{"event":"px","channel":"mkt","data":{"s":1},"sequence":1,"conflation_key":"BTC"}`)
	f1, err := protocol.Decode(raw1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := e.HandleFull("mkt", f1); err != nil {
		t.Fatalf("HandleFull: %v", err)
	}

	raw2 := []byte(`{"event":"px","channel":"mkt","data":{"s":2},"sequence":2,"conflation_key":"BTC"}`)
	f2, err := protocol.Decode(raw2)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := e.HandleFull("mkt", f2); err != nil {
		t.Fatalf("HandleFull: %v", err)
	}

	st := e.channels["mkt"]
	if len(st.cache["BTC"]) != 1 || st.cache["BTC"][0].Seq != 2 {
		t.Fatalf("expected cache to hold only the latest message, got %+v", st.cache["BTC"])
	}

	// A delta whose base_index points past the single remaining entry (at an
	// evicted earlier base) must resync, not silently apply against the
	// wrong base.
	_, err = e.HandleDelta("mkt", DeltaMessage{
		Seq:           3,
		ConflationKey: "BTC",
		BaseIndex:     5, // out of range against a single-entry cache
		Algorithm:     "fossil",
		Delta:         []byte("0\n0;"),
	})
	var resync *ResyncError
	if !errors.As(err, &resync) {
		t.Fatalf("expected ResyncError for out-of-range base_index, got %v", err)
	}
}

func TestEngineCacheSyncReplacesState(t *testing.T) {
	t.Parallel()

	e := NewEngine(10, nil, nil)
	e.CacheSync("mkt", "BTC", 5, map[string][]CachedMessage{
		"BTC": {{Content: []byte(`{"event":"px","channel":"mkt","data":{"s":1}}`), Seq: 10}},
	})

	st := e.channels["mkt"]
	if st.lastSeq != 10 {
		t.Fatalf("expected lastSeq 10 after cache sync, got %d", st.lastSeq)
	}
	if len(st.cache["BTC"]) != 1 {
		t.Fatalf("expected synced cache entry, got %+v", st.cache)
	}
}

func TestResetStatsZeroesCounters(t *testing.T) {
	t.Parallel()

	e := NewEngine(10, nil, nil)
	full := fullFrame(t, "mkt", 1, `{"s":1}`)
	if _, err := e.HandleFull("mkt", full); err != nil {
		t.Fatalf("HandleFull: %v", err)
	}
	if e.Stats().TotalMessages == 0 {
		t.Fatal("expected nonzero stats before reset")
	}

	e.ResetStats()
	if got := e.Stats(); got != (Stats{}) {
		t.Fatalf("expected zeroed stats, got %+v", got)
	}
}
