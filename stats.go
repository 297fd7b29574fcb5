package pusher

import "github.com/relaywire/pusherclient/internal/delta"

// DeltaStats is a point-in-time snapshot of the delta engine's counters,
// monotonic except across an explicit ResetDeltaStats.
type DeltaStats struct {
	TotalMessages           uint64
	DeltaMessages           uint64
	FullMessages            uint64
	BytesWithoutCompression uint64
	BytesWithCompression    uint64
	Errors                  uint64
}

func statsFromEngine(s delta.Stats) DeltaStats {
	return DeltaStats{
		TotalMessages:           s.TotalMessages,
		DeltaMessages:           s.DeltaMessages,
		FullMessages:            s.FullMessages,
		BytesWithoutCompression: s.BytesWithoutCompression,
		BytesWithCompression:    s.BytesWithCompression,
		Errors:                  s.Errors,
	}
}

// SavedBytes returns the number of bytes delta compression avoided
// transmitting relative to sending every message in full, zero if negative.
func (s DeltaStats) SavedBytes() uint64 {
	if s.BytesWithoutCompression <= s.BytesWithCompression {
		return 0
	}
	return s.BytesWithoutCompression - s.BytesWithCompression
}
