package protocol

import "encoding/json"

// deltaMetadataFields are stripped from the data object before a message is
// cached as a delta base. The server computes deltas against the envelope
// with these fields removed; leaving any of them in diverges the base by
// exactly those bytes and every subsequent delta fails to apply.
var deltaMetadataFields = []string{
	"__delta_seq",
	"__delta_full",
	"__delta_base_seq",
	"__conflation_key",
}

// canonicalEnvelope is the exact shape, in the exact field order, that the
// server used to compute deltas.
type canonicalEnvelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Canonicalize produces the canonical base bytes for f: {event, channel,
// data} with delta metadata stripped from data. The result is what must be
// stored as a CachedMessage and what a decoded delta must reproduce.
func Canonicalize(f Frame) ([]byte, error) {
	data, err := stripDeltaMetadata(f.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(canonicalEnvelope{
		Event:   f.Event,
		Channel: f.Channel,
		Data:    data,
	})
}

func stripDeltaMetadata(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return data, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		// data is not a JSON object (e.g. a bare string or number); nothing
		// to strip.
		return data, nil
	}
	changed := false
	for _, field := range deltaMetadataFields {
		if _, ok := m[field]; ok {
			delete(m, field)
			changed = true
		}
	}
	if !changed {
		return data, nil
	}
	return json.Marshal(m)
}
