// Package protocol implements the Pusher Channels v7 wire codec: parsing and
// emitting frames, and canonicalizing message envelopes for the delta engine.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	// SystemPrefix marks frames consumed by the connection manager.
	SystemPrefix = "pusher:"
	// InternalPrefix marks frames originating from the server for the channel manager.
	InternalPrefix = "pusher_internal:"
	// ClientPrefix marks client-originated events, valid only on private/presence channels.
	ClientPrefix = "client-"
)

// ErrInvalidFrame is returned when a raw frame cannot be decoded.
var ErrInvalidFrame = errors.New("protocol: invalid frame")

// Frame is one JSON object exchanged over the transport.
//
//	{event: string, channel?: string, data: string | object}
//
// Field order is significant: Encode emits frames in this order, and the
// same event, channel, data order is pinned by canonicalEnvelope, which
// Canonicalize uses to produce the base message the delta engine caches.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Delta metadata may ride on the envelope instead of inside Data.
	Sequence      *int64  `json:"sequence,omitempty"`
	ConflationKey *string `json:"conflation_key,omitempty"`
	BaseIndex     *int    `json:"base_index,omitempty"`
	Algorithm     *string `json:"algorithm,omitempty"`
}

// Decode parses a raw wire frame. The data field is accepted both as a JSON
// string (the canonical wire shape) and as a nested JSON object, since some
// servers send it unencoded.
func Decode(raw []byte) (Frame, error) {
	var wire struct {
		Event         string          `json:"event"`
		Channel       string          `json:"channel"`
		Data          json.RawMessage `json:"data"`
		Sequence      *int64          `json:"sequence"`
		ConflationKey *string         `json:"conflation_key"`
		BaseIndex     *int            `json:"base_index"`
		Algorithm     *string         `json:"algorithm"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Frame{}, errors.Join(ErrInvalidFrame, err)
	}
	if wire.Event == "" {
		return Frame{}, ErrInvalidFrame
	}

	data, err := normalizeData(wire.Data)
	if err != nil {
		return Frame{}, errors.Join(ErrInvalidFrame, err)
	}

	f := Frame{
		Event:   wire.Event,
		Channel: wire.Channel,
		Data:    data,
	}

	// Auxiliary fields may also be embedded in the data object; envelope
	// values win when both are present, but a value on either side must be
	// preserved (see spec: dropping them silently breaks delta application).
	f.Sequence = firstNonNilInt64(wire.Sequence, extractInt64(data, "sequence"))
	f.ConflationKey = firstNonNilString(wire.ConflationKey, extractString(data, "conflation_key"))
	f.BaseIndex = firstNonNilInt(wire.BaseIndex, extractInt(data, "base_index"))
	f.Algorithm = firstNonNilString(wire.Algorithm, extractString(data, "algorithm"))

	return f, nil
}

// Encode serializes a Frame back into a wire-ready JSON object. Data is
// always emitted as a JSON-encoded string, matching the canonical wire shape.
func Encode(f Frame) ([]byte, error) {
	dataStr := ""
	if len(f.Data) > 0 {
		dataStr = string(f.Data)
	}
	wire := struct {
		Event   string `json:"event"`
		Channel string `json:"channel,omitempty"`
		Data    string `json:"data,omitempty"`
	}{
		Event:   f.Event,
		Channel: f.Channel,
		Data:    dataStr,
	}
	return json.Marshal(wire)
}

// IsSystem reports whether the event name is a pusher: system frame.
func IsSystem(event string) bool { return strings.HasPrefix(event, SystemPrefix) }

// IsInternal reports whether the event name is a pusher_internal: frame.
func IsInternal(event string) bool { return strings.HasPrefix(event, InternalPrefix) }

// IsClientEvent reports whether the event name is a client-originated event.
func IsClientEvent(event string) bool { return strings.HasPrefix(event, ClientPrefix) }

func normalizeData(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '"' {
		// data is a JSON-encoded string; unwrap it to get the inner document.
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		if inner == "" {
			return nil, nil
		}
		return json.RawMessage(inner), nil
	}
	// already a nested object/array
	return raw, nil
}

func extractString(data json.RawMessage, key string) *string {
	if len(data) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil
	}
	return &s
}

func extractInt64(data json.RawMessage, key string) *int64 {
	if len(data) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	v, ok := m[key]
	if !ok {
		return nil
	}
	var n int64
	if err := json.Unmarshal(v, &n); err != nil {
		return nil
	}
	return &n
}

func extractInt(data json.RawMessage, key string) *int {
	n := extractInt64(data, key)
	if n == nil {
		return nil
	}
	v := int(*n)
	return &v
}

func firstNonNilString(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}

func firstNonNilInt(a, b *int) *int {
	if a != nil {
		return a
	}
	return b
}

func firstNonNilInt64(a, b *int64) *int64 {
	if a != nil {
		return a
	}
	return b
}
