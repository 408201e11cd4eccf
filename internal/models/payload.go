package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxEventPayloadBytes caps the encoded size of a single event's open payload.
const MaxEventPayloadBytes = 10000

// ErrPayloadTooLarge is returned when a payload exceeds its size cap.
var ErrPayloadTooLarge = errors.New("payload exceeds size limit")

// Payload is the open extension document carried by an event. Everything
// else about an event is a typed field; only this map is free-form.
type Payload map[string]any

// Size returns the encoded JSON size of p.
func (p Payload) Size() (int, error) {
	if p == nil {
		return 0, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	return len(b), nil
}

// Validate checks p against MaxEventPayloadBytes.
func (p Payload) Validate() error {
	return p.ValidateSize(MaxEventPayloadBytes)
}

// ValidateSize checks p against limit bytes.
func (p Payload) ValidateSize(limit int) error {
	size, err := p.Size()
	if err != nil {
		return err
	}
	if size > limit {
		return fmt.Errorf("%w: %d bytes > %d", ErrPayloadTooLarge, size, limit)
	}
	return nil
}

// Clone returns a deep copy of p. Nested maps and slices are copied;
// scalar values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
