package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when bytes read from the bus are not a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the structured record published on request and response channels.
// ID correlates a response to exactly one outstanding request.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope, marshaling payload into its raw form.
// A nil payload yields an empty payload.
func New(id, typ string, payload any) (Envelope, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Type: typ, Payload: raw}, nil
}

// MarshalPayload converts an operator payload into raw JSON.
// Values that are already json.RawMessage or []byte pass through unchanged.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return raw, nil
}

// Encode serializes the envelope as UTF-8 JSON text.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses bytes read from the bus. Any failure wraps ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the correlation header.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
// An empty payload leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}
