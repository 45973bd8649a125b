package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"shardcast/internal/envelope"
)

// Operator implements one request type across all four lifecycle hooks.
type Operator interface {
	// BuildRequest constructs the outgoing fields from the caller's args, plus
	// optional state that is stored with the pending request but never sent.
	BuildRequest(ctx context.Context, args any) (fields any, state any, err error)

	// OnRequest reacts to an incoming request on any node, including the
	// originator. It participates by calling req.Respond; silence is legal.
	OnRequest(ctx context.Context, req *Request)

	// OnEachResponse is invoked once per accepted response, in arrival order.
	OnEachResponse(call *Call, resp envelope.Envelope)

	// OnAllResponses folds the complete response sequence. Its result becomes
	// the resolved value of the send.
	OnAllResponses(call *Call, resps []envelope.Envelope) (any, error)
}

// RespondFunc publishes or short-circuits one response payload.
type RespondFunc func(payload any) error

// Request is an incoming request as seen by OnRequest.
type Request struct {
	ID      string
	Type    string
	Payload json.RawMessage

	respond RespondFunc
	calls   atomic.Int32
}

// NewRequest wraps a decoded envelope with its respond callback.
func NewRequest(env envelope.Envelope, respond RespondFunc) *Request {
	return &Request{
		ID:      env.ID,
		Type:    env.Type,
		Payload: env.Payload,
		respond: respond,
	}
}

// Decode unmarshals the request payload into v.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s request: %w", r.Type, err)
	}
	return nil
}

// Respond sends one response for this request.
// Every call is counted by the originator as a distinct response.
func (r *Request) Respond(payload any) error {
	r.calls.Add(1)
	if r.respond == nil {
		return fmt.Errorf("request %s has no responder", r.ID)
	}
	return r.respond(payload)
}

// Responses reports how many times Respond has been called.
func (r *Request) Responses() int {
	return int(r.calls.Load())
}

// Call is the originator's view of an in-flight request, passed to the fold hooks.
type Call struct {
	ID       string
	Type     string
	Payload  json.RawMessage
	State    any
	Expected int
	Received int
}

// Decode is a typed helper for reading a response payload.
func Decode[T any](resp envelope.Envelope) (T, error) {
	var v T
	err := resp.DecodePayload(&v)
	return v, err
}
