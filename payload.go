package patchbay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// An Identifier names one endpoint for the lifetime of a connection session.
// Identifiers are claimed by clients at handshake, or assigned by the relay
// when the claim is empty, and must be unique among connected endpoints.
type Identifier string

// RelayID is the reserved identifier of the relay itself. Requests addressed
// to RelayID are answered by the server's local routes instead of being
// forwarded. Ordinary endpoints may not claim it.
const RelayID Identifier = "__relay__"

// A Session correlates exactly one Response to exactly one Request. Sessions
// are never reused; once resolved (or abandoned) they are discarded.
type Session string

// newSession returns a fresh session for a request originated by source.
// The embedded random token and timestamp make sessions globally unique
// without coordination between endpoints.
func newSession(source Identifier) Session {
	return Session(fmt.Sprintf("%s-%s-%d", source, uuid.NewString(), time.Now().UnixNano()))
}

// Kind discriminates the two envelope variants exchanged on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Status reports the outcome of a dispatched request.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// An Envelope is the unit of exchange between endpoints: either a Request for
// a named route, or the Response that resolves it. The Kind field selects the
// variant; the request fields (Args, Kwargs) and the response fields (Status,
// Result, Err) are populated only for the corresponding kind.
type Envelope struct {
	Kind    Kind       `json:"type"`
	Source  Identifier `json:"source"`
	Target  Identifier `json:"target"`
	Secret  bool       `json:"secret,omitempty"`
	Session Session    `json:"session"`
	Route   string     `json:"route"`

	// Request fields.
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// Response fields.
	Status Status     `json:"status,omitempty"`
	Result any        `json:"result,omitempty"`
	Err    *ErrorInfo `json:"error,omitempty"`
}

// String returns a human-friendly rendering of the envelope.
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope(%s, %s→%s, route=%q, session=%s)",
		e.Kind, e.Source, e.Target, e.Route, e.Session)
}

// response constructs the response envelope resolving the request env.
func (e *Envelope) response() *Envelope {
	return &Envelope{
		Kind:    KindResponse,
		Source:  e.Target,
		Target:  e.Source,
		Secret:  e.Secret,
		Session: e.Session,
		Route:   e.Route,
	}
}

// A Codec translates envelopes to and from their wire encoding. A Codec must
// round-trip every envelope field losslessly, including arbitrary nested
// argument and result values. Implementations must be safe for concurrent use.
type Codec interface {
	Encode(*Envelope) ([]byte, error)
	Decode([]byte) (*Envelope, error)
}

// JSONCodec encodes envelopes as JSON objects. It is the default codec used
// by clients and servers when no other codec is configured.
type JSONCodec struct{}

// Encode implements a method of the [Codec] interface.
func (JSONCodec) Encode(env *Envelope) ([]byte, error) { return json.Marshal(env) }

// Decode implements a method of the [Codec] interface.
func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind != KindRequest && env.Kind != KindResponse {
		return nil, fmt.Errorf("invalid envelope type %q", env.Kind)
	}
	return env, nil
}
