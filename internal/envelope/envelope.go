// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package envelope

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current envelope schema version.
// Increment this when making breaking changes to Envelope.
const SchemaVersion = 1

// Metadata keys attached to transport messages. Correlation and reply
// routing are transport concerns, so they travel in message metadata
// rather than the serialized body.
const (
	// MetaCorrelationID matches an RPC response to its outstanding request.
	MetaCorrelationID = "correlation_id"
	// MetaReplyTo is the topic the responder publishes the Result to.
	MetaReplyTo = "reply_to"
	// MetaIsRPC marks an envelope as expecting a correlated response.
	MetaIsRPC = "is_rpc"
	// MetaQueue is the logical queue name the envelope was published to.
	MetaQueue = "queue"
)

// Envelope is the structured message unit carrying tenant, action and
// payload across the queue transport.
type Envelope struct {
	// Schema version for forward/backward compatibility
	SchemaVersion int `json:"schema_version,omitempty"`

	// ID uniquely identifies this envelope. It doubles as the transport
	// message UUID and the broker-level deduplication ID.
	ID string `json:"id"`

	// Tenant is the logical namespace (customer/organization subdomain)
	// the message belongs to. Required, non-empty.
	Tenant string `json:"tenant"`

	// Action is the operation identifier, e.g. "automations:trigger"
	// or "find.count". Required, non-empty.
	Action string `json:"action"`

	// Payload is action-specific structured data, kept opaque here.
	Payload json.RawMessage `json:"payload,omitempty"`

	// SentAt records when the sender published the envelope.
	SentAt time.Time `json:"sent_at"`

	// DefaultValue, when non-nil, is resolved to the caller instead of a
	// failure if an RPC call errors or times out. It never crosses the
	// wire; graceful degradation is a caller-side decision.
	DefaultValue json.RawMessage `json:"-"`
}

// New creates an envelope with a unique ID, timestamp and schema version.
// The payload is serialized immediately so marshal errors surface at the
// call site rather than deep inside the transport.
func New(tenant, action string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &ValidationError{Field: "payload", Message: err.Error()}
		}
		raw = data
	}

	return &Envelope{
		SchemaVersion: SchemaVersion,
		ID:            uuid.New().String(),
		Tenant:        tenant,
		Action:        action,
		Payload:       raw,
		SentAt:        time.Now().UTC(),
	}, nil
}

// Validate checks required fields and returns an error if validation fails.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if e.Tenant == "" {
		return &ValidationError{Field: "tenant", Message: "required"}
	}
	if e.Action == "" {
		return &ValidationError{Field: "action", Message: "required"}
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "empty"}
	}
	return json.Unmarshal(e.Payload, v)
}

// Marshal serializes the envelope after validating it.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal parses and validates an envelope from wire bytes.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
