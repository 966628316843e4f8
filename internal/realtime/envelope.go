package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the canonical record for one event, exchanged between dispatch
// points and replicated across the cluster through the broker. Treat it as
// immutable once stamped.
type Envelope struct {
	Namespace      string          `json:"namespace"`
	Room           string          `json:"room,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	OriginServerID string          `json:"originServerId"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewEnvelope builds an envelope, marshalling the payload. Namespace and
// event are mandatory; omitting them is a programmer error rejected with
// InvalidEnvelopeError.
func NewEnvelope(namespace, event string, payload any) (Envelope, error) {
	if namespace == "" {
		return Envelope{}, &InvalidEnvelopeError{Field: "namespace"}
	}
	if event == "" {
		return Envelope{}, &InvalidEnvelopeError{Field: "event"}
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal envelope payload: %w", err)
		}
		raw = data
	}

	return Envelope{
		Namespace: namespace,
		Event:     event,
		Payload:   raw,
	}, nil
}

// Encode serializes the envelope for the broker wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope received from the broker.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Namespace == "" {
		return Envelope{}, &InvalidEnvelopeError{Field: "namespace"}
	}
	if e.Event == "" {
		return Envelope{}, &InvalidEnvelopeError{Field: "event"}
	}
	return e, nil
}
