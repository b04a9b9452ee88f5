// Package events defines the messages exchanged between the catalog and order services.
package events

import (
	"encoding/json"
	"fmt"
)

// Topics shared by both services.
const (
	CatalogEventsTopic = "CatalogEvents"
	OrderEventsTopic   = "OrderEvents"

	// DeadLetterSuffix is appended to a topic name to form its dead-letter topic.
	DeadLetterSuffix = ".DLQ"
)

// Header keys set by the services.
const (
	HeaderAuthorization = "authorization"
	HeaderCorrelationID = "correlation_id"
)

type EventKind string

const (
	OrderCreated  EventKind = "ORDER_CREATED"
	OrderCanceled EventKind = "ORDER_CANCELED"
)

func (k EventKind) Valid() bool {
	switch k {
	case OrderCreated, OrderCanceled:
		return true
	}
	return false
}

func (k EventKind) String() string { return string(k) }

// ParseEventKind converts a message key into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// DeadLetterTopic returns the dead-letter topic for topic.
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}

// Envelope is the unit published to and consumed from the broker.
// Event travels as the message key and Data as the message value.
type Envelope struct {
	Headers map[string]string
	Event   EventKind
	Data    json.RawMessage
}

// NewEnvelope encodes data as the payload of a new envelope. Headers are copied.
func NewEnvelope(kind EventKind, data any, headers map[string]string) (Envelope, error) {
	raw, err := Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	env := Envelope{
		Headers: make(map[string]string, len(headers)),
		Event:   kind,
		Data:    raw,
	}
	for k, v := range headers {
		env.Headers[k] = v
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Event)
	}
	if err := Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Header returns the header value for key, or "".
func (e Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}
