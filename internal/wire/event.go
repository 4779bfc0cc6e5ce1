// Package wire defines the events exchanged between the relay and its clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
)

// MaxFrameBytes is the largest frame either side of a connection will read.
const MaxFrameBytes = 8 << 20

// EventName identifies a wire event.
type EventName string

const (
	// EventJoinServer announces a client identity to the relay.
	EventJoinServer EventName = "join_server"
	// EventSendMessage carries a client message to the relay.
	EventSendMessage EventName = "send_message"
	// EventUpdateUsers carries a full roster snapshot to clients.
	EventUpdateUsers EventName = "update_users"
	// EventReceiveMessage carries a relayed message to clients.
	EventReceiveMessage EventName = "receive_message"
)

var (
	// ErrMalformedEnvelope indicates a frame that is not a valid envelope.
	ErrMalformedEnvelope = errors.New("wire: malformed envelope")
	// ErrMalformedPayload indicates a payload that does not match its event.
	ErrMalformedPayload = errors.New("wire: malformed payload")
)

// Envelope is the JSON frame carried on the connection.
type Envelope struct {
	Event   EventName       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes the payload for the named event.
func NewEnvelope(event EventName, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Encode serializes the envelope into a frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	return envelope, nil
}

// Identity decodes a join_server payload.
func (e Envelope) Identity() (chat.Identity, error) {
	var identity chat.Identity
	if err := e.decodePayload(&identity); err != nil {
		return chat.Identity{}, err
	}
	return identity, nil
}

// Message decodes a send_message or receive_message payload.
func (e Envelope) Message() (chat.Message, error) {
	var message chat.Message
	if err := e.decodePayload(&message); err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

// Roster decodes an update_users payload.
func (e Envelope) Roster() (chat.Roster, error) {
	roster := chat.Roster{}
	if err := e.decodePayload(&roster); err != nil {
		return nil, err
	}
	return roster, nil
}

func (e Envelope) decodePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedPayload, e.Event)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, e.Event, err)
	}
	return nil
}
