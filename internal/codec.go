package internal

import (
	"encoding/json"
	"fmt"
)

type messageType string

const (
	typeGossipStatus   messageType = "status"
	typeGossipEnvelope messageType = "envelope"
)

type message[T any] struct {
	// Type of message.
	Type     messageType        `json:"type"`
	Status   *GossipStatus      `json:"status,omitempty"`
	Envelope *GossipEnvelope[T] `json:"envelope,omitempty"`
}

// codec encodes gossip messages as JSON tagged with the message type. The
// bucket data must be JSON serializable.
type codec[T any] struct{}

func newCodec[T any]() *codec[T] {
	return &codec[T]{}
}

func (c *codec[T]) EncodeStatus(s *GossipStatus) ([]byte, error) {
	b, err := json.Marshal(&message[T]{
		Type:   typeGossipStatus,
		Status: s,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode gossip status: %w", err)
	}
	return b, nil
}

func (c *codec[T]) EncodeEnvelope(e *GossipEnvelope[T]) ([]byte, error) {
	b, err := json.Marshal(&message[T]{
		Type:     typeGossipEnvelope,
		Envelope: e,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode gossip envelope: %w", err)
	}
	return b, nil
}

// Decode decodes a message, checking the body matches the message type.
func (c *codec[T]) Decode(b []byte) (*message[T], error) {
	var m message[T]
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: invalid format: %w", err)
	}

	switch m.Type {
	case typeGossipStatus:
		if m.Status == nil {
			return nil, fmt.Errorf("failed to decode message: missing status")
		}
	case typeGossipEnvelope:
		if m.Envelope == nil {
			return nil, fmt.Errorf("failed to decode message: missing envelope")
		}
	default:
		return nil, fmt.Errorf("failed to decode message: unrecognised type: %s", m.Type)
	}
	return &m, nil
}
