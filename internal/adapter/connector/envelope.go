package connector

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// MessageType identifies the kind of envelope exchanged with the broker.
type MessageType string

const (
	// Inbound (broker -> agent).
	MessageAssociate     MessageType = "associate"
	MessageActionRequest MessageType = "action_request"
	MessageStatusRequest MessageType = "status_request"

	// Outbound (agent -> broker).
	MessageProvisional         MessageType = "provisional"
	MessageResponse            MessageType = "response"
	MessageNonBlockingResponse MessageType = "non_blocking_response"
	MessageError               MessageType = "error"
)

// Envelope is the frame carried over the control channel in both directions.
type Envelope struct {
	ID     string          `json:"id"`
	Type   MessageType     `json:"type"`
	Sender string          `json:"sender,omitempty"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Validate checks the minimal envelope contract.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope: missing id")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope: missing type")
	}
	return nil
}

// NewEnvelope builds an outbound envelope with a fresh ULID and a JSON
// encoded payload.
func NewEnvelope(t MessageType, target string, data any) (Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: encode data: %w", err)
	}
	return Envelope{
		ID:     ulid.Make().String(),
		Type:   t,
		Target: target,
		Data:   payload,
	}, nil
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	InReplyTo     string `json:"in_reply_to,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Description   string `json:"description"`
}
