package websocket

import (
	"encoding/json"
	"time"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
)

type MessageType string

const (
	// Client -> server.
	TypeSubmitChange        MessageType = "submit_change"
	TypeGetChanges          MessageType = "get_changes"
	TypeUpdateSubscriptions MessageType = "update_subscriptions"
	TypeSubscribe           MessageType = "subscribe"
	TypeUnsubscribe         MessageType = "unsubscribe"
	TypePing                MessageType = "ping"

	// Server -> client.
	TypeChangeAck            MessageType = "change_ack"
	TypeChange               MessageType = "change"
	TypeChanges              MessageType = "changes"
	TypeSubscriptionsUpdated MessageType = "subscriptions_updated"
	TypeSubscriptionSnapshot MessageType = "subscription_snapshot"
	TypeSubscriptionError    MessageType = "subscription_error"
	TypeError                MessageType = "error"
	TypePong                 MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload replaces a connection's transient queries for one
// collection. These filters never survive the connection.
type SubscribePayload struct {
	Collection string                  `json:"collection"`
	Queries    []domain.TransientQuery `json:"queries"`
}

type UnsubscribePayload struct {
	Collection string `json:"collection"`
}

type SubscriptionErrorPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Collection     string `json:"collection"`
	Error          string `json:"error"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
