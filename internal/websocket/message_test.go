package websocket

import (
	"testing"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
)

func TestNewMessageRoundTrip(t *testing.T) {
	payload := &SubscribePayload{
		Collection: "tasks",
		Queries: []domain.TransientQuery{
			{Query: "owner == $0", Args: []string{"'u1'"}},
		},
	}

	msg, err := NewMessage(TypeSubscribe, payload)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if msg.Type != TypeSubscribe {
		t.Errorf("message type = %q, want %q", msg.Type, TypeSubscribe)
	}
	if msg.Timestamp.IsZero() {
		t.Error("message timestamp not set")
	}

	var decoded SubscribePayload
	if err := msg.UnmarshalPayload(&decoded); err != nil {
		t.Fatalf("UnmarshalPayload() error = %v", err)
	}
	if decoded.Collection != "tasks" || len(decoded.Queries) != 1 {
		t.Errorf("decoded payload = %+v", decoded)
	}
	if decoded.Queries[0].Query != "owner == $0" {
		t.Errorf("decoded query = %q", decoded.Queries[0].Query)
	}
}

func TestNewMessageNilPayload(t *testing.T) {
	msg, err := NewMessage(TypePong, nil)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if len(msg.Payload) != 0 {
		t.Errorf("nil payload encoded as %q", msg.Payload)
	}
}
