package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
	"github.com/mohit67890/realm-sync-server-sub000/internal/rql"
	"github.com/mohit67890/realm-sync-server-sub000/internal/websocket"

	"github.com/rs/zerolog"
)

// failingScanRepo makes every collection scan fail so bootstraps cannot
// complete.
type failingScanRepo struct {
	*mockDocumentRepo
}

func (f *failingScanRepo) Scan(ctx context.Context, collection string, pred rql.Predicate, limit int) ([]*domain.Document, error) {
	return nil, errors.New("view unavailable")
}

func newTestSubscriptionService(subs *mockSubscriptionRepo, docs *mockDocumentRepo, dir *mockDirectory) *SubscriptionService {
	return NewSubscriptionService(subs, docs, dir, zerolog.Nop(), 100)
}

func waitForState(t *testing.T, subs *mockSubscriptionRepo, userID string, want domain.SubscriptionState) domain.Subscription {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			set, _ := subs.Get(context.Background(), userID)
			t.Fatalf("subscription never reached state %q, set = %+v", want, set)
		default:
		}

		set, err := subs.Get(context.Background(), userID)
		if err == nil {
			for _, sub := range set.Subscriptions {
				if sub.State == want {
					return sub
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscriptionService_UpdateBumpsVersion(t *testing.T) {
	subs := newMockSubscriptionRepo()
	svc := newTestSubscriptionService(subs, newMockDocumentRepo(), newMockDirectory("u1"))
	ctx := context.Background()

	req := &domain.UpdateSubscriptionsRequest{
		Subscriptions: []domain.SubscriptionRequest{
			{Name: "mine", Collection: "tasks", Query: "owner == 'u1'"},
		},
	}

	resp, err := svc.Update(ctx, "u1", req)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if resp.Version != 1 {
		t.Errorf("first version = %d, want 1", resp.Version)
	}

	resp, err = svc.Update(ctx, "u1", req)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if resp.Version != 2 {
		t.Errorf("second version = %d, want 2", resp.Version)
	}
}

func TestSubscriptionService_RejectsInvalidQuery(t *testing.T) {
	subs := newMockSubscriptionRepo()
	svc := newTestSubscriptionService(subs, newMockDocumentRepo(), newMockDirectory("u1"))

	_, err := svc.Update(context.Background(), "u1", &domain.UpdateSubscriptionsRequest{
		Subscriptions: []domain.SubscriptionRequest{
			{Name: "good", Collection: "tasks", Query: "owner == 'u1'"},
			{Name: "bad", Collection: "tasks", Query: "owner ==="},
		},
	})
	if err == nil {
		t.Fatal("Update() with invalid query expected error but got none")
	}

	// The whole replacement is rejected; nothing was stored.
	if set, err := subs.Get(context.Background(), "u1"); err == nil {
		t.Errorf("subscriptions stored despite rejection: %+v", set)
	}
}

func TestSubscriptionService_BootstrapDeliversSnapshot(t *testing.T) {
	subs := newMockSubscriptionRepo()
	docs := newMockDocumentRepo()
	dir := newMockDirectory("u1")
	svc := newTestSubscriptionService(subs, docs, dir)
	ctx := context.Background()

	docs.Apply(ctx, &domain.Change{
		ID:         "c1",
		UserID:     "u1",
		Operation:  domain.OperationInsert,
		Collection: "tasks",
		DocumentID: "t1",
		Timestamp:  100,
		Data:       map[string]any{"owner": "u1"},
	})
	docs.Apply(ctx, &domain.Change{
		ID:         "c2",
		UserID:     "u2",
		Operation:  domain.OperationInsert,
		Collection: "tasks",
		DocumentID: "t2",
		Timestamp:  100,
		Data:       map[string]any{"owner": "u2"},
	})

	_, err := svc.Update(ctx, "u1", &domain.UpdateSubscriptionsRequest{
		Subscriptions: []domain.SubscriptionRequest{
			{Name: "mine", Collection: "tasks", Query: "owner == 'u1'"},
		},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	waitForState(t, subs, "u1", domain.SubscriptionComplete)

	var snapshot *websocket.Message
	for _, msg := range dir.sentTo("u1") {
		if msg.Type == websocket.TypeSubscriptionSnapshot {
			snapshot = msg
		}
	}
	if snapshot == nil {
		t.Fatal("no snapshot message delivered")
	}

	var page domain.SnapshotPage
	if err := snapshot.UnmarshalPayload(&page); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if len(page.Documents) != 1 {
		t.Fatalf("snapshot has %d documents, want 1", len(page.Documents))
	}
	if page.Documents[0]["_id"] != "t1" {
		t.Errorf("snapshot document = %+v, want t1", page.Documents[0])
	}
	if !page.Complete {
		t.Error("snapshot under page size not marked complete")
	}
}

func TestSubscriptionService_BootstrapFailureNotifiesClient(t *testing.T) {
	subs := newMockSubscriptionRepo()
	docs := &failingScanRepo{newMockDocumentRepo()}
	dir := newMockDirectory("u1")
	svc := NewSubscriptionService(subs, docs, dir, zerolog.Nop(), 100)

	_, err := svc.Update(context.Background(), "u1", &domain.UpdateSubscriptionsRequest{
		Subscriptions: []domain.SubscriptionRequest{
			{Name: "mine", Collection: "tasks", Query: "owner == 'u1'"},
		},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	failed := waitForState(t, subs, "u1", domain.SubscriptionError)

	var notice *websocket.Message
	for _, msg := range dir.sentTo("u1") {
		if msg.Type == websocket.TypeSubscriptionError {
			notice = msg
		}
	}
	if notice == nil {
		t.Fatal("no subscription error message delivered")
	}

	var payload websocket.SubscriptionErrorPayload
	if err := notice.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if payload.SubscriptionID != failed.ID {
		t.Errorf("payload subscription = %q, want %q", payload.SubscriptionID, failed.ID)
	}
	if payload.Collection != "tasks" {
		t.Errorf("payload collection = %q, want tasks", payload.Collection)
	}
	if payload.Error == "" {
		t.Error("payload carries no error detail")
	}
}

func TestSubscriptionService_GetReturnsEmptySetForNewUser(t *testing.T) {
	svc := newTestSubscriptionService(newMockSubscriptionRepo(), newMockDocumentRepo(), newMockDirectory())

	set, err := svc.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if set.UserID != "nobody" || len(set.Subscriptions) != 0 {
		t.Errorf("Get() = %+v, want empty set", set)
	}
}
