package service

import (
	"context"
	"sync"
	"testing"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
	"github.com/mohit67890/realm-sync-server-sub000/internal/repository"
	"github.com/mohit67890/realm-sync-server-sub000/internal/rql"
	"github.com/mohit67890/realm-sync-server-sub000/internal/websocket"

	"github.com/rs/zerolog"
)

type mockDocumentRepo struct {
	mu   sync.Mutex
	docs map[string]*domain.Document
}

func newMockDocumentRepo() *mockDocumentRepo {
	return &mockDocumentRepo{docs: make(map[string]*domain.Document)}
}

func docKey(collection, documentID string) string {
	return collection + "/" + documentID
}

func (m *mockDocumentRepo) Get(ctx context.Context, collection, documentID string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[docKey(collection, documentID)]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (m *mockDocumentRepo) Apply(ctx context.Context, change *domain.Change) (*domain.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := docKey(change.Collection, change.DocumentID)
	existing, exists := m.docs[key]

	if exists && change.Operation != domain.OperationInsert && existing.Version >= change.Timestamp {
		return &domain.ApplyResult{
			Applied: false,
			Conflict: &domain.Conflict{
				ExistingVersion: existing.Version,
				Reason:          "stale write",
			},
		}, nil
	}

	if change.Operation == domain.OperationDelete {
		delete(m.docs, key)
	} else {
		m.docs[key] = &domain.Document{
			Collection: change.Collection,
			DocumentID: change.DocumentID,
			Version:    change.Timestamp,
			UpdatedBy:  change.UserID,
			Data:       change.Data,
		}
	}
	return &domain.ApplyResult{Applied: true}, nil
}

func (m *mockDocumentRepo) Scan(ctx context.Context, collection string, pred rql.Predicate, limit int) ([]*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Document
	for _, d := range m.docs {
		if d.Collection != collection {
			continue
		}
		if pred != nil {
			ok, err := rql.Matches(d.Data, pred)
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type mockChangeLog struct {
	mu      sync.Mutex
	changes map[string]*domain.Change
}

func newMockChangeLog() *mockChangeLog {
	return &mockChangeLog{changes: make(map[string]*domain.Change)}
}

func (m *mockChangeLog) Upsert(ctx context.Context, change *domain.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *change
	m.changes[change.ID] = &cp
	return nil
}

func (m *mockChangeLog) MarkSynced(ctx context.Context, changeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.changes[changeID]; ok {
		c.Synced = true
	}
	return nil
}

func (m *mockChangeLog) Since(ctx context.Context, userID string, since int64, limit int) ([]*domain.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Change
	for _, c := range m.changes {
		if c.Synced && c.Timestamp > since && c.UserID != userID {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockChangeLog) Unsynced(ctx context.Context, userID string, limit int) ([]*domain.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Change
	for _, c := range m.changes {
		if !c.Synced && c.UserID != userID {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockChangeLog) PurgeOlderThan(ctx context.Context, cutoff int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, c := range m.changes {
		if c.Timestamp < cutoff {
			delete(m.changes, id)
			purged++
		}
	}
	return purged, nil
}

func (m *mockChangeLog) EnsureIndexes(ctx context.Context) error { return nil }

type mockSubscriptionRepo struct {
	mu   sync.Mutex
	sets map[string]*domain.SubscriptionSet
}

func newMockSubscriptionRepo() *mockSubscriptionRepo {
	return &mockSubscriptionRepo{sets: make(map[string]*domain.SubscriptionSet)}
}

func (m *mockSubscriptionRepo) Get(ctx context.Context, userID string) (*domain.SubscriptionSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	cp.Subscriptions = append([]domain.Subscription(nil), s.Subscriptions...)
	return &cp, nil
}

func (m *mockSubscriptionRepo) Replace(ctx context.Context, set *domain.SubscriptionSet) (*domain.SubscriptionSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := int64(1)
	if existing, ok := m.sets[set.UserID]; ok {
		version = existing.Version + 1
	}
	stored := &domain.SubscriptionSet{
		UserID:        set.UserID,
		Version:       version,
		Subscriptions: append([]domain.Subscription(nil), set.Subscriptions...),
	}
	m.sets[set.UserID] = stored
	out := *stored
	out.Subscriptions = append([]domain.Subscription(nil), stored.Subscriptions...)
	return &out, nil
}

func (m *mockSubscriptionRepo) UpdateState(ctx context.Context, userID, subscriptionID string, state domain.SubscriptionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[userID]
	if !ok {
		return nil
	}
	for i := range set.Subscriptions {
		if set.Subscriptions[i].ID == subscriptionID {
			set.Subscriptions[i].State = state
		}
	}
	return nil
}

// mockDirectory stands in for the connection manager: a fixed set of
// connected users, per-user transient filters, and a record of every sent
// message.
type mockDirectory struct {
	mu        sync.Mutex
	connected []string
	transient map[string]map[string][]domain.TransientQuery
	sent      map[string][]*websocket.Message
}

func newMockDirectory(connected ...string) *mockDirectory {
	return &mockDirectory{
		connected: connected,
		transient: make(map[string]map[string][]domain.TransientQuery),
		sent:      make(map[string][]*websocket.Message),
	}
}

func (m *mockDirectory) setTransient(userID, collection string, queries []domain.TransientQuery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transient[userID] == nil {
		m.transient[userID] = make(map[string][]domain.TransientQuery)
	}
	m.transient[userID][collection] = queries
}

func (m *mockDirectory) ConnectedUserIDs() []string {
	return m.connected
}

func (m *mockDirectory) HasConnections(userID string) bool {
	for _, u := range m.connected {
		if u == userID {
			return true
		}
	}
	return false
}

func (m *mockDirectory) TransientQueries(userID, collection string) []domain.TransientQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transient[userID][collection]
}

func (m *mockDirectory) TransientCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, queries := range m.transient[userID] {
		n += len(queries)
	}
	return n
}

func (m *mockDirectory) Send(userID string, message *websocket.Message, excludeClientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[userID] = append(m.sent[userID], message)
	return nil
}

func (m *mockDirectory) sentTo(userID string) []*websocket.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[userID]
}

func newTestSyncService(docs *mockDocumentRepo, log *mockChangeLog, subs *mockSubscriptionRepo, dir *mockDirectory) *SyncService {
	logger := zerolog.Nop()
	router := NewRouter(subs, dir, logger)
	return NewSyncService(docs, log, router, dir, logger, 200)
}

func TestSyncService_SubmitChangeApplies(t *testing.T) {
	docs := newMockDocumentRepo()
	changeLog := newMockChangeLog()
	dir := newMockDirectory("u2")
	svc := newTestSyncService(docs, changeLog, newMockSubscriptionRepo(), dir)

	ack, err := svc.SubmitChange(context.Background(), "u1", &domain.SubmitChangeRequest{
		ID:         "c1",
		Operation:  domain.OperationInsert,
		Collection: "tasks",
		DocumentID: "t1",
		Timestamp:  100,
		Data:       map[string]any{"title": "buy milk"},
	}, "")
	if err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}
	if !ack.Success {
		t.Fatalf("SubmitChange() ack.Success = false, conflict = %+v", ack.Conflict)
	}

	doc, err := docs.Get(context.Background(), "tasks", "t1")
	if err != nil {
		t.Fatalf("document not stored: %v", err)
	}
	if doc.Version != 100 {
		t.Errorf("document version = %d, want 100", doc.Version)
	}

	stored := changeLog.changes["c1"]
	if stored == nil {
		t.Fatal("change not recorded in log")
	}
	if !stored.Synced {
		t.Error("change not marked synced after broadcast")
	}

	if len(dir.sentTo("u2")) != 1 {
		t.Errorf("connected user received %d messages, want 1", len(dir.sentTo("u2")))
	}
}

func TestSyncService_RejectsUnknownOperation(t *testing.T) {
	docs := newMockDocumentRepo()
	changeLog := newMockChangeLog()
	svc := newTestSyncService(docs, changeLog, newMockSubscriptionRepo(), newMockDirectory())
	ctx := context.Background()

	ack, err := svc.SubmitChange(ctx, "u1", &domain.SubmitChangeRequest{
		ID:         "c1",
		Operation:  domain.Operation("frobnicate"),
		Collection: "tasks",
		DocumentID: "t1",
		Timestamp:  100,
		Data:       map[string]any{"title": "x"},
	}, "")
	if err == nil {
		t.Fatalf("SubmitChange() with unknown operation expected error, got ack %+v", ack)
	}

	if _, getErr := docs.Get(ctx, "tasks", "t1"); getErr == nil {
		t.Error("unknown operation reached the document store")
	}
	if len(changeLog.changes) != 0 {
		t.Error("unknown operation was recorded in the change log")
	}
}

func TestSyncService_IdempotentIngestion(t *testing.T) {
	changeLog := newMockChangeLog()
	svc := newTestSyncService(newMockDocumentRepo(), changeLog, newMockSubscriptionRepo(), newMockDirectory())
	ctx := context.Background()

	req := &domain.SubmitChangeRequest{
		ID:         "c1",
		Operation:  domain.OperationInsert,
		Collection: "tasks",
		DocumentID: "t1",
		Timestamp:  100,
		Data:       map[string]any{"title": "first"},
	}
	if _, err := svc.SubmitChange(ctx, "u1", req, ""); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	req.Timestamp = 200
	req.Data = map[string]any{"title": "second"}
	if _, err := svc.SubmitChange(ctx, "u1", req, ""); err != nil {
		t.Fatalf("SubmitChange() error = %v", err)
	}

	if len(changeLog.changes) != 1 {
		t.Fatalf("log has %d entries, want 1 (same id resubmitted)", len(changeLog.changes))
	}
	if changeLog.changes["c1"].Timestamp != 200 {
		t.Errorf("log entry timestamp = %d, want mutable fields updated to 200", changeLog.changes["c1"].Timestamp)
	}
}

func TestSyncService_LastWriteWins(t *testing.T) {
	docs := newMockDocumentRepo()
	svc := newTestSyncService(docs, newMockChangeLog(), newMockSubscriptionRepo(), newMockDirectory())
	ctx := context.Background()

	submit := func(id string, op domain.Operation, ts int64, title string) *domain.ChangeAck {
		t.Helper()
		ack, err := svc.SubmitChange(ctx, "u1", &domain.SubmitChangeRequest{
			ID:         id,
			Operation:  op,
			Collection: "tasks",
			DocumentID: "t1",
			Timestamp:  ts,
			Data:       map[string]any{"title": title},
		}, "")
		if err != nil {
			t.Fatalf("SubmitChange(%s) error = %v", id, err)
		}
		return ack
	}

	if ack := submit("c1", domain.OperationInsert, 100, "v1"); !ack.Success {
		t.Fatal("initial insert rejected")
	}

	ack := submit("c2", domain.OperationUpdate, 90, "stale")
	if ack.Success {
		t.Fatal("stale update accepted")
	}
	if ack.Conflict == nil || ack.Conflict.ExistingVersion != 100 {
		t.Errorf("conflict = %+v, want existing version 100", ack.Conflict)
	}

	if ack := submit("c3", domain.OperationUpdate, 150, "v2"); !ack.Success {
		t.Fatal("newer update rejected")
	}

	doc, _ := docs.Get(ctx, "tasks", "t1")
	if doc.Version != 150 || doc.Data["title"] != "v2" {
		t.Errorf("document = %+v, want version 150 with title v2", doc)
	}
}

func TestSyncService_InsertBypassesVersionCheck(t *testing.T) {
	docs := newMockDocumentRepo()
	svc := newTestSyncService(docs, newMockChangeLog(), newMockSubscriptionRepo(), newMockDirectory())
	ctx := context.Background()

	for i, ts := range []int64{100, 50} {
		ack, err := svc.SubmitChange(ctx, "u1", &domain.SubmitChangeRequest{
			ID:         "i" + string(rune('0'+i)),
			Operation:  domain.OperationInsert,
			Collection: "tasks",
			DocumentID: "t1",
			Timestamp:  ts,
			Data:       map[string]any{"n": float64(i)},
		}, "")
		if err != nil {
			t.Fatalf("SubmitChange() error = %v", err)
		}
		if !ack.Success {
			t.Fatalf("insert with timestamp %d rejected", ts)
		}
	}

	doc, _ := docs.Get(ctx, "tasks", "t1")
	if doc.Version != 50 {
		t.Errorf("document version = %d, want 50 (insert is an upsert)", doc.Version)
	}
}

func TestSyncService_ConcurrentSameDocumentWrites(t *testing.T) {
	docs := newMockDocumentRepo()
	svc := newTestSyncService(docs, newMockChangeLog(), newMockSubscriptionRepo(), newMockDirectory())
	ctx := context.Background()

	ack, err := svc.SubmitChange(ctx, "u1", &domain.SubmitChangeRequest{
		ID:         "seed",
		Operation:  domain.OperationInsert,
		Collection: "tasks",
		DocumentID: "t1",
		Timestamp:  10,
	}, "")
	if err != nil || !ack.Success {
		t.Fatalf("seed insert failed: %v %+v", err, ack)
	}

	// Two updates carrying the same version stamp race; exactly one wins.
	var wg sync.WaitGroup
	results := make([]*domain.ChangeAck, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.SubmitChange(ctx, "u1", &domain.SubmitChangeRequest{
				ID:         "race" + string(rune('0'+i)),
				Operation:  domain.OperationUpdate,
				Collection: "tasks",
				DocumentID: "t1",
				Timestamp:  20,
			}, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r != nil && r.Success {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("concurrent same-stamp updates: %d applied, want exactly 1", wins)
	}
}

func TestSyncService_GetChangesSince(t *testing.T) {
	changeLog := newMockChangeLog()
	svc := newTestSyncService(newMockDocumentRepo(), changeLog, newMockSubscriptionRepo(), newMockDirectory())
	ctx := context.Background()

	seed := []*domain.Change{
		{ID: "c1", UserID: "u2", Timestamp: 100, Collection: "tasks", Synced: true, Data: map[string]any{"p": float64(1)}},
		{ID: "c2", UserID: "u2", Timestamp: 200, Collection: "notes", Synced: true, Data: map[string]any{"p": float64(2)}},
		{ID: "c3", UserID: "u1", Timestamp: 300, Collection: "tasks", Synced: true},
	}
	for _, c := range seed {
		if err := changeLog.Upsert(ctx, c); err != nil {
			t.Fatal(err)
		}
		changeLog.changes[c.ID].Synced = c.Synced
	}

	resp, err := svc.GetChangesSince(ctx, "u1", &domain.GetChangesRequest{Since: 50})
	if err != nil {
		t.Fatalf("GetChangesSince() error = %v", err)
	}
	// The caller's own changes are excluded from catch-up.
	if len(resp.Changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(resp.Changes))
	}
	if resp.LatestTimestamp != 200 {
		t.Errorf("latest timestamp = %d, want 200", resp.LatestTimestamp)
	}

	resp, err = svc.GetChangesSince(ctx, "u1", &domain.GetChangesRequest{Since: 50, Collection: "tasks"})
	if err != nil {
		t.Fatalf("GetChangesSince() error = %v", err)
	}
	if len(resp.Changes) != 1 || resp.Changes[0].ID != "c1" {
		t.Errorf("collection filter returned %+v, want only c1", resp.Changes)
	}

	resp, err = svc.GetChangesSince(ctx, "u1", &domain.GetChangesRequest{Since: 50, Query: "p > 1"})
	if err != nil {
		t.Fatalf("GetChangesSince() error = %v", err)
	}
	if len(resp.Changes) != 1 || resp.Changes[0].ID != "c2" {
		t.Errorf("query filter returned %+v, want only c2", resp.Changes)
	}

	if _, err := svc.GetChangesSince(ctx, "u1", &domain.GetChangesRequest{Query: "p >>> 1"}); err == nil {
		t.Error("invalid catch-up query expected error but got none")
	}
}

func TestSyncService_PurgeExpired(t *testing.T) {
	changeLog := newMockChangeLog()
	svc := newTestSyncService(newMockDocumentRepo(), changeLog, newMockSubscriptionRepo(), newMockDirectory())
	ctx := context.Background()

	changeLog.Upsert(ctx, &domain.Change{ID: "old", Timestamp: 1})
	purged, err := svc.PurgeExpired(ctx, 0)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}
