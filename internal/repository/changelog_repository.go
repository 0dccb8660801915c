package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type ChangeLogRepository interface {
	Upsert(ctx context.Context, change *domain.Change) error
	MarkSynced(ctx context.Context, changeID string) error
	Since(ctx context.Context, userID string, since int64, limit int) ([]*domain.Change, error)
	Unsynced(ctx context.Context, userID string, limit int) ([]*domain.Change, error)
	PurgeOlderThan(ctx context.Context, cutoff int64) (int, error)
	EnsureIndexes(ctx context.Context) error
}

type changeEnvelope struct {
	ID         string           `json:"_id"`
	Rev        string           `json:"_rev,omitempty"`
	Kind       string           `json:"kind"`
	ChangeID   string           `json:"change_id"`
	UserID     string           `json:"user_id"`
	Timestamp  int64            `json:"timestamp"`
	Operation  domain.Operation `json:"operation"`
	Collection string           `json:"collection"`
	DocumentID string           `json:"document_id"`
	Data       map[string]any   `json:"data,omitempty"`
	Synced     bool             `json:"synced"`
	ReceivedAt time.Time        `json:"received_at"`
}

func (e *changeEnvelope) toDomain() *domain.Change {
	return &domain.Change{
		ID:         e.ChangeID,
		UserID:     e.UserID,
		Timestamp:  e.Timestamp,
		Operation:  e.Operation,
		Collection: e.Collection,
		DocumentID: e.DocumentID,
		Data:       e.Data,
		Synced:     e.Synced,
		ReceivedAt: e.ReceivedAt,
	}
}

type changeLogRepository struct {
	client *kivik.Client
	dbName string
}

func NewChangeLogRepository(client *kivik.Client, dbName string) ChangeLogRepository {
	return &changeLogRepository{
		client: client,
		dbName: dbName,
	}
}

func changeDocID(changeID string) string {
	return fmt.Sprintf("change:%s", changeID)
}

// Upsert writes the log entry keyed by the change id. A duplicate id is not
// an error: the existing entry's mutable fields are updated in place, keeping
// the log append-only per id (idempotent ingestion). The constraint violation
// on the first Put is recovered by an update-by-id with the stored revision.
func (r *changeLogRepository) Upsert(ctx context.Context, change *domain.Change) error {
	db := r.client.DB(r.dbName)
	docID := changeDocID(change.ID)

	env := changeEnvelope{
		ID:         docID,
		Kind:       "change",
		ChangeID:   change.ID,
		UserID:     change.UserID,
		Timestamp:  change.Timestamp,
		Operation:  change.Operation,
		Collection: change.Collection,
		DocumentID: change.DocumentID,
		Data:       change.Data,
		Synced:     change.Synced,
		ReceivedAt: change.ReceivedAt,
	}

	for {
		_, err := db.Put(ctx, docID, env)
		if err == nil {
			return nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			return fmt.Errorf("failed to persist change: %w", err)
		}

		var existing changeEnvelope
		row := db.Get(ctx, docID)
		if scanErr := row.ScanDoc(&existing); scanErr != nil {
			if kivik.HTTPStatus(scanErr) == http.StatusNotFound {
				// Concurrent deletion (retention sweep); retry the insert.
				env.Rev = ""
				continue
			}
			return fmt.Errorf("failed to read existing change: %w", scanErr)
		}

		// Identity fields stay as first written.
		env.Rev = existing.Rev
		env.UserID = existing.UserID
		env.ReceivedAt = existing.ReceivedAt
	}
}

func (r *changeLogRepository) MarkSynced(ctx context.Context, changeID string) error {
	db := r.client.DB(r.dbName)
	docID := changeDocID(changeID)

	for {
		var env changeEnvelope
		row := db.Get(ctx, docID)
		if err := row.ScanDoc(&env); err != nil {
			if kivik.HTTPStatus(err) == http.StatusNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read change for sync mark: %w", err)
		}

		env.Synced = true
		if _, err := db.Put(ctx, docID, env); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				continue
			}
			return fmt.Errorf("failed to mark change synced: %w", err)
		}
		return nil
	}
}

// Since returns synced entries newer than the given stamp, authored by other
// users, oldest first.
func (r *changeLogRepository) Since(ctx context.Context, userID string, since int64, limit int) ([]*domain.Change, error) {
	return r.find(ctx, map[string]any{
		"kind":      "change",
		"synced":    true,
		"timestamp": map[string]any{"$gt": since},
		"user_id":   map[string]any{"$ne": userID},
	}, limit)
}

// Unsynced supports bootstrap in a fresh system where nothing has been marked
// synced yet.
func (r *changeLogRepository) Unsynced(ctx context.Context, userID string, limit int) ([]*domain.Change, error) {
	return r.find(ctx, map[string]any{
		"kind":    "change",
		"synced":  false,
		"user_id": map[string]any{"$ne": userID},
	}, limit)
}

func (r *changeLogRepository) find(ctx context.Context, selector map[string]any, limit int) ([]*domain.Change, error) {
	db := r.client.DB(r.dbName)

	query := map[string]any{
		"selector": selector,
		"sort":     []any{map[string]any{"timestamp": "asc"}},
		"limit":    limit,
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var changes []*domain.Change
	for rows.Next() {
		var env changeEnvelope
		if err := rows.ScanDoc(&env); err != nil {
			continue
		}
		changes = append(changes, env.toDomain())
	}

	return changes, nil
}

// PurgeOlderThan removes synced entries with a stamp below the cutoff.
// Routine housekeeping; unsynced entries are never purged.
func (r *changeLogRepository) PurgeOlderThan(ctx context.Context, cutoff int64) (int, error) {
	db := r.client.DB(r.dbName)

	query := map[string]any{
		"selector": map[string]any{
			"kind":      "change",
			"synced":    true,
			"timestamp": map[string]any{"$lt": cutoff},
		},
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to query change log for purge: %w", err)
	}
	defer rows.Close()

	purged := 0
	for rows.Next() {
		var env changeEnvelope
		if err := rows.ScanDoc(&env); err != nil {
			continue
		}
		if _, err := db.Delete(ctx, env.ID, env.Rev); err != nil {
			continue
		}
		purged++
	}

	return purged, nil
}

func (r *changeLogRepository) EnsureIndexes(ctx context.Context) error {
	db := r.client.DB(r.dbName)

	indexes := []struct {
		name   string
		fields []any
	}{
		{name: "changes-by-timestamp", fields: []any{"kind", "timestamp"}},
		{name: "changes-by-user", fields: []any{"kind", "user_id", "synced"}},
	}

	for _, idx := range indexes {
		err := db.CreateIndex(ctx, "", idx.name, map[string]any{"fields": idx.fields})
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return nil
}
