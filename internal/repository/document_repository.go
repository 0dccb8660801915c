package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
	"github.com/mohit67890/realm-sync-server-sub000/internal/rql"

	"github.com/go-kivik/kivik/v4"
)

var ErrNotFound = errors.New("not found")

// dataPrefix scopes predicate field paths to the payload envelope when a
// filter is compiled for a server-side scan.
const dataPrefix = "data."

type DocumentRepository interface {
	Get(ctx context.Context, collection, documentID string) (*domain.Document, error)
	Apply(ctx context.Context, change *domain.Change) (*domain.ApplyResult, error)
	Scan(ctx context.Context, collection string, pred rql.Predicate, limit int) ([]*domain.Document, error)
}

// documentEnvelope is the stored shape. CouchDB rejects unknown top-level
// underscore fields, so the reserved attributes live as plain envelope fields
// and are materialized back on read.
type documentEnvelope struct {
	ID            string         `json:"_id"`
	Rev           string         `json:"_rev,omitempty"`
	Kind          string         `json:"kind"`
	Collection    string         `json:"collection"`
	DocumentID    string         `json:"document_id"`
	SyncUpdatedAt int64          `json:"sync_updated_at"`
	UpdatedBy     string         `json:"updated_by"`
	Data          map[string]any `json:"data"`
}

func (e *documentEnvelope) toDomain() *domain.Document {
	return &domain.Document{
		Collection: e.Collection,
		DocumentID: e.DocumentID,
		Version:    e.SyncUpdatedAt,
		UpdatedBy:  e.UpdatedBy,
		Data:       e.Data,
	}
}

type documentRepository struct {
	client *kivik.Client
	dbName string
}

func NewDocumentRepository(client *kivik.Client, dbName string) DocumentRepository {
	return &documentRepository{
		client: client,
		dbName: dbName,
	}
}

func documentDocID(collection, documentID string) string {
	return fmt.Sprintf("doc:%s:%s", collection, documentID)
}

func (r *documentRepository) Get(ctx context.Context, collection, documentID string) (*domain.Document, error) {
	db := r.client.DB(r.dbName)

	var env documentEnvelope
	row := db.Get(ctx, documentDocID(collection, documentID))
	if err := row.ScanDoc(&env); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return env.toDomain(), nil
}

// Apply performs the conflict check and the write as one atomic conditional
// update: the version check runs against the revision that is written, and a
// revision conflict re-runs the check. When two updates race on the same
// document, exactly one observes success and the other observes a
// last-write-wins conflict.
func (r *documentRepository) Apply(ctx context.Context, change *domain.Change) (*domain.ApplyResult, error) {
	db := r.client.DB(r.dbName)
	docID := documentDocID(change.Collection, change.DocumentID)

	for {
		var env documentEnvelope
		found := true
		row := db.Get(ctx, docID)
		if err := row.ScanDoc(&env); err != nil {
			if kivik.HTTPStatus(err) != http.StatusNotFound {
				return nil, fmt.Errorf("failed to read document for apply: %w", err)
			}
			found = false
		}

		// Last write wins, ties going to the stored version. Inserts bypass
		// the check and upsert.
		if found && change.Operation != domain.OperationInsert && env.SyncUpdatedAt >= change.Timestamp {
			return &domain.ApplyResult{
				Applied: false,
				Conflict: &domain.Conflict{
					ExistingVersion: env.SyncUpdatedAt,
					Reason:          "stored version is newer or equal",
				},
			}, nil
		}

		if change.Operation == domain.OperationDelete {
			if !found {
				return &domain.ApplyResult{Applied: true}, nil
			}
			if _, err := db.Delete(ctx, docID, env.Rev); err != nil {
				if kivik.HTTPStatus(err) == http.StatusConflict {
					continue
				}
				return nil, fmt.Errorf("failed to delete document: %w", err)
			}
			return &domain.ApplyResult{Applied: true}, nil
		}

		next := documentEnvelope{
			ID:            docID,
			Kind:          "document",
			Collection:    change.Collection,
			DocumentID:    change.DocumentID,
			SyncUpdatedAt: change.Timestamp,
			UpdatedBy:     change.UserID,
			Data:          change.Data,
		}
		if found {
			next.Rev = env.Rev
		}

		if _, err := db.Put(ctx, docID, next); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				// Lost the race: another writer advanced the revision.
				// Re-read and re-run the version check.
				continue
			}
			return nil, fmt.Errorf("failed to write document: %w", err)
		}
		return &domain.ApplyResult{Applied: true}, nil
	}
}

func (r *documentRepository) Scan(ctx context.Context, collection string, pred rql.Predicate, limit int) ([]*domain.Document, error) {
	db := r.client.DB(r.dbName)

	clauses := []any{
		map[string]any{"kind": "document"},
		map[string]any{"collection": collection},
	}
	if pred != nil {
		if sel := pred.Selector(dataPrefix); len(sel) > 0 {
			clauses = append(clauses, sel)
		}
	}

	query := map[string]any{
		"selector": map[string]any{"$and": clauses},
		"limit":    limit,
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		var env documentEnvelope
		if err := rows.ScanDoc(&env); err != nil {
			continue
		}
		docs = append(docs, env.toDomain())
	}

	return docs, nil
}
