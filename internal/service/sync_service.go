package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
	"github.com/mohit67890/realm-sync-server-sub000/internal/repository"
	"github.com/mohit67890/realm-sync-server-sub000/internal/rql"
	"github.com/mohit67890/realm-sync-server-sub000/internal/websocket"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SyncService owns the write path: apply a change against the document
// store under last-write-wins, record it in the change log, and fan it out
// to every connected user the router admits.
type SyncService struct {
	documents repository.DocumentRepository
	changes   repository.ChangeLogRepository
	router    *Router
	directory ConnectionDirectory
	logger    zerolog.Logger
	pageLimit int
}

func NewSyncService(
	documents repository.DocumentRepository,
	changes repository.ChangeLogRepository,
	router *Router,
	directory ConnectionDirectory,
	logger zerolog.Logger,
	pageLimit int,
) *SyncService {
	return &SyncService{
		documents: documents,
		changes:   changes,
		router:    router,
		directory: directory,
		logger:    logger,
		pageLimit: pageLimit,
	}
}

// SubmitChange ingests one client change. The ack always reaches the caller:
// a version conflict is reported in the ack body, not as an error. The
// originClientID, when set, is excluded from the fan-out so the submitting
// session does not receive its own change back.
func (s *SyncService) SubmitChange(ctx context.Context, userID string, req *domain.SubmitChangeRequest, originClientID string) (*domain.ChangeAck, error) {
	switch req.Operation {
	case domain.OperationInsert, domain.OperationUpdate, domain.OperationDelete:
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Operation)
	}

	change := &domain.Change{
		ID:         req.ID,
		UserID:     userID,
		Timestamp:  req.Timestamp,
		Operation:  req.Operation,
		Collection: req.Collection,
		DocumentID: req.DocumentID,
		Data:       req.Data,
		ReceivedAt: time.Now(),
	}
	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.Timestamp == 0 {
		change.Timestamp = time.Now().UnixMilli()
	}

	result, err := s.documents.Apply(ctx, change)
	if err != nil {
		return nil, err
	}

	if !result.Applied {
		return &domain.ChangeAck{
			Success:   false,
			ChangeID:  change.ID,
			Timestamp: change.Timestamp,
			Conflict:  result.Conflict,
		}, nil
	}

	if err := s.changes.Upsert(ctx, change); err != nil {
		return nil, err
	}

	s.broadcast(ctx, change, originClientID)

	if err := s.changes.MarkSynced(ctx, change.ID); err != nil {
		s.logger.Error().Err(err).Str("change", change.ID).Msg("failed to mark change synced")
	}

	return &domain.ChangeAck{
		Success:   true,
		ChangeID:  change.ID,
		Timestamp: change.Timestamp,
	}, nil
}

func (s *SyncService) broadcast(ctx context.Context, change *domain.Change, originClientID string) {
	msg, err := websocket.NewMessage(websocket.TypeChange, change)
	if err != nil {
		s.logger.Error().Err(err).Str("change", change.ID).Msg("failed to encode change message")
		return
	}

	for _, userID := range s.directory.ConnectedUserIDs() {
		if !s.router.ShouldDeliver(ctx, userID, change) {
			continue
		}
		if err := s.directory.Send(userID, msg, originClientID); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Str("change", change.ID).Msg("failed to deliver change")
		}
	}
}

// GetChangesSince serves the catch-up path for clients reconnecting after
// downtime. A zero Since with no results falls back to entries not yet
// marked synced, so a fresh system with nothing broadcast still bootstraps.
func (s *SyncService) GetChangesSince(ctx context.Context, userID string, req *domain.GetChangesRequest) (*domain.GetChangesResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > s.pageLimit {
		limit = s.pageLimit
	}

	changes, err := s.changes.Since(ctx, userID, req.Since, limit)
	if err != nil {
		return nil, err
	}

	if len(changes) == 0 && req.Since == 0 {
		changes, err = s.changes.Unsynced(ctx, userID, limit)
		if err != nil {
			return nil, err
		}
	}

	hasMore := len(changes) == limit

	if req.Collection != "" || req.Query != "" {
		changes, err = s.filterChanges(changes, req.Collection, req.Query)
		if err != nil {
			return nil, err
		}
	}

	var latest int64
	for _, c := range changes {
		if c.Timestamp > latest {
			latest = c.Timestamp
		}
	}

	return &domain.GetChangesResponse{
		Changes:         changes,
		LatestTimestamp: latest,
		HasMore:         hasMore,
	}, nil
}

func (s *SyncService) filterChanges(changes []*domain.Change, collection, query string) ([]*domain.Change, error) {
	var pred rql.Predicate
	if query != "" {
		var err error
		pred, err = rql.Compile(query)
		if err != nil {
			return nil, err
		}
	}

	filtered := make([]*domain.Change, 0, len(changes))
	for _, c := range changes {
		if collection != "" && c.Collection != collection {
			continue
		}
		if pred != nil {
			ok, err := rql.Matches(c.MatchPayload(), pred)
			if err != nil || !ok {
				continue
			}
		}
		filtered = append(filtered, c)
	}
	return filtered, nil
}

// PurgeExpired drops change log entries older than the retention horizon.
func (s *SyncService) PurgeExpired(ctx context.Context, horizon time.Duration) (int, error) {
	cutoff := time.Now().Add(-horizon).UnixMilli()
	return s.changes.PurgeOlderThan(ctx, cutoff)
}
