package service

import (
	"context"
	"fmt"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
	"github.com/mohit67890/realm-sync-server-sub000/internal/repository"
	"github.com/mohit67890/realm-sync-server-sub000/internal/rql"
	"github.com/mohit67890/realm-sync-server-sub000/internal/websocket"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SubscriptionService manages each user's persistent subscription set and
// drives the bootstrap that follows every replacement: new subscriptions
// move pending -> bootstrapping -> complete, streaming the current matching
// documents to the user's sessions along the way.
type SubscriptionService struct {
	subs          repository.SubscriptionRepository
	documents     repository.DocumentRepository
	directory     ConnectionDirectory
	logger        zerolog.Logger
	bootstrapSize int
}

func NewSubscriptionService(
	subs repository.SubscriptionRepository,
	documents repository.DocumentRepository,
	directory ConnectionDirectory,
	logger zerolog.Logger,
	bootstrapSize int,
) *SubscriptionService {
	return &SubscriptionService{
		subs:          subs,
		documents:     documents,
		directory:     directory,
		logger:        logger,
		bootstrapSize: bootstrapSize,
	}
}

// Get returns the user's current subscription set, or an empty versioned set
// when none has been stored yet.
func (s *SubscriptionService) Get(ctx context.Context, userID string) (*domain.SubscriptionSet, error) {
	set, err := s.subs.Get(ctx, userID)
	if err != nil {
		if err == repository.ErrNotFound {
			return &domain.SubscriptionSet{UserID: userID, Subscriptions: []domain.Subscription{}}, nil
		}
		return nil, err
	}
	return set, nil
}

// Update replaces the user's subscription set atomically. Every query must
// compile up front: a single invalid query rejects the whole request and
// leaves the stored set untouched. On success the bootstrap for each new
// subscription runs in the background.
func (s *SubscriptionService) Update(ctx context.Context, userID string, req *domain.UpdateSubscriptionsRequest) (*domain.UpdateSubscriptionsResponse, error) {
	subscriptions := make([]domain.Subscription, 0, len(req.Subscriptions))
	for _, sr := range req.Subscriptions {
		if sr.Query != "" {
			if _, err := rql.Compile(rql.Substitute(sr.Query, sr.Args)); err != nil {
				return nil, fmt.Errorf("subscription %q: %w", sr.Name, err)
			}
		}
		subscriptions = append(subscriptions, domain.Subscription{
			ID:         uuid.New().String(),
			Name:       sr.Name,
			Collection: sr.Collection,
			Query:      sr.Query,
			Args:       sr.Args,
			State:      domain.SubscriptionPending,
		})
	}

	set, err := s.subs.Replace(ctx, &domain.SubscriptionSet{
		UserID:        userID,
		Subscriptions: subscriptions,
	})
	if err != nil {
		return nil, err
	}

	for _, sub := range set.Subscriptions {
		go s.bootstrap(context.Background(), userID, sub)
	}

	return &domain.UpdateSubscriptionsResponse{Version: set.Version}, nil
}

// bootstrap streams the documents currently matching one subscription to the
// user's sessions in pages, advancing the subscription's state as it goes.
func (s *SubscriptionService) bootstrap(ctx context.Context, userID string, sub domain.Subscription) {
	if err := s.subs.UpdateState(ctx, userID, sub.ID, domain.SubscriptionBootstrapping); err != nil {
		s.logger.Error().Err(err).Str("subscription", sub.ID).Msg("failed to mark subscription bootstrapping")
	}

	pred, err := s.compile(sub)
	if err != nil {
		s.fail(ctx, userID, sub, err)
		return
	}

	docs, err := s.documents.Scan(ctx, sub.Collection, pred, s.bootstrapSize)
	if err != nil {
		s.fail(ctx, userID, sub, err)
		return
	}

	page := &domain.SnapshotPage{
		SubscriptionID: sub.ID,
		Collection:     sub.Collection,
		Documents:      make([]map[string]any, 0, len(docs)),
		Complete:       len(docs) < s.bootstrapSize,
	}
	for _, doc := range docs {
		page.Documents = append(page.Documents, doc.Materialize())
	}

	msg, err := websocket.NewMessage(websocket.TypeSubscriptionSnapshot, page)
	if err != nil {
		s.fail(ctx, userID, sub, err)
		return
	}
	if err := s.directory.Send(userID, msg, ""); err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Str("subscription", sub.ID).Msg("failed to deliver snapshot")
	}

	if err := s.subs.UpdateState(ctx, userID, sub.ID, domain.SubscriptionComplete); err != nil {
		s.logger.Error().Err(err).Str("subscription", sub.ID).Msg("failed to mark subscription complete")
	}
}

func (s *SubscriptionService) compile(sub domain.Subscription) (rql.Predicate, error) {
	if sub.Query == "" {
		return rql.Compile(rql.TruePredicate)
	}
	return rql.Compile(rql.Substitute(sub.Query, sub.Args))
}

func (s *SubscriptionService) fail(ctx context.Context, userID string, sub domain.Subscription, cause error) {
	s.logger.Error().Err(cause).Str("user", userID).Str("subscription", sub.ID).Msg("subscription bootstrap failed")

	if err := s.subs.UpdateState(ctx, userID, sub.ID, domain.SubscriptionError); err != nil {
		s.logger.Error().Err(err).Str("subscription", sub.ID).Msg("failed to mark subscription errored")
	}

	msg, err := websocket.NewMessage(websocket.TypeSubscriptionError, &websocket.SubscriptionErrorPayload{
		SubscriptionID: sub.ID,
		Collection:     sub.Collection,
		Error:          cause.Error(),
	})
	if err != nil {
		return
	}
	if err := s.directory.Send(userID, msg, ""); err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Msg("failed to deliver subscription error")
	}
}
