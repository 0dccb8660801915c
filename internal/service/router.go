package service

import (
	"context"
	"errors"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"
	"github.com/mohit67890/realm-sync-server-sub000/internal/repository"
	"github.com/mohit67890/realm-sync-server-sub000/internal/rql"
	"github.com/mohit67890/realm-sync-server-sub000/internal/websocket"

	"github.com/rs/zerolog"
)

// ConnectionDirectory is the router's read-only view of live sessions and
// their transient filters. Owned and mutated by connection lifecycle code.
type ConnectionDirectory interface {
	ConnectedUserIDs() []string
	HasConnections(userID string) bool
	TransientQueries(userID, collection string) []domain.TransientQuery
	TransientCount(userID string) int
	Send(userID string, message *websocket.Message, excludeClientID string) error
}

// Router decides, per candidate recipient, whether an applied change must be
// delivered. Evaluation is tiered: persistent subscriptions first, then the
// connection-scoped transient filters, and finally broadcast-all for users
// with no subscriptions of either kind.
//
// Queries that fail to compile are rejected at registration time, so a
// compile or match failure here is a runtime fault of a previously valid
// subscription; those deliver permissively (and are logged) rather than
// silently starving the client.
type Router struct {
	subs      repository.SubscriptionRepository
	directory ConnectionDirectory
	logger    zerolog.Logger
}

func NewRouter(subs repository.SubscriptionRepository, directory ConnectionDirectory, logger zerolog.Logger) *Router {
	return &Router{
		subs:      subs,
		directory: directory,
		logger:    logger,
	}
}

func (r *Router) ShouldDeliver(ctx context.Context, userID string, change *domain.Change) bool {
	set, err := r.subs.Get(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		r.logger.Error().Err(err).Str("user", userID).Msg("subscription lookup failed, delivering")
		return true
	}

	payload := change.MatchPayload()

	// Tier 1: a non-empty persistent set has the only say. No fall-through
	// to transient filters on a non-match.
	if set != nil && len(set.Subscriptions) > 0 {
		for _, sub := range set.Subscriptions {
			if sub.Collection != change.Collection {
				continue
			}
			if r.queryMatches(sub.Query, sub.Args, payload, userID) {
				return true
			}
		}
		return false
	}

	// Tier 2: transient filters, aggregated across the user's sessions.
	if r.directory.TransientCount(userID) > 0 {
		for _, tq := range r.directory.TransientQueries(userID, change.Collection) {
			if r.queryMatches(tq.Query, tq.Args, payload, userID) {
				return true
			}
		}
		return false
	}

	// Tier 3: no subscriptions of any kind. Broadcast-all.
	return true
}

// queryMatches treats an empty query as match-all and runtime failures as a
// match (fail-open at evaluation time; parsing itself is fail-closed at
// registration).
func (r *Router) queryMatches(query string, args []string, payload map[string]any, userID string) bool {
	if query == "" {
		return true
	}

	pred, err := rql.Compile(rql.Substitute(query, args))
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Str("query", query).Msg("stored query no longer compiles, delivering")
		return true
	}

	ok, err := rql.Matches(payload, pred)
	if err != nil {
		r.logger.Error().Err(err).Str("user", userID).Str("query", query).Msg("query evaluation failed, delivering")
		return true
	}
	return ok
}
