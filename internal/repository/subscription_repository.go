package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mohit67890/realm-sync-server-sub000/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type SubscriptionRepository interface {
	Get(ctx context.Context, userID string) (*domain.SubscriptionSet, error)
	Replace(ctx context.Context, set *domain.SubscriptionSet) (*domain.SubscriptionSet, error)
	UpdateState(ctx context.Context, userID, subscriptionID string, state domain.SubscriptionState) error
}

type subscriptionEnvelope struct {
	ID            string                `json:"_id"`
	Rev           string                `json:"_rev,omitempty"`
	Kind          string                `json:"kind"`
	UserID        string                `json:"user_id"`
	Version       int64                 `json:"version"`
	Subscriptions []domain.Subscription `json:"subscriptions"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func (e *subscriptionEnvelope) toDomain() *domain.SubscriptionSet {
	return &domain.SubscriptionSet{
		UserID:        e.UserID,
		Version:       e.Version,
		Subscriptions: e.Subscriptions,
		UpdatedAt:     e.UpdatedAt,
	}
}

type subscriptionRepository struct {
	client *kivik.Client
	dbName string
}

func NewSubscriptionRepository(client *kivik.Client, dbName string) SubscriptionRepository {
	return &subscriptionRepository{
		client: client,
		dbName: dbName,
	}
}

func subscriptionDocID(userID string) string {
	return fmt.Sprintf("sub:%s", userID)
}

func (r *subscriptionRepository) Get(ctx context.Context, userID string) (*domain.SubscriptionSet, error) {
	db := r.client.DB(r.dbName)

	var env subscriptionEnvelope
	row := db.Get(ctx, subscriptionDocID(userID))
	if err := row.ScanDoc(&env); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription set: %w", err)
	}

	return env.toDomain(), nil
}

// Replace swaps the whole set and bumps the version to previous+1. The bump
// rides on the revision compare-and-set, so two concurrent replacements from
// the same user serialize and neither increment is lost.
func (r *subscriptionRepository) Replace(ctx context.Context, set *domain.SubscriptionSet) (*domain.SubscriptionSet, error) {
	db := r.client.DB(r.dbName)
	docID := subscriptionDocID(set.UserID)

	for {
		var current subscriptionEnvelope
		found := true
		row := db.Get(ctx, docID)
		if err := row.ScanDoc(&current); err != nil {
			if kivik.HTTPStatus(err) != http.StatusNotFound {
				return nil, fmt.Errorf("failed to read subscription set: %w", err)
			}
			found = false
		}

		env := subscriptionEnvelope{
			ID:            docID,
			Kind:          "subscription_set",
			UserID:        set.UserID,
			Version:       1,
			Subscriptions: set.Subscriptions,
			UpdatedAt:     time.Now(),
		}
		if found {
			env.Rev = current.Rev
			env.Version = current.Version + 1
		}

		if _, err := db.Put(ctx, docID, env); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				continue
			}
			return nil, fmt.Errorf("failed to replace subscription set: %w", err)
		}
		return env.toDomain(), nil
	}
}

// stateRank orders the subscription state machine; transitions only move
// forward, error being terminal.
var stateRank = map[domain.SubscriptionState]int{
	domain.SubscriptionPending:       0,
	domain.SubscriptionBootstrapping: 1,
	domain.SubscriptionComplete:      2,
	domain.SubscriptionError:         3,
}

func (r *subscriptionRepository) UpdateState(ctx context.Context, userID, subscriptionID string, state domain.SubscriptionState) error {
	db := r.client.DB(r.dbName)
	docID := subscriptionDocID(userID)

	for {
		var env subscriptionEnvelope
		row := db.Get(ctx, docID)
		if err := row.ScanDoc(&env); err != nil {
			if kivik.HTTPStatus(err) == http.StatusNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read subscription set: %w", err)
		}

		updated := false
		for i := range env.Subscriptions {
			if env.Subscriptions[i].ID != subscriptionID {
				continue
			}
			if stateRank[state] <= stateRank[env.Subscriptions[i].State] {
				return nil
			}
			env.Subscriptions[i].State = state
			updated = true
		}
		if !updated {
			// Subscription replaced underneath the bootstrap; nothing to move.
			return nil
		}

		env.UpdatedAt = time.Now()
		if _, err := db.Put(ctx, docID, env); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				continue
			}
			return fmt.Errorf("failed to update subscription state: %w", err)
		}
		return nil
	}
}
