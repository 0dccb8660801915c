package domain

import "time"

type SubscriptionState string

// Subscription states form a strictly forward state machine:
// pending -> bootstrapping -> complete, or -> error on a failed bootstrap.
const (
	SubscriptionPending       SubscriptionState = "pending"
	SubscriptionBootstrapping SubscriptionState = "bootstrapping"
	SubscriptionComplete      SubscriptionState = "complete"
	SubscriptionError         SubscriptionState = "error"
)

// Subscription is a named, durable filter registered per user. An empty query
// matches every document in the collection.
type Subscription struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Collection string            `json:"collection"`
	Query      string            `json:"query"`
	Args       []string          `json:"args,omitempty"`
	State      SubscriptionState `json:"state"`
}

// SubscriptionSet is a user's full set of persistent subscriptions. Version
// is monotonic: every replacement bumps it by one.
type SubscriptionSet struct {
	UserID        string         `json:"user_id"`
	Version       int64          `json:"version"`
	Subscriptions []Subscription `json:"subscriptions"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TransientQuery is an ephemeral, connection-scoped filter. Never persisted.
type TransientQuery struct {
	Query string   `json:"query"`
	Args  []string `json:"args,omitempty"`
}

type SubscriptionRequest struct {
	Name       string   `json:"name"`
	Collection string   `json:"collection" validate:"required"`
	Query      string   `json:"query"`
	Args       []string `json:"args"`
}

type UpdateSubscriptionsRequest struct {
	Subscriptions []SubscriptionRequest `json:"subscriptions" validate:"dive"`
}
