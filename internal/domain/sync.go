package domain

type GetChangesRequest struct {
	Since      int64  `json:"since"`
	Limit      int    `json:"limit"`
	Collection string `json:"collection,omitempty"`
	Query      string `json:"query,omitempty"`
}

type GetChangesResponse struct {
	Changes         []*Change `json:"changes"`
	LatestTimestamp int64     `json:"latest_timestamp"`
	HasMore         bool      `json:"has_more"`
}

type UpdateSubscriptionsResponse struct {
	Version int64 `json:"version"`
}

// SnapshotPage is the one-shot bootstrap snapshot delivered when a persistent
// subscription is created or updated, capped at the configured page size.
type SnapshotPage struct {
	SubscriptionID string           `json:"subscription_id"`
	Collection     string           `json:"collection"`
	Documents      []map[string]any `json:"documents"`
	Complete       bool             `json:"complete"`
}
