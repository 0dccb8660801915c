package domain

import "time"

type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Change is the unit of mutation and the unit of the audit log. The ID acts
// as an idempotency key: re-submitting the same ID updates the existing log
// entry instead of creating a second one.
type Change struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Timestamp  int64          `json:"timestamp"`
	Operation  Operation      `json:"operation"`
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Data       map[string]any `json:"data,omitempty"`
	Synced     bool           `json:"synced"`
	ReceivedAt time.Time      `json:"received_at"`
}

// MatchPayload is what subscription queries are evaluated against. Deletes
// carry no data, so matching falls back to the document id.
func (c *Change) MatchPayload() map[string]any {
	if c.Data != nil {
		return c.Data
	}
	return map[string]any{"_id": c.DocumentID}
}

type Conflict struct {
	ExistingVersion int64  `json:"existing_version"`
	Reason          string `json:"reason"`
}

type ApplyResult struct {
	Applied  bool      `json:"applied"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

type SubmitChangeRequest struct {
	ID         string         `json:"id"`
	Operation  Operation      `json:"operation" validate:"required,oneof=insert update delete"`
	Collection string         `json:"collection" validate:"required"`
	DocumentID string         `json:"document_id" validate:"required"`
	Timestamp  int64          `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

type ChangeAck struct {
	Success   bool      `json:"success"`
	ChangeID  string    `json:"change_id"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Conflict  *Conflict `json:"conflict,omitempty"`
}
