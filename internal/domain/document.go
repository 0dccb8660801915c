package domain

// Reserved attributes carried by every materialized document. The store owns
// both: sync_updated_at is the authoritative version stamp advanced by each
// successful write, _updated_by records the last writer.
const (
	FieldSyncUpdatedAt = "sync_updated_at"
	FieldUpdatedBy     = "_updated_by"
)

// Document is a materialized document as clients see it: the payload plus the
// reserved attributes.
type Document struct {
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Version    int64          `json:"sync_updated_at"`
	UpdatedBy  string         `json:"_updated_by"`
	Data       map[string]any `json:"data"`
}

// Materialize flattens the payload and reserved attributes into the single
// map shape queries are evaluated against.
func (d *Document) Materialize() map[string]any {
	out := make(map[string]any, len(d.Data)+3)
	for k, v := range d.Data {
		out[k] = v
	}
	out["_id"] = d.DocumentID
	out[FieldSyncUpdatedAt] = d.Version
	out[FieldUpdatedBy] = d.UpdatedBy
	return out
}
