// Package ingestion defines the change message consumed by the indexer
// worker and produced by recipectl.
package ingestion

import (
	"encoding/json"
	"time"
)

// Operation is what happened to the entity upstream.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// ChangeMessage announces that one entity was created, updated or deleted.
// Entity carries the full entity document for upserts and is ignored for
// deletes.
type ChangeMessage struct {
	EntityType  string          `json:"entity_type"`
	Operation   Operation       `json:"operation"`
	EntityID    string          `json:"entity_id"`
	Entity      json.RawMessage `json:"entity,omitempty"`
	PublishedAt time.Time       `json:"published_at,omitempty"`
}

// GroupKey identifies the entity a message is about. Messages with the same
// key must be applied in order.
func (m ChangeMessage) GroupKey() string {
	return m.EntityType + "/" + m.EntityID
}
