// Package validator checks change messages before they reach an indexer.
// Failures unwrap to ErrMessageMalformed so the worker dead-letters them.
package validator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
)

const (
	maxIDLength     = 255
	maxEntityLength = 1 << 20
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrMessageMalformed }

// Decode parses and validates a raw message body.
func Decode(body []byte) (ingestion.ChangeMessage, error) {
	var msg ingestion.ChangeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("decoding change message: %w: %v", apperrors.ErrMessageMalformed, err)
	}
	return msg, ValidateChange(&msg)
}

// ValidateChange checks the envelope of msg. The entity document itself is
// decoded by the handler for its type.
func ValidateChange(msg *ingestion.ChangeMessage) error {
	errs := make(map[string]string)

	if strings.TrimSpace(msg.EntityType) == "" {
		errs["entity_type"] = "entity type is required"
	}
	id := strings.TrimSpace(msg.EntityID)
	if id == "" {
		errs["entity_id"] = "entity id is required"
	} else if len(id) > maxIDLength {
		errs["entity_id"] = fmt.Sprintf("entity id must be at most %d characters", maxIDLength)
	} else if strings.Contains(id, "\n") {
		errs["entity_id"] = "entity id must not contain newlines"
	}
	switch msg.Operation {
	case ingestion.OpUpsert:
		if len(msg.Entity) == 0 || string(msg.Entity) == "null" {
			errs["entity"] = "entity is required for upsert"
		} else if len(msg.Entity) > maxEntityLength {
			errs["entity"] = fmt.Sprintf("entity must be at most %d bytes", maxEntityLength)
		}
	case ingestion.OpDelete:
	default:
		errs["operation"] = fmt.Sprintf("operation must be upsert or delete, got %q", msg.Operation)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
