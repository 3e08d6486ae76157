package index

import (
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
)

var reserved = map[string]struct{}{
	"names":    {},
	"facets":   {},
	"search":   {},
	"locks":    {},
	"combined": {},
}

// Keys derives every store key of one entity type. The layout is the only
// addressing scheme into the shared store, so it must never change shape:
//
//	<type>:<attribute>           registry of observed values
//	<type>:<attribute>:<value>   ids having that value
//	<type>:names                 id -> display names
//	<type>:facets                id -> attribute values last indexed
//	<type>:search:<token>        ids whose names contain token
//	<type>:locks:<id>            per-entity lease
//	<type>:combined:<digest>     expiring combinator results
type Keys struct {
	Type string
}

func (k Keys) Registry(attribute string) string { return k.Type + ":" + attribute }

func (k Keys) Value(attribute, value string) string {
	return k.Type + ":" + attribute + ":" + value
}

func (k Keys) Names() string  { return k.Type + ":names" }
func (k Keys) Facets() string { return k.Type + ":facets" }

func (k Keys) Search(token string) string { return k.Type + ":search:" + token }

func (k Keys) Lock(id string) string { return k.Type + ":locks:" + id }

// Abs turns a type-relative key such as "vegan:true" into a store key.
func (k Keys) Abs(rel string) string { return k.Type + ":" + rel }

func validateType(name string) error {
	if name == "" || strings.ContainsAny(name, ": \t\n") {
		return fmt.Errorf("entity type %q: %w", name, apperrors.ErrUnknownEntityType)
	}
	return nil
}

func validateAttribute(name string) error {
	if name == "" || strings.ContainsAny(name, ": \t\n") {
		return fmt.Errorf("attribute %q: %w", name, apperrors.ErrInvalidInput)
	}
	if _, ok := reserved[name]; ok {
		return fmt.Errorf("attribute %q is reserved: %w", name, apperrors.ErrInvalidInput)
	}
	return nil
}
