// Package store provides profile and path management for the local cache.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// Validation errors.
var (
	// ErrInvalidProfileID indicates the profile ID format is invalid.
	ErrInvalidProfileID = errors.New("invalid profile ID: must be lowercase alphanumeric with hyphens, 1-2 path segments")

	// ErrInvalidEntityName indicates an entity type name cannot be used as a table name.
	ErrInvalidEntityName = errors.New("invalid entity name: must start with a letter and contain only lowercase letters, digits and underscores")
)

// profileIDRegex validates profile ID format.
// Format: <studio>[/<location>]
// - Segments: lowercase alphanumeric and hyphens, 1-64 characters
// - No leading/trailing hyphens
var profileIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?)?$`)

// entityNameRegex mirrors what the remote REST layer accepts as a table name.
var entityNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateProfileID validates a profile ID.
// Returns ErrInvalidProfileID if the ID doesn't match the required pattern.
func ValidateProfileID(id string) error {
	if id == "" || len(id) > 129 {
		return ErrInvalidProfileID
	}
	// Consecutive hyphens are not caught by the regex
	if strings.Contains(id, "--") {
		return ErrInvalidProfileID
	}
	if !profileIDRegex.MatchString(id) {
		return ErrInvalidProfileID
	}
	return nil
}

// ValidateEntityName validates an entity type name.
func ValidateEntityName(name string) error {
	if !entityNameRegex.MatchString(name) {
		return ErrInvalidEntityName
	}
	return nil
}
