// Package uuid provides operation id generation and local placeholder ids.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// PlaceholderPrefix marks an entity id that was assigned locally and has not
// yet been replaced by the id the remote store returned for its Create.
const PlaceholderPrefix = "local:"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// Placeholder returns the local entity id for the Create operation opID.
func Placeholder(opID string) string {
	return PlaceholderPrefix + opID
}

// IsPlaceholder reports whether entityID is a local placeholder.
func IsPlaceholder(entityID string) bool {
	return strings.HasPrefix(entityID, PlaceholderPrefix)
}

// PlaceholderOwner returns the Create operation id a placeholder refers to.
func PlaceholderOwner(entityID string) (string, bool) {
	if !IsPlaceholder(entityID) {
		return "", false
	}
	return strings.TrimPrefix(entityID, PlaceholderPrefix), true
}
