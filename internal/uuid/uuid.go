// Package uuid provides record id generation and validation.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Canonical 8-4-4-4-12 form, version 4 or 7, RFC 4122 variant.
var idRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a time-ordered UUID v7, falling back to a random v4
// if the clock sequence cannot be read.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsValid checks if a string is a canonical UUID v4 or v7.
func IsValid(s string) bool {
	return idRegex.MatchString(s)
}

// Validate returns an error if the string is not a canonical UUID v4 or v7.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid record id format: %q", s)
	}
	return nil
}
