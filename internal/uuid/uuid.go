// Package uuid provides identifier generation for local records and queue items.
package uuid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Client identifiers look like 1729331234567-3f2a9c1b7d4e4f10.
var clientIDRegex = regexp.MustCompile(`^[0-9]{13,}-[0-9a-f]{16}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewClientID generates a client identifier: the creation time in unix
// milliseconds followed by 64 random bits. The prefix keeps identifiers
// roughly time ordered; uniqueness comes from the random suffix.
func NewClientID(now time.Time) string {
	id := uuid.New()
	suffix := strings.ReplaceAll(id.String(), "-", "")[:16]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// IsClientID reports whether s has the shape produced by NewClientID.
func IsClientID(s string) bool {
	return clientIDRegex.MatchString(s)
}

// ClientIDTime returns the creation time encoded in a client identifier.
func ClientIDTime(s string) (time.Time, error) {
	if !IsClientID(s) {
		return time.Time{}, fmt.Errorf("invalid client id: %q", s)
	}
	ms, err := strconv.ParseInt(s[:strings.IndexByte(s, '-')], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid client id timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
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
