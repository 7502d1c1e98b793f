package validation

import (
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrIDEmpty is returned when an id is empty or whitespace-only after trim.
var ErrIDEmpty = errors.New("id is required")

// ErrIDMalformed is returned when an id is not a UUID.
var ErrIDMalformed = errors.New("id must be a UUID")

// ErrLimitInvalid is returned when a limit is not an integer within bounds.
var ErrLimitInvalid = errors.New("limit must be a positive integer")

// ErrBoolInvalid is returned when a flag is not a boolean.
var ErrBoolInvalid = errors.New("value must be true or false")

// ValidateID trims the input and requires a UUID. Returns the canonical lowercase form
// suitable for store lookups and cache keys.
func ValidateID(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrIDEmpty
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", ErrIDMalformed
	}
	return id.String(), nil
}

// ParseLimit parses a limit query value. Empty input returns def. Values above max are
// clamped to max when max > 0; zero and negatives are rejected.
func ParseLimit(input string, def, max int) (int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, ErrLimitInvalid
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}

// ParseBool parses an optional boolean query value. Empty input returns def.
func ParseBool(input string, def bool) (bool, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, ErrBoolInvalid
	}
	return v, nil
}
