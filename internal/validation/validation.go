package validation

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains control characters or invalid UTF-8.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ValidateLocation rejects input that can never name a place: empty or
// whitespace-only strings, lengths outside [minLen, maxLen] runes, control
// characters and invalid UTF-8. A zero bound disables that check.
//
// The input is returned unchanged. Locations are stored and matched exactly
// as given, so no trimming or case folding happens here.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", ErrLocationEmpty
	}
	if !utf8.ValidString(input) {
		return "", ErrLocationInvalidChars
	}
	n := utf8.RuneCountInString(input)
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range input {
		if unicode.IsControl(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return input, nil
}
