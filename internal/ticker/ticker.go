// Package ticker handles stock ticker parsing and validation.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLen is the longest accepted ticker symbol.
const MaxLen = 10

// tickerRegex matches an upper-case symbol: a letter followed by letters,
// digits or dots. Examples: XYZ, BRK.B, GOOG2
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

var (
	ErrInvalidTicker = errors.New("ticker: invalid ticker format")
	ErrEmptyTicker   = errors.New("ticker: ticker is required")
)

// Parse normalizes a user-supplied ticker (trim, upper-case) and validates it.
// The result is safe to use as a ledger path segment.
func Parse(raw string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(raw))
	if t == "" {
		return "", ErrEmptyTicker
	}
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q (expected 1-%d chars of A-Z, 0-9 or '.', starting with a letter)",
			ErrInvalidTicker, raw, MaxLen)
	}
	return t, nil
}

// MustParse is like Parse but panics on invalid input. Intended for tests
// and static fixtures.
func MustParse(raw string) string {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}
