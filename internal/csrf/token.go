package csrf

import (
	"encoding/hex"
	"strings"

	"edge-guard/internal/hashing"
)

const (
	secretBytes = 32
	saltBytes   = 16

	separator = "."

	// hex secret, separator and at least one salt character
	minTokenLength = secretBytes*2 + len(separator) + 1
)

// newTokenPair returns the cookie value (hex secret) and the companion
// token (hex secret + "." + hex salt).
func newTokenPair() (cookieValue, token string, err error) {
	secret, err := hashing.RandomBytes(secretBytes)
	if err != nil {
		return "", "", err
	}
	salt, err := hashing.RandomBytes(saltBytes)
	if err != nil {
		return "", "", err
	}
	cookieValue = hex.EncodeToString(secret)
	return cookieValue, cookieValue + separator + hex.EncodeToString(salt), nil
}

// splitToken returns the base secret part of a submitted token.
func splitToken(token string) (string, error) {
	if len(token) < minTokenLength {
		return "", ErrTokenFormat
	}
	base, salt, ok := strings.Cut(token, separator)
	if !ok || base == "" || salt == "" {
		return "", ErrTokenFormat
	}
	return base, nil
}
