package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var ErrRandomSource = errors.New("secure random source failed")

// Reader is the random source; tests may replace it.
var Reader io.Reader = rand.Reader

// HashToken returns the lowercase hex SHA-256 of token. Only this value
// is ever persisted for CSRF secrets.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RandomBytes reads n bytes from the secure random source.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(Reader, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	return b, nil
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
