// Package ids mints and validates session/file identifiers and retrieval
// codes.
package ids

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewUUID mints a new UUID v4.
func NewUUID() string {
	return uuid.New().String()
}

// ValidUUID reports whether s is a well-formed UUID v4, case-insensitive.
func ValidUUID(s string) bool {
	return uuidPattern.MatchString(strings.ToLower(s))
}

// NewRetrievalCode draws a fresh 6-character retrieval code from a
// cryptographically secure source: six independent draws from the 36-symbol
// alphabet A-Z,0-9.
func NewRetrievalCode() (string, error) {
	b := make([]byte, 6)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// ValidRetrievalCode reports whether s matches the retrieval-code pattern.
func ValidRetrievalCode(s string) bool {
	return codePattern.MatchString(s)
}
