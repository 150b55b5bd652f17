package license

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroups   = 3
	groupLen    = 4

	// Bytes at or above this value are rejected so that every alphabet
	// symbol is equally likely (252 = 7 * 36).
	rejectAbove = 256 - 256%len(keyAlphabet)
)

// KeyPattern matches a well-formed license key.
var KeyPattern = regexp.MustCompile(`^[A-Z0-9]+-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// GenerateKey returns a fresh key of the form PREFIX-XXXX-XXXX-XXXX drawn
// from a cryptographically secure source. It does not check uniqueness; the
// store's unique constraint does.
func GenerateKey(prefix string) (string, error) {
	symbols := make([]byte, 0, keyGroups*groupLen)
	buf := make([]byte, 2*keyGroups*groupLen)
	for len(symbols) < cap(symbols) {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			symbols = append(symbols, keyAlphabet[int(b)%len(keyAlphabet)])
			if len(symbols) == cap(symbols) {
				break
			}
		}
	}

	var sb strings.Builder
	sb.Grow(len(prefix) + keyGroups*(groupLen+1))
	sb.WriteString(prefix)
	for g := 0; g < keyGroups; g++ {
		sb.WriteByte('-')
		sb.Write(symbols[g*groupLen : (g+1)*groupLen])
	}
	return sb.String(), nil
}

// NormalizeKey upper-cases and trims a key typed by a customer.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
