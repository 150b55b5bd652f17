package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeDocument keeps only the digits of a tax document number.
func NormalizeDocument(doc string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, doc)
}

// HashIdentity returns the hex HMAC-SHA256 of value keyed by salt. Empty
// values hash to "" so that absent identities never collide.
func HashIdentity(salt []byte, value string) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
