// Package token issues and verifies compact HMAC-SHA256 bearer tokens in the
// JWT layout: base64url(header) "." base64url(payload) "." base64url(signature).
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a token. Issue adds "iat" and "exp" (Unix seconds).
type Claims map[string]any

// String returns the claim as a string, or "" when absent or not a string.
func (c Claims) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// ExpiresAt returns the "exp" claim as a time.
func (c Claims) ExpiresAt() time.Time {
	switch v := c["exp"].(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	}
	return time.Time{}
}

// Codec signs and verifies tokens with one shared secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec returns a codec keyed by secret.
func NewCodec(secret []byte) *Codec {
	return &Codec{secret: secret, now: time.Now}
}

// WithClock returns a copy of the codec that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	return &Codec{secret: c.secret, now: now}
}

// Issue signs claims with HS256, valid for ttl from now. A non-positive ttl
// yields a token that is already expired.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	if len(c.secret) == 0 {
		return "", errors.New("token: empty signing secret")
	}
	now := c.now()
	mc := make(jwt.MapClaims, len(claims)+2)
	for k, v := range claims {
		mc[k] = v
	}
	mc["iat"] = now.Unix()
	mc["exp"] = now.Add(ttl).Unix()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(c.secret)
}

// Verify checks the signature (constant-time) and expiry of tokenStr and
// returns its claims. Any malformed, tampered, foreign or expired token
// yields ok=false; Verify never panics on hostile input.
func (c *Codec) Verify(tokenStr string) (Claims, bool) {
	if len(c.secret) == 0 || tokenStr == "" {
		return nil, false
	}
	mc := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, mc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !tok.Valid {
		return nil, false
	}
	return Claims(mc), true
}
