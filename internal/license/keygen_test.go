package license

import (
	"strings"
	"testing"
)

func TestGenerateKeyFormat(t *testing.T) {
	key, err := GenerateKey("EXT")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !KeyPattern.MatchString(key) {
		t.Fatalf("key %q does not match %s", key, KeyPattern)
	}
	if !strings.HasPrefix(key, "EXT-") {
		t.Errorf("key %q lost its prefix", key)
	}
	if len(key) != len("EXT-XXXX-XXXX-XXXX") {
		t.Errorf("key %q has length %d", key, len(key))
	}
}

func TestGenerateKeyUnique(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		key, err := GenerateKey("EXT")
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key %q after %d keys", key, i)
		}
		seen[key] = struct{}{}
	}
}

func TestNormalizeKey(t *testing.T) {
	if got := NormalizeKey("  ext-abcd-efgh-1234\n"); got != "EXT-ABCD-EFGH-1234" {
		t.Errorf("NormalizeKey = %q", got)
	}
}

func TestHashIdentity(t *testing.T) {
	salt := []byte("salt")
	a := HashIdentity(salt, NormalizeEmail(" A@B.com "))
	b := HashIdentity(salt, NormalizeEmail("a@b.com"))
	if a != b || len(a) != 64 {
		t.Fatalf("normalized emails should hash equal: %q vs %q", a, b)
	}
	if HashIdentity([]byte("other"), "a@b.com") == a {
		t.Error("hash must depend on the salt")
	}
	if HashIdentity(salt, "") != "" {
		t.Error("empty identity should hash to empty string")
	}
	if got := NormalizeDocument("123.456.789-09"); got != "12345678909" {
		t.Errorf("NormalizeDocument = %q", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{"awaiting_activation", "active", true},
		{"active", "suspended", true},
		{"active", "blocked", true},
		{"suspended", "active", true},
		{"blocked", "active", true},
		{"revoked", "active", true},
		{"revoked", "suspended", false},
		{"suspended", "blocked", false},
		{"active", "awaiting_activation", false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			if got := CanTransition(status(tt.from), status(tt.to)); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}

	from := ValidTransitionsFrom("suspended")
	if len(from) != 2 || from[0] != "active" || from[1] != "revoked" {
		t.Errorf("ValidTransitionsFrom(suspended) = %v", from)
	}
}
