package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/store/storetest"
	"github.com/licensedesk/licensedesk/internal/token"
)

var salt = []byte("salt")

func newTestAuth(t *testing.T) (*AuthService, *store.Store) {
	t.Helper()
	st := storetest.New(t)
	auth := NewAuthService(st, token.NewCodec([]byte("test-secret-key-for-jwt")), Options{
		AdminTokenTTL:  time.Hour,
		MemberTokenTTL: time.Hour,
		BcryptCost:     bcrypt.MinCost,
		HashEmail: func(e string) string {
			return license.HashIdentity(salt, license.NormalizeEmail(e))
		},
	}, nil)
	return auth, st
}

func TestAdminLoginRoundTrip(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	if _, err := auth.CreateAdmin(ctx, "root", "correct horse"); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	tok, admin, err := auth.Login(ctx, "root", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if admin.Username != "root" || tok == "" {
		t.Fatalf("unexpected login result %q %+v", tok, admin)
	}

	p, err := auth.ValidateAdminToken(tok)
	if err != nil {
		t.Fatalf("ValidateAdminToken: %v", err)
	}
	if p.Username != "root" || p.ID != admin.ID {
		t.Errorf("principal = %+v", p)
	}
}

func TestAdminLoginFailures(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()
	if _, err := auth.CreateAdmin(ctx, "root", "correct horse"); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	if _, _, err := auth.Login(ctx, "root", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, _, err := auth.Login(ctx, "nobody", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v", err)
	}
	if _, err := auth.CreateAdmin(ctx, "short", "abc"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("weak password: got %v", err)
	}
	if _, err := auth.CreateAdmin(ctx, "root", "another password"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate admin: got %v", err)
	}
}

func TestAdminTokenRejections(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.ValidateAdminToken("garbage.token.here"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: got %v", err)
	}

	foreign, _ := token.NewCodec([]byte("other-secret")).Issue(token.Claims{"role": "admin", "username": "root"}, time.Hour)
	if _, err := auth.ValidateAdminToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret: got %v", err)
	}

	expired, _ := auth.codec.Issue(token.Claims{"role": "admin", "username": "root"}, -time.Hour)
	if _, err := auth.ValidateAdminToken(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: got %v", err)
	}

	member, _ := auth.codec.Issue(token.Claims{"role": "member", "email": "a@b.com"}, time.Hour)
	if _, err := auth.ValidateAdminToken(member); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("member token on admin route: got %v", err)
	}
}

func TestMemberLogin(t *testing.T) {
	auth, st := newTestAuth(t)
	ctx := context.Background()

	hash := license.HashIdentity(salt, "a@b.com")
	m, err := st.EnsureMember(ctx, "a@b.com", hash, time.Now())
	if err != nil {
		t.Fatalf("EnsureMember: %v", err)
	}
	if _, _, err := auth.MemberLogin(ctx, "a@b.com", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("member without password: got %v", err)
	}

	pw, _ := bcrypt.GenerateFromPassword([]byte("temp-pass-123"), bcrypt.MinCost)
	if err := st.SetMemberPassword(ctx, m.ID, string(pw), time.Now()); err != nil {
		t.Fatalf("SetMemberPassword: %v", err)
	}

	tok, got, err := auth.MemberLogin(ctx, " A@B.com ", "temp-pass-123")
	if err != nil {
		t.Fatalf("MemberLogin: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("logged in as %s, want %s", got.ID, m.ID)
	}
	p, err := auth.ValidateMemberToken(tok)
	if err != nil {
		t.Fatalf("ValidateMemberToken: %v", err)
	}
	if p.Email != "a@b.com" {
		t.Errorf("principal email = %q", p.Email)
	}
	if _, err := auth.ValidateAdminToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("member token accepted as admin: %v", err)
	}
}
