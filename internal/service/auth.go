package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

const (
	roleAdmin  = "admin"
	roleMember = "member"

	minPasswordLen = 8
)

// dummyHash is compared against when the account does not exist so that
// unknown usernames cost as much as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("licensedesk-dummy-password"), bcrypt.DefaultCost)

type AdminPrincipal struct {
	ID       string
	Username string
}

type MemberPrincipal struct {
	ID    string
	Email string
}

type Options struct {
	AdminTokenTTL  time.Duration
	MemberTokenTTL time.Duration
	BcryptCost     int
	HashEmail      func(email string) string
}

type AuthService struct {
	store  *store.Store
	codec  *token.Codec
	opts   Options
	logger *slog.Logger
}

func NewAuthService(st *store.Store, codec *token.Codec, opts Options, logger *slog.Logger) *AuthService {
	if opts.AdminTokenTTL <= 0 {
		opts.AdminTokenTTL = 12 * time.Hour
	}
	if opts.MemberTokenTTL <= 0 {
		opts.MemberTokenTTL = 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{store: st, codec: codec, opts: opts, logger: logger}
}

// CreateAdmin stores a new admin with a bcrypt-hashed password.
func (s *AuthService) CreateAdmin(ctx context.Context, username, password string) (*model.Admin, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		return nil, err
	}
	admin := &model.Admin{Username: username, PasswordHash: hash, IsActive: true}
	if err := s.store.CreateAdmin(ctx, admin); err != nil {
		return nil, err
	}
	return admin, nil
}

// SetAdminPassword replaces an admin's password.
func (s *AuthService) SetAdminPassword(ctx context.Context, username, password string) error {
	hash, err := s.hashPassword(password)
	if err != nil {
		return err
	}
	return s.store.UpdateAdminPassword(ctx, username, hash)
}

// Login checks admin credentials and returns a signed admin token.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, *model.Admin, error) {
	admin, err := s.store.GetAdminByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password)) //nolint:errcheck
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !admin.IsActive {
		s.logger.Info("login by disabled admin", "username", username)
		return "", nil, ErrInvalidCredentials
	}

	tok, err := s.codec.Issue(token.Claims{
		"sub":      admin.ID,
		"username": admin.Username,
		"role":     roleAdmin,
	}, s.opts.AdminTokenTTL)
	if err != nil {
		return "", nil, err
	}

	// Update last login (fire and forget)
	go s.store.UpdateAdminLastLogin(context.Background(), admin.ID) //nolint:errcheck

	return tok, admin, nil
}

// ValidateAdminToken verifies an admin bearer token.
func (s *AuthService) ValidateAdminToken(tokenStr string) (*AdminPrincipal, error) {
	claims, ok := s.codec.Verify(tokenStr)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.String("role") != roleAdmin || claims.String("username") == "" {
		s.logger.Debug("token rejected for admin route", "role", claims.String("role"))
		return nil, ErrInvalidToken
	}
	return &AdminPrincipal{ID: claims.String("sub"), Username: claims.String("username")}, nil
}

// MemberLogin checks member credentials and returns a signed member token.
// Members without a password cannot log in until support resets it.
func (s *AuthService) MemberLogin(ctx context.Context, email, password string) (string, *model.Member, error) {
	if s.opts.HashEmail == nil {
		return "", nil, ErrInvalidCredentials
	}
	member, err := s.store.GetMemberByEmailHash(ctx, s.opts.HashEmail(email))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password)) //nolint:errcheck
		return "", nil, ErrInvalidCredentials
	}
	if member.PasswordHash == "" {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(member.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	tok, err := s.codec.Issue(token.Claims{
		"sub":   member.ID,
		"email": member.Email,
		"role":  roleMember,
	}, s.opts.MemberTokenTTL)
	if err != nil {
		return "", nil, err
	}
	return tok, member, nil
}

// ValidateMemberToken verifies a member bearer token.
func (s *AuthService) ValidateMemberToken(tokenStr string) (*MemberPrincipal, error) {
	claims, ok := s.codec.Verify(tokenStr)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.String("role") != roleMember || claims.String("email") == "" {
		s.logger.Debug("token rejected for member route", "role", claims.String("role"))
		return nil, ErrInvalidToken
	}
	return &MemberPrincipal{ID: claims.String("sub"), Email: claims.String("email")}, nil
}

func (s *AuthService) hashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
