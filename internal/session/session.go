// Package session runs the challenge/response handshake that gives the
// extension short-lived session tokens.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/licensedesk/licensedesk/internal/audit"
	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
)

// ChallengeTTL is how long an issued challenge may be redeemed.
const ChallengeTTL = 60 * time.Second

const purgeTimeout = 10 * time.Second

var (
	ErrChallengeInvalid  = errors.New("challenge is invalid, used or expired")
	ErrInvalidProof      = errors.New("challenge response does not verify")
	ErrLicenseNotFound   = errors.New("license not found")
	ErrLicenseInactive   = errors.New("license is not active")
	ErrIntegrityRejected = errors.New("extension integrity hash is not allowed")
	ErrSessionInvalid    = errors.New("session is invalid or expired")
	ErrUnknownViolation  = errors.New("unknown violation type")
)

// Options configures a Service.
type Options struct {
	TTL                    time.Duration
	AllowedIntegrityHashes []string
	Now                    func() time.Time
}

// RedeemRequest is the extension's answer to a challenge.
type RedeemRequest struct {
	ChallengeToken string
	LicenseKey     string
	Fingerprint    string
	IntegrityHash  string
	Response       string
	DeviceName     string
	IP             string
}

// ViolationReport is a tamper or integrity event detected by the extension.
type ViolationReport struct {
	SessionToken string
	Action       string
	Details      map[string]any
	IP           string
}

// Service issues challenges and manages sessions.
type Service struct {
	store   *store.Store
	devices *device.Service
	opts    Options
	logger  *slog.Logger

	purges sync.WaitGroup
}

// NewService creates a session Service.
func NewService(st *store.Store, devices *device.Service, opts Options, logger *slog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = 4 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, devices: devices, opts: opts, logger: logger}
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

// Proof computes the expected response to a challenge: the hex HMAC-SHA256,
// keyed by the nonce, of token "." fingerprint "." licenseKey.
func Proof(nonce, challengeToken, fingerprint, licenseKey string) string {
	mac := hmac.New(sha256.New, []byte(nonce))
	mac.Write([]byte(challengeToken + "." + fingerprint + "." + licenseKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// validProof compares the decoded digests so hex case does not matter.
func validProof(want, got string) bool {
	wb, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	gb, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	return hmac.Equal(wb, gb)
}

// IssueChallenge creates a single-use challenge valid for ChallengeTTL.
func (s *Service) IssueChallenge(ctx context.Context, fingerprint, extensionID string) (*model.Challenge, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("device fingerprint is required")
	}
	nonce, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	suffix, err := randomHex(16)
	if err != nil {
		return nil, err
	}

	at := s.now()
	c := &model.Challenge{
		ChallengeToken:    fmt.Sprintf("%d-%s", at.UnixMilli(), suffix),
		Nonce:             nonce,
		DeviceFingerprint: fingerprint,
		ExtensionID:       extensionID,
		ExpiresAt:         at.Add(ChallengeTTL),
		CreatedAt:         at,
	}
	if err := s.store.InsertChallenge(ctx, c); err != nil {
		return nil, err
	}
	metrics.Get().Challenge("issued")

	s.purges.Add(1)
	go s.purge(at)
	return c, nil
}

// purge removes stale challenges and sessions. Failures never reach the
// caller that triggered it.
func (s *Service) purge(at time.Time) {
	defer s.purges.Done()
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	if _, err := s.store.Purge(ctx, at); err != nil {
		s.logger.Debug("challenge purge failed", "error", err)
	}
}

// Wait blocks until background purges have finished.
func (s *Service) Wait() {
	s.purges.Wait()
}

// RedeemChallenge verifies a challenge response and opens a session on the
// license, binding the device on the way.
func (s *Service) RedeemChallenge(ctx context.Context, req RedeemRequest) (*model.Session, error) {
	c, err := s.store.GetChallenge(ctx, req.ChallengeToken)
	if errors.Is(err, store.ErrNotFound) {
		metrics.Get().Challenge("rejected")
		return nil, ErrChallengeInvalid
	}
	if err != nil {
		return nil, err
	}
	if c.DeviceFingerprint != req.Fingerprint {
		metrics.Get().Challenge("rejected")
		return nil, ErrChallengeInvalid
	}

	lic, err := s.store.GetLicenseByKey(ctx, license.NormalizeKey(req.LicenseKey))
	if errors.Is(err, store.ErrNotFound) {
		metrics.Get().Challenge("rejected")
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}

	if !validProof(Proof(c.Nonce, c.ChallengeToken, req.Fingerprint, lic.Key), req.Response) {
		metrics.Get().Challenge("rejected")
		s.violation(ctx, lic, model.ActionInvalidSignature, req.Fingerprint, req.IP, nil)
		return nil, ErrInvalidProof
	}

	at := s.now()
	ok, err := s.store.ConsumeChallenge(ctx, c.ChallengeToken, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.Get().Challenge("rejected")
		return nil, ErrChallengeInvalid
	}

	if !lic.Status.Usable() {
		metrics.Get().Challenge("rejected")
		s.violation(ctx, lic, model.ActionValidationFailed, req.Fingerprint, req.IP,
			map[string]any{"status": string(lic.Status)})
		return nil, ErrLicenseInactive
	}

	if len(s.opts.AllowedIntegrityHashes) > 0 && !slices.Contains(s.opts.AllowedIntegrityHashes, req.IntegrityHash) {
		metrics.Get().Challenge("rejected")
		s.violation(ctx, lic, model.ActionUnknownHashBlocked, req.Fingerprint, req.IP,
			map[string]any{"integrity_hash": req.IntegrityHash})
		return nil, ErrIntegrityRejected
	}

	if _, err := s.devices.Bind(ctx, lic.ID, req.Fingerprint, device.Info{Name: req.DeviceName, IP: req.IP}); err != nil {
		metrics.Get().Challenge("rejected")
		return nil, err
	}

	token, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	sess := &model.Session{
		Token:             token,
		LicenseID:         lic.ID,
		DeviceFingerprint: req.Fingerprint,
		IntegrityHash:     req.IntegrityHash,
		CreatedAt:         at,
		LastHeartbeat:     at,
		ExpiresAt:         at.Add(s.opts.TTL),
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.Get().Challenge("redeemed")
	metrics.Get().SessionOpened()
	s.logger.Debug("session opened", "license_id", lic.ID, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// ValidateSession returns the session and its license when the session is
// unexpired and the license is still active. It never extends the session.
func (s *Service) ValidateSession(ctx context.Context, token string) (*model.Session, *model.License, error) {
	sess, lic, err := s.load(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if lic.Status != model.LicenseActive {
		return nil, nil, ErrLicenseInactive
	}
	if _, err := s.devices.Touch(ctx, lic.ID, sess.DeviceFingerprint, ""); err != nil {
		s.logger.Debug("device touch failed", "license_id", lic.ID, "error", err)
	}
	return sess, lic, nil
}

// Heartbeat records that the extension is alive. The expiry is unchanged.
func (s *Service) Heartbeat(ctx context.Context, token string) (*model.Session, error) {
	sess, lic, err := s.ValidateSession(ctx, token)
	if err != nil {
		return nil, err
	}
	at := s.now()
	ok, err := s.store.HeartbeatSession(ctx, token, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionInvalid
	}
	sess.LastHeartbeat = at
	s.logger.Debug("heartbeat", "license_id", lic.ID)
	return sess, nil
}

// EndSession expires a session immediately.
func (s *Service) EndSession(ctx context.Context, token string) error {
	ok, err := s.store.ExpireSession(ctx, token, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionInvalid
	}
	return nil
}

// ReportViolation appends a violation reported by the extension to the
// license log. Only a live session may report. A session_invalidated
// report also ends the session.
func (s *Service) ReportViolation(ctx context.Context, r ViolationReport) error {
	if !model.IsViolation(r.Action) {
		return fmt.Errorf("%w: %q", ErrUnknownViolation, r.Action)
	}
	sess, lic, err := s.load(ctx, r.SessionToken)
	if err != nil {
		return err
	}

	if err := audit.Record(ctx, s.store, audit.Entry{
		License:     lic,
		Action:      r.Action,
		Actor:       model.ActorExtension,
		Fingerprint: sess.DeviceFingerprint,
		IP:          r.IP,
		Metadata:    r.Details,
		At:          s.now(),
	}); err != nil {
		return err
	}
	if r.Action == model.ActionSessionInvalidated {
		if _, err := s.store.ExpireSession(ctx, sess.Token, s.now()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) load(ctx context.Context, token string) (*model.Session, *model.License, error) {
	if token == "" {
		return nil, nil, ErrSessionInvalid
	}
	sess, err := s.store.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, nil, err
	}
	if !sess.ExpiresAt.After(s.now()) {
		return nil, nil, ErrSessionInvalid
	}
	lic, err := s.store.GetLicense(ctx, sess.LicenseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, nil, err
	}
	return sess, lic, nil
}

// violation logs a failed handshake against the license. The handshake error
// is what the caller sees, so logging failures are only reported here.
func (s *Service) violation(ctx context.Context, lic *model.License, action, fingerprint, ip string, meta map[string]any) {
	err := audit.Record(ctx, s.store, audit.Entry{
		License:     lic,
		Action:      action,
		Actor:       model.ActorExtension,
		Fingerprint: fingerprint,
		IP:          ip,
		Metadata:    meta,
		At:          s.now(),
	})
	if err != nil {
		s.logger.Warn("record violation failed", "license_id", lic.ID, "action", action, "error", err)
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
