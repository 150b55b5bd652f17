package store

import (
	"context"
	"fmt"
	"time"

	"github.com/licensedesk/licensedesk/internal/model"
)

const (
	challengeColumns = `id, challenge_token, nonce, device_fingerprint, extension_id, expires_at, used, created_at`
	sessionColumns   = `id, session_token, license_id, device_fingerprint, integrity_hash, created_at, last_heartbeat, expires_at`
)

// ---------------------------------------------------------------------------
// Challenges
// ---------------------------------------------------------------------------

// InsertChallenge stores a freshly issued challenge.
func (s *Store) InsertChallenge(ctx context.Context, c *model.Challenge) error {
	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt = utc(c.CreatedAt)
	c.ExpiresAt = c.ExpiresAt.UTC()

	const q = `INSERT INTO challenges (` + challengeColumns + `)
		VALUES (:id, :challenge_token, :nonce, :device_fingerprint, :extension_id, :expires_at, :used, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, c); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// GetChallenge returns a challenge by its token, used or not.
func (s *Store) GetChallenge(ctx context.Context, token string) (*model.Challenge, error) {
	var c model.Challenge
	err := s.db.GetContext(ctx, &c,
		s.q("SELECT "+challengeColumns+" FROM challenges WHERE challenge_token = ?"), token)
	if err != nil {
		return nil, notFound(err, "get challenge")
	}
	return &c, nil
}

// ConsumeChallenge marks a challenge used if, and only if, it is unused and
// unexpired at the moment of the update. Of any number of concurrent callers
// at most one sees true.
func (s *Store) ConsumeChallenge(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE challenges SET used = ? WHERE challenge_token = ? AND used = ? AND expires_at > ?"),
		true, token, false, utc(at))
	if err != nil {
		return false, fmt.Errorf("consume challenge: %w", err)
	}
	n, err := rowsAffected(res, "consume challenge")
	return n == 1, err
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// InsertSession stores a new session.
func (s *Store) InsertSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = newID()
	}
	sess.CreatedAt = utc(sess.CreatedAt)
	sess.LastHeartbeat = utc(sess.LastHeartbeat)
	sess.ExpiresAt = sess.ExpiresAt.UTC()

	const q = `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (:id, :session_token, :license_id, :device_fingerprint, :integrity_hash, :created_at, :last_heartbeat, :expires_at)`
	if _, err := s.db.NamedExecContext(ctx, q, sess); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by token regardless of expiry.
func (s *Store) GetSession(ctx context.Context, token string) (*model.Session, error) {
	var sess model.Session
	err := s.db.GetContext(ctx, &sess,
		s.q("SELECT "+sessionColumns+" FROM sessions WHERE session_token = ?"), token)
	if err != nil {
		return nil, notFound(err, "get session")
	}
	return &sess, nil
}

// HeartbeatSession records liveness on an unexpired session. The expiry is
// left untouched.
func (s *Store) HeartbeatSession(ctx context.Context, token string, at time.Time) (bool, error) {
	at = utc(at)
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE sessions SET last_heartbeat = ? WHERE session_token = ? AND expires_at > ?"),
		at, token, at)
	if err != nil {
		return false, fmt.Errorf("heartbeat session: %w", err)
	}
	n, err := rowsAffected(res, "heartbeat session")
	return n == 1, err
}

// ExpireSession ends a session immediately.
func (s *Store) ExpireSession(ctx context.Context, token string, at time.Time) (bool, error) {
	at = utc(at)
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE sessions SET expires_at = ? WHERE session_token = ? AND expires_at > ?"),
		at, token, at)
	if err != nil {
		return false, fmt.Errorf("expire session: %w", err)
	}
	n, err := rowsAffected(res, "expire session")
	return n == 1, err
}

// ExpireLicenseSessions ends every open session of a license and returns how
// many were open.
func (s *Store) ExpireLicenseSessions(ctx context.Context, licenseID string, at time.Time) (int64, error) {
	at = utc(at)
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE sessions SET expires_at = ? WHERE license_id = ? AND expires_at > ?"),
		at, licenseID, at)
	if err != nil {
		return 0, fmt.Errorf("expire license sessions: %w", err)
	}
	return rowsAffected(res, "expire license sessions")
}

// PurgeResult counts the rows removed by Purge.
type PurgeResult struct {
	Challenges int64
	Sessions   int64
}

// Purge deletes used or expired challenges and sessions that expired before
// the cutoff. It is safe to run concurrently with everything else.
func (s *Store) Purge(ctx context.Context, at time.Time) (PurgeResult, error) {
	at = utc(at)
	var out PurgeResult

	res, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM challenges WHERE used = ? OR expires_at <= ?"), true, at)
	if err != nil {
		return out, fmt.Errorf("purge challenges: %w", err)
	}
	if out.Challenges, err = rowsAffected(res, "purge challenges"); err != nil {
		return out, err
	}

	res, err = s.db.ExecContext(ctx, s.q("DELETE FROM sessions WHERE expires_at <= ?"), at)
	if err != nil {
		return out, fmt.Errorf("purge sessions: %w", err)
	}
	out.Sessions, err = rowsAffected(res, "purge sessions")
	return out, err
}
