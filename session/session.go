// Package session owns session and challenge records: the durable mapping
// from tokens to authenticated principals and the second-factor challenges
// still in flight.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Level is how far authentication has progressed.
type Level string

const (
	LevelUnverified      Level = "unverified"
	LevelPrimaryVerified Level = "primary-verified"
	LevelFullyVerified   Level = "fully-verified"
)

// Device describes the client a session was created from.
type Device struct {
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Session is an authentication outcome bound to one token. ID is the hex
// SHA-256 of the token; the token itself is never stored.
type Session struct {
	ID             string        `json:"id"`
	PrincipalID    string        `json:"principal_id"`
	Device         Device        `json:"device"`
	Level          Level         `json:"level"`
	Method         string        `json:"method"`
	SecondFactor   string        `json:"second_factor,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	IdleTimeout    time.Duration `json:"idle_timeout"`

	// TOTP enrollment scratch space, set between 2FA setup and enable.
	PendingTOTPSecret string    `json:"pending_totp_secret,omitempty"`
	PendingTOTPExpiry time.Time `json:"pending_totp_expiry,omitempty"`

	Version uint64 `json:"-"`
}

// Expired reports whether the session is past its absolute expiry or has
// been idle longer than its idle timeout.
func (s *Session) Expired(now time.Time) bool {
	if !now.Before(s.ExpiresAt) {
		return true
	}
	return s.IdleTimeout > 0 && !now.Before(s.LastActivityAt.Add(s.IdleTimeout))
}

// Usable reports whether the session may authorize protected operations.
func (s *Session) Usable(now time.Time) bool {
	return s.Level == LevelFullyVerified && !s.Expired(now)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// TokenID returns the storage handle for token.
func TokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ChallengeState is the lifecycle position of a second-factor challenge.
type ChallengeState string

const (
	ChallengeIssued    ChallengeState = "issued"
	ChallengeVerified  ChallengeState = "verified"
	ChallengeExpired   ChallengeState = "expired"
	ChallengeExhausted ChallengeState = "exhausted"
	ChallengeCancelled ChallengeState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ChallengeState) Terminal() bool {
	return s != ChallengeIssued
}

// Challenge is a second-factor check issued mid-login. Pending is the session
// that will be persisted once the challenge is verified; it never appears in
// the session namespace before then.
type Challenge struct {
	ID          string         `json:"id"`
	PrincipalID string         `json:"principal_id"`
	Factor      string         `json:"factor"`
	CodeHash    string         `json:"code_hash,omitempty"`
	State       ChallengeState `json:"state"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	IssuedAt    time.Time      `json:"issued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Pending     *Session       `json:"pending,omitempty"`

	Version uint64 `json:"-"`
}

// Remaining is the number of wrong codes still tolerated.
func (c *Challenge) Remaining() int {
	if n := c.MaxAttempts - c.Attempts; n > 0 {
		return n
	}
	return 0
}

// RetainUntil is when the record may be reclaimed: one TTL past expiry.
func (c *Challenge) RetainUntil() time.Time {
	ttl := c.ExpiresAt.Sub(c.IssuedAt)
	if ttl < 0 {
		ttl = 0
	}
	return c.ExpiresAt.Add(ttl)
}
