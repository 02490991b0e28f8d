// Package auth drives an authentication attempt from primary credential to
// a fully verified session, and manages the sessions a principal holds.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/challenge"
	"github.com/jmcleod/tollgate/channel"
	"github.com/jmcleod/tollgate/credential"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/metrics"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/session"
)

const (
	tokenBytes = 32

	DefaultIdleTimeout = 30 * time.Minute
	DefaultAbsoluteTTL = 24 * time.Hour

	EventSessionCreated = "session.created"
	EventSessionRevoked = "session.revoked"
)

var (
	// ErrSessionInvalid means the token does not name a live, fully
	// verified session.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSessionNotFound is returned when revoking a session the caller
	// does not own.
	ErrSessionNotFound = errors.New("session not found")
)

// State is where an attempt ended up after Start.
type State string

const (
	StateAuthenticated    State = "authenticated"
	StateChallengePending State = "challenge_pending"
)

// Outcome is the result of Start or CompleteSecondFactor. Token is set only
// when State is StateAuthenticated; Challenge only when it is
// StateChallengePending.
type Outcome struct {
	State     State
	Token     string
	Session   *session.Session
	Challenge *session.Challenge
	Principal *principal.Principal
}

// Verifier checks primary credentials.
type Verifier interface {
	VerifyPrimary(ctx context.Context, identifier string, proof credential.Proof) (*principal.Principal, error)
}

// Challenges is the second-factor challenge engine.
type Challenges interface {
	Issue(ctx context.Context, p *principal.Principal, pending *session.Session) (*session.Challenge, error)
	Verify(ctx context.Context, challengeID, code string) (*session.Challenge, error)
	Cancel(ctx context.Context, challengeID string) error
}

// EventPublisher receives session lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, channelName, eventName string, payload any) error
}

// Policy holds session lifetime limits.
type Policy struct {
	IdleTimeout time.Duration
	AbsoluteTTL time.Duration
	// MaxSessionsPerPrincipal caps concurrent sessions; 0 is unbounded. At
	// the cap, the least recently active session is revoked. The cap also
	// holds after concurrent logins for the same principal.
	MaxSessionsPerPrincipal int
}

type Manager struct {
	verifier   Verifier
	challenges Challenges
	store      *session.Store
	events     EventPublisher
	policy     Policy
	now        func() time.Time
	metrics    *metrics.Metrics
}

type Option func(*Manager)

func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		if p.IdleTimeout > 0 {
			m.policy.IdleTimeout = p.IdleTimeout
		}
		if p.AbsoluteTTL > 0 {
			m.policy.AbsoluteTTL = p.AbsoluteTTL
		}
		if p.MaxSessionsPerPrincipal > 0 {
			m.policy.MaxSessionsPerPrincipal = p.MaxSessionsPerPrincipal
		}
	}
}

// WithEvents publishes session lifecycle events to each principal's
// private channel.
func WithEvents(p EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(verifier Verifier, challenges Challenges, store *session.Store, opts ...Option) *Manager {
	m := &Manager{
		verifier:   verifier,
		challenges: challenges,
		store:      store,
		policy:     Policy{IdleTimeout: DefaultIdleTimeout, AbsoluteTTL: DefaultAbsoluteTTL},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Policy() Policy { return m.policy }

func (m *Manager) newSession(p *principal.Principal, method string, level session.Level, device session.Device) *session.Session {
	now := m.now().UTC()
	return &session.Session{
		PrincipalID:    p.ID,
		Device:         device,
		Level:          level,
		Method:         method,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.policy.AbsoluteTTL),
		IdleTimeout:    m.policy.IdleTimeout,
	}
}

// Start verifies the primary credential. Without a second factor the
// session is created at once; otherwise a challenge is issued and the
// session waits, unpersisted, inside it.
func (m *Manager) Start(ctx context.Context, identifier string, proof credential.Proof, device session.Device) (*Outcome, error) {
	p, err := m.verifier.VerifyPrimary(ctx, identifier, proof)
	if err != nil {
		return nil, err
	}
	log := logger.From(ctx).With(logger.PrincipalID(p.ID))

	if p.SecondFactor() == principal.FactorNone {
		sess := m.newSession(p, proof.Method(), session.LevelFullyVerified, device)
		token, err := m.persist(ctx, sess)
		if err != nil {
			return nil, err
		}
		log.Info("session created", logger.SessionID(sess.ID), zap.String("method", sess.Method))
		return &Outcome{State: StateAuthenticated, Token: token, Session: sess, Principal: p}, nil
	}

	pending := m.newSession(p, proof.Method(), session.LevelPrimaryVerified, device)
	c, err := m.challenges.Issue(ctx, p, pending)
	if err != nil {
		return nil, err
	}
	return &Outcome{State: StateChallengePending, Challenge: c, Principal: p}, nil
}

// CompleteSecondFactor verifies code and, on success, persists the pending
// session at fully-verified and returns its token. Engine errors are
// returned unchanged.
func (m *Manager) CompleteSecondFactor(ctx context.Context, challengeID, code string) (*Outcome, error) {
	c, err := m.challenges.Verify(ctx, challengeID, code)
	if err != nil {
		return nil, err
	}
	if c.Pending == nil {
		return nil, fmt.Errorf("challenge %s has no pending session", c.ID)
	}

	sess := c.Pending.Clone()
	now := m.now().UTC()
	sess.Level = session.LevelFullyVerified
	sess.SecondFactor = c.Factor
	sess.CreatedAt = now
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(m.policy.AbsoluteTTL)
	sess.IdleTimeout = m.policy.IdleTimeout

	token, err := m.persist(ctx, sess)
	if err != nil {
		// The challenge is already consumed; the caller has to log in again.
		logger.From(ctx).Error("persist verified session", logger.ChallengeID(c.ID), zap.Error(err))
		return nil, err
	}
	logger.From(ctx).Info("session created",
		logger.PrincipalID(sess.PrincipalID), logger.SessionID(sess.ID), logger.Factor(c.Factor))
	return &Outcome{State: StateAuthenticated, Token: token, Session: sess}, nil
}

// CancelChallenge abandons a pending second factor.
func (m *Manager) CancelChallenge(ctx context.Context, challengeID string) error {
	return m.challenges.Cancel(ctx, challengeID)
}

func (m *Manager) persist(ctx context.Context, sess *session.Session) (string, error) {
	// Make room first, then trim again once stored: concurrent logins can
	// each pass the first check.
	if err := m.enforceCap(ctx, sess.PrincipalID, "", 1); err != nil {
		return "", err
	}
	for attempt := 0; ; attempt++ {
		token, err := util.RandomToken(tokenBytes)
		if err != nil {
			return "", err
		}
		err = m.store.Put(ctx, token, sess)
		if errors.Is(err, session.ErrConflict) && attempt < 2 {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := m.enforceCap(ctx, sess.PrincipalID, sess.ID, 0); err != nil {
			logger.From(ctx).Warn("session cap not enforced", logger.PrincipalID(sess.PrincipalID), zap.Error(err))
		}
		m.publish(ctx, sess.PrincipalID, EventSessionCreated, sessionEvent{
			SessionID: sess.ID,
			Method:    sess.Method,
			Device:    sess.Device.Label,
		})
		return token, nil
	}
}

// enforceCap evicts principalID's least recently active sessions until at
// most the cap minus room remain. The session keep is never evicted.
func (m *Manager) enforceCap(ctx context.Context, principalID, keep string, room int) error {
	limit := m.policy.MaxSessionsPerPrincipal
	if limit <= 0 {
		return nil
	}
	live, err := m.store.ListByPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	excess := len(live) - limit + room
	if excess <= 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].LastActivityAt.Equal(live[j].LastActivityAt) {
			return live[i].LastActivityAt.Before(live[j].LastActivityAt)
		}
		return live[i].ID < live[j].ID
	})
	for _, s := range live {
		if excess == 0 {
			break
		}
		if s.ID == keep {
			continue
		}
		excess--
		existed, err := m.store.Delete(ctx, s.ID)
		if err != nil {
			return err
		}
		if existed {
			m.revoked(ctx, s.PrincipalID, s.ID, "evicted")
		}
	}
	return nil
}

// Revoke ends the session for token. Revoking an absent session succeeds.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	sess, err := m.store.Lookup(ctx, token)
	if err != nil && !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrExpired) {
		return err
	}
	if err := m.store.DeleteByToken(ctx, token); err != nil {
		return err
	}
	if sess != nil {
		m.revoked(ctx, sess.PrincipalID, sess.ID, "logout")
	}
	return nil
}

// RevokeSession ends one of principalID's sessions by handle. Handles of
// other principals' sessions are reported as ErrSessionNotFound.
func (m *Manager) RevokeSession(ctx context.Context, principalID, sessionID string) error {
	sess, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if sess.PrincipalID != principalID {
		return ErrSessionNotFound
	}
	existed, err := m.store.Delete(ctx, sessionID)
	if err != nil {
		return err
	}
	if existed {
		m.revoked(ctx, principalID, sessionID, "revoked")
	}
	return nil
}

// RevokeAll ends every session of principalID.
func (m *Manager) RevokeAll(ctx context.Context, principalID string) (int, error) {
	n, err := m.store.RevokeAllForPrincipal(ctx, principalID)
	if n > 0 {
		m.metrics.Revoked("revoke_all")
		m.publish(ctx, principalID, EventSessionRevoked, sessionEvent{All: true, Reason: "revoke_all"})
	}
	return n, err
}

// RevokeAllForPrincipal lets the principal directory cascade deletions. It
// also cancels the principal's pending challenge so no session can be
// completed for the account afterwards.
func (m *Manager) RevokeAllForPrincipal(ctx context.Context, principalID string) (int, error) {
	id, err := m.store.ActiveChallengeID(ctx, principalID)
	if err != nil {
		return 0, err
	}
	if id != "" {
		err := m.challenges.Cancel(ctx, id)
		switch {
		case err == nil:
			logger.From(ctx).Info("pending challenge cancelled",
				logger.PrincipalID(principalID), logger.ChallengeID(id))
		case errors.Is(err, challenge.ErrChallengeNotFound),
			errors.Is(err, challenge.ErrAlreadyConsumed),
			errors.Is(err, challenge.ErrChallengeExpired),
			errors.Is(err, challenge.ErrChallengeExhausted):
		default:
			return 0, fmt.Errorf("cancel challenge: %w", err)
		}
	}
	return m.RevokeAll(ctx, principalID)
}

// Sessions lists principalID's live sessions, oldest first.
func (m *Manager) Sessions(ctx context.Context, principalID string) ([]*session.Session, error) {
	return m.store.ListByPrincipal(ctx, principalID)
}

// Resolve returns the session behind token if it may perform protected
// operations, and records the activity.
func (m *Manager) Resolve(ctx context.Context, token string) (*session.Session, error) {
	sess, err := m.store.GetByToken(ctx, token)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, err
	}
	if sess.Level != session.LevelFullyVerified {
		return nil, ErrSessionInvalid
	}
	touched, err := m.store.Touch(ctx, sess.ID)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// UpdateSession applies fn to the live session behind id.
func (m *Manager) UpdateSession(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	sess, err := m.store.Update(ctx, id, fn)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
		return nil, ErrSessionInvalid
	}
	return sess, err
}

type sessionEvent struct {
	SessionID string `json:"session_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Device    string `json:"device,omitempty"`
	Reason    string `json:"reason,omitempty"`
	All       bool   `json:"all,omitempty"`
}

func (m *Manager) revoked(ctx context.Context, principalID, sessionID, reason string) {
	m.metrics.Revoked(reason)
	logger.From(ctx).Info("session revoked",
		logger.PrincipalID(principalID), logger.SessionID(sessionID), zap.String("reason", reason))
	m.publish(ctx, principalID, EventSessionRevoked, sessionEvent{SessionID: sessionID, Reason: reason})
}

// publish is fire-and-forget; a broker failure never fails the session
// operation that triggered it.
func (m *Manager) publish(ctx context.Context, principalID, event string, payload sessionEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, channel.PrivateName(principalID), event, payload); err != nil {
		logger.From(ctx).Warn("session event not published", zap.String("event", event), zap.Error(err))
	}
}
