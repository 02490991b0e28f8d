// Package challenge issues and checks second-factor challenges. A challenge
// moves from issued to exactly one of verified, expired, exhausted or
// cancelled, and every transition is a compare-and-swap on its record.
package challenge

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/metrics"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/internal/uuid"
	"github.com/jmcleod/tollgate/notify"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/session"
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultMaxAttempts = 5
	emailCodeDigits    = 6
)

// TOTPOpts are the parameters authenticator apps expect.
var TOTPOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

var (
	ErrFactorNotEnrolled  = errors.New("no second factor enrolled")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrChallengeExhausted = errors.New("challenge attempts exhausted")
	ErrAlreadyConsumed    = errors.New("challenge already verified")
	ErrCodeMismatch       = errors.New("code mismatch")
	ErrChallengeCancelled = errors.New("challenge cancelled")
	ErrChallengeNotFound  = errors.New("challenge not found")
)

// MismatchError is returned for a wrong code and says how many attempts
// are left. It matches ErrCodeMismatch.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("code mismatch: %d attempts remaining", e.Remaining)
}

func (e *MismatchError) Is(target error) bool { return target == ErrCodeMismatch }

// Principals resolves the principal a challenge belongs to and records
// which TOTP time steps have been accepted.
type Principals interface {
	Get(ctx context.Context, id string) (*principal.Principal, error)
	ClaimTOTPStep(ctx context.Context, id, challengeID string, step int64) error
}

type Engine struct {
	store       *session.Store
	principals  Principals
	sender      notify.Sender
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	metrics     *metrics.Metrics
}

type Option func(*Engine)

func WithTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithSender sets how email codes are delivered. Without one the email
// factor cannot be challenged.
func WithSender(s notify.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(store *session.Store, principals Principals, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		principals:  principals,
		sender:      notify.Disabled{},
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TTL is how long an issued challenge stays answerable.
func (e *Engine) TTL() time.Duration { return e.ttl }

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Issue creates a challenge for p's second factor carrying pending, the
// session to persist once the challenge is verified. Any challenge still
// live for p is cancelled.
func (e *Engine) Issue(ctx context.Context, p *principal.Principal, pending *session.Session) (*session.Challenge, error) {
	factor := p.SecondFactor()
	if factor == principal.FactorNone {
		return nil, ErrFactorNotEnrolled
	}

	now := e.now().UTC()
	c := &session.Challenge{
		ID:          uuid.New(),
		PrincipalID: p.ID,
		Factor:      string(factor),
		State:       session.ChallengeIssued,
		MaxAttempts: e.maxAttempts,
		IssuedAt:    now,
		ExpiresAt:   now.Add(e.ttl),
		Pending:     pending.Clone(),
	}

	var code string
	if factor == principal.FactorEmail {
		var err error
		if code, err = util.RandomDigits(emailCodeDigits); err != nil {
			return nil, err
		}
		c.CodeHash = hashCode(code)
	}

	log := logger.From(ctx).With(logger.PrincipalID(p.ID), logger.ChallengeID(c.ID), logger.Factor(c.Factor))
	superseded, err := e.store.CreateChallenge(ctx, c)
	if err != nil {
		return nil, err
	}
	if superseded != "" {
		e.metrics.Challenge(c.Factor, "superseded")
		log.Debug("challenge superseded", zap.String("previous", superseded))
	}

	if factor == principal.FactorEmail {
		if err := e.sender.Send(ctx, notify.CodeMessage(p.Email, code, e.ttl)); err != nil {
			if cerr := e.Cancel(ctx, c.ID); cerr != nil {
				log.Warn("cancel undeliverable challenge", zap.Error(cerr))
			}
			return nil, fmt.Errorf("deliver code: %w", err)
		}
	}

	e.metrics.Challenge(c.Factor, "issued")
	log.Info("challenge issued")
	return c, nil
}

// Verify checks code against the challenge. Exactly one caller can observe
// success; every later call gets ErrAlreadyConsumed. A wrong code consumes
// an attempt and the last permitted wrong code exhausts the challenge.
// A TOTP code is accepted once per time step across all of a principal's
// challenges. A challenge whose principal no longer exists is reported as
// not found. On success the returned challenge carries the pending session.
func (e *Engine) Verify(ctx context.Context, challengeID, code string) (*session.Challenge, error) {
	current, err := e.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	p, err := e.principals.Get(ctx, current.PrincipalID)
	if errors.Is(err, principal.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}

	totpAccepted := false
	if current.Factor == string(principal.FactorTOTP) && current.State == session.ChallengeIssued {
		if totpAccepted, err = e.claimTOTP(ctx, p, challengeID, code); err != nil {
			return nil, err
		}
	}

	var event string
	c, err := e.store.UpdateChallenge(ctx, challengeID, func(c *session.Challenge) (bool, error) {
		event = ""
		switch c.State {
		case session.ChallengeVerified:
			return false, ErrAlreadyConsumed
		case session.ChallengeExhausted:
			return false, ErrChallengeExhausted
		case session.ChallengeExpired:
			return false, ErrChallengeExpired
		case session.ChallengeCancelled:
			return false, ErrChallengeCancelled
		}

		now := e.now()
		if !now.Before(c.ExpiresAt) {
			c.State = session.ChallengeExpired
			event = "expired"
			return true, ErrChallengeExpired
		}
		if e.matches(c, code, totpAccepted) {
			c.State = session.ChallengeVerified
			event = "verified"
			return true, nil
		}
		c.Attempts++
		event = "mismatch"
		if c.Attempts >= c.MaxAttempts {
			c.State = session.ChallengeExhausted
			event = "exhausted"
		}
		return true, &MismatchError{Remaining: c.Remaining()}
	})
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if event != "" && c != nil {
		e.metrics.Challenge(c.Factor, event)
		logger.From(ctx).Info("challenge "+event,
			logger.ChallengeID(challengeID),
			logger.PrincipalID(c.PrincipalID),
			zap.Int("attempts", c.Attempts))
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// claimTOTP reports whether code is valid for p at a time step not yet
// accepted for another challenge, and claims that step for challengeID.
func (e *Engine) claimTOTP(ctx context.Context, p *principal.Principal, challengeID, code string) (bool, error) {
	step, ok := totpStep(p, challengeID, code, e.now())
	if !ok {
		return false, nil
	}
	err := e.principals.ClaimTOTPStep(ctx, p.ID, challengeID, step)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, principal.ErrTOTPReplay):
		logger.From(ctx).Warn("totp code replayed",
			logger.ChallengeID(challengeID), logger.PrincipalID(p.ID))
		return false, nil
	case errors.Is(err, principal.ErrNotFound):
		return false, ErrChallengeNotFound
	default:
		return false, err
	}
}

// totpStep finds the time step within the skew window whose code equals
// code, skipping steps p can no longer use for challengeID.
func totpStep(p *principal.Principal, challengeID, code string, now time.Time) (int64, bool) {
	if p.TOTPSecret == "" || code == "" {
		return 0, false
	}
	period := int64(TOTPOpts.Period)
	skew := int64(TOTPOpts.Skew)
	counter := now.Unix() / period
	for step := counter - skew; step <= counter+skew; step++ {
		if !p.TOTPStepUsable(step, challengeID) {
			continue
		}
		want, err := totp.GenerateCodeCustom(p.TOTPSecret, time.Unix(step*period, 0).UTC(), TOTPOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

func (e *Engine) matches(c *session.Challenge, code string, totpAccepted bool) bool {
	if code == "" {
		return false
	}
	switch principal.Factor(c.Factor) {
	case principal.FactorTOTP:
		return totpAccepted
	case principal.FactorEmail:
		return subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(c.CodeHash)) == 1
	default:
		return false
	}
}

// Cancel moves an issued challenge to cancelled. Cancelling a cancelled
// challenge is a no-op; other terminal states report their own error.
func (e *Engine) Cancel(ctx context.Context, challengeID string) error {
	cancelled := false
	c, err := e.store.UpdateChallenge(ctx, challengeID, func(c *session.Challenge) (bool, error) {
		cancelled = false
		switch c.State {
		case session.ChallengeIssued:
			if !e.now().Before(c.ExpiresAt) {
				c.State = session.ChallengeExpired
				return true, ErrChallengeExpired
			}
			c.State = session.ChallengeCancelled
			cancelled = true
			return true, nil
		case session.ChallengeCancelled:
			return false, nil
		case session.ChallengeVerified:
			return false, ErrAlreadyConsumed
		case session.ChallengeExhausted:
			return false, ErrChallengeExhausted
		default:
			return false, ErrChallengeExpired
		}
	})
	if errors.Is(err, session.ErrNotFound) {
		return ErrChallengeNotFound
	}
	if err != nil {
		return err
	}
	if cancelled {
		e.metrics.Challenge(c.Factor, "cancelled")
	}
	return nil
}

// Get returns the challenge with its current state. A challenge past its
// expiry is reported as expired even before anyone has touched it.
func (e *Engine) Get(ctx context.Context, challengeID string) (*session.Challenge, error) {
	c, err := e.store.GetChallenge(ctx, challengeID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.State == session.ChallengeIssued && !e.now().Before(c.ExpiresAt) {
		c.State = session.ChallengeExpired
	}
	return c, nil
}
