// Package credential checks primary credentials: a password or a passkey
// assertion presented for a login identifier.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/metrics"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/ratelimit"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrRateLimited       = errors.New("too many failed attempts")
)

// RateLimitedError carries how long the caller should wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many failed attempts; retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// Proof is what a caller presents as its primary credential.
type Proof interface {
	Method() string
}

// Password is a plaintext password proof.
type Password string

func (Password) Method() string { return "password" }

// PasskeyAssertion is a WebAuthn assertion answering the ceremony that
// CeremonyID names.
type PasskeyAssertion struct {
	CeremonyID string
	Response   *protocol.ParsedCredentialAssertionData
}

func (PasskeyAssertion) Method() string { return "passkey" }

// Principals is the read side of the principal directory.
type Principals interface {
	Lookup(ctx context.Context, identifier string) (*principal.Principal, error)
}

// PasskeyVerifier checks an assertion against a principal's registered
// passkeys and returns the credential that signed it.
type PasskeyVerifier interface {
	VerifyAssertion(ctx context.Context, p *principal.Principal, ceremonyID string, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// Verifier resolves an identifier and checks the presented proof.
type Verifier struct {
	principals Principals
	limiter    ratelimit.Limiter
	passkeys   PasskeyVerifier
	metrics    *metrics.Metrics
	dummyHash  string
}

type Option func(*Verifier)

// WithPasskeys enables passkey proofs.
func WithPasskeys(pv PasskeyVerifier) Option {
	return func(v *Verifier) { v.passkeys = pv }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier builds a Verifier. params must match the directory's hashing
// parameters so rejecting an unknown identifier costs the same as a wrong
// password.
func NewVerifier(principals Principals, limiter ratelimit.Limiter, params util.Argon2idParams, opts ...Option) (*Verifier, error) {
	if limiter == nil {
		limiter = ratelimit.NewMemory()
	}
	dummy, err := util.HashPassword("tollgate-dummy-password", params)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	v := &Verifier{principals: principals, limiter: limiter, dummyHash: dummy}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// LimiterKey is the rate limiter key for a login identifier.
func LimiterKey(identifier string) string {
	return "login:" + util.NormalizeIdentifier(identifier)
}

// VerifyPrimary returns the principal identified by identifier if proof is
// valid for it. The limiter is consulted before any lookup; every rejection
// counts as a failure and success clears the count.
func (v *Verifier) VerifyPrimary(ctx context.Context, identifier string, proof Proof) (*principal.Principal, error) {
	key := LimiterKey(identifier)
	blocked, retryAfter, err := v.limiter.Check(ctx, key)
	if err != nil {
		// A limiter outage must not lock everyone out.
		logger.From(ctx).Warn("rate limiter check failed", zap.Error(err))
	}
	if blocked {
		v.metrics.Login(proofMethod(proof), "rate_limited")
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	p, err := v.verify(ctx, identifier, proof)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrPrincipalNotFound) {
			if lerr := v.limiter.RecordFailure(ctx, key); lerr != nil {
				logger.From(ctx).Warn("rate limiter record failed", zap.Error(lerr))
			}
			v.metrics.Login(proofMethod(proof), "rejected")
		} else {
			v.metrics.Login(proofMethod(proof), "error")
		}
		return nil, err
	}

	if lerr := v.limiter.RecordSuccess(ctx, key); lerr != nil {
		logger.From(ctx).Warn("rate limiter reset failed", zap.Error(lerr))
	}
	v.metrics.Login(proof.Method(), "accepted")
	return p, nil
}

func (v *Verifier) verify(ctx context.Context, identifier string, proof Proof) (*principal.Principal, error) {
	if proof == nil {
		return nil, ErrInvalidCredential
	}
	p, err := v.principals.Lookup(ctx, identifier)
	if errors.Is(err, principal.ErrNotFound) {
		if pw, ok := proof.(Password); ok {
			_, _ = util.VerifyPassword(string(pw), v.dummyHash)
		}
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup principal: %w", err)
	}

	switch pr := proof.(type) {
	case Password:
		hash := p.PasswordHash
		if hash == "" {
			hash = v.dummyHash
		}
		ok, err := util.VerifyPassword(string(pr), hash)
		if err != nil || !ok || !p.HasPassword() {
			return nil, ErrInvalidCredential
		}
		return p, nil
	case PasskeyAssertion:
		if v.passkeys == nil || pr.Response == nil {
			return nil, ErrInvalidCredential
		}
		if _, err := v.passkeys.VerifyAssertion(ctx, p, pr.CeremonyID, pr.Response); err != nil {
			logger.From(ctx).Debug("passkey assertion rejected", logger.PrincipalID(p.ID), zap.Error(err))
			return nil, ErrInvalidCredential
		}
		return p, nil
	default:
		return nil, ErrInvalidCredential
	}
}

func proofMethod(p Proof) string {
	if p == nil {
		return "unknown"
	}
	return p.Method()
}
