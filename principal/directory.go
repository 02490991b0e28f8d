package principal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/internal/uuid"
	"github.com/jmcleod/tollgate/storage"
)

const (
	namespace          = "principals"
	principalType      = "PRINCIPAL"
	identifierType     = "IDENT"
	maxCASRetries      = 5
	maxIdentifierBytes = 254
	minPasswordLength  = 8
)

var (
	ErrNotFound          = errors.New("principal not found")
	ErrIdentifierTaken   = errors.New("identifier already registered")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrWeakPassword      = errors.New("password too short")
	ErrEmailRequired     = errors.New("email address required for email codes")
	ErrPasskeyNotFound   = errors.New("passkey not found")
	ErrConflict          = errors.New("principal modified concurrently")
	ErrTOTPReplay        = errors.New("totp code already used")
)

// SessionRevoker ends every session a principal owns.
type SessionRevoker interface {
	RevokeAllForPrincipal(ctx context.Context, principalID string) (int, error)
}

// NewPrincipal carries the fields accepted at registration.
type NewPrincipal struct {
	Identifier  string
	DisplayName string
	Email       string
	Password    string
}

// Directory persists principals through a storage.Repository. Identifiers
// are unique: an IDENT record created with compare-and-swap maps each
// normalized identifier to its principal ID.
type Directory struct {
	repo    storage.Repository
	sealer  *storage.Sealer
	revoker SessionRevoker
	params  util.Argon2idParams
	now     func() time.Time
}

type Option func(*Directory)

func WithSessionRevoker(r SessionRevoker) Option {
	return func(d *Directory) { d.revoker = r }
}

func WithHashParams(p util.Argon2idParams) Option {
	return func(d *Directory) { d.params = p }
}

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func NewDirectory(repo storage.Repository, sealer *storage.Sealer, opts ...Option) *Directory {
	d := &Directory{
		repo:   repo,
		sealer: sealer,
		params: util.DefaultArgon2idParams(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HashParams returns the argon2id parameters used for new password hashes.
func (d *Directory) HashParams() util.Argon2idParams {
	return d.params
}

type identifierRecord struct {
	PrincipalID string `json:"principal_id"`
}

func normalizeIdentifier(identifier string) (string, error) {
	id := util.NormalizeIdentifier(identifier)
	if id == "" || len(id) > maxIdentifierBytes || !utf8.ValidString(id) || strings.ContainsAny(id, " \t\r\n") {
		return "", ErrInvalidIdentifier
	}
	return id, nil
}

func (d *Directory) hashPassword(password string) (string, error) {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	return util.HashPassword(password, d.params)
}

// Create registers a principal. Password may be empty for passkey-only
// accounts.
func (d *Directory) Create(ctx context.Context, in NewPrincipal) (*Principal, error) {
	ident, err := normalizeIdentifier(in.Identifier)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	p := &Principal{
		ID:          uuid.New(),
		Identifier:  ident,
		DisplayName: strings.TrimSpace(util.Normalize(in.DisplayName)),
		Email:       strings.TrimSpace(in.Email),
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if in.Password != "" {
		if p.PasswordHash, err = d.hashPassword(in.Password); err != nil {
			return nil, err
		}
	}

	principalEnv, err := d.sealer.Seal(namespace, principalType, p.ID, p, p.Version)
	if err != nil {
		return nil, err
	}
	identEnv, err := d.sealer.Seal(namespace, identifierType, ident, identifierRecord{PrincipalID: p.ID}, 1)
	if err != nil {
		return nil, err
	}

	err = d.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(identifierType, ident, 0, identEnv); err != nil {
			return err
		}
		return tx.PutCAS(principalType, p.ID, 0, principalEnv)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrIdentifierTaken
	}
	if err != nil {
		return nil, fmt.Errorf("create principal: %w", err)
	}

	logger.From(ctx).Info("principal created", logger.PrincipalID(p.ID))
	return p, nil
}

// Get loads a principal by ID.
func (d *Directory) Get(ctx context.Context, id string) (*Principal, error) {
	env, err := d.repo.Get(ctx, namespace, principalType, id)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load principal: %w", err)
	}
	var p Principal
	if err := d.sealer.Open(namespace, principalType, id, env, &p); err != nil {
		return nil, err
	}
	p.Version = env.Version
	return &p, nil
}

// Lookup resolves a login identifier.
func (d *Directory) Lookup(ctx context.Context, identifier string) (*Principal, error) {
	ident, err := normalizeIdentifier(identifier)
	if err != nil {
		return nil, ErrNotFound
	}
	env, err := d.repo.Get(ctx, namespace, identifierType, ident)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load identifier: %w", err)
	}
	var rec identifierRecord
	if err := d.sealer.Open(namespace, identifierType, ident, env, &rec); err != nil {
		return nil, err
	}
	return d.Get(ctx, rec.PrincipalID)
}

// Update applies fn to the stored principal with compare-and-swap,
// re-reading and retrying when another writer got there first.
func (d *Directory) Update(ctx context.Context, id string, fn func(p *Principal) error) (*Principal, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		p, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(p); err != nil {
			return nil, err
		}
		expected := p.Version
		p.Version++
		p.UpdatedAt = d.now().UTC()

		env, err := d.sealer.Seal(namespace, principalType, id, p, p.Version)
		if err != nil {
			return nil, err
		}
		err = d.repo.PutCAS(ctx, namespace, principalType, id, expected, env)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update principal: %w", err)
		}
		return p, nil
	}
	return nil, ErrConflict
}

func (d *Directory) SetPassword(ctx context.Context, id, password string) error {
	hash, err := d.hashPassword(password)
	if err != nil {
		return err
	}
	_, err = d.Update(ctx, id, func(p *Principal) error {
		p.PasswordHash = hash
		return nil
	})
	return err
}

// EnrollTOTP stores a base32 TOTP secret. The caller must have confirmed a
// code generated from it.
func (d *Directory) EnrollTOTP(ctx context.Context, id, secret string) error {
	if secret == "" {
		return errors.New("empty totp secret")
	}
	_, err := d.Update(ctx, id, func(p *Principal) error {
		p.TOTPSecret = secret
		p.TOTPStep, p.TOTPStepChallenge = 0, ""
		return nil
	})
	return err
}

func (d *Directory) RemoveTOTP(ctx context.Context, id string) error {
	_, err := d.Update(ctx, id, func(p *Principal) error {
		p.TOTPSecret = ""
		p.TOTPStep, p.TOTPStepChallenge = 0, ""
		return nil
	})
	return err
}

// ClaimTOTPStep records step as used by challengeID. Claiming a step at or
// before the last claimed one fails with ErrTOTPReplay, unless it is the
// same step claimed again for the same challenge.
func (d *Directory) ClaimTOTPStep(ctx context.Context, id, challengeID string, step int64) error {
	_, err := d.Update(ctx, id, func(p *Principal) error {
		switch {
		case !p.TOTPStepUsable(step, challengeID):
			return ErrTOTPReplay
		case step == p.TOTPStep:
			return errStepHeld
		}
		p.TOTPStep, p.TOTPStepChallenge = step, challengeID
		return nil
	})
	if errors.Is(err, errStepHeld) {
		return nil
	}
	return err
}

var errStepHeld = errors.New("step already held")

func (d *Directory) SetEmailOTP(ctx context.Context, id string, enabled bool) error {
	_, err := d.Update(ctx, id, func(p *Principal) error {
		if enabled && p.Email == "" {
			return ErrEmailRequired
		}
		p.EmailOTP = enabled
		return nil
	})
	return err
}

func (d *Directory) AddPasskey(ctx context.Context, id string, cred webauthn.Credential) error {
	_, err := d.Update(ctx, id, func(p *Principal) error {
		if i := p.passkeyIndex(cred.ID); i >= 0 {
			p.Passkeys[i] = cred
			return nil
		}
		p.Passkeys = append(p.Passkeys, cred)
		return nil
	})
	return err
}

// UpdatePasskey replaces a stored credential, typically to record a new
// sign count after an assertion.
func (d *Directory) UpdatePasskey(ctx context.Context, id string, cred webauthn.Credential) error {
	_, err := d.Update(ctx, id, func(p *Principal) error {
		i := p.passkeyIndex(cred.ID)
		if i < 0 {
			return ErrPasskeyNotFound
		}
		p.Passkeys[i] = cred
		return nil
	})
	return err
}

func (d *Directory) RemovePasskey(ctx context.Context, id string, credentialID []byte) error {
	_, err := d.Update(ctx, id, func(p *Principal) error {
		i := p.passkeyIndex(credentialID)
		if i < 0 {
			return ErrPasskeyNotFound
		}
		p.Passkeys = append(p.Passkeys[:i], p.Passkeys[i+1:]...)
		return nil
	})
	return err
}

// Delete revokes every session of the principal, then removes the account
// and its identifier. If revocation fails the principal is kept.
func (d *Directory) Delete(ctx context.Context, id string) error {
	p, err := d.Get(ctx, id)
	if err != nil {
		return err
	}

	if d.revoker != nil {
		n, err := d.revoker.RevokeAllForPrincipal(ctx, id)
		if err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		logger.From(ctx).Info("sessions revoked for deleted principal",
			logger.PrincipalID(id), zap.Int("count", n))
	}

	err = d.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.Delete(principalType, id); err != nil {
			return err
		}
		if err := tx.Delete(identifierType, p.Identifier); err != nil && !storage.IsNotFound(err) {
			return err
		}
		return nil
	})
	if storage.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete principal: %w", err)
	}
	// A login that passed Lookup before the delete may have created a
	// session after the first sweep.
	if d.revoker != nil {
		if _, err := d.revoker.RevokeAllForPrincipal(ctx, id); err != nil {
			logger.From(ctx).Warn("post-delete session revocation failed",
				logger.PrincipalID(id), zap.Error(err))
		}
	}
	logger.From(ctx).Info("principal deleted", logger.PrincipalID(id))
	return nil
}
