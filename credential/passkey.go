package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	gocache "github.com/patrickmn/go-cache"

	"github.com/jmcleod/tollgate/internal/uuid"
	"github.com/jmcleod/tollgate/principal"
)

const defaultCeremonyTTL = 5 * time.Minute

var (
	ErrCeremonyNotFound = errors.New("passkey ceremony not found or expired")
	ErrNoPasskeys       = errors.New("no passkeys registered")
)

type ceremonyKind int

const (
	ceremonyLogin ceremonyKind = iota + 1
	ceremonyRegistration
)

type ceremony struct {
	kind        ceremonyKind
	principalID string
	data        webauthn.SessionData
}

// PasskeyStore persists passkeys on a principal.
type PasskeyStore interface {
	AddPasskey(ctx context.Context, id string, cred webauthn.Credential) error
	UpdatePasskey(ctx context.Context, id string, cred webauthn.Credential) error
}

// WebAuthnConfig names the relying party.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	CeremonyTTL   time.Duration
}

// WebAuthn runs passkey registration and login ceremonies. Ceremony state
// is kept in process for CeremonyTTL and can be consumed once.
type WebAuthn struct {
	wa         *webauthn.WebAuthn
	store      PasskeyStore
	mu         sync.Mutex
	ceremonies *gocache.Cache
	ttl        time.Duration
}

func NewWebAuthn(cfg WebAuthnConfig, store PasskeyStore) (*WebAuthn, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	ttl := cfg.CeremonyTTL
	if ttl <= 0 {
		ttl = defaultCeremonyTTL
	}
	return &WebAuthn{
		wa:         wa,
		store:      store,
		ceremonies: gocache.New(ttl, time.Minute),
		ttl:        ttl,
	}, nil
}

func (w *WebAuthn) put(kind ceremonyKind, principalID string, data *webauthn.SessionData) string {
	id := uuid.New()
	w.ceremonies.Set(id, &ceremony{kind: kind, principalID: principalID, data: *data}, w.ttl)
	return id
}

// take removes and returns the ceremony so it cannot be answered twice.
func (w *WebAuthn) take(id string, kind ceremonyKind, principalID string) (*ceremony, error) {
	w.mu.Lock()
	v, ok := w.ceremonies.Get(id)
	if ok {
		w.ceremonies.Delete(id)
	}
	w.mu.Unlock()
	if !ok {
		return nil, ErrCeremonyNotFound
	}
	c := v.(*ceremony)
	if c.kind != kind || c.principalID != principalID {
		return nil, ErrCeremonyNotFound
	}
	return c, nil
}

// BeginLogin starts an assertion ceremony for p.
func (w *WebAuthn) BeginLogin(p *principal.Principal) (*protocol.CredentialAssertion, string, error) {
	if len(p.Passkeys) == 0 {
		return nil, "", ErrNoPasskeys
	}
	options, data, err := w.wa.BeginLogin(p)
	if err != nil {
		return nil, "", fmt.Errorf("begin passkey login: %w", err)
	}
	return options, w.put(ceremonyLogin, p.ID, data), nil
}

// VerifyAssertion consumes the login ceremony and validates response. The
// updated sign count is written back to the principal.
func (w *WebAuthn) VerifyAssertion(ctx context.Context, p *principal.Principal, ceremonyID string, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	c, err := w.take(ceremonyID, ceremonyLogin, p.ID)
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, ErrInvalidCredential
	}
	cred, err := w.wa.ValidateLogin(p, c.data, response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if cred.Authenticator.CloneWarning {
		return nil, fmt.Errorf("%w: authenticator sign count went backwards", ErrInvalidCredential)
	}
	if err := w.store.UpdatePasskey(ctx, p.ID, *cred); err != nil {
		return nil, fmt.Errorf("store passkey sign count: %w", err)
	}
	return cred, nil
}

// BeginRegistration starts a registration ceremony that adds a passkey to p.
// Passkeys p already holds are excluded.
func (w *WebAuthn) BeginRegistration(p *principal.Principal) (*protocol.CredentialCreation, string, error) {
	exclude := make([]protocol.CredentialDescriptor, 0, len(p.Passkeys))
	for _, c := range p.Passkeys {
		exclude = append(exclude, c.Descriptor())
	}
	options, data, err := w.wa.BeginRegistration(p, webauthn.WithExclusions(exclude))
	if err != nil {
		return nil, "", fmt.Errorf("begin passkey registration: %w", err)
	}
	return options, w.put(ceremonyRegistration, p.ID, data), nil
}

// FinishRegistration consumes the registration ceremony, validates the
// attestation response and stores the new passkey.
func (w *WebAuthn) FinishRegistration(ctx context.Context, p *principal.Principal, ceremonyID string, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	c, err := w.take(ceremonyID, ceremonyRegistration, p.ID)
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, ErrInvalidCredential
	}
	cred, err := w.wa.CreateCredential(p, c.data, response)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if err := w.store.AddPasskey(ctx, p.ID, *cred); err != nil {
		return nil, fmt.Errorf("store passkey: %w", err)
	}
	return cred, nil
}
