// Package principal stores user accounts and their enrolled factors.
package principal

import (
	"bytes"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Factor names a second factor.
type Factor string

const (
	FactorNone  Factor = ""
	FactorTOTP  Factor = "totp"
	FactorEmail Factor = "email"
)

// Principal is an account. PasswordHash is an argon2id PHC string.
type Principal struct {
	ID           string                `json:"id"`
	Identifier   string                `json:"identifier"`
	DisplayName  string                `json:"display_name"`
	Email        string                `json:"email,omitempty"`
	PasswordHash string                `json:"password_hash,omitempty"`
	TOTPSecret   string                `json:"totp_secret,omitempty"`
	// TOTPStep is the last time step accepted and TOTPStepChallenge the
	// challenge it was accepted for. Older steps are never accepted again.
	TOTPStep          int64  `json:"totp_step,omitempty"`
	TOTPStepChallenge string `json:"totp_step_challenge,omitempty"`
	EmailOTP     bool                  `json:"email_otp,omitempty"`
	Passkeys     []webauthn.Credential `json:"passkeys,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`

	Version uint64 `json:"-"`
}

func (p *Principal) HasPassword() bool {
	return p.PasswordHash != ""
}

// SecondFactor returns the factor a login must pass after the primary
// credential. TOTP wins over email when both are enrolled.
func (p *Principal) SecondFactor() Factor {
	switch {
	case p.TOTPSecret != "":
		return FactorTOTP
	case p.EmailOTP && p.Email != "":
		return FactorEmail
	default:
		return FactorNone
	}
}

// TOTPStepUsable reports whether step may still be accepted for
// challengeID. A step already claimed is usable only by the challenge that
// claimed it.
func (p *Principal) TOTPStepUsable(step int64, challengeID string) bool {
	if step > p.TOTPStep {
		return true
	}
	return step == p.TOTPStep && challengeID != "" && challengeID == p.TOTPStepChallenge
}

// PasskeyIDs returns the base64url credential IDs of enrolled passkeys.
func (p *Principal) PasskeyIDs() []string {
	ids := make([]string, 0, len(p.Passkeys))
	for _, c := range p.Passkeys {
		ids = append(ids, protocol.URLEncodedBase64(c.ID).String())
	}
	return ids
}

func (p *Principal) passkeyIndex(id []byte) int {
	for i, c := range p.Passkeys {
		if bytes.Equal(c.ID, id) {
			return i
		}
	}
	return -1
}

// Profile is the public view of a principal.
type Profile struct {
	ID           string   `json:"id"`
	Identifier   string   `json:"identifier"`
	DisplayName  string   `json:"display_name"`
	Email        string   `json:"email,omitempty"`
	HasPassword  bool     `json:"has_password"`
	Passkeys     []string `json:"passkeys"`
	SecondFactor Factor   `json:"second_factor,omitempty"`
}

func (p *Principal) Profile() Profile {
	return Profile{
		ID:           p.ID,
		Identifier:   p.Identifier,
		DisplayName:  p.DisplayName,
		Email:        p.Email,
		HasPassword:  p.HasPassword(),
		Passkeys:     p.PasskeyIDs(),
		SecondFactor: p.SecondFactor(),
	}
}

// webauthn.User

func (p *Principal) WebAuthnID() []byte                         { return []byte(p.ID) }
func (p *Principal) WebAuthnName() string                       { return p.Identifier }
func (p *Principal) WebAuthnCredentials() []webauthn.Credential { return p.Passkeys }

func (p *Principal) WebAuthnDisplayName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Identifier
}
