package api

import (
	"encoding/json"
	"time"

	"github.com/jmcleod/tollgate/principal"
)

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Identifier  string `json:"identifier"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	Device     string `json:"device,omitempty"`
}

// ChallengeInfo describes a pending second factor. It never carries the code.
type ChallengeInfo struct {
	ID        string    `json:"id"`
	Factor    string    `json:"factor"`
	State     string    `json:"state,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Remaining int       `json:"remaining_attempts"`
}

// LoginResponse is returned by every endpoint that can end a login attempt.
// Token is set when State is "authenticated", Challenge when it is
// "challenge_pending".
type LoginResponse struct {
	State     string             `json:"state"`
	Token     string             `json:"token,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Challenge *ChallengeInfo     `json:"challenge,omitempty"`
	Principal *principal.Profile `json:"principal,omitempty"`
}

// VerifyChallengeRequest is the JSON body for POST /auth/challenges/{challengeID}/verify.
type VerifyChallengeRequest struct {
	Code string `json:"code"`
}

// PasskeyBeginRequest is the JSON body for POST /auth/passkey/begin.
type PasskeyBeginRequest struct {
	Identifier string `json:"identifier"`
}

// PasskeyBeginResponse carries the WebAuthn options for the browser.
type PasskeyBeginResponse struct {
	CeremonyID string `json:"ceremony_id"`
	Options    any    `json:"options"`
}

// PasskeyFinishRequest is the JSON body for POST /auth/passkey/finish.
// Credential is the PublicKeyCredential the browser returned.
type PasskeyFinishRequest struct {
	Identifier string          `json:"identifier"`
	CeremonyID string          `json:"ceremony_id"`
	Credential json.RawMessage `json:"credential"`
	Device     string          `json:"device,omitempty"`
}

// PasskeyRegisterFinishRequest is the JSON body for POST /auth/passkeys/register/finish.
type PasskeyRegisterFinishRequest struct {
	CeremonyID string          `json:"ceremony_id"`
	Credential json.RawMessage `json:"credential"`
}

// PasskeyRegisterFinishResponse is returned after a passkey is stored.
type PasskeyRegisterFinishResponse struct {
	CredentialID string `json:"credential_id"`
}

// SessionView is the public view of a session.
type SessionView struct {
	ID             string    `json:"id"`
	Current        bool      `json:"current"`
	Method         string    `json:"method"`
	SecondFactor   string    `json:"second_factor,omitempty"`
	Device         string    `json:"device,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	IP             string    `json:"ip,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ListSessionsResponse is returned from GET /auth/sessions.
type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
	PaginationMeta
}

// LogoutAllResponse reports how many sessions were ended.
type LogoutAllResponse struct {
	Revoked int `json:"revoked"`
}

// TwoFactorStatusResponse is returned from GET /auth/2fa.
type TwoFactorStatusResponse struct {
	Enabled bool   `json:"enabled"`
	Factor  string `json:"factor,omitempty"`
}

// SetupTwoFactorResponse is returned from POST /auth/2fa/setup.
type SetupTwoFactorResponse struct {
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
	ExpiresAt  string `json:"expires_at"`
}

// EnableTwoFactorRequest is the JSON body for POST /auth/2fa/enable.
type EnableTwoFactorRequest struct {
	Code string `json:"code"`
}

// RealtimeAuthRequest carries the broker handshake fields.
type RealtimeAuthRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

// RealtimeAuthResponse is the grant returned to the broker client.
type RealtimeAuthResponse struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
