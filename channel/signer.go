package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
)

// GrantInput is what a grant signature covers.
type GrantInput struct {
	PrincipalID string
	Channel     string
	RequestID   string
	ChannelData string
	// ExpiresAt is the absolute expiry of the session behind the grant.
	ExpiresAt time.Time
}

// Signer turns a GrantInput into the auth string handed to the broker.
type Signer interface {
	Sign(in GrantInput) (string, error)
}

func openSecret(e *memguard.Enclave, fn func(secret []byte) error) error {
	buf, err := e.Open()
	if err != nil {
		return fmt.Errorf("open signing secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// HMACSigner produces "<key>:<hex hmac-sha256>" over
// requestID:channel:principalID[:channelData], which the broker can
// recompute with the shared secret.
type HMACSigner struct {
	key    string
	secret *memguard.Enclave
}

// NewHMACSigner takes ownership of secret and wipes the caller's copy.
func NewHMACSigner(key string, secret []byte) (*HMACSigner, error) {
	if key == "" || strings.Contains(key, ":") {
		return nil, errors.New("hmac signer: key must be non-empty and contain no colon")
	}
	if len(secret) < 16 {
		return nil, errors.New("hmac signer: secret must be at least 16 bytes")
	}
	return &HMACSigner{key: key, secret: memguard.NewEnclave(secret)}, nil
}

func stringToSign(in GrantInput) string {
	s := in.RequestID + ":" + in.Channel + ":" + in.PrincipalID
	if in.ChannelData != "" {
		s += ":" + in.ChannelData
	}
	return s
}

func (s *HMACSigner) mac(in GrantInput) ([]byte, error) {
	var sum []byte
	err := openSecret(s.secret, func(secret []byte) error {
		m := hmac.New(sha256.New, secret)
		m.Write([]byte(stringToSign(in)))
		sum = m.Sum(nil)
		return nil
	})
	return sum, err
}

func (s *HMACSigner) Sign(in GrantInput) (string, error) {
	sum, err := s.mac(in)
	if err != nil {
		return "", err
	}
	return s.key + ":" + hex.EncodeToString(sum), nil
}

// Verify reports whether auth is a valid signature of in.
func (s *HMACSigner) Verify(auth string, in GrantInput) bool {
	key, sig, ok := strings.Cut(auth, ":")
	if !ok || key != s.key {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	want, err := s.mac(in)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// GrantClaims are the claims of a JWT grant.
type GrantClaims struct {
	Channel string `json:"channel"`
	Client  string `json:"client"`
	Info    string `json:"info,omitempty"`
	jwt.RegisteredClaims
}

// JWTSigner issues HS256 grant tokens that expire with the session.
type JWTSigner struct {
	issuer string
	secret *memguard.Enclave
	now    func() time.Time
}

// NewJWTSigner takes ownership of secret and wipes the caller's copy.
func NewJWTSigner(issuer string, secret []byte) (*JWTSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt signer: secret must be at least 32 bytes")
	}
	return &JWTSigner{issuer: issuer, secret: memguard.NewEnclave(secret), now: time.Now}, nil
}

func (s *JWTSigner) Sign(in GrantInput) (string, error) {
	claims := GrantClaims{
		Channel: in.Channel,
		Client:  in.RequestID,
		Info:    in.ChannelData,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   in.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(in.ExpiresAt),
		},
	}
	var signed string
	err := openSecret(s.secret, func(secret []byte) error {
		var err error
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// Parse validates a grant token and returns its claims.
func (s *JWTSigner) Parse(token string) (*GrantClaims, error) {
	var claims GrantClaims
	err := openSecret(s.secret, func(secret []byte) error {
		_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(s.issuer),
			jwt.WithTimeFunc(s.now),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
