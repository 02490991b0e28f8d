// Package channel decides whether a session may subscribe to a real-time
// channel and signs the grant the broker checks during the handshake.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/metrics"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/session"
)

var (
	ErrSessionInvalid = errors.New("session invalid")
	ErrChannelDenied  = errors.New("channel denied")
	ErrInvalidChannel = errors.New("invalid channel name")
	// ErrPublicChannel is returned for public channels, which need no grant.
	ErrPublicChannel  = errors.New("public channels need no authorization")
	ErrInvalidRequest = errors.New("invalid handshake request id")
)

const maxRequestIDLength = 128

// Grant is the broker-facing result of a successful authorization. It is
// bound to one handshake and never stored.
type Grant struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
	PrincipalID string `json:"-"`
	Channel     string `json:"-"`
}

// Sessions resolves a token without modifying the store.
type Sessions interface {
	Lookup(ctx context.Context, token string) (*session.Session, error)
}

// Principals supplies display attributes for presence payloads.
type Principals interface {
	Get(ctx context.Context, id string) (*principal.Principal, error)
}

// MembershipFunc reports whether principalID may join the presence channel
// of resourceID.
type MembershipFunc func(ctx context.Context, principalID, resourceID string) (bool, error)

// DenyAll is the membership rule used when none is configured.
func DenyAll(context.Context, string, string) (bool, error) { return false, nil }

// AllowAll admits every fully verified principal to every presence channel.
func AllowAll(context.Context, string, string) (bool, error) { return true, nil }

// StaticMembership admits the principals listed under each resource ID.
func StaticMembership(members map[string][]string) MembershipFunc {
	sets := make(map[string]map[string]struct{}, len(members))
	for resource, ids := range members {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		sets[resource] = set
	}
	return func(_ context.Context, principalID, resourceID string) (bool, error) {
		_, ok := sets[resourceID][principalID]
		return ok, nil
	}
}

type presenceData struct {
	UserID   string       `json:"user_id"`
	UserInfo presenceInfo `json:"user_info"`
}

type presenceInfo struct {
	Name string `json:"name,omitempty"`
}

type Authorizer struct {
	sessions   Sessions
	principals Principals
	signer     Signer
	membership MembershipFunc
	metrics    *metrics.Metrics
}

type Option func(*Authorizer)

func WithMembership(fn MembershipFunc) Option {
	return func(a *Authorizer) {
		if fn != nil {
			a.membership = fn
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

func NewAuthorizer(sessions Sessions, principals Principals, signer Signer, opts ...Option) *Authorizer {
	a := &Authorizer{
		sessions:   sessions,
		principals: principals,
		signer:     signer,
		membership: DenyAll,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize checks that token names a fully verified live session allowed
// on channelName and signs a grant for the handshake requestID. The session
// store is only read.
func (a *Authorizer) Authorize(ctx context.Context, token, channelName, requestID string) (*Grant, error) {
	name, err := Parse(channelName)
	if err != nil {
		a.metrics.ChannelAuth("invalid", "invalid")
		return nil, err
	}
	grant, err := a.authorize(ctx, name, token, requestID)
	a.metrics.ChannelAuth(string(name.Kind), result(err))
	if err != nil {
		logger.From(ctx).Debug("channel authorization denied",
			logger.Channel(channelName), zap.Error(err))
		return nil, err
	}
	return grant, nil
}

func (a *Authorizer) authorize(ctx context.Context, name Name, token, requestID string) (*Grant, error) {
	if name.Kind == KindPublic {
		return nil, ErrPublicChannel
	}
	if requestID == "" || len(requestID) > maxRequestIDLength {
		return nil, ErrInvalidRequest
	}

	sess, err := a.sessions.Lookup(ctx, token)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		return nil, ErrSessionInvalid
	case err != nil:
		return nil, err
	}
	if sess.Level != session.LevelFullyVerified {
		return nil, ErrSessionInvalid
	}

	in := GrantInput{
		PrincipalID: sess.PrincipalID,
		Channel:     name.Raw,
		RequestID:   requestID,
		ExpiresAt:   sess.ExpiresAt,
	}

	switch name.Kind {
	case KindPrivate:
		if name.Target != sess.PrincipalID {
			return nil, ErrChannelDenied
		}
	case KindPresence:
		ok, err := a.membership(ctx, sess.PrincipalID, name.Target)
		if err != nil {
			return nil, fmt.Errorf("membership check: %w", err)
		}
		if !ok {
			return nil, ErrChannelDenied
		}
		if in.ChannelData, err = a.presence(ctx, sess.PrincipalID); err != nil {
			return nil, err
		}
	}

	auth, err := a.signer.Sign(in)
	if err != nil {
		return nil, err
	}
	return &Grant{
		Auth:        auth,
		ChannelData: in.ChannelData,
		PrincipalID: sess.PrincipalID,
		Channel:     name.Raw,
	}, nil
}

func (a *Authorizer) presence(ctx context.Context, principalID string) (string, error) {
	data := presenceData{UserID: principalID}
	if a.principals != nil {
		p, err := a.principals.Get(ctx, principalID)
		switch {
		case errors.Is(err, principal.ErrNotFound):
			return "", ErrSessionInvalid
		case err != nil:
			return "", fmt.Errorf("load principal: %w", err)
		}
		data.UserInfo.Name = p.WebAuthnDisplayName()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, ErrPublicChannel):
		return "public"
	case errors.Is(err, ErrSessionInvalid):
		return "session_invalid"
	case errors.Is(err, ErrChannelDenied):
		return "denied"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
