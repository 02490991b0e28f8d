package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/api"
	"github.com/jmcleod/tollgate/auth"
	"github.com/jmcleod/tollgate/broker"
	"github.com/jmcleod/tollgate/challenge"
	"github.com/jmcleod/tollgate/channel"
	"github.com/jmcleod/tollgate/credential"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/notify"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/ratelimit"
	"github.com/jmcleod/tollgate/session"
	"github.com/jmcleod/tollgate/storage"
	"github.com/jmcleod/tollgate/storage/memory"
)

var fastHash = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}

type testServer struct {
	*httptest.Server
}

func setupServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	return newServer(t, false, opts...)
}

func newServer(t *testing.T, passkeys bool, opts ...api.Option) *testServer {
	t.Helper()
	sealer, err := storage.NewRandomSealer()
	require.NoError(t, err)
	repo := memory.NewRepository()

	store := session.NewStore(repo, sealer)
	lookup := principal.NewDirectory(repo, sealer, principal.WithHashParams(fastHash))
	var verifierOpts []credential.Option
	if passkeys {
		wa, err := credential.NewWebAuthn(credential.WebAuthnConfig{
			RPID:          "localhost",
			RPDisplayName: "Tollgate Test",
			RPOrigins:     []string{"http://localhost"},
		}, lookup)
		require.NoError(t, err)
		verifierOpts = append(verifierOpts, credential.WithPasskeys(wa))
		opts = append(opts, api.WithPasskeys(wa))
	}
	verifier, err := credential.NewVerifier(lookup, ratelimit.NewMemory(), fastHash, verifierOpts...)
	require.NoError(t, err)
	engine := challenge.NewEngine(store, lookup, challenge.WithSender(&notify.Recorder{}))

	signer, err := channel.NewHMACSigner("app-key", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	adapter := broker.NewAdapter(broker.NewMemory(), channel.NewAuthorizer(store, lookup, signer), nil)

	mgr := auth.NewManager(verifier, engine, store, auth.WithEvents(adapter))
	dir := principal.NewDirectory(repo, sealer, principal.WithHashParams(fastHash), principal.WithSessionRevoker(mgr))

	base := []api.Option{
		api.WithRealtime(adapter),
		api.WithLimiters(ratelimit.NewMemory(ratelimit.WithMaxFailures(10)), ratelimit.NewMemory(ratelimit.WithMaxFailures(50))),
	}
	a := api.New(mgr, dir, engine, append(base, opts...)...)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func cookieValue(client *http.Client, rawURL, name string) string {
	u, _ := url.Parse(rawURL)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// doJSON sends body as JSON and echoes the CSRF cookie into the header the
// way the browser client does.
func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if csrf := cookieValue(client, url, "tollgate_csrf"); csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func register(t *testing.T, client *http.Client, baseURL, identifier string) api.LoginResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", api.RegisterRequest{
		Identifier:  identifier,
		Password:    "password-" + identifier,
		DisplayName: strings.ToUpper(identifier),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[api.LoginResponse](t, resp)
	require.Equal(t, "authenticated", out.State)
	require.NotEmpty(t, out.Token)
	return out
}

func login(t *testing.T, client *http.Client, baseURL, identifier string) api.LoginResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", api.LoginRequest{
		Identifier: identifier,
		Password:   "password-" + identifier,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.LoginResponse](t, resp)
}

// enableTOTP runs setup and enable for the logged-in client and returns
// the enrolled secret.
func enableTOTP(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/2fa/setup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	setup := decode[api.SetupTwoFactorResponse](t, resp)
	require.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.OtpauthURL, "otpauth://totp/")

	code, err := totp.GenerateCodeCustom(setup.Secret, time.Now(), challenge.TOTPOpts)
	require.NoError(t, err)
	resp = doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/2fa/enable", api.EnableTwoFactorRequest{Code: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[api.TwoFactorStatusResponse](t, resp)
	assert.True(t, status.Enabled)
	assert.Equal(t, "totp", status.Factor)
	return setup.Secret
}

func TestRegisterAndMe(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)

	reg := register(t, client, srv.URL, "alice")
	require.NotNil(t, reg.Principal)
	assert.Equal(t, "alice", reg.Principal.Identifier)
	require.NotNil(t, reg.ExpiresAt)
	assert.True(t, reg.ExpiresAt.After(time.Now()))

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	me := decode[principal.Profile](t, resp)
	assert.Equal(t, reg.Principal.ID, me.ID)
	assert.Equal(t, "ALICE", me.DisplayName)
}

func TestRegisterDuplicateIdentifier(t *testing.T) {
	srv := setupServer(t)
	register(t, newClient(t), srv.URL, "alice")

	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/register", api.RegisterRequest{
		Identifier: "alice",
		Password:   "another-password",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRegisterRejectsUnknownFields(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/register", map[string]string{
		"identifier": "alice",
		"password":   "password-alice",
		"role":       "admin",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerTokenAuthenticates(t *testing.T) {
	srv := setupServer(t)
	reg := register(t, newClient(t), srv.URL, "alice")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, newClient(t), http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginWrongPassword(t *testing.T) {
	srv := setupServer(t)
	register(t, newClient(t), srv.URL, "alice")

	for _, ident := range []string{"alice", "nobody"} {
		resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
			Identifier: ident,
			Password:   "wrong-password",
		})
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, ident)
		assert.Equal(t, "invalid credentials", body.Error, "unknown and wrong look the same")
	}
}

func TestIPRateLimitReturnsRetryAfter(t *testing.T) {
	srv := setupServer(t, api.WithLimiters(
		ratelimit.NewMemory(ratelimit.WithMaxFailures(3)),
		ratelimit.NewMemory(ratelimit.WithMaxFailures(50)),
	))
	register(t, newClient(t), srv.URL, "alice")

	for i := 0; i < 3; i++ {
		resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
			Identifier: "mallory-" + string(rune('a'+i)),
			Password:   "wrong-password",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Identifier: "alice",
		Password:   "password-alice",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestTwoFactorLoginFlow(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")
	secret := enableTOTP(t, client, srv.URL)

	out := login(t, newClient(t), srv.URL, "alice")
	require.Equal(t, "challenge_pending", out.State)
	assert.Empty(t, out.Token)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, "totp", out.Challenge.Factor)
	assert.Equal(t, challenge.DefaultMaxAttempts, out.Challenge.Remaining)

	fresh := newClient(t)
	verifyURL := srv.URL + "/api/v1/auth/challenges/" + out.Challenge.ID + "/verify"

	code, err := totp.GenerateCodeCustom(secret, time.Now(), challenge.TOTPOpts)
	require.NoError(t, err)
	bad := "000000"
	if code == bad {
		bad = "999999"
	}
	resp := doJSON(t, fresh, http.MethodPost, verifyURL, api.VerifyChallengeRequest{Code: bad})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var mismatch struct {
		Remaining int `json:"remaining_attempts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mismatch))
	resp.Body.Close()
	assert.Equal(t, challenge.DefaultMaxAttempts-1, mismatch.Remaining)

	resp = doJSON(t, fresh, http.MethodGet, srv.URL+"/api/v1/auth/challenges/"+out.Challenge.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[api.ChallengeInfo](t, resp)
	assert.Equal(t, "issued", info.State)

	resp = doJSON(t, fresh, http.MethodPost, verifyURL, api.VerifyChallengeRequest{Code: code[:3] + " " + code[3:]})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[api.LoginResponse](t, resp)
	assert.Equal(t, "authenticated", done.State)
	assert.NotEmpty(t, done.Token)

	resp = doJSON(t, fresh, http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, fresh, http.MethodPost, verifyURL, api.VerifyChallengeRequest{Code: code})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a verified challenge cannot be reused")
}

func TestCancelChallenge(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")
	enableTOTP(t, client, srv.URL)

	out := login(t, newClient(t), srv.URL, "alice")
	require.NotNil(t, out.Challenge)
	challengeURL := srv.URL + "/api/v1/auth/challenges/" + out.Challenge.ID

	resp := doJSON(t, newClient(t), http.MethodDelete, challengeURL, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, newClient(t), http.MethodPost, challengeURL+"/verify", api.VerifyChallengeRequest{Code: "123456"})
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestUnknownChallenge(t *testing.T) {
	srv := setupServer(t)
	for _, id := range []string{"nope", "6f1c2b9e-3c1f-4a7e-9d3b-2f8a1c0e5d47"} {
		resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/challenges/"+id+"/verify",
			api.VerifyChallengeRequest{Code: "123456"})
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, id)

		resp = doJSON(t, newClient(t), http.MethodGet, srv.URL+"/api/v1/auth/challenges/"+id, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, id)
	}
}

func TestDisableTwoFactorNeedsCode(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")
	secret := enableTOTP(t, client, srv.URL)

	resp := doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/auth/2fa", api.EnableTwoFactorRequest{Code: "not-it"})
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, err := totp.GenerateCodeCustom(secret, time.Now(), challenge.TOTPOpts)
	require.NoError(t, err)
	resp = doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/auth/2fa", api.EnableTwoFactorRequest{Code: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[api.TwoFactorStatusResponse](t, resp)
	assert.False(t, status.Enabled)

	out := login(t, newClient(t), srv.URL, "alice")
	assert.Equal(t, "authenticated", out.State)
}

func TestEnableTwoFactorWithoutSetup(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/2fa/enable", api.EnableTwoFactorRequest{Code: "123456"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionsListAndRevoke(t *testing.T) {
	srv := setupServer(t)
	first := newClient(t)
	register(t, first, srv.URL, "alice")
	second := newClient(t)
	login(t, second, srv.URL, "alice")

	resp := doJSON(t, first, http.MethodGet, srv.URL+"/api/v1/auth/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListSessionsResponse](t, resp)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, 2, list.TotalCount)

	var other string
	currents := 0
	for _, s := range list.Sessions {
		if s.Current {
			currents++
		} else {
			other = s.ID
		}
	}
	require.Equal(t, 1, currents)
	require.NotEmpty(t, other)

	resp = doJSON(t, first, http.MethodDelete, srv.URL+"/api/v1/auth/sessions/"+other, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, second, http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, first, http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRevokeSessionOfAnotherPrincipal(t *testing.T) {
	srv := setupServer(t)
	alice := newClient(t)
	register(t, alice, srv.URL, "alice")
	bob := newClient(t)
	register(t, bob, srv.URL, "bob")

	resp := doJSON(t, bob, http.MethodGet, srv.URL+"/api/v1/auth/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bobs := decode[api.ListSessionsResponse](t, resp)
	require.Len(t, bobs.Sessions, 1)

	resp = doJSON(t, alice, http.MethodDelete, srv.URL+"/api/v1/auth/sessions/"+bobs.Sessions[0].ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, bob, http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogoutAll(t *testing.T) {
	srv := setupServer(t)
	first := newClient(t)
	register(t, first, srv.URL, "alice")
	second := newClient(t)
	login(t, second, srv.URL, "alice")

	resp := doJSON(t, first, http.MethodPost, srv.URL+"/api/v1/auth/logout-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[api.LogoutAllResponse](t, resp)
	assert.Equal(t, 2, out.Revoked)

	for _, c := range []*http.Client{first, second} {
		resp = doJSON(t, c, http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	reg := register(t, client, srv.URL, "alice")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "the token is revoked, not only the cookie")

	resp = doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "logout without a session succeeds")
}

func TestDeleteAccount(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	reg := register(t, client, srv.URL, "alice")

	resp := doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/auth/me", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Identifier: "alice",
		Password:   "password-alice",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCSRFRequiredWithCookieSession(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	register(t, client, srv.URL, "alice")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/auth/logout-all", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err = http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/auth/logout-all", nil)
	require.NoError(t, err)
	req.Header.Set("X-CSRF-Token", "forged")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, newClient(t), http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	defer resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))
}

func postForm(t *testing.T, rawURL, token string, form url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRealtimeAuth(t *testing.T) {
	srv := setupServer(t)
	reg := register(t, newClient(t), srv.URL, "alice")
	authURL := srv.URL + "/api/v1/realtime/auth"
	own := channel.PrivateName(reg.Principal.ID)

	resp := postForm(t, authURL, reg.Token, url.Values{"socket_id": {"123.456"}, "channel_name": {own}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	grant := decode[api.RealtimeAuthResponse](t, resp)
	assert.True(t, strings.HasPrefix(grant.Auth, "app-key:"))
	assert.Empty(t, grant.ChannelData)

	resp = postForm(t, authURL, reg.Token, url.Values{"socket_id": {"123.456"}, "channel_name": {"private-someone-else"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postForm(t, authURL, "", url.Values{"socket_id": {"123.456"}, "channel_name": {own}})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postForm(t, authURL, reg.Token, url.Values{"socket_id": {"123.456"}, "channel_name": {"bogus channel"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postForm(t, authURL, reg.Token, url.Values{"socket_id": {"123.456"}, "channel_name": {"public-news"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRealtimeAuthJSONBody(t *testing.T) {
	srv := setupServer(t)
	reg := register(t, newClient(t), srv.URL, "alice")

	body, err := json.Marshal(api.RealtimeAuthRequest{SocketID: "1.2", ChannelName: channel.PrivateName(reg.Principal.ID)})
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/realtime/auth", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRealtimeAuthRejectsPendingLogin(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	reg := register(t, client, srv.URL, "alice")
	enableTOTP(t, client, srv.URL)

	out := login(t, newClient(t), srv.URL, "alice")
	require.Equal(t, "challenge_pending", out.State)

	resp := postForm(t, srv.URL+"/api/v1/realtime/auth", out.Token,
		url.Values{"socket_id": {"1.2"}, "channel_name": {channel.PrivateName(reg.Principal.ID)}})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPasskeysNotConfigured(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/passkey/begin", api.PasskeyBeginRequest{Identifier: "alice"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))
}
