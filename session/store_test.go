package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/storage"
	"github.com/jmcleod/tollgate/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock, storage.Repository) {
	t.Helper()
	sealer, err := storage.NewRandomSealer()
	require.NoError(t, err)
	repo := memory.NewRepository()
	clock := newFakeClock()
	return NewStore(repo, sealer, WithClock(clock.Now)), clock, repo
}

func newSession(clock *fakeClock, principalID string) *Session {
	now := clock.Now()
	return &Session{
		PrincipalID:    principalID,
		Level:          LevelFullyVerified,
		Method:         "password",
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(24 * time.Hour),
		IdleTimeout:    30 * time.Minute,
	}
}

func newToken(t *testing.T) string {
	t.Helper()
	tok, err := util.RandomToken(32)
	require.NoError(t, err)
	return tok
}

func TestPutAndGetByToken(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()
	tok := newToken(t)

	sess := newSession(clock, "p1")
	require.NoError(t, s.Put(ctx, tok, sess))
	assert.Equal(t, TokenID(tok), sess.ID)
	assert.NotEqual(t, tok, sess.ID)

	got, err := s.GetByToken(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PrincipalID)
	assert.Equal(t, uint64(1), got.Version)
	assert.True(t, got.Usable(clock.Now()))

	_, err = s.GetByToken(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_DuplicateToken(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()
	tok := newToken(t)

	require.NoError(t, s.Put(ctx, tok, newSession(clock, "p1")))
	assert.ErrorIs(t, s.Put(ctx, tok, newSession(clock, "p1")), ErrConflict)
}

func TestGet_IdleExpiry(t *testing.T) {
	s, clock, repo := newTestStore(t)
	ctx := context.Background()
	tok := newToken(t)
	require.NoError(t, s.Put(ctx, tok, newSession(clock, "p1")))

	clock.Advance(20 * time.Minute)
	_, err := s.Touch(ctx, TokenID(tok))
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	_, err = s.GetByToken(ctx, tok)
	require.NoError(t, err, "touch extends the idle window")

	clock.Advance(31 * time.Minute)
	_, err = s.Lookup(ctx, tok)
	assert.ErrorIs(t, err, ErrExpired)
	_, err = repo.Get(ctx, namespace, sessionType, TokenID(tok))
	require.NoError(t, err, "lookup never deletes")

	_, err = s.GetByToken(ctx, tok)
	assert.ErrorIs(t, err, ErrExpired)
	_, err = repo.Get(ctx, namespace, sessionType, TokenID(tok))
	assert.True(t, storage.IsNotFound(err), "get deletes lazily")
}

func TestGet_AbsoluteExpiry(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()
	tok := newToken(t)
	sess := newSession(clock, "p1")
	sess.IdleTimeout = 0
	sess.ExpiresAt = clock.Now().Add(time.Hour)
	require.NoError(t, s.Put(ctx, tok, sess))

	clock.Advance(time.Hour)
	_, err := s.GetByToken(ctx, tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()
	tok := newToken(t)
	require.NoError(t, s.Put(ctx, tok, newSession(clock, "p1")))

	require.NoError(t, s.DeleteByToken(ctx, tok))
	require.NoError(t, s.DeleteByToken(ctx, tok))
	existed, err := s.Delete(ctx, TokenID(tok))
	require.NoError(t, err)
	assert.False(t, existed)

	list, err := s.ListByPrincipal(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListByPrincipal(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	first := newToken(t)
	require.NoError(t, s.Put(ctx, first, newSession(clock, "p1")))
	clock.Advance(time.Minute)
	second := newToken(t)
	short := newSession(clock, "p1")
	short.IdleTimeout = 2 * time.Minute
	require.NoError(t, s.Put(ctx, second, short))
	require.NoError(t, s.Put(ctx, newToken(t), newSession(clock, "p2")))

	list, err := s.ListByPrincipal(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, TokenID(first), list[0].ID)
	assert.Equal(t, TokenID(second), list[1].ID)

	clock.Advance(5 * time.Minute)
	list, err = s.ListByPrincipal(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, TokenID(first), list[0].ID)
}

func TestUpdate_RevokedSessionIsNotResurrected(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()
	tok := newToken(t)
	require.NoError(t, s.Put(ctx, tok, newSession(clock, "p1")))

	_, err := s.Update(ctx, TokenID(tok), func(sess *Session) error {
		_, derr := s.Delete(ctx, sess.ID)
		require.NoError(t, derr)
		sess.Device.Label = "laptop"
		return nil
	})
	assert.Error(t, err)

	_, err = s.GetByToken(ctx, tok)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwap_StaleVersion(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()
	tok := newToken(t)
	require.NoError(t, s.Put(ctx, tok, newSession(clock, "p1")))

	a, err := s.GetByToken(ctx, tok)
	require.NoError(t, err)
	b, err := s.GetByToken(ctx, tok)
	require.NoError(t, err)

	a.Device.Label = "a"
	require.NoError(t, s.CompareAndSwap(ctx, a))
	b.Device.Label = "b"
	assert.ErrorIs(t, s.CompareAndSwap(ctx, b), ErrConflict)
}

func TestRevokeAllForPrincipal(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()
	tokens := []string{newToken(t), newToken(t), newToken(t)}
	for _, tok := range tokens {
		require.NoError(t, s.Put(ctx, tok, newSession(clock, "p1")))
	}
	other := newToken(t)
	require.NoError(t, s.Put(ctx, other, newSession(clock, "p2")))

	n, err := s.RevokeAllForPrincipal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, tok := range tokens {
		_, err := s.GetByToken(ctx, tok)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	_, err = s.GetByToken(ctx, other)
	assert.NoError(t, err)
}

func TestStoreUnavailable(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetByToken(ctx, "tok")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
