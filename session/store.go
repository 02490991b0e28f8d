package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/storage"
)

const (
	namespace     = "sessions"
	sessionType   = "SESSION"
	challengeType = "CHALLENGE"
	activeType    = "ACTIVE_CHALLENGE"
	indexPrefix   = "BY_PRINCIPAL:"
	maxCASRetries = 8
)

var (
	// ErrNotFound is returned for an absent session or challenge.
	ErrNotFound = errors.New("session record not found")
	// ErrExpired is returned when a session exists but is past its absolute
	// or idle expiry.
	ErrExpired = errors.New("session expired")
	// ErrConflict is returned when a compare-and-swap loses to a concurrent
	// writer and the retry budget is spent.
	ErrConflict = errors.New("session record modified concurrently")
	// ErrStoreUnavailable wraps every storage fault. It is not retried here.
	ErrStoreUnavailable = errors.New("session store unavailable")

	errCorrupt = errors.New("undecodable record")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Store persists sessions and challenges as sealed records. Every
// transition on a record is a compare-and-swap against its version; there
// is no lock wider than one record.
type Store struct {
	repo   storage.Repository
	sealer *storage.Sealer
	now    func() time.Time
}

type Option func(*Store)

// WithClock overrides time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(repo storage.Repository, sealer *storage.Sealer, opts ...Option) *Store {
	s := &Store{repo: repo, sealer: sealer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func indexType(principalID string) string {
	return indexPrefix + principalID
}

type indexEntry struct {
	CreatedAt time.Time `json:"created_at"`
}

type activePointer struct {
	ChallengeID string `json:"challenge_id"`
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Put persists a new session for token. It sets sess.ID and sess.Version.
// The session and its principal index entry are written in one batch.
func (s *Store) Put(ctx context.Context, token string, sess *Session) error {
	sess.ID = TokenID(token)
	sess.Version = 1

	env, err := s.sealer.Seal(namespace, sessionType, sess.ID, sess, sess.Version)
	if err != nil {
		return err
	}
	idxEnv, err := s.sealer.Seal(namespace, indexType(sess.PrincipalID), sess.ID, indexEntry{CreatedAt: sess.CreatedAt}, 1)
	if err != nil {
		return err
	}

	err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(sessionType, sess.ID, 0, env); err != nil {
			return err
		}
		return tx.Put(indexType(sess.PrincipalID), sess.ID, idxEnv)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrConflict
	}
	if err != nil {
		return unavailable("put session", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	env, err := s.repo.Get(ctx, namespace, sessionType, id)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	var sess Session
	if err := s.sealer.Open(namespace, sessionType, id, env, &sess); err != nil {
		return nil, unavailable("open session", fmt.Errorf("%w: %w", errCorrupt, err))
	}
	sess.Version = env.Version
	return &sess, nil
}

// Get returns the session with handle id. An expired session is deleted
// and reported as ErrExpired.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		if err := s.deleteSession(ctx, sess); err != nil {
			logger.From(ctx).Warn("lazy session expiry failed", logger.SessionID(id), zap.Error(err))
		}
		return nil, ErrExpired
	}
	return sess, nil
}

// GetByToken resolves token, deleting it if it has expired.
func (s *Store) GetByToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.Get(ctx, TokenID(token))
}

// Lookup resolves token without writing anything, so readers that must not
// mutate the store can use it. Expiry is still enforced.
func (s *Store) Lookup(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	sess, err := s.load(ctx, TokenID(token))
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, ErrExpired
	}
	return sess, nil
}

// DeleteByToken removes the session for token. Deleting an absent session
// is not an error.
func (s *Store) DeleteByToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	_, err := s.Delete(ctx, TokenID(token))
	return err
}

// Delete removes the session with handle id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	sess, err := s.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		if errors.Is(err, errCorrupt) {
			// Unreadable record: drop it without the index entry.
			return true, s.deleteRaw(ctx, id)
		}
		return false, err
	}
	if err := s.deleteSession(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) deleteSession(ctx context.Context, sess *Session) error {
	err := s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.Delete(sessionType, sess.ID); err != nil {
			return err
		}
		if err := tx.Delete(indexType(sess.PrincipalID), sess.ID); err != nil && !storage.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil && !storage.IsNotFound(err) {
		return unavailable("delete session", err)
	}
	return nil
}

func (s *Store) deleteRaw(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, namespace, sessionType, id); err != nil && !storage.IsNotFound(err) {
		return unavailable("delete session", err)
	}
	return nil
}

// ListByPrincipal returns the live sessions of principalID, oldest first.
// Expired sessions and dangling index entries found on the way are removed.
func (s *Store) ListByPrincipal(ctx context.Context, principalID string) ([]*Session, error) {
	ids, err := s.repo.List(ctx, namespace, indexType(principalID))
	if err != nil {
		return nil, unavailable("list sessions", err)
	}

	now := s.now()
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.load(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			_ = s.repo.Delete(ctx, namespace, indexType(principalID), id)
			continue
		case errors.Is(err, errCorrupt):
			logger.From(ctx).Warn("skipping undecodable session", logger.SessionID(id), zap.Error(err))
			continue
		case err != nil:
			return nil, err
		}
		if sess.Expired(now) {
			if err := s.deleteSession(ctx, sess); err != nil {
				logger.From(ctx).Warn("lazy session expiry failed", logger.SessionID(id), zap.Error(err))
			}
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CompareAndSwap writes sess if the stored version still equals
// sess.Version, then advances sess.Version.
func (s *Store) CompareAndSwap(ctx context.Context, sess *Session) error {
	next := sess.Version + 1
	env, err := s.sealer.Seal(namespace, sessionType, sess.ID, sess, next)
	if err != nil {
		return err
	}
	err = s.repo.PutCAS(ctx, namespace, sessionType, sess.ID, sess.Version, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrConflict
	}
	if err != nil {
		return unavailable("swap session", err)
	}
	sess.Version = next
	return nil
}

// Update applies fn to the live session id and writes the result with
// compare-and-swap, retrying on conflict. A session deleted in between
// surfaces as ErrNotFound, so a revoked session is never written back.
func (s *Store) Update(ctx context.Context, id string, fn func(sess *Session) error) (*Session, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		err = s.CompareAndSwap(ctx, sess)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	return nil, ErrConflict
}

// Touch records activity on session id, extending its idle window.
func (s *Store) Touch(ctx context.Context, id string) (*Session, error) {
	return s.Update(ctx, id, func(sess *Session) error {
		sess.LastActivityAt = s.now().UTC()
		return nil
	})
}

// RevokeAllForPrincipal deletes every session of principalID and returns
// how many were removed.
func (s *Store) RevokeAllForPrincipal(ctx context.Context, principalID string) (int, error) {
	ids, err := s.repo.List(ctx, namespace, indexType(principalID))
	if err != nil {
		return 0, unavailable("list sessions", err)
	}
	n := 0
	for _, id := range ids {
		existed, err := s.Delete(ctx, id)
		if err != nil {
			return n, err
		}
		if existed {
			n++
		}
		if err := s.repo.Delete(ctx, namespace, indexType(principalID), id); err != nil && !storage.IsNotFound(err) {
			return n, unavailable("delete session index", err)
		}
	}
	return n, nil
}
