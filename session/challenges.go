package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/tollgate/storage"
)

// CreateChallenge persists c as the principal's only live challenge. A
// challenge still issued for the same principal is cancelled in the same
// batch, and the per-principal pointer is swapped with compare-and-swap, so
// two concurrent issues cannot both stay live. The cancelled challenge's ID
// is returned, or "" if nothing was superseded.
func (s *Store) CreateChallenge(ctx context.Context, c *Challenge) (string, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		ptrVersion, prev, err := s.activeChallenge(ctx, c.PrincipalID)
		if err != nil {
			return "", err
		}

		c.Version = 1
		env, err := s.sealer.Seal(namespace, challengeType, c.ID, c, c.Version)
		if err != nil {
			return "", err
		}
		ptrEnv, err := s.sealer.Seal(namespace, activeType, c.PrincipalID, activePointer{ChallengeID: c.ID}, ptrVersion+1)
		if err != nil {
			return "", err
		}

		var prevEnv *storage.Envelope
		var prevVersion uint64
		if prev != nil && prev.State == ChallengeIssued {
			prevVersion = prev.Version
			prev.State = ChallengeCancelled
			prev.Version++
			if prevEnv, err = s.sealer.Seal(namespace, challengeType, prev.ID, prev, prev.Version); err != nil {
				return "", err
			}
		}

		err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
			if prevEnv != nil {
				if err := tx.PutCAS(challengeType, prev.ID, prevVersion, prevEnv); err != nil {
					return err
				}
			}
			if err := tx.PutCAS(challengeType, c.ID, 0, env); err != nil {
				return err
			}
			return tx.PutCAS(activeType, c.PrincipalID, ptrVersion, ptrEnv)
		})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return "", unavailable("create challenge", err)
		}
		if prevEnv != nil {
			return prev.ID, nil
		}
		return "", nil
	}
	return "", ErrConflict
}

// activeChallenge returns the pointer version (0 when absent) and the
// challenge it points at, if that still exists.
func (s *Store) activeChallenge(ctx context.Context, principalID string) (uint64, *Challenge, error) {
	env, err := s.repo.Get(ctx, namespace, activeType, principalID)
	if storage.IsNotFound(err) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, unavailable("get active challenge", err)
	}
	var ptr activePointer
	if err := s.sealer.Open(namespace, activeType, principalID, env, &ptr); err != nil {
		return 0, nil, unavailable("open active challenge", err)
	}
	c, err := s.GetChallenge(ctx, ptr.ChallengeID)
	if errors.Is(err, ErrNotFound) {
		return env.Version, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return env.Version, c, nil
}

// ActiveChallengeID returns the ID of the principal's most recently issued
// challenge, or "" when there is none.
func (s *Store) ActiveChallengeID(ctx context.Context, principalID string) (string, error) {
	_, c, err := s.activeChallenge(ctx, principalID)
	if err != nil || c == nil {
		return "", err
	}
	return c.ID, nil
}

// GetChallenge loads a challenge by ID.
func (s *Store) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	env, err := s.repo.Get(ctx, namespace, challengeType, id)
	if storage.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get challenge", err)
	}
	var c Challenge
	if err := s.sealer.Open(namespace, challengeType, id, env, &c); err != nil {
		return nil, unavailable("open challenge", err)
	}
	c.Version = env.Version
	return &c, nil
}

// UpdateChallenge runs fn against the current challenge. When fn reports
// persist, the mutated challenge is written with compare-and-swap; on a lost
// race fn is re-run against the fresh record. fn's error is returned
// alongside the (possibly persisted) challenge, which lets a transition be
// stored and still reported as a failure.
func (s *Store) UpdateChallenge(ctx context.Context, id string, fn func(c *Challenge) (persist bool, err error)) (*Challenge, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		c, err := s.GetChallenge(ctx, id)
		if err != nil {
			return nil, err
		}
		persist, fnErr := fn(c)
		if !persist {
			return c, fnErr
		}

		expected := c.Version
		c.Version++
		env, err := s.sealer.Seal(namespace, challengeType, id, c, c.Version)
		if err != nil {
			return nil, err
		}
		err = s.repo.PutCAS(ctx, namespace, challengeType, id, expected, env)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, unavailable("update challenge", err)
		}
		return c, fnErr
	}
	return nil, ErrConflict
}

// DeleteChallenge removes a challenge and clears the principal's active
// pointer if it still refers to it. A pointer swapped by a newer issue in the
// meantime is left alone.
func (s *Store) DeleteChallenge(ctx context.Context, c *Challenge) error {
	ptrVersion, active, err := s.activeChallenge(ctx, c.PrincipalID)
	if err != nil {
		return err
	}
	clearPointer := active != nil && active.ID == c.ID
	var ptrEnv *storage.Envelope
	if clearPointer {
		if ptrEnv, err = s.sealer.Seal(namespace, activeType, c.PrincipalID, activePointer{ChallengeID: c.ID}, ptrVersion+1); err != nil {
			return err
		}
	}
	err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.Delete(challengeType, c.ID); err != nil && !storage.IsNotFound(err) {
			return err
		}
		if !clearPointer {
			return nil
		}
		if err := tx.PutCAS(activeType, c.PrincipalID, ptrVersion, ptrEnv); err != nil {
			return err
		}
		return tx.Delete(activeType, c.PrincipalID)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil
	}
	if err != nil {
		return unavailable("delete challenge", fmt.Errorf("%s: %w", c.ID, err))
	}
	return nil
}
