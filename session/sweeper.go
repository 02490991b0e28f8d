package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/metrics"
)

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Sessions   int
	Challenges int
}

// Sweep removes expired sessions and challenges past their retention.
// Lazy expiry on access already hides them; sweeping only reclaims space.
// A challenge is kept for one more TTL after ExpiresAt, whatever its
// state, so a late verification still reports expiry rather than an
// unknown challenge.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	ids, err := s.repo.List(ctx, namespace, sessionType)
	if err != nil {
		return res, unavailable("list sessions", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sess, err := s.load(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, errCorrupt):
			if err := s.deleteRaw(ctx, id); err != nil {
				return res, err
			}
			res.Sessions++
			continue
		case err != nil:
			return res, err
		}
		if !sess.Expired(now) {
			continue
		}
		if err := s.deleteSession(ctx, sess); err != nil {
			return res, err
		}
		res.Sessions++
	}

	ids, err = s.repo.List(ctx, namespace, challengeType)
	if err != nil {
		return res, unavailable("list challenges", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c, err := s.GetChallenge(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		if now.Before(c.RetainUntil()) {
			continue
		}
		if err := s.DeleteChallenge(ctx, c); err != nil {
			return res, err
		}
		res.Challenges++
	}
	return res, nil
}

// Sweeper runs Store.Sweep on an interval until stopped.
type Sweeper struct {
	store    *Store
	interval time.Duration
	metrics  *metrics.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSweeper(store *Store, interval time.Duration, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// Run blocks, sweeping every interval, until ctx is done or Stop is called.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	log := logger.Named("sweeper")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case <-ticker.C:
			w.sweepOnce(ctx, log)
		}
	}
}

func (w *Sweeper) sweepOnce(ctx context.Context, log *zap.Logger) {
	res, err := w.store.Sweep(ctx)
	w.metrics.Swept("session", res.Sessions)
	w.metrics.Swept("challenge", res.Challenges)
	if err != nil {
		log.Warn("sweep failed", zap.Error(err))
		return
	}
	if res.Sessions > 0 || res.Challenges > 0 {
		log.Debug("sweep complete",
			zap.Int("sessions", res.Sessions),
			zap.Int("challenges", res.Challenges))
	}
}

// Stop ends Run. Safe to call more than once.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}
