// Package storagetest holds the behaviour every storage.Repository backend
// must share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/storage"
)

func envelope(version uint64, body string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte(body),
		Version:    version,
	}
}

// Run exercises repo against the Repository contract. Each subtest uses its
// own namespace so a shared backend does not need resetting between them.
func Run(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		ns := "put-get"
		require.NoError(t, repo.Put(ctx, ns, "SESSION", "s1", envelope(1, "one")))

		got, err := repo.Get(ctx, ns, "SESSION", "s1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Ciphertext)
		assert.Equal(t, uint64(1), got.Version)

		got.Ciphertext[0] = 'X'
		again, err := repo.Get(ctx, ns, "SESSION", "s1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), again.Ciphertext, "returned envelopes must not alias stored ones")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing-namespace", "SESSION", "s1")
		assert.True(t, storage.IsNotFound(err))

		require.NoError(t, repo.Put(ctx, "get-nf", "SESSION", "s1", envelope(1, "one")))
		_, err = repo.Get(ctx, "get-nf", "SESSION", "nope")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("ListByType", func(t *testing.T) {
		ns := "list"
		require.NoError(t, repo.Put(ctx, ns, "SESSION", "b", envelope(1, "b")))
		require.NoError(t, repo.Put(ctx, ns, "SESSION", "a", envelope(1, "a")))
		require.NoError(t, repo.Put(ctx, ns, "CHALLENGE", "c", envelope(1, "c")))

		ids, err := repo.List(ctx, ns, "SESSION")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)

		ids, err = repo.List(ctx, "list-empty", "SESSION")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		ns := "delete"
		require.NoError(t, repo.Put(ctx, ns, "SESSION", "s1", envelope(1, "one")))
		require.NoError(t, repo.Delete(ctx, ns, "SESSION", "s1"))

		_, err := repo.Get(ctx, ns, "SESSION", "s1")
		assert.True(t, storage.IsNotFound(err))
		ids, err := repo.List(ctx, ns, "SESSION")
		require.NoError(t, err)
		assert.Empty(t, ids)

		err = repo.Delete(ctx, ns, "SESSION", "s1")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("PutCASCreate", func(t *testing.T) {
		ns := "cas-create"
		require.NoError(t, repo.PutCAS(ctx, ns, "IDX", "alice", 0, envelope(1, "first")))
		err := repo.PutCAS(ctx, ns, "IDX", "alice", 0, envelope(1, "second"))
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		got, err := repo.Get(ctx, ns, "IDX", "alice")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got.Ciphertext)
	})

	t.Run("PutCASUpdate", func(t *testing.T) {
		ns := "cas-update"
		require.NoError(t, repo.PutCAS(ctx, ns, "SESSION", "s1", 0, envelope(1, "v1")))
		require.NoError(t, repo.PutCAS(ctx, ns, "SESSION", "s1", 1, envelope(2, "v2")))

		err := repo.PutCAS(ctx, ns, "SESSION", "s1", 1, envelope(2, "stale"))
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		err = repo.PutCAS(ctx, ns, "SESSION", "missing", 3, envelope(4, "x"))
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		got, err := repo.Get(ctx, ns, "SESSION", "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
		assert.Equal(t, []byte("v2"), got.Ciphertext)
	})

	t.Run("BatchCommits", func(t *testing.T) {
		ns := "batch-commit"
		require.NoError(t, repo.Put(ctx, ns, "SESSION", "old", envelope(1, "old")))

		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.Put("SESSION", "new", envelope(1, "new")); err != nil {
				return err
			}
			if err := tx.PutCAS("IDX", "p1", 0, envelope(1, "idx")); err != nil {
				return err
			}
			return tx.Delete("SESSION", "old")
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, ns, "SESSION", "new")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, ns, "IDX", "p1")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, ns, "SESSION", "old")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		ns := "batch-rollback"
		require.NoError(t, repo.Put(ctx, ns, "IDX", "p1", envelope(5, "idx")))

		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.Put("SESSION", "s1", envelope(1, "s1")); err != nil {
				return err
			}
			return tx.PutCAS("IDX", "p1", 4, envelope(5, "stale"))
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = repo.Get(ctx, ns, "SESSION", "s1")
		assert.True(t, storage.IsNotFound(err), "write before failed CAS must roll back")

		sentinel := errors.New("abort")
		err = repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.Delete("IDX", "p1"); err != nil {
				return err
			}
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		_, err = repo.Get(ctx, ns, "IDX", "p1")
		assert.NoError(t, err, "delete before abort must roll back")
	})

	t.Run("ConcurrentCASSingleWinner", func(t *testing.T) {
		ns := "cas-race"
		require.NoError(t, repo.PutCAS(ctx, ns, "CHALLENGE", "c1", 0, envelope(1, "issued")))

		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.PutCAS(ctx, ns, "CHALLENGE", "c1", 1, envelope(2, "verified"))
				if err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}
