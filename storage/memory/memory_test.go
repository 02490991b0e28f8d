package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/tollgate/storage"
	"github.com/jmcleod/tollgate/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepository_CanceledContext(t *testing.T) {
	repo := NewRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.Put(ctx, "ns", "SESSION", "s1", &storage.Envelope{Ver: 1})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = repo.Get(ctx, "ns", "SESSION", "s1")
	assert.ErrorIs(t, err, context.Canceled)
}
