package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TOLLGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOLLGATE_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	s, err := NewRepositoryFromDSN(ctx, dsn)
	require.NoError(t, err)

	// Clean tables for test isolation.
	s.Pool().Exec(ctx, "DELETE FROM tollgate_records") //nolint:errcheck
	t.Cleanup(func() {
		s.Pool().Exec(ctx, "DELETE FROM tollgate_records") //nolint:errcheck
		_ = s.Close()
	})
	return s
}

func TestPostgresStorage(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}
