package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/mtlsvault/storage"
	"github.com/jmcleod/mtlsvault/storage/storagetest"
)

func truncateAll(ctx context.Context, pool *pgxpool.Pool) {
	pool.Exec(ctx, "TRUNCATE user_certificates, ca_certificates, users RESTART IDENTITY CASCADE") //nolint:errcheck
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MTLSVAULT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MTLSVAULT_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("could not open postgres store: %v", err)
	}
	truncateAll(ctx, s.Pool())
	t.Cleanup(func() { truncateAll(ctx, s.Pool()) })
	return s
}

func TestPostgresConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.CredentialStore { return newTestStore(t) })
}
