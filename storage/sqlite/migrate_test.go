package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mtlsvault/storage"
	"github.com/jmcleod/mtlsvault/storage/storagetest"
)

// snapshot is every row of every table, keyed by table name, plus the
// schema objects and the schema version.
type snapshot struct {
	version int
	schema  [][]any
	tables  map[string][][]any
}

func dumpRows(t *testing.T, ctx context.Context, db *sql.DB, query string) [][]any {
	t.Helper()
	rows, err := db.QueryContext(ctx, query)
	require.NoError(t, err)
	defer rows.Close()
	cols, err := rows.Columns()
	require.NoError(t, err)

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		out = append(out, vals)
	}
	require.NoError(t, rows.Err())
	return out
}

func takeSnapshot(t *testing.T, ctx context.Context, path, hexKey string) snapshot {
	t.Helper()
	db, err := openDB(path, hexKey)
	require.NoError(t, err)
	defer db.Close()

	var s snapshot
	require.NoError(t, db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&s.version))
	s.schema = dumpRows(t, ctx, db, "SELECT type, name, tbl_name, sql FROM sqlite_master ORDER BY name")
	s.tables = map[string][][]any{
		"users":             dumpRows(t, ctx, db, "SELECT * FROM users ORDER BY id"),
		"ca_certificates":   dumpRows(t, ctx, db, "SELECT * FROM ca_certificates ORDER BY id"),
		"user_certificates": dumpRows(t, ctx, db, "SELECT * FROM user_certificates ORDER BY id"),
		"sqlite_sequence":   dumpRows(t, ctx, db, "SELECT name, seq FROM sqlite_sequence ORDER BY name"),
	}
	return s
}

func TestMigrator_CopiesSchemaVersionAndRows(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "database.db3")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	alice, err := s.InsertUser(ctx, &storage.User{Name: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	bob, err := s.InsertUser(ctx, &storage.User{Name: "bob", Role: storage.RoleAdmin})
	require.NoError(t, err)
	oldCA, err := s.InsertCA(ctx, storagetest.NewCA(1))
	require.NoError(t, err)
	currentCA, err := s.InsertCA(ctx, storagetest.NewCA(2))
	require.NoError(t, err)
	_, err = s.InsertLeaf(ctx, storagetest.NewLeaf("laptop", alice, oldCA))
	require.NoError(t, err)
	server := storagetest.NewLeaf("api.internal", bob, currentCA)
	server.Type = storage.CertificateTypeServer
	_, err = s.InsertLeaf(ctx, server)
	require.NoError(t, err)
	// A deleted row leaves a gap that the AUTOINCREMENT counter must keep.
	gone, err := s.InsertLeaf(ctx, storagetest.NewLeaf("retired", alice, currentCA))
	require.NoError(t, err)
	require.NoError(t, s.DeleteLeaf(ctx, gone))
	require.NoError(t, s.Close())

	before := takeSnapshot(t, ctx, path, "")
	require.Equal(t, SchemaVersion, before.version)
	require.Len(t, before.tables["user_certificates"], 2)

	key, err := deriveKey(memguard.NewEnclave([]byte("correct horse")))
	require.NoError(t, err)
	defer key.Destroy()

	m := NewMigrator(path, key.String(), nil)
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, StateEncrypted, m.State())

	enc, err := IsEncrypted(path)
	require.NoError(t, err)
	require.True(t, enc)

	after := takeSnapshot(t, ctx, path, key.String())
	assert.Equal(t, SchemaVersion, after.version)
	assert.Equal(t, before.schema, after.schema)
	for table, rows := range before.tables {
		assert.Equal(t, rows, after.tables[table], table)
	}
}
