package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nireo/raftsql/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplyContiguousAndRecordHash(t *testing.T) {
	s := newTestStore(t)

	resp := s.Apply(types.SqlCommand{Kind: types.SqlMigration, Migrations: []types.Migration{
		{ID: 1, Name: "init", Content: "CREATE TABLE test(id INTEGER PRIMARY KEY, ts INTEGER NOT NULL, description TEXT NOT NULL)"},
		{ID: 2, Name: "another_migration", Content: "CREATE TABLE other(id INTEGER PRIMARY KEY)"},
	}})
	require.Empty(t, resp.Err)

	rows, err := s.Query(types.Query{SQL: "SELECT id, name, hash FROM _migrations ORDER BY id"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), rows[0].Values[0].Integer)
	require.Equal(t, "init", rows[0].Values[1].Text)
	require.Len(t, rows[0].Values[2].Text, 64) // hex sha-256
}

func TestMigrationsReapplyingSameSetIsNoop(t *testing.T) {
	s := newTestStore(t)

	migrations := []types.Migration{
		{ID: 1, Name: "init", Content: "CREATE TABLE test(id INTEGER PRIMARY KEY)"},
		{ID: 2, Name: "another_migration", Content: "CREATE TABLE other(id INTEGER PRIMARY KEY)"},
	}

	resp := s.Apply(types.SqlCommand{Kind: types.SqlMigration, Migrations: migrations})
	require.Empty(t, resp.Err)

	resp = s.Apply(types.SqlCommand{Kind: types.SqlMigration, Migrations: migrations})
	require.Empty(t, resp.Err, "reapplying an identical migration set must be a no-op, not an error")

	rows, err := s.Query(types.Query{SQL: "SELECT COUNT(*) FROM _migrations"})
	require.NoError(t, err)
	require.Equal(t, int64(2), rows[0].Values[0].Integer)
}

func TestMigrationChangedContentForSameIDIsFatal(t *testing.T) {
	s := newTestStore(t)

	resp := s.Apply(types.SqlCommand{Kind: types.SqlMigration, Migrations: []types.Migration{
		{ID: 1, Name: "init", Content: "CREATE TABLE test(id INTEGER PRIMARY KEY)"},
	}})
	require.Empty(t, resp.Err)

	resp = s.Apply(types.SqlCommand{Kind: types.SqlMigration, Migrations: []types.Migration{
		{ID: 1, Name: "init", Content: "CREATE TABLE test(id INTEGER PRIMARY KEY, extra TEXT)"},
	}})
	require.NotEmpty(t, resp.Err, "changing the body of an already-applied migration id must be a fatal error")
}

func TestMigrationIDGapIsRejected(t *testing.T) {
	s := newTestStore(t)

	resp := s.Apply(types.SqlCommand{Kind: types.SqlMigration, Migrations: []types.Migration{
		{ID: 2, Name: "skip-one", Content: "CREATE TABLE test(id INTEGER PRIMARY KEY)"},
	}})
	require.NotEmpty(t, resp.Err, "migrations must start at id 1 with no gaps")
}
