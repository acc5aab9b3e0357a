package sqlstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nireo/raftsql/types"
)

func mustCreateTestTable(t *testing.T, s *Store) {
	t.Helper()
	resp := s.Apply(types.SqlCommand{Kind: types.SqlExecute, Query: types.Query{
		SQL: "CREATE TABLE test(id INTEGER PRIMARY KEY, ts INTEGER NOT NULL, description TEXT NOT NULL)",
	}})
	require.Empty(t, resp.Err)
}

func TestExecuteInsertAndUniqueViolation(t *testing.T) {
	s := newTestStore(t)
	mustCreateTestTable(t, s)

	resp := s.Apply(types.SqlCommand{Kind: types.SqlExecute, Query: types.Query{
		SQL:    "INSERT INTO test VALUES (?, ?, ?)",
		Params: []types.Param{types.ParamFromInt(1), types.ParamFromInt(1700000000), types.ParamFromText("row 1")},
	}})
	require.Empty(t, resp.Err)
	require.EqualValues(t, 1, resp.RowsAffected)

	resp = s.Apply(types.SqlCommand{Kind: types.SqlExecute, Query: types.Query{
		SQL:    "INSERT INTO test VALUES (?, ?, ?)",
		Params: []types.Param{types.ParamFromInt(1), types.ParamFromInt(1700000000), types.ParamFromText("row 1")},
	}})
	require.True(t, strings.HasPrefix(resp.Err, "UNIQUE constraint failed"))
}

func TestTransactionRollsBackWholeUnitOnFailure(t *testing.T) {
	s := newTestStore(t)
	mustCreateTestTable(t, s)

	resp := s.Apply(types.SqlCommand{Kind: types.SqlTransaction, Queries: []types.Query{
		{SQL: "INSERT INTO test VALUES (1, 1700000000, 'a')"},
		{SQL: "INSERT INTO test VALUES (1, 1700000000, 'duplicate-id')"}, // fails: unique violation
		{SQL: "INSERT INTO test VALUES (2, 1700000000, 'b')"},
	}})
	require.Len(t, resp.Statements, 3)
	require.Empty(t, resp.Statements[0].Err)
	require.NotEmpty(t, resp.Statements[1].Err)
	require.NotEmpty(t, resp.Statements[2].Err, "statements after a failure report an aborted error too")

	rows, err := s.Query(types.Query{SQL: "SELECT COUNT(*) FROM test"})
	require.NoError(t, err)
	require.EqualValues(t, 0, rows[0].Values[0].Integer, "the whole transaction rolls back, including the successful first insert")
}

func TestEmptyTransactionReturnsEmptyResult(t *testing.T) {
	s := newTestStore(t)
	resp := s.Apply(types.SqlCommand{Kind: types.SqlTransaction, Queries: nil})
	require.Empty(t, resp.Err)
	require.Empty(t, resp.Statements)
}

func TestBatchReportsPerStatementResultsWithNoRollback(t *testing.T) {
	s := newTestStore(t)
	mustCreateTestTable(t, s)

	resp := s.Apply(types.SqlCommand{Kind: types.SqlBatch, BatchSQL: strings.Join([]string{
		"INSERT INTO test VALUES (1, 1700000000, 'a')",
		"INSERT INTO test VALUES (1, 1700000000, 'duplicate')", // fails
		"INSERT INTO test VALUES (2, 1700000000, 'b')",          // still runs
	}, "; ")})

	require.Len(t, resp.Statements, 3)
	require.Empty(t, resp.Statements[0].Err)
	require.NotEmpty(t, resp.Statements[1].Err)
	require.Empty(t, resp.Statements[2].Err)

	rows, err := s.Query(types.Query{SQL: "SELECT COUNT(*) FROM test"})
	require.NoError(t, err)
	require.EqualValues(t, 2, rows[0].Values[0].Integer, "batch has no transactional wrapping: earlier and later successes both persist")
}

func TestExecuteReturningMaterializesRows(t *testing.T) {
	s := newTestStore(t)
	mustCreateTestTable(t, s)

	resp := s.Apply(types.SqlCommand{Kind: types.SqlExecute, Query: types.Query{
		SQL:    "INSERT INTO test VALUES (1, 1700000000, 'row 1')",
	}})
	require.Empty(t, resp.Err)

	resp = s.Apply(types.SqlCommand{Kind: types.SqlExecuteReturning, Query: types.Query{
		SQL:    "SELECT id, description FROM test WHERE id = ?",
		Params: []types.Param{types.ParamFromInt(1)},
	}})
	require.Empty(t, resp.Err)
	require.Len(t, resp.Rows, 1)

	val, ok := resp.Rows[0].Get("description")
	require.True(t, ok)
	require.Equal(t, "row 1", val.Text)
}
