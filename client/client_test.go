package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nireo/raftsql/types"
	"github.com/nireo/raftsql/wire"
)

func TestNoteLeaderChangeOnlyFiresOnce(t *testing.T) {
	c := &Client{}
	require.True(t, c.noteLeaderChange(2, "10.0.0.2:9000"))
	require.False(t, c.noteLeaderChange(2, "10.0.0.2:9000"))
	require.True(t, c.noteLeaderChange(3, "10.0.0.3:9000"))
	require.Equal(t, "10.0.0.3:9000", c.currentLeaderAddr())
}

func TestSqlResponseFromFrame(t *testing.T) {
	resp := sqlResponseFromFrame(wire.StreamResponse{Tag: wire.ResultExecute, RowsAffected: 7})
	require.Equal(t, types.RespExecute, resp.Kind)
	require.EqualValues(t, 7, resp.RowsAffected)

	resp = sqlResponseFromFrame(wire.StreamResponse{Tag: wire.ResultBatch, Statements: []types.StatementResult{{RowsAffected: 1}}})
	require.Equal(t, types.RespBatch, resp.Kind)
	require.Len(t, resp.Statements, 1)
}
