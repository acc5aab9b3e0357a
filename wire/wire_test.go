package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nireo/raftsql/types"
	"github.com/nireo/raftsql/wire"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []wire.StreamRequest{
		{
			RequestID: 1,
			Tag:       wire.TagExecute,
			Query:     types.Query{SQL: "INSERT INTO t VALUES (?, ?)", Params: []types.Param{types.ParamFromInt(1), types.ParamFromText("row")}},
		},
		{
			RequestID: 2,
			Tag:       wire.TagExecuteReturning,
			Query:     types.Query{SQL: "SELECT * FROM t WHERE id = ?", Params: []types.Param{types.ParamFromInt(1)}},
		},
		{
			RequestID: 3,
			Tag:       wire.TagTransaction,
			Queries: []types.Query{
				{SQL: "INSERT INTO t VALUES (1, 'a')"},
				{SQL: "INSERT INTO t VALUES (2, 'b')", Params: []types.Param{types.ParamFromReal(3.5), types.ParamFromBlob([]byte{1, 2, 3})}},
			},
		},
		{RequestID: 4, Tag: wire.TagQueryConsistent, Query: types.Query{SQL: "SELECT 1"}},
		{RequestID: 5, Tag: wire.TagBatch, BatchSQL: "DELETE FROM t; DELETE FROM u;"},
		{
			RequestID:  6,
			Tag:        wire.TagMigrate,
			Migrations: []types.Migration{{ID: 1, Name: "init", Content: "CREATE TABLE t(id)"}},
		},
		{RequestID: 7, Tag: wire.TagBackup},
		{
			RequestID: 8,
			Tag:       wire.TagKV,
			Cache:     types.CacheCommand{Kind: types.CachePut, Idx: 2, Key: "k", Value: []byte("v"), Expires: int64Ptr(1700000000)},
		},
		{
			RequestID: 9,
			Tag:       wire.TagKV,
			Cache:     types.CacheCommand{Kind: types.CacheDelete, Idx: 0, Key: "k"},
		},
	}

	for _, req := range cases {
		encoded := wire.EncodeRequest(req)
		decoded, err := wire.DecodeRequest(encoded)
		require.NoError(t, err)
		require.Equal(t, req, decoded)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []wire.StreamResponse{
		{RequestID: 1, Tag: wire.ResultExecute, RowsAffected: 1},
		{
			RequestID: 2,
			Tag:       wire.ResultExecuteReturning,
			Rows: []types.RowOwned{
				{Columns: []string{"id", "name"}, Values: []types.Param{types.ParamFromInt(1), types.ParamFromText("row")}},
			},
		},
		{
			RequestID:  3,
			Tag:        wire.ResultTransaction,
			Statements: []types.StatementResult{{RowsAffected: 1}, {Err: "aborted: prior statement in transaction failed"}},
		},
		{RequestID: 5, Tag: wire.ResultBatch, Statements: []types.StatementResult{{RowsAffected: 2}}},
		{RequestID: 6, Tag: wire.ResultMigrate},
		{RequestID: 7, Tag: wire.ResultBackup},
		{
			RequestID: 8,
			Tag:       wire.ResultKV,
			Cache:     types.CacheResponse{Kind: types.RespCacheValue, Found: true, Value: []byte("v")},
		},
		{
			RequestID:  10,
			Tag:        wire.ResultErr,
			ErrKind:    3,
			ErrMessage: "not the leader",
			HasLeader:  true,
			LeaderID:   7,
			LeaderAddr: "10.0.0.2:9000",
		},
	}

	for _, resp := range cases {
		encoded := wire.EncodeResponse(resp)
		decoded, err := wire.DecodeResponse(encoded)
		require.NoError(t, err)
		require.Equal(t, resp, decoded)
	}
}

func TestDecodeRequestRejectsUnknownTag(t *testing.T) {
	_, err := wire.DecodeRequest([]byte{1, 0, 0, 0, 0, 0, 0, 0, 250})
	require.Error(t, err)
}

func int64Ptr(v int64) *int64 { return &v }
