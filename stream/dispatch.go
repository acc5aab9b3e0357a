package stream

import (
	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/types"
	"github.com/nireo/raftsql/wire"
)

func (s *Server) dispatchSQL(req wire.StreamRequest) wire.StreamResponse {
	var cmd types.SqlCommand
	switch req.Tag {
	case wire.TagExecute:
		cmd = types.SqlCommand{Kind: types.SqlExecute, Query: req.Query}
	case wire.TagExecuteReturning:
		cmd = types.SqlCommand{Kind: types.SqlExecuteReturning, Query: req.Query}
	case wire.TagTransaction:
		cmd = types.SqlCommand{Kind: types.SqlTransaction, Queries: req.Queries}
	case wire.TagBatch:
		cmd = types.SqlCommand{Kind: types.SqlBatch, BatchSQL: req.BatchSQL}
	case wire.TagMigrate:
		cmd = types.SqlCommand{Kind: types.SqlMigration, Migrations: req.Migrations}
	case wire.TagBackup:
		cmd = types.SqlCommand{Kind: types.SqlBackup}
	default:
		return errResponse(req.RequestID, errUnknownTag(req.Tag))
	}

	resp, err := s.node.ApplySQL(cmd, ApplyTimeout)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	return sqlResultFrame(req.RequestID, req.Tag, resp)
}

func sqlResultFrame(requestID uint64, reqTag byte, resp types.SqlResponse) wire.StreamResponse {
	if resp.Err != "" {
		return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultErr, ErrMessage: resp.Err}
	}
	switch reqTag {
	case wire.TagExecute:
		return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultExecute, RowsAffected: resp.RowsAffected}
	case wire.TagExecuteReturning:
		return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultExecuteReturning, Rows: resp.Rows}
	case wire.TagTransaction:
		return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultTransaction, Statements: resp.Statements}
	case wire.TagBatch:
		return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultBatch, Statements: resp.Statements}
	case wire.TagMigrate:
		if resp.Err != "" {
			return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultErr, ErrMessage: resp.Err}
		}
		return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultMigrate}
	case wire.TagBackup:
		if resp.Err != "" {
			return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultErr, ErrMessage: resp.Err}
		}
		return wire.StreamResponse{RequestID: requestID, Tag: wire.ResultBackup}
	default:
		return errResponse(requestID, errUnknownTag(reqTag))
	}
}

// dispatchQueryConsistent checks leadership linearizability (a barrier on
// the SQL group) before answering from the local reader pool - the
// separate task spec.md §4.5 requires for this one payload variant.
func (s *Server) dispatchQueryConsistent(req wire.StreamRequest) wire.StreamResponse {
	if err := s.node.VerifyLeader(ApplyTimeout); err != nil {
		return errResponse(req.RequestID, err)
	}
	rows, err := s.sqlStore.Query(req.Query)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	return wire.StreamResponse{RequestID: req.RequestID, Tag: wire.ResultQueryConsistent, Rows: rows}
}

// dispatchCache answers Get locally (never replicated) and routes Put/
// Delete through the cache Raft group.
func (s *Server) dispatchCache(req wire.StreamRequest) wire.StreamResponse {
	if req.Cache.Kind == types.CacheGet {
		resp := s.cacheStore.Get(req.Cache.Idx, req.Cache.Key)
		return wire.StreamResponse{RequestID: req.RequestID, Tag: wire.ResultKV, Cache: resp}
	}

	resp, err := s.node.ApplyCache(req.Cache, ApplyTimeout)
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	return wire.StreamResponse{RequestID: req.RequestID, Tag: wire.ResultKV, Cache: resp}
}

func errUnknownTag(tag byte) error {
	return raftsqlerrors.Request("unhandled stream request tag %d", tag)
}
