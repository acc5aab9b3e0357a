// Package wire hand-rolls the binary codec the stream server and the HTTP
// admin surface share (spec.md §6): length-prefixed strings/blobs, little-
// endian integers, and small-integer variant tags. No serializer in the
// retrieved example pack fits this ad hoc fixed grammar - nireo-dcache's
// protobuf/gRPC stack generates stubs from a .proto schema, the wrong tool
// for a hand-specified variant-tagged byte grammar with a one-shot
// handshake - so this is deliberately built on stdlib encoding/binary; see
// DESIGN.md.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/types"
)

// Payload variant tags, matching spec.md §6's StreamRequest payload union.
const (
	TagExecute          byte = 0
	TagExecuteReturning byte = 1
	TagTransaction      byte = 2
	TagQueryConsistent  byte = 3
	TagBatch            byte = 4
	TagMigrate          byte = 5
	TagBackup           byte = 6
	TagKV               byte = 7
)

// Result variant tags, mirroring the request payload variants plus a
// dedicated error variant that carries the CheckIsLeader forward-to-leader
// payload when present.
const (
	ResultExecute          byte = 0
	ResultExecuteReturning byte = 1
	ResultTransaction      byte = 2
	ResultQueryConsistent  byte = 3
	ResultBatch            byte = 4
	ResultMigrate          byte = 5
	ResultBackup           byte = 6
	ResultKV               byte = 7
	ResultErr              byte = 255
)

// Cache command sub-tags carried inside a KV payload/result.
const (
	kvGet    byte = 0
	kvPut    byte = 1
	kvDelete byte = 2
)

// StreamRequest is one client request frame.
type StreamRequest struct {
	RequestID uint64
	Tag       byte

	Query      types.Query
	Queries    []types.Query
	BatchSQL   string
	Migrations []types.Migration
	Cache      types.CacheCommand
}

// StreamResponse is one server response frame, echoing the request_id.
type StreamResponse struct {
	RequestID uint64
	Tag       byte

	RowsAffected int64
	Rows         []types.RowOwned
	Statements   []types.StatementResult
	Cache        types.CacheResponse

	// ResultErr payload
	ErrKind    byte
	ErrMessage string
	HasLeader  bool
	LeaderID   uint64
	LeaderAddr string
}

// --- primitive helpers ----------------------------------------------------

type writer struct{ buf bytes.Buffer }

func (w *writer) u8(v byte)      { w.buf.WriteByte(v) }
func (w *writer) u64(v uint64)   { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }
func (w *writer) i64(v int64)    { w.u64(uint64(v)) }
func (w *writer) f64(v float64)  { w.u64(math.Float64bits(v)) }
func (w *writer) bytesField(b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	w.buf.Write(n[:])
	w.buf.Write(b)
}
func (w *writer) str(s string) { w.bytesField([]byte(s)) }

type reader struct {
	r   *bytes.Reader
	err error
}

func newReader(b []byte) *reader { return &reader{r: bytes.NewReader(b)} }

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.err = err
		return 0
	}
	return b
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.err = err
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (r *reader) i64() int64   { return int64(r.u64()) }
func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) bytesField() []byte {
	if r.err != nil {
		return nil
	}
	var n [4]byte
	if _, err := io.ReadFull(r.r, n[:]); err != nil {
		r.err = err
		return nil
	}
	length := binary.LittleEndian.Uint32(n[:])
	if length == 0 {
		return nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return nil
	}
	return b
}

func (r *reader) str() string { return string(r.bytesField()) }

// --- Param -----------------------------------------------------------------

func (w *writer) param(p types.Param) {
	w.u8(byte(p.Kind))
	switch p.Kind {
	case types.ParamInteger:
		w.i64(p.Integer)
	case types.ParamReal:
		w.f64(p.Real)
	case types.ParamText:
		w.str(p.Text)
	case types.ParamBlob:
		w.bytesField(p.Blob)
	}
}

func (r *reader) param() types.Param {
	kind := types.ParamKind(r.u8())
	switch kind {
	case types.ParamInteger:
		return types.ParamFromInt(r.i64())
	case types.ParamReal:
		return types.ParamFromReal(r.f64())
	case types.ParamText:
		return types.ParamFromText(r.str())
	case types.ParamBlob:
		return types.ParamFromBlob(r.bytesField())
	default:
		return types.Param{Kind: types.ParamNull}
	}
}

// --- Query / Migration / RowOwned / StatementResult / CacheCommand ---------

func (w *writer) query(q types.Query) {
	w.str(q.SQL)
	w.u64(uint64(len(q.Params)))
	for _, p := range q.Params {
		w.param(p)
	}
}

func (r *reader) query() types.Query {
	sql := r.str()
	n := r.u64()
	var params []types.Param // stays nil for zero params, like bytesField
	for i := uint64(0); i < n; i++ {
		params = append(params, r.param())
	}
	return types.Query{SQL: sql, Params: params}
}

func (w *writer) migration(m types.Migration) {
	w.i64(m.ID)
	w.str(m.Name)
	w.str(m.Content)
}

func (r *reader) migration() types.Migration {
	id := r.i64()
	name := r.str()
	content := r.str()
	return types.Migration{ID: id, Name: name, Content: content}
}

func (w *writer) rowOwned(row types.RowOwned) {
	w.u64(uint64(len(row.Columns)))
	for _, c := range row.Columns {
		w.str(c)
	}
	w.u64(uint64(len(row.Values)))
	for _, v := range row.Values {
		w.param(v)
	}
}

func (r *reader) rowOwned() types.RowOwned {
	nc := r.u64()
	cols := make([]string, 0, nc)
	for i := uint64(0); i < nc; i++ {
		cols = append(cols, r.str())
	}
	nv := r.u64()
	vals := make([]types.Param, 0, nv)
	for i := uint64(0); i < nv; i++ {
		vals = append(vals, r.param())
	}
	return types.RowOwned{Columns: cols, Values: vals}
}

func (w *writer) statementResult(s types.StatementResult) {
	w.i64(s.RowsAffected)
	w.str(s.Err)
}

func (r *reader) statementResult() types.StatementResult {
	affected := r.i64()
	errStr := r.str()
	return types.StatementResult{RowsAffected: affected, Err: errStr}
}

func (w *writer) cacheCommand(c types.CacheCommand) {
	switch c.Kind {
	case types.CacheGet:
		w.u8(kvGet)
	case types.CachePut:
		w.u8(kvPut)
	case types.CacheDelete:
		w.u8(kvDelete)
	}
	w.u64(uint64(c.Idx))
	w.str(c.Key)
	w.bytesField(c.Value)
	if c.Expires != nil {
		w.u8(1)
		w.i64(*c.Expires)
	} else {
		w.u8(0)
	}
}

func (r *reader) cacheCommand() types.CacheCommand {
	sub := r.u8()
	idx := types.CacheIdx(r.u64())
	key := r.str()
	value := r.bytesField()
	var expires *int64
	if r.u8() == 1 {
		v := r.i64()
		expires = &v
	}
	var kind types.CacheCommandKind
	switch sub {
	case kvGet:
		kind = types.CacheGet
	case kvPut:
		kind = types.CachePut
	case kvDelete:
		kind = types.CacheDelete
	}
	return types.CacheCommand{Kind: kind, Idx: idx, Key: key, Value: value, Expires: expires}
}

// --- StreamRequest -----------------------------------------------------------

// EncodeRequest serializes req into its wire form.
func EncodeRequest(req StreamRequest) []byte {
	w := &writer{}
	w.u64(req.RequestID)
	w.u8(req.Tag)
	switch req.Tag {
	case TagExecute, TagExecuteReturning, TagQueryConsistent:
		w.query(req.Query)
	case TagTransaction:
		w.u64(uint64(len(req.Queries)))
		for _, q := range req.Queries {
			w.query(q)
		}
	case TagBatch:
		w.str(req.BatchSQL)
	case TagMigrate:
		w.u64(uint64(len(req.Migrations)))
		for _, m := range req.Migrations {
			w.migration(m)
		}
	case TagBackup:
		// no payload
	case TagKV:
		w.cacheCommand(req.Cache)
	}
	return w.buf.Bytes()
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(b []byte) (StreamRequest, error) {
	r := newReader(b)
	req := StreamRequest{RequestID: r.u64(), Tag: r.u8()}
	switch req.Tag {
	case TagExecute, TagExecuteReturning, TagQueryConsistent:
		req.Query = r.query()
	case TagTransaction:
		n := r.u64()
		req.Queries = make([]types.Query, 0, n)
		for i := uint64(0); i < n; i++ {
			req.Queries = append(req.Queries, r.query())
		}
	case TagBatch:
		req.BatchSQL = r.str()
	case TagMigrate:
		n := r.u64()
		req.Migrations = make([]types.Migration, 0, n)
		for i := uint64(0); i < n; i++ {
			req.Migrations = append(req.Migrations, r.migration())
		}
	case TagBackup:
	case TagKV:
		req.Cache = r.cacheCommand()
	default:
		return StreamRequest{}, raftsqlerrors.Request("unknown stream request tag %d", req.Tag)
	}
	if r.err != nil {
		return StreamRequest{}, raftsqlerrors.Request("malformed stream request: %s", r.err)
	}
	return req, nil
}

// --- StreamResponse ----------------------------------------------------------

// EncodeResponse serializes resp into its wire form.
func EncodeResponse(resp StreamResponse) []byte {
	w := &writer{}
	w.u64(resp.RequestID)
	w.u8(resp.Tag)
	switch resp.Tag {
	case ResultExecute:
		w.i64(resp.RowsAffected)
	case ResultExecuteReturning, ResultQueryConsistent:
		w.u64(uint64(len(resp.Rows)))
		for _, row := range resp.Rows {
			w.rowOwned(row)
		}
	case ResultTransaction, ResultBatch:
		w.u64(uint64(len(resp.Statements)))
		for _, s := range resp.Statements {
			w.statementResult(s)
		}
	case ResultMigrate, ResultBackup:
		// ok-only; errors travel as ResultErr
	case ResultKV:
		w.encodeCacheResponse(resp.Cache)
	case ResultErr:
		w.u8(resp.ErrKind)
		w.str(resp.ErrMessage)
		if resp.HasLeader {
			w.u8(1)
			w.u64(resp.LeaderID)
			w.str(resp.LeaderAddr)
		} else {
			w.u8(0)
		}
	}
	return w.buf.Bytes()
}

func (w *writer) encodeCacheResponse(c types.CacheResponse) {
	w.u8(byte(c.Kind))
	w.u8(boolByte(c.Found))
	w.bytesField(c.Value)
	w.str(c.Err)
}

func (r *reader) cacheResponse() types.CacheResponse {
	kind := types.CacheResponseKind(r.u8())
	found := r.u8() == 1
	value := r.bytesField()
	errStr := r.str()
	return types.CacheResponse{Kind: kind, Found: found, Value: value, Err: errStr}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// --- cluster membership (HTTP admin surface) --------------------------------

// ServerInfo is one Raft cluster member, as reported by the membership
// admin endpoint (spec.md §6).
type ServerInfo struct {
	ID   string
	Addr string
}

// EncodeServers serializes a membership listing.
func EncodeServers(servers []ServerInfo) []byte {
	w := &writer{}
	w.u64(uint64(len(servers)))
	for _, srv := range servers {
		w.str(srv.ID)
		w.str(srv.Addr)
	}
	return w.buf.Bytes()
}

// DecodeServers is the inverse of EncodeServers.
func DecodeServers(b []byte) ([]ServerInfo, error) {
	r := newReader(b)
	n := r.u64()
	servers := make([]ServerInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		servers = append(servers, ServerInfo{ID: r.str(), Addr: r.str()})
	}
	if r.err != nil {
		return nil, raftsqlerrors.Request("malformed membership listing: %s", r.err)
	}
	return servers, nil
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(b []byte) (StreamResponse, error) {
	r := newReader(b)
	resp := StreamResponse{RequestID: r.u64(), Tag: r.u8()}
	switch resp.Tag {
	case ResultExecute:
		resp.RowsAffected = r.i64()
	case ResultExecuteReturning, ResultQueryConsistent:
		n := r.u64()
		resp.Rows = make([]types.RowOwned, 0, n)
		for i := uint64(0); i < n; i++ {
			resp.Rows = append(resp.Rows, r.rowOwned())
		}
	case ResultTransaction, ResultBatch:
		n := r.u64()
		resp.Statements = make([]types.StatementResult, 0, n)
		for i := uint64(0); i < n; i++ {
			resp.Statements = append(resp.Statements, r.statementResult())
		}
	case ResultMigrate, ResultBackup:
	case ResultKV:
		resp.Cache = r.cacheResponse()
	case ResultErr:
		resp.ErrKind = r.u8()
		resp.ErrMessage = r.str()
		if r.u8() == 1 {
			resp.HasLeader = true
			resp.LeaderID = r.u64()
			resp.LeaderAddr = r.str()
		}
	default:
		return StreamResponse{}, raftsqlerrors.Request("unknown stream response tag %d", resp.Tag)
	}
	if r.err != nil {
		return StreamResponse{}, raftsqlerrors.Request("malformed stream response: %s", r.err)
	}
	return resp, nil
}
