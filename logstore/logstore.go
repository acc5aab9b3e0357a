// Package logstore implements the replicated log's durable storage: a
// single bbolt file with a "logs" bucket keyed by big-endian index and a
// "meta" bucket holding the current vote and the last-purged log id.
//
// All mutation is funneled through one writer goroutine and all reads
// through one (or more) reader goroutines, exactly the worker split
// spec.md §4.1 requires - grounded on hiqlite's rocksdb.rs LogStoreWriter /
// LogStoreReader split, reimplemented on go.etcd.io/bbolt instead of
// rocksdb since bbolt is the embedded ordered key/value engine already
// present in this example pack (cuemby-warren/pkg/storage).
package logstore

import (
	"encoding/binary"
	"encoding/gob"
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/raft"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	raftsqlerrors "github.com/nireo/raftsql/errors"
)

var (
	bucketLogs = []byte("logs")
	bucketMeta = []byte("meta")

	keyVote       = []byte("vote")
	keyLastPurged = []byte("last_purged")
)

// LogId identifies one entry by term and index, mirroring openraft's LogId
// (spec.md's LastPurged is "the highest LogId that has been purged").
type LogId struct {
	Index uint64
	Term  uint64
}

// LogState is the tail-of-log plus last-purged summary returned by
// get_log_state.
type LogState struct {
	LastLogID    *LogId
	LastPurgedID *LogId
}

// Entry is the narrative view of one stored log record - the encoding used
// on the wire of ReadEntries. Internally the store persists hashicorp/raft's
// own *raft.Log so that replay fidelity (entry type, extensions) is never
// lost; Entry is a read-only projection of that for callers who only care
// about index/term/data.
type Entry struct {
	Index uint64
	Term  uint64
	Data  []byte

	raw raft.Log // the full decoded record, handed back whole by GetLog
}

// idToBin renders an index as the 8-byte big-endian key used for the logs
// bucket, so lexicographic bbolt iteration equals numeric iteration
// (spec.md §3, §8 round-trip law).
func idToBin(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func binToID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

type kvPair struct {
	key   []byte
	value []byte
}

type writerActionKind int

const (
	actionAppend writerActionKind = iota
	actionRemove
	actionVote
	actionSetMeta
	actionSync
)

type writerAction struct {
	kind writerActionKind

	// append
	pairs    chan *kvPair // nil-terminated stream, like flume's ActionAppend.rx
	flushed  func(error)
	appendAck chan error

	// remove
	from, until uint64
	lastPurged  *LogId
	removeAck   chan error

	// vote / generic meta set
	metaKey   []byte
	metaValue []byte
	voteAck   chan error
}

type readRequestKind int

const (
	readLogs readRequestKind = iota
	readLogState
	readVote
	readMeta
)

type readRequest struct {
	kind readRequestKind

	from, until uint64
	logSink     chan *Entry // nil-terminated

	metaKey   []byte
	metaSink  chan []byte

	stateSink chan LogState
	voteSink  chan []byte
}

// Store is the replicated log's durable storage engine. It owns the bbolt
// handle exclusively; every caller goes through the writer/reader channels.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger

	writerCh chan writerAction
	readerCh chan readRequest

	closeCh chan struct{}
}

// New opens (creating if necessary) the bbolt log file under
// <dataDir>/logs/log.db and starts the writer and one reader worker.
func New(dataDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("logstore")

	dir := filepath.Join(dataDir, "logs")
	path := filepath.Join(dir, "log.db")

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, raftsqlerrors.IO(err, "open log store at %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLogs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, raftsqlerrors.IO(err, "create log store buckets")
	}

	s := &Store{
		db:       db,
		logger:   logger,
		writerCh: make(chan writerAction, 2),
		readerCh: make(chan readRequest, 2),
		closeCh:  make(chan struct{}),
	}

	go s.runWriter()
	go s.runReader(s.readerCh)

	return s, nil
}

// Close stops accepting new work and closes the underlying bbolt file.
// Callers must ensure no in-flight Append/etc. calls remain.
func (s *Store) Close() error {
	close(s.closeCh)
	return s.db.Close()
}

// --- writer worker -------------------------------------------------------

func (s *Store) runWriter() {
	for {
		select {
		case <-s.closeCh:
			return
		case action := <-s.writerCh:
			s.handleWriterAction(action)
		}
	}
}

func (s *Store) handleWriterAction(action writerAction) {
	switch action.kind {
	case actionAppend:
		s.handleAppend(action)
	case actionRemove:
		s.handleRemove(action)
	case actionVote:
		err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketMeta).Put(keyVote, action.metaValue)
		})
		action.voteAck <- wrapIOErr(err)
	case actionSetMeta:
		err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketMeta).Put(action.metaKey, action.metaValue)
		})
		action.voteAck <- wrapIOErr(err)
	case actionSync:
		// bbolt commits fsync on every Update(); nothing to flush separately.
	}
}

// handleAppend drains the streamed (key,value) pairs into a single bbolt
// write transaction - batching the callback per spec.md §9 option (a):
// the transaction's Commit() is the fsync boundary, and the consensus
// layer's flushed callback fires only once it returns successfully.
func (s *Store) handleAppend(action writerAction) {
	var pairs []*kvPair
	for p := range action.pairs {
		if p == nil {
			break
		}
		pairs = append(pairs, p)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		for _, p := range pairs {
			if err := b.Put(p.key, p.value); err != nil {
				return err
			}
		}
		return nil
	})

	wrapped := wrapIOErr(err)
	action.appendAck <- wrapped
	if action.flushed != nil {
		action.flushed(wrapped)
	}
}

func (s *Store) handleRemove(action writerAction) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		c := b.Cursor()
		from := idToBin(action.from)
		until := idToBin(action.until)
		for k, _ := c.Seek(from); k != nil && bytes.Compare(k, until) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		if action.lastPurged != nil {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(*action.lastPurged); err != nil {
				return err
			}
			if err := tx.Bucket(bucketMeta).Put(keyLastPurged, buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	// Purges follow snapshots and must survive restart: bbolt already
	// fsyncs on Update(), so there is no separate WAL flush to force here,
	// unlike the rocksdb source which calls db.flush_wal(true) explicitly.
	action.removeAck <- wrapIOErr(err)
}

// --- reader worker(s) ----------------------------------------------------

func (s *Store) runReader(ch chan readRequest) {
	for {
		select {
		case <-s.closeCh:
			return
		case req := <-ch:
			s.handleRead(req)
		}
	}
}

func (s *Store) handleRead(req readRequest) {
	switch req.kind {
	case readLogs:
		s.handleReadLogs(req)
	case readLogState:
		s.handleReadLogState(req)
	case readVote:
		s.handleReadVote(req)
	case readMeta:
		s.handleReadMeta(req)
	}
}

func (s *Store) handleReadLogs(req readRequest) {
	defer close(req.logSink)

	from := idToBin(req.from)
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, v := c.Seek(from); k != nil; k, v = c.Next() {
			idx := binToID(k)
			if idx >= req.until {
				break
			}
			var rl raft.Log
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rl); err != nil {
				continue
			}
			req.logSink <- &Entry{Index: rl.Index, Term: rl.Term, Data: rl.Data, raw: rl}
		}
		return nil
	})
}

func (s *Store) handleReadLogState(req readRequest) {
	var state LogState
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		if k, v := c.Last(); k != nil {
			var rl raft.Log
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rl); err == nil {
				state.LastLogID = &LogId{Index: rl.Index, Term: rl.Term}
			}
		}
		if raw := tx.Bucket(bucketMeta).Get(keyLastPurged); raw != nil {
			var id LogId
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&id); err == nil {
				state.LastPurgedID = &id
			}
		}
		return nil
	})
	req.stateSink <- state
}

func (s *Store) handleReadVote(req readRequest) {
	var out []byte
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyVote); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	req.voteSink <- out
}

func (s *Store) handleReadMeta(req readRequest) {
	var out []byte
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(req.metaKey); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	req.metaSink <- out
}

func wrapIOErr(err error) error {
	if err == nil {
		return nil
	}
	return raftsqlerrors.IO(err, "log store write")
}

// --- public narrative API (spec.md §4.1) ---------------------------------

// GetLogState reports the tail-of-log and the last purged log id.
func (s *Store) GetLogState() (LogState, error) {
	sink := make(chan LogState, 1)
	s.readerCh <- readRequest{kind: readLogState, stateSink: sink}
	return <-sink, nil
}

// ReadEntries iterates forward from "from" until the next key's decoded
// index is >= "until", returning the materialized entries in order.
func (s *Store) ReadEntries(from, until uint64) ([]Entry, error) {
	sink := make(chan *Entry, 64)
	s.readerCh <- readRequest{kind: readLogs, from: from, until: until, logSink: sink}

	var out []Entry
	for e := range sink {
		out = append(out, *e)
	}
	return out, nil
}

// SaveVote durably writes the vote blob before any vote RPC is acknowledged.
func (s *Store) SaveVote(value []byte) error {
	ack := make(chan error, 1)
	s.writerCh <- writerAction{kind: actionVote, metaValue: value, voteAck: ack}
	return <-ack
}

// ReadVote returns the currently stored vote, or nil if none was ever saved.
func (s *Store) ReadVote() ([]byte, error) {
	sink := make(chan []byte, 1)
	s.readerCh <- readRequest{kind: readVote, voteSink: sink}
	return <-sink, nil
}

// Append writes entries in arrival order and invokes flushed only once they
// are durable - at the latest when this call's write transaction commits.
// Raft log entries are stored as gob-encoded *raft.Log so StoreLog/GetLog
// round-trip losslessly.
func (s *Store) Append(entries []*raft.Log, flushed func(error)) error {
	pairs := make(chan *kvPair, len(entries)+1)
	ack := make(chan error, 1)

	s.writerCh <- writerAction{kind: actionAppend, pairs: pairs, appendAck: ack, flushed: flushed}

	for _, e := range entries {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(*e); err != nil {
			pairs <- nil
			return <-ack
		}
		pairs <- &kvPair{key: idToBin(e.Index), value: buf.Bytes()}
	}
	pairs <- nil

	return <-ack
}

// Truncate removes all entries with index >= fromInclusive. Used to drop a
// conflicting tail discovered during leader replication.
func (s *Store) Truncate(fromInclusive uint64) error {
	return s.doRemove(fromInclusive, ^uint64(0), nil)
}

// Purge removes all entries with index <= throughInclusive and atomically
// records LastPurged, used after a snapshot makes those entries redundant.
func (s *Store) Purge(throughInclusive uint64, term uint64) error {
	return s.doRemove(0, throughInclusive+1, &LogId{Index: throughInclusive, Term: term})
}

// doRemove issues a range deletion (from inclusive, until exclusive) on
// the writer worker, optionally recording lastPurged atomically with it.
func (s *Store) doRemove(from, until uint64, lastPurged *LogId) error {
	ack := make(chan error, 1)
	s.writerCh <- writerAction{
		kind:       actionRemove,
		from:       from,
		until:      until,
		lastPurged: lastPurged,
		removeAck:  ack,
	}
	return <-ack
}

// --- raft.LogStore / raft.StableStore adapter -----------------------------
//
// hashicorp/raft (the consensus library this node embeds) expects its own
// LogStore/StableStore interfaces rather than the spec's narrative API
// above; this section is the shim that lets the same Store back both,
// so the writer/reader worker discipline described in spec.md §4.1 is the
// one and only path entries take to disk.

func (s *Store) FirstIndex() (uint64, error) {
	entries, err := s.ReadEntries(0, ^uint64(0))
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	return entries[0].Index, nil
}

func (s *Store) LastIndex() (uint64, error) {
	state, err := s.GetLogState()
	if err != nil || state.LastLogID == nil {
		return 0, err
	}
	return state.LastLogID.Index, nil
}

func (s *Store) GetLog(index uint64, log *raft.Log) error {
	sink := make(chan *Entry, 1)
	s.readerCh <- readRequest{kind: readLogs, from: index, until: index + 1, logSink: sink}
	var found *Entry
	for e := range sink {
		found = e
	}
	if found == nil {
		return raft.ErrLogNotFound
	}
	*log = found.raw
	return nil
}

func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

func (s *Store) StoreLogs(logs []*raft.Log) error {
	return s.Append(logs, nil)
}

// DeleteRange removes [min, max] inclusive. hashicorp/raft's compactLogs
// calls this with min == FirstIndex() - the oldest surviving entry, not
// literally 0; it only reads as 0 once nothing has ever been written - to
// trim a prefix after a snapshot; raft also calls it with min equal to a
// conflicting entry's index to drop a divergent tail. Both shapes pass
// through this one DeleteRange call, so the head-of-log-compaction case
// is distinguished by comparing min against the store's current first
// surviving index, not by a literal min == 0 check - and only that case
// records last_purged, matching Purge's durability contract (spec.md §3).
func (s *Store) DeleteRange(min, max uint64) error {
	first, err := s.FirstIndex()
	if err != nil {
		return err
	}

	if first != 0 && min <= first {
		term := uint64(0)
		var entry raft.Log
		if err := s.GetLog(max, &entry); err == nil {
			term = entry.Term
		}
		return s.doRemove(min, max+1, &LogId{Index: max, Term: term})
	}

	// Conflicting-tail truncation: remove exactly [min, max], leaving any
	// entries raft deliberately kept past max (e.g. for lagging followers)
	// untouched, and without disturbing last_purged.
	return s.doRemove(min, max+1, nil)
}

func (s *Store) Set(key, val []byte) error {
	ack := make(chan error, 1)
	s.writerCh <- writerAction{kind: actionSetMeta, metaKey: append([]byte(nil), key...), metaValue: val, voteAck: ack}
	return <-ack
}

func (s *Store) Get(key []byte) ([]byte, error) {
	sink := make(chan []byte, 1)
	s.readerCh <- readRequest{kind: readMeta, metaKey: key, metaSink: sink}
	v := <-sink
	if v == nil {
		return nil, fmt.Errorf("not found")
	}
	return v, nil
}

func (s *Store) SetUint64(key []byte, val uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, val)
	return s.Set(key, b)
}

func (s *Store) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

var _ raft.LogStore = (*Store)(nil)
var _ raft.StableStore = (*Store)(nil)
