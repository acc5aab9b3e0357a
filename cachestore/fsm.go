package cachestore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/hashicorp/raft"

	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/types"
)

// FSM adapts a Store to raft.FSM for the cache Raft group.
type FSM struct {
	store *Store
}

// NewFSM wraps a Store for use as the cache Raft group's state machine.
func NewFSM(store *Store) *FSM { return &FSM{store: store} }

// EncodeCommand gob-encodes a CacheCommand for submission as a raft.Log's
// Data.
func EncodeCommand(cmd types.CacheCommand) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, raftsqlerrors.IO(err, "encode cache command")
	}
	return buf.Bytes(), nil
}

// Apply decodes and runs one committed cache log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd types.CacheCommand
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		return types.CacheResponse{Err: "decode cache command: " + err.Error()}
	}
	return f.store.Apply(cmd)
}

// snapshot holds a materialized copy of every cache's entries at the
// moment Snapshot was called, each tagged with its owning CacheIdx so
// Restore rebuilds the same roster split. This is volatile state - it is
// never read back except through Raft's own snapshot/restore path.
type snapshot struct {
	byCache map[types.CacheIdx][]snapshotEntry
}

// Snapshot walks every owned cache and materializes its entries. Grounded
// directly on nireo-dcache/store/store.go's snapshot.Persist, generalized
// from one bigcache iterator to N map iterations, one per owner goroutine.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	byCache := make(map[types.CacheIdx][]snapshotEntry, len(f.store.caches))
	for i, c := range f.store.caches {
		byCache[types.CacheIdx(i)] = c.snapshotEntries()
	}
	return &snapshot{byCache: byCache}, nil
}

// Persist writes each entry as a length-prefixed record: cache index
// (uint16), key length + key bytes, value length + value bytes, and an
// expiry flag followed by the unix-seconds expiry when present. This is
// the same "no complicated serializer needed" framing nireo-dcache's
// serializeEntry/deserializeEntry uses for its single-cache case.
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		for idx, entries := range s.byCache {
			for _, e := range entries {
				if err := writeSnapshotEntry(sink, idx, e); err != nil {
					return err
				}
			}
		}
		return nil
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

func writeSnapshotEntry(w io.Writer, idx types.CacheIdx, e snapshotEntry) error {
	var header [2 + 4]byte
	binary.LittleEndian.PutUint16(header[0:2], uint16(idx))
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(e.Key)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte(e.Key)); err != nil {
		return err
	}

	var valLen [4]byte
	binary.LittleEndian.PutUint32(valLen[:], uint32(len(e.Value)))
	if _, err := w.Write(valLen[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.Value); err != nil {
		return err
	}

	var expiresFlag [1]byte
	if e.Expires != nil {
		expiresFlag[0] = 1
	}
	if _, err := w.Write(expiresFlag[:]); err != nil {
		return err
	}
	if e.Expires != nil {
		var expiresBuf [8]byte
		binary.LittleEndian.PutUint64(expiresBuf[:], uint64(*e.Expires))
		if _, err := w.Write(expiresBuf[:]); err != nil {
			return err
		}
	}
	return nil
}

func readSnapshotEntry(r io.Reader) (types.CacheIdx, *snapshotEntry, error) {
	var header [2 + 4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	idx := types.CacheIdx(binary.LittleEndian.Uint16(header[0:2]))
	keyLen := binary.LittleEndian.Uint32(header[2:6])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return 0, nil, err
	}

	var valLen [4]byte
	if _, err := io.ReadFull(r, valLen[:]); err != nil {
		return 0, nil, err
	}
	value := make([]byte, binary.LittleEndian.Uint32(valLen[:]))
	if _, err := io.ReadFull(r, value); err != nil {
		return 0, nil, err
	}

	var expiresFlag [1]byte
	if _, err := io.ReadFull(r, expiresFlag[:]); err != nil {
		return 0, nil, err
	}
	var expires *int64
	if expiresFlag[0] == 1 {
		var expiresBuf [8]byte
		if _, err := io.ReadFull(r, expiresBuf[:]); err != nil {
			return 0, nil, err
		}
		v := int64(binary.LittleEndian.Uint64(expiresBuf[:]))
		expires = &v
	}

	return idx, &snapshotEntry{Key: string(key), Value: value, Expires: expires}, nil
}

// Restore clears every owned cache and replays the snapshot's records
// until EOF.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	for _, c := range f.store.caches {
		c.clear()
	}

	for {
		idx, entry, err := readSnapshotEntry(rc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return raftsqlerrors.IO(err, "read cache snapshot entry")
		}
		if int(idx) >= len(f.store.caches) {
			continue
		}
		f.store.caches[idx].load(*entry)
	}
	return nil
}

var _ raft.FSM = (*FSM)(nil)
