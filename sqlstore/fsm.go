package sqlstore

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"github.com/hashicorp/raft"

	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/types"
)

// FSM adapts a Store to hashicorp/raft's raft.FSM interface, so the SQL
// Raft group can commit entries straight into the Store's writer
// goroutine. Log payloads are gob-encoded types.SqlCommand values, the same
// encoding choice logstore makes for *raft.Log itself.
type FSM struct {
	store *Store
}

// NewFSM wraps a Store for use as one Raft group's state machine.
func NewFSM(store *Store) *FSM { return &FSM{store: store} }

// EncodeCommand gob-encodes a SqlCommand for submission as a raft.Log's
// Data, the inverse of the decode this Apply performs.
func EncodeCommand(cmd types.SqlCommand) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, raftsqlerrors.IO(err, "encode sql command")
	}
	return buf.Bytes(), nil
}

// Apply decodes and runs one committed log entry, returning the
// types.SqlResponse that hashicorp/raft hands back through
// raft.ApplyFuture.Response().
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd types.SqlCommand
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		return types.SqlResponse{Err: "decode sql command: " + err.Error()}
	}
	return f.store.Apply(cmd)
}

// snapshot is the raft.FSMSnapshot returned by Snapshot: a one-shot holder
// of a VACUUM INTO copy of the database at the moment of the call.
type snapshot struct {
	path string
}

// Snapshot takes a consistent on-disk copy of the database via SQLite's
// VACUUM INTO, the same approach applyBackup uses for the explicit Backup
// command - both need a point-in-time copy without blocking the writer
// goroutine for the full streaming duration.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	resp := make(chan types.SqlResponse, 1)
	tmp, err := os.CreateTemp("", "sqlstore-snapshot-*.db")
	if err != nil {
		return nil, raftsqlerrors.IO(err, "create snapshot temp file")
	}
	tmp.Close()
	os.Remove(tmp.Name())

	f.store.writerCh <- writerRequest{
		cmd:  types.SqlCommand{Kind: types.SqlExecute, Query: types.Query{SQL: "VACUUM INTO '" + tmp.Name() + "'"}},
		resp: resp,
	}
	if r := <-resp; r.Err != "" {
		os.Remove(tmp.Name())
		return nil, raftsqlerrors.Sqlite(nil, "snapshot vacuum: %s", r.Err)
	}

	return &snapshot{path: tmp.Name()}, nil
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	f, err := os.Open(s.path)
	if err != nil {
		sink.Cancel()
		return err
	}
	defer f.Close()

	if _, err := io.Copy(sink, f); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {
	os.Remove(s.path)
}

// Restore replaces the writer database wholesale with the snapshot bytes,
// closing and reopening the connection so SQLite never sees a torn write
// underneath an open handle.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	f.store.writer.Close()
	f.store.readers.Close()

	path := f.store.path
	out, err := os.Create(path)
	if err != nil {
		return raftsqlerrors.IO(err, "recreate database file for restore")
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return raftsqlerrors.IO(err, "write restored snapshot")
	}
	out.Close()

	writer, readers, err := openConnections(path)
	if err != nil {
		return err
	}
	f.store.writer = writer
	f.store.readers = readers
	return nil
}

var _ raft.FSM = (*FSM)(nil)
