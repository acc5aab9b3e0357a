package cachestore

import (
	"bytes"
	"io"
)

// fakeSnapshotSink is a minimal raft.SnapshotSink backed by an in-memory
// buffer, just enough to drive Persist/Restore round-trip tests without a
// real raft.FileSnapshotStore.
type fakeSnapshotSink struct {
	buf bytes.Buffer
}

func (f *fakeSnapshotSink) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeSnapshotSink) Close() error                { return nil }
func (f *fakeSnapshotSink) ID() string                  { return "fake" }
func (f *fakeSnapshotSink) Cancel() error                { return nil }

func (f *fakeSnapshotSink) readCloser() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(f.buf.Bytes()))
}
