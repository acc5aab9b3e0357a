package logstore

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadEntriesRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	logs := []*raft.Log{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 2, Data: []byte("c")},
	}
	require.NoError(t, s.Append(logs, nil))

	entries, err := s.ReadEntries(1, 4)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, []byte("b"), entries[1].Data)
	require.Equal(t, uint64(2), entries[2].Term)
}

func TestGetLogStateReflectsTailAndPurge(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append([]*raft.Log{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
	}, nil))

	state, err := s.GetLogState()
	require.NoError(t, err)
	require.NotNil(t, state.LastLogID)
	require.Equal(t, uint64(2), state.LastLogID.Index)
	require.Nil(t, state.LastPurgedID)

	require.NoError(t, s.Purge(1, 1))
	state, err = s.GetLogState()
	require.NoError(t, err)
	require.NotNil(t, state.LastPurgedID)
	require.Equal(t, uint64(1), state.LastPurgedID.Index)

	entries, err := s.ReadEntries(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(2), entries[0].Index)
}

func TestTruncateDropsConflictingTail(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append([]*raft.Log{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 1, Data: []byte("c")},
	}, nil))

	require.NoError(t, s.Truncate(2))

	entries, err := s.ReadEntries(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(1), entries[0].Index)
}

func TestVoteRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.ReadVote()
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, s.SaveVote([]byte("vote-blob")))
	v, err = s.ReadVote()
	require.NoError(t, err)
	require.Equal(t, []byte("vote-blob"), v)
}

func TestRaftStableStoreUint64RoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetUint64([]byte("term"), 42))
	v, err := s.GetUint64([]byte("term"))
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}

func TestPurgeSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Append([]*raft.Log{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 1, Data: []byte("c")},
	}, nil))
	require.NoError(t, s.Purge(2, 1))
	require.NoError(t, s.Close())

	reopened, err := New(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.GetLogState()
	require.NoError(t, err)
	require.NotNil(t, state.LastPurgedID)
	require.Equal(t, uint64(2), state.LastPurgedID.Index)

	entries, err := reopened.ReadEntries(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(3), entries[0].Index)
}

func TestDeleteRangeCompactsPrefixAndRecordsLastPurged(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append([]*raft.Log{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 2, Data: []byte("c")},
		{Index: 4, Term: 2, Data: []byte("d")},
		{Index: 5, Term: 2, Data: []byte("e")},
	}, nil))

	// Mirrors hashicorp/raft's compactLogs: min is the current first
	// surviving index (1), not a literal 0, and max stops short of the
	// tail so entries raft deliberately keeps for lagging followers (4, 5)
	// must survive.
	require.NoError(t, s.DeleteRange(1, 3))

	state, err := s.GetLogState()
	require.NoError(t, err)
	require.NotNil(t, state.LastPurgedID)
	require.Equal(t, uint64(3), state.LastPurgedID.Index)
	require.Equal(t, uint64(2), state.LastPurgedID.Term)

	entries, err := s.ReadEntries(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(4), entries[0].Index)
	require.Equal(t, uint64(5), entries[1].Index)
}

func TestDeleteRangeDropsConflictingTailWithoutTouchingLastPurged(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append([]*raft.Log{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 1, Data: []byte("c")},
		{Index: 4, Term: 1, Data: []byte("d")},
	}, nil))
	require.NoError(t, s.Purge(1, 1))

	// A conflicting-tail removal: min (3) is past the current first
	// surviving index (2), so this must not be mistaken for compaction.
	require.NoError(t, s.DeleteRange(3, 4))

	state, err := s.GetLogState()
	require.NoError(t, err)
	require.NotNil(t, state.LastPurgedID)
	require.Equal(t, uint64(1), state.LastPurgedID.Index, "tail truncation must not move last_purged")

	entries, err := s.ReadEntries(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(2), entries[0].Index)
}

func TestRaftLogStoreGetLogNotFound(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	var log raft.Log
	err = s.GetLog(99, &log)
	require.ErrorIs(t, err, raft.ErrLogNotFound)
}
