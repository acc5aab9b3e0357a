package cachestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nireo/raftsql/types"
)

func TestPutGetDeleteRoundTrip(t *testing.T) {
	s := New([]string{"sessions"}, nil)
	idx, ok := s.IndexOf("sessions")
	require.True(t, ok)

	resp := s.Apply(types.CacheCommand{Kind: types.CachePut, Idx: idx, Key: "k", Value: []byte("v")})
	require.Equal(t, types.RespCacheOk, resp.Kind)

	resp = s.Get(idx, "k")
	require.True(t, resp.Found)
	require.Equal(t, []byte("v"), resp.Value)

	resp = s.Apply(types.CacheCommand{Kind: types.CacheDelete, Idx: idx, Key: "k"})
	require.Equal(t, types.RespCacheOk, resp.Kind)

	resp = s.Get(idx, "k")
	require.False(t, resp.Found)
}

func TestGetExpiresAfterTTL(t *testing.T) {
	s := New([]string{"sessions"}, nil)
	idx, _ := s.IndexOf("sessions")

	expires := time.Now().Add(-1 * time.Second).Unix()
	s.Apply(types.CacheCommand{Kind: types.CachePut, Idx: idx, Key: "k", Value: []byte("v"), Expires: &expires})

	resp := s.Get(idx, "k")
	require.False(t, resp.Found, "an entry whose expiry is already past must read as absent")
}

func TestGetOnUnknownCacheIndexErrors(t *testing.T) {
	s := New([]string{"sessions"}, nil)
	resp := s.Get(types.CacheIdx(5), "k")
	require.NotEmpty(t, resp.Err)
}

func TestApplyRejectsGet(t *testing.T) {
	s := New([]string{"sessions"}, nil)
	idx, _ := s.IndexOf("sessions")
	resp := s.Apply(types.CacheCommand{Kind: types.CacheGet, Idx: idx, Key: "k"})
	require.NotEmpty(t, resp.Err)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New([]string{"a", "b"}, nil)
	aIdx, _ := s.IndexOf("a")
	bIdx, _ := s.IndexOf("b")

	s.Apply(types.CacheCommand{Kind: types.CachePut, Idx: aIdx, Key: "x", Value: []byte("1")})
	s.Apply(types.CacheCommand{Kind: types.CachePut, Idx: bIdx, Key: "y", Value: []byte("2")})

	fsm := NewFSM(s)
	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &fakeSnapshotSink{}
	require.NoError(t, snap.Persist(sink))

	restored := New([]string{"a", "b"}, nil)
	restoredFSM := NewFSM(restored)
	require.NoError(t, restoredFSM.Restore(sink.readCloser()))

	resp := restored.Get(aIdx, "x")
	require.True(t, resp.Found)
	require.Equal(t, []byte("1"), resp.Value)

	resp = restored.Get(bIdx, "y")
	require.True(t, resp.Found)
	require.Equal(t, []byte("2"), resp.Value)
}
