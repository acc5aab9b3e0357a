package raftnode

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func TestParseServerID(t *testing.T) {
	require.Equal(t, uint64(1), parseServerID(raft.ServerID("1")))
	require.Equal(t, uint64(42), parseServerID(raft.ServerID("42")))
	require.Equal(t, uint64(0), parseServerID(raft.ServerID("")))
	require.Equal(t, uint64(0), parseServerID(raft.ServerID("node-3")), "a non-numeric id is not a parsed candidate leader id")
}

func TestRaftConfigAppliesOverridesOnlyWhenSet(t *testing.T) {
	n := &Node{conf: Config{
		LocalID:          "1",
		HeartbeatTimeout: 50 * time.Millisecond,
		CommitTimeout:    5 * time.Millisecond,
	}}

	c := n.raftConfig()
	require.Equal(t, raft.ServerID("1"), c.LocalID)
	require.Equal(t, 50*time.Millisecond, c.HeartbeatTimeout)
	require.Equal(t, 5*time.Millisecond, c.CommitTimeout)

	// ElectionTimeout/SnapshotInterval were left zero in Config, so the
	// hashicorp/raft defaults must survive untouched.
	def := raft.DefaultConfig()
	require.Equal(t, def.ElectionTimeout, c.ElectionTimeout)
	require.Equal(t, def.SnapshotInterval, c.SnapshotInterval)
}
