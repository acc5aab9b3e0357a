package raftnode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRaftProofRejectsWrongSecretOrGroup(t *testing.T) {
	secret := []byte("raft-shared-secret")
	proof := raftProof(secret, GroupSQL)

	require.True(t, hmacEqualForTest(raftProof(secret, GroupSQL), proof))
	require.False(t, hmacEqualForTest(raftProof(secret, GroupCache), proof), "a proof computed for one group must not validate another")
	require.False(t, hmacEqualForTest(raftProof([]byte("other-secret"), GroupSQL), proof), "a proof computed under a different secret must not validate")
}

func hmacEqualForTest(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
