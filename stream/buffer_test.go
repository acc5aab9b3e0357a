package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientBufferDropsOldestOnOverflow(t *testing.T) {
	buf := newClientBuffer(3)
	buf.push([]byte("a"))
	buf.push([]byte("b"))
	buf.push([]byte("c"))
	buf.push([]byte("d"))

	drained := buf.drain()
	require.Equal(t, [][]byte{[]byte("b"), []byte("c"), []byte("d")}, drained)
}

func TestClientBufferDrainEmptiesIt(t *testing.T) {
	buf := newClientBuffer(DefaultBufferSize)
	buf.push([]byte("x"))

	require.Len(t, buf.drain(), 1)
	require.Empty(t, buf.drain())
}

func TestHandshakeRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	proof := computeProof(secret, 42)
	require.True(t, verifyHandshake(secret, 42, proof))
	require.False(t, verifyHandshake(secret, 43, proof))
	require.False(t, verifyHandshake([]byte("other-secret"), 42, proof))
}
