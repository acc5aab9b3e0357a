package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNodeBody(t *testing.T) {
	id, addr, err := parseNodeBody([]byte("node-2@127.0.0.1:9002"))
	require.NoError(t, err)
	require.Equal(t, "node-2", string(id))
	require.Equal(t, "127.0.0.1:9002", string(addr))
}

func TestParseNodeBodyRejectsMalformed(t *testing.T) {
	_, _, err := parseNodeBody([]byte("no-separator-here"))
	require.Error(t, err)
}
