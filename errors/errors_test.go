package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckIsLeaderCarriesLeaderPayload(t *testing.T) {
	err := CheckIsLeader(7, "10.0.0.1:9000")

	leader, ok := AsLeader(err)
	require.True(t, ok)
	require.Equal(t, uint64(7), leader.ID)
	require.Equal(t, "10.0.0.1:9000", leader.Addr)
	require.Contains(t, err.Error(), "forward to node 7")
}

func TestAsLeaderFalseForOtherKinds(t *testing.T) {
	_, ok := AsLeader(Sqlite(nil, "UNIQUE constraint failed: test.id"))
	require.False(t, ok)

	_, ok = AsLeader(nil)
	require.False(t, ok)
}

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := IO(cause, "append entries")

	require.True(t, Is(err, KindIO))
	require.False(t, Is(err, KindSqlite))

	// The *Error should still unwrap to its cause, and Is should still see
	// through an *Error wrapped further by errors.Join.
	joined := errors.Join(err, nil)
	require.True(t, Is(joined, KindIO))
	require.ErrorIs(t, err, cause)
}

func TestKindStringUnknown(t *testing.T) {
	require.Equal(t, "unknown", Kind(999).String())
	require.Equal(t, "sqlite", KindSqlite.String())
	require.Equal(t, "check_is_leader", KindCheckIsLeader.String())
}

func TestConstructorsSetExpectedKind(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{Sqlite(nil, "x"), KindSqlite},
		{Cache("missing key %s", "k"), KindCache},
		{LeaderChange("no leader yet"), KindLeaderChange},
		{Config("bad yaml"), KindConfig},
		{Migration("hash mismatch"), KindMigration},
		{Request("bad frame"), KindRequest},
		{Transport(nil, "dial failed"), KindTransport},
		{IO(nil, "write failed"), KindIO},
	}
	for _, c := range cases {
		require.True(t, Is(c.err, c.kind), "expected kind %s for %v", c.kind, c.err)
	}
}
