package security

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfiguredReflectsCertOrCAPresence(t *testing.T) {
	require.False(t, TLSConf{}.Configured())
	require.True(t, TLSConf{CertFile: "cert.pem", KeyFile: "key.pem"}.Configured())
	require.True(t, TLSConf{CAFile: "ca.pem"}.Configured())
}

func TestWrapListenerPassesThroughWhenUnconfigured(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	wrapped, err := WrapListener(l, TLSConf{})
	require.NoError(t, err)
	require.Same(t, l, wrapped, "an unconfigured TLSConf must not wrap the listener")
}

func TestDialerTLSReturnsNilWhenUnconfigured(t *testing.T) {
	cfg, err := DialerTLS(TLSConf{})
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestDialerTLSSurfacesLoadErrors(t *testing.T) {
	_, err := DialerTLS(TLSConf{CertFile: "/no/such/cert.pem", KeyFile: "/no/such/key.pem"})
	require.Error(t, err)
}
