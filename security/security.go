// Package security builds *tls.Config values for the node's two TLS
// boundaries - the one shared listener carrying raft/stream/admin traffic,
// and outbound Raft peer dials - from cert/key/CA file paths in
// config.Config.ServerTLS/PeerTLS.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// TLSConf stores all of the parameters MakeTLSConfig needs to build a
// *tls.Config for either the stream/HTTP server or a Raft peer dial.
type TLSConf struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	IsServer   bool   `yaml:"is_server"`
	ServerAddr string `yaml:"server_addr"`
}

// MakeTLSConfig takes in the custom config and creates a *tls.Config instance
func MakeTLSConfig(cfg TLSConf) (*tls.Config, error) {
	tlsConf := &tls.Config{}

	var err error
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		// create a certificate from a public/private key pair
		tlsConf.Certificates = make([]tls.Certificate, 1)
		tlsConf.Certificates[0], err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
	}

	if cfg.CAFile != "" {
		// read certificate
		b, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}

		// parse pem-encoded certificates.
		ca := x509.NewCertPool()
		if ok := ca.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("failed to parse root certificate: %s", cfg.CAFile)
		}

		if cfg.IsServer {
			tlsConf.ClientCAs = ca

			// make sure that at least one valid certificate is given
			// during a handshake.
			tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConf.RootCAs = ca
		}

		tlsConf.ServerName = cfg.ServerAddr
	}

	return tlsConf, nil
}

// Configured reports whether cfg carries enough material for MakeTLSConfig
// to build anything meaningful, distinguishing "TLS not configured" from
// "TLS configured with only a CA file" (a valid client-auth-only setup).
func (cfg TLSConf) Configured() bool {
	return cfg.CertFile != "" || cfg.CAFile != ""
}

// WrapListener terminates TLS for l using cfg, or returns l unchanged if
// cfg carries no certificate material. cmd/node/main.go calls this once on
// the single listener that cmux later splits into raft, stream, and admin
// sub-listeners, so all three protocols come up behind the same
// certificate.
func WrapListener(l net.Listener, cfg TLSConf) (net.Listener, error) {
	if !cfg.Configured() {
		return l, nil
	}
	cfg.IsServer = true
	tlsConf, err := MakeTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(l, tlsConf), nil
}

// DialerTLS builds the *tls.Config raftnode's peer dialer should wrap every
// outbound connection with, or nil if cfg carries no certificate material -
// raftnode.streamLayer.Dial treats a nil config as "dial in the clear".
func DialerTLS(cfg TLSConf) (*tls.Config, error) {
	if !cfg.Configured() {
		return nil, nil
	}
	return MakeTLSConfig(cfg)
}
