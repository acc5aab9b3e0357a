// Package raftnode builds the two Raft groups that share one node identity
// (spec.md §4.4): one bound to the durable Log Store + SQL State Machine,
// one bound to hashicorp/raft's own in-memory log store + the volatile
// Cache State Machine. Both groups' RPC traffic reaches a peer on one
// shared listening address, demultiplexed by a one-byte group tag on top of
// the outer cmux match nireo-dcache/service/service.go already performs
// for its single Raft group. Each group's NetworkTransport dials and pools
// its own TCP connections; the two groups never share one connection.
package raftnode

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/hashicorp/raft"
)

// Group tags, written immediately after the outer cmux discriminator byte.
const (
	GroupSQL   byte = 2
	GroupCache byte = 3
)

// groupListener is the raft.StreamLayer half that Accept()s connections
// already demultiplexed by group tag.
type groupListener struct {
	ch     chan net.Conn
	addr   net.Addr
	closed chan struct{}
}

func newGroupListener(addr net.Addr) *groupListener {
	return &groupListener{ch: make(chan net.Conn, 16), addr: addr, closed: make(chan struct{})}
}

func (g *groupListener) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-g.ch:
		if !ok {
			return nil, io.EOF
		}
		return conn, nil
	case <-g.closed:
		return nil, io.EOF
	}
}

func (g *groupListener) Close() error {
	select {
	case <-g.closed:
	default:
		close(g.closed)
	}
	return nil
}

func (g *groupListener) Addr() net.Addr { return g.addr }

// streamLayer implements raft.StreamLayer: Accept demuxed connections for
// this group, Dial writes the outer cmux tag then this group's tag before
// handing the connection to hashicorp/raft's own RPC codec.
type streamLayer struct {
	*groupListener
	group   byte
	secret  []byte
	peerTLS *tls.Config
}

func (s *streamLayer) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", string(address), timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if timeout > 0 {
		conn.SetDeadline(deadline)
	}
	if s.peerTLS != nil {
		tlsConn := tls.Client(conn, s.peerTLS)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	header := append([]byte{raftCmuxTag, s.group}, raftProof(s.secret, s.group)...)
	if _, err := conn.Write(header); err != nil {
		conn.Close()
		return nil, err
	}
	if timeout > 0 {
		conn.SetDeadline(time.Time{})
	}
	return conn, nil
}

// raftCmuxTag is the one byte nireo-dcache/service/service.go's raftListener
// match function already checks for (b[0] == 1); both Raft groups dial
// through that same outer match and are then split further by group tag.
const raftCmuxTag byte = 1

// raftProofLen is the size of the HMAC-SHA256 proof every peer dial carries
// immediately after the group tag, authenticating the connection with the
// raft-secret - distinct from the stream/HTTP surface's api-secret, per
// spec.md §6. Grounded on the same hiqlite-inspired HMAC scheme
// stream/handshake.go already uses for client connections.
const raftProofLen = sha256.Size

func raftProof(secret []byte, group byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte{group})
	return mac.Sum(nil)
}

// Demuxer accepts already cmux-matched raft connections, peels off the
// inner group tag and HMAC proof, and routes each authenticated connection
// to the matching group's StreamLayer.
type Demuxer struct {
	sql     *groupListener
	cache   *groupListener
	secret  []byte
	peerTLS *tls.Config
}

// NewDemuxer starts demultiplexing connections accepted from raftListener
// (itself a cmux-matched net.Listener) by their leading group-tag byte,
// rejecting any connection whose HMAC proof of secret does not match.
// peerTLS, when non-nil, is used to encrypt the client side of every
// outbound peer dial (config.Config.PeerTLS); the accept side relies on
// raftListener already being TLS-terminated by the caller when ServerTLS
// is configured, since all three multiplexed protocols share one listener.
func NewDemuxer(raftListener net.Listener, secret []byte, peerTLS *tls.Config) *Demuxer {
	d := &Demuxer{
		sql:     newGroupListener(raftListener.Addr()),
		cache:   newGroupListener(raftListener.Addr()),
		secret:  secret,
		peerTLS: peerTLS,
	}
	go d.run(raftListener)
	return d
}

func (d *Demuxer) run(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			d.sql.Close()
			d.cache.Close()
			return
		}
		go d.route(conn)
	}
}

func (d *Demuxer) route(conn net.Conn) {
	// cmux replays the bytes MatchRaft sniffed, so the outer raftCmuxTag is
	// still at the front of the stream, followed by the group tag and proof.
	header := make([]byte, 2+raftProofLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		conn.Close()
		return
	}
	tag, group, proof := header[0], header[1], header[2:]
	if tag != raftCmuxTag || !hmac.Equal(raftProof(d.secret, group), proof) {
		conn.Close()
		return
	}
	switch group {
	case GroupSQL:
		d.sql.ch <- conn
	case GroupCache:
		d.cache.ch <- conn
	default:
		conn.Close()
	}
}

// SQLTransport returns the raft.NetworkTransport for the SQL group.
func (d *Demuxer) SQLTransport(logOutput io.Writer) *raft.NetworkTransport {
	layer := &streamLayer{groupListener: d.sql, group: GroupSQL, secret: d.secret, peerTLS: d.peerTLS}
	return raft.NewNetworkTransport(layer, 3, 10*time.Second, logOutput)
}

// CacheTransport returns the raft.NetworkTransport for the cache group.
func (d *Demuxer) CacheTransport(logOutput io.Writer) *raft.NetworkTransport {
	layer := &streamLayer{groupListener: d.cache, group: GroupCache, secret: d.secret, peerTLS: d.peerTLS}
	return raft.NewNetworkTransport(layer, 3, 10*time.Second, logOutput)
}

// MatchRaft is the cmux match function selecting the shared outer raft
// listener, generalizing nireo-dcache/service/service.go's single-group
// match (b[0] == 1) to front both of this node's Raft groups.
func MatchRaft(reader io.Reader) bool {
	b := make([]byte, 1)
	if _, err := reader.Read(b); err != nil {
		return false
	}
	return b[0] == raftCmuxTag
}

var _ raft.StreamLayer = (*streamLayer)(nil)
