package raftnode

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/nireo/raftsql/cachestore"
	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/logstore"
	"github.com/nireo/raftsql/sqlstore"
	"github.com/nireo/raftsql/types"
)

// Config carries everything Node needs to stand up both Raft groups.
type Config struct {
	DataDir   string
	LocalID   raft.ServerID
	LocalAddr raft.ServerAddress
	Bootstrap bool

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	SnapshotInterval time.Duration

	Demuxer *Demuxer
}

// Node owns the two independent Raft groups that share this process's node
// identity (spec.md §4.4): sql bound to the durable Log Store + SQL State
// Machine, cache bound to hashicorp/raft's in-memory log + the volatile
// Cache State Machine. A single membership mutex serializes reconfiguration
// of both groups together, matching nireo-dcache/store/store.go's
// joinHelper discipline generalized across two raft.Raft instances.
type Node struct {
	conf   Config
	logger *zap.Logger

	sqlRaft   *raft.Raft
	cacheRaft *raft.Raft

	logStore *logstore.Store
	sqlFSM   *sqlstore.FSM
	cacheFSM *cachestore.FSM

	membershipMu sync.Mutex
}

// New constructs both Raft groups, creating their snapshot directories
// under conf.DataDir: the SQL group uses ls as its log and stable store, the
// cache group a fresh in-memory store.
func New(conf Config, ls *logstore.Store, sqlStore *sqlstore.Store, cacheStore *cachestore.Store, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("raftnode")

	n := &Node{
		conf:     conf,
		logger:   logger,
		logStore: ls,
		sqlFSM:   sqlstore.NewFSM(sqlStore),
		cacheFSM: cachestore.NewFSM(cacheStore),
	}

	sqlSnapDir := filepath.Join(conf.DataDir, "state_machine", "snapshots")
	if err := os.MkdirAll(sqlSnapDir, 0o755); err != nil {
		return nil, raftsqlerrors.IO(err, "create sql snapshot dir")
	}
	sqlSnapshots, err := raft.NewFileSnapshotStore(sqlSnapDir, 2, os.Stderr)
	if err != nil {
		return nil, raftsqlerrors.IO(err, "open sql snapshot store")
	}

	cacheSnapDir := filepath.Join(conf.DataDir, "cache", "snapshots")
	if err := os.MkdirAll(cacheSnapDir, 0o755); err != nil {
		return nil, raftsqlerrors.IO(err, "create cache snapshot dir")
	}
	cacheSnapshots, err := raft.NewFileSnapshotStore(cacheSnapDir, 2, os.Stderr)
	if err != nil {
		return nil, raftsqlerrors.IO(err, "open cache snapshot store")
	}

	sqlTransport := conf.Demuxer.SQLTransport(os.Stderr)
	cacheTransport := conf.Demuxer.CacheTransport(os.Stderr)

	sqlConfig := n.raftConfig()
	n.sqlRaft, err = raft.NewRaft(sqlConfig, n.sqlFSM, ls, ls, sqlSnapshots, sqlTransport)
	if err != nil {
		return nil, raftsqlerrors.IO(err, "start sql raft group")
	}

	cacheConfig := n.raftConfig()
	cacheLog := raft.NewInmemStore()
	n.cacheRaft, err = raft.NewRaft(cacheConfig, n.cacheFSM, cacheLog, cacheLog, cacheSnapshots, cacheTransport)
	if err != nil {
		return nil, raftsqlerrors.IO(err, "start cache raft group")
	}

	if conf.Bootstrap {
		servers := raft.Configuration{
			Servers: []raft.Server{{ID: conf.LocalID, Address: conf.LocalAddr}},
		}
		if err := n.sqlRaft.BootstrapCluster(servers).Error(); err != nil {
			return nil, raftsqlerrors.IO(err, "bootstrap sql raft group")
		}
		if err := n.cacheRaft.BootstrapCluster(servers).Error(); err != nil {
			return nil, raftsqlerrors.IO(err, "bootstrap cache raft group")
		}
	}

	return n, nil
}

func (n *Node) raftConfig() *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = n.conf.LocalID
	if n.conf.HeartbeatTimeout != 0 {
		c.HeartbeatTimeout = n.conf.HeartbeatTimeout
	}
	if n.conf.ElectionTimeout != 0 {
		c.ElectionTimeout = n.conf.ElectionTimeout
	}
	if n.conf.CommitTimeout != 0 {
		c.CommitTimeout = n.conf.CommitTimeout
	}
	if n.conf.SnapshotInterval != 0 {
		c.SnapshotInterval = n.conf.SnapshotInterval
	}
	return c
}

// IsLeader reports whether this node currently leads the SQL group - the
// group whose leadership the Client's local-shortcut decision (spec.md
// §4.6) is keyed on.
func (n *Node) IsLeader() bool { return n.sqlRaft.State() == raft.Leader }

// LeaderID and LeaderAddr report the SQL group's current leader.
func (n *Node) LeaderAddr() raft.ServerAddress {
	addr, _ := n.sqlRaft.LeaderWithID()
	return addr
}

func (n *Node) LeaderID() raft.ServerID {
	_, id := n.sqlRaft.LeaderWithID()
	return id
}

// ApplySQL submits a gob-encoded SqlCommand to the SQL group and blocks
// until it commits, returning the decoded SqlResponse.
func (n *Node) ApplySQL(cmd types.SqlCommand, timeout time.Duration) (types.SqlResponse, error) {
	if n.sqlRaft.State() != raft.Leader {
		leaderAddr, leaderID := n.sqlRaft.LeaderWithID()
		return types.SqlResponse{}, raftsqlerrors.CheckIsLeader(parseServerID(leaderID), string(leaderAddr))
	}
	data, err := sqlstore.EncodeCommand(cmd)
	if err != nil {
		return types.SqlResponse{}, err
	}
	future := n.sqlRaft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return types.SqlResponse{}, raftsqlerrors.LeaderChange("sql apply: %s", err)
	}
	resp, ok := future.Response().(types.SqlResponse)
	if !ok {
		return types.SqlResponse{}, raftsqlerrors.IO(nil, "sql fsm returned unexpected response type")
	}
	return resp, nil
}

// ApplyCache submits a gob-encoded CacheCommand (Put/Delete only) to the
// cache group.
func (n *Node) ApplyCache(cmd types.CacheCommand, timeout time.Duration) (types.CacheResponse, error) {
	if n.cacheRaft.State() != raft.Leader {
		leaderAddr, leaderID := n.cacheRaft.LeaderWithID()
		return types.CacheResponse{}, raftsqlerrors.CheckIsLeader(parseServerID(leaderID), string(leaderAddr))
	}
	data, err := cachestore.EncodeCommand(cmd)
	if err != nil {
		return types.CacheResponse{}, err
	}
	future := n.cacheRaft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return types.CacheResponse{}, raftsqlerrors.LeaderChange("cache apply: %s", err)
	}
	resp, ok := future.Response().(types.CacheResponse)
	if !ok {
		return types.CacheResponse{}, raftsqlerrors.IO(nil, "cache fsm returned unexpected response type")
	}
	return resp, nil
}

// VerifyLeader performs a no-op barrier on the SQL group to confirm this
// node is still leader before a QueryConsistent local read (spec.md §9's
// resolved Open Question on linearizable reads).
func (n *Node) VerifyLeader(timeout time.Duration) error {
	if n.sqlRaft.State() != raft.Leader {
		leaderAddr, leaderID := n.sqlRaft.LeaderWithID()
		return raftsqlerrors.CheckIsLeader(parseServerID(leaderID), string(leaderAddr))
	}
	if err := n.sqlRaft.Barrier(timeout).Error(); err != nil {
		return raftsqlerrors.LeaderChange("barrier: %s", err)
	}
	return nil
}

// --- membership ---------------------------------------------------------

// AddLearner adds id/addr as a non-voting member of both Raft groups.
func (n *Node) AddLearner(id raft.ServerID, addr raft.ServerAddress) error {
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	if err := n.sqlRaft.AddNonvoter(id, addr, 0, 0).Error(); err != nil {
		return raftsqlerrors.LeaderChange("add sql learner: %s", err)
	}
	if err := n.cacheRaft.AddNonvoter(id, addr, 0, 0).Error(); err != nil {
		return raftsqlerrors.LeaderChange("add cache learner: %s", err)
	}
	return nil
}

// BecomeMember promotes id/addr to a voting member of both Raft groups.
func (n *Node) BecomeMember(id raft.ServerID, addr raft.ServerAddress) error {
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	if err := n.sqlRaft.AddVoter(id, addr, 0, 0).Error(); err != nil {
		return raftsqlerrors.LeaderChange("promote sql member: %s", err)
	}
	if err := n.cacheRaft.AddVoter(id, addr, 0, 0).Error(); err != nil {
		return raftsqlerrors.LeaderChange("promote cache member: %s", err)
	}
	return nil
}

// ChangeMembership removes id from both Raft groups.
func (n *Node) ChangeMembership(id raft.ServerID) error {
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	if err := n.sqlRaft.RemoveServer(id, 0, 0).Error(); err != nil {
		return raftsqlerrors.LeaderChange("remove sql member: %s", err)
	}
	if err := n.cacheRaft.RemoveServer(id, 0, 0).Error(); err != nil {
		return raftsqlerrors.LeaderChange("remove cache member: %s", err)
	}
	return nil
}

// Membership reports the SQL group's current configuration - both groups
// are kept in lockstep by the membership mutex so either is representative.
func (n *Node) Membership() ([]raft.Server, error) {
	future := n.sqlRaft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, raftsqlerrors.IO(err, "get raft configuration")
	}
	return future.Configuration().Servers, nil
}

// Shutdown stops the cache group, then the sql group, in that order -
// spec.md §4.6's documented shutdown sequence for a local client begins
// with "shut down the cache Raft, then the SQL Raft".
func (n *Node) Shutdown() error {
	if err := n.cacheRaft.Shutdown().Error(); err != nil {
		n.logger.Warn("cache raft shutdown error", zap.Error(err))
	}
	if err := n.sqlRaft.Shutdown().Error(); err != nil {
		return raftsqlerrors.IO(err, "sql raft shutdown")
	}
	return nil
}

func parseServerID(id raft.ServerID) uint64 {
	var v uint64
	for _, r := range id {
		if r < '0' || r > '9' {
			return 0
		}
		v = v*10 + uint64(r-'0')
	}
	return v
}
