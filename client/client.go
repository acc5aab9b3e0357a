// Package client implements the Raft/database client (spec.md §4.6):
// local-leader shortcuts straight into the node's state machines, and a
// websocket stream connection to the leader otherwise, with a single
// automatic retry after a leader-change redirect. Grounded on
// original_source/hiqlite/src/client.rs's DbClient (is_this_local_leader,
// new_request_id, was_leader_update_error), reimplemented with Go
// goroutines/channels in place of Tokio tasks and flume channels, over the
// same github.com/gorilla/websocket transport the stream package exposes.
package client

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nireo/raftsql/cachestore"
	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/raftnode"
	"github.com/nireo/raftsql/sqlstore"
	"github.com/nireo/raftsql/types"
)

// ApplyTimeout bounds a local Raft apply issued by the client.
const ApplyTimeout = 10 * time.Second

// Client is the handle application code uses to talk to the cluster: either
// this process's own node when it is the SQL group's leader, or the current
// leader over a stream connection otherwise.
type Client struct {
	node       *raftnode.Node
	sqlStore   *sqlstore.Store
	cacheStore *cachestore.Store
	logger     *zap.Logger

	clientID  uint64
	requestID atomic.Uint64

	leaderMu   sync.RWMutex
	leaderID   uint64
	leaderAddr string

	apiSecret string
	tls       bool

	stream *streamConn
}

// New builds a client bound to a local node. When the node is not (or stops
// being) the SQL group's leader, writes are forwarded over a stream
// connection to whichever address the node last observed as leader.
func New(node *raftnode.Node, sqlStore *sqlstore.Store, cacheStore *cachestore.Store, clientID uint64, apiSecret string, tls bool, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		node:       node,
		sqlStore:   sqlStore,
		cacheStore: cacheStore,
		logger:     logger.Named("client"),
		clientID:   clientID,
		apiSecret:  apiSecret,
		tls:        tls,
	}
}

func (c *Client) newRequestID() uint64 {
	return c.requestID.Add(1)
}

// isLocalLeader mirrors DbClient::is_this_local_leader: the node-local
// shortcut applies only while this process's node leads the SQL group.
func (c *Client) isLocalLeader() bool {
	return c.node != nil && c.node.IsLeader()
}

// noteLeaderChange records a new leader address learned from a
// CheckIsLeader redirect, the same bookkeeping was_leader_update_error does
// before the caller's single retry.
func (c *Client) noteLeaderChange(id uint64, addr string) bool {
	c.leaderMu.Lock()
	defer c.leaderMu.Unlock()
	if c.leaderID == id && c.leaderAddr == addr {
		return false
	}
	c.leaderID = id
	c.leaderAddr = addr
	return true
}

func (c *Client) currentLeaderAddr() string {
	c.leaderMu.RLock()
	defer c.leaderMu.RUnlock()
	return c.leaderAddr
}

// Shutdown performs the local node's ordered shutdown (spec.md §4.6: cache
// Raft, then SQL Raft) and closes any outstanding remote stream connection.
func (c *Client) Shutdown() error {
	if c.stream != nil {
		c.stream.Close()
	}
	if c.node == nil {
		return nil
	}
	return c.node.Shutdown()
}

// --- SQL operations ----------------------------------------------------

// Execute applies a single modifying statement, retrying once if the write
// lands on a node that has since lost leadership.
func (c *Client) Execute(q types.Query) (int64, error) {
	resp, err := c.applySQL(types.SqlCommand{Kind: types.SqlExecute, Query: q})
	if err != nil {
		return 0, err
	}
	return resp.RowsAffected, nil
}

// ExecuteReturning applies a single statement and returns its result rows.
func (c *Client) ExecuteReturning(q types.Query) ([]types.RowOwned, error) {
	resp, err := c.applySQL(types.SqlCommand{Kind: types.SqlExecuteReturning, Query: q})
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// Transaction applies every query atomically: all-or-nothing.
func (c *Client) Transaction(queries []types.Query) ([]types.StatementResult, error) {
	resp, err := c.applySQL(types.SqlCommand{Kind: types.SqlTransaction, Queries: queries})
	if err != nil {
		return nil, err
	}
	return resp.Statements, nil
}

// Batch runs an arbitrary multi-statement SQL string, per-statement results
// with no transactional wrapping.
func (c *Client) Batch(sql string) ([]types.StatementResult, error) {
	resp, err := c.applySQL(types.SqlCommand{Kind: types.SqlBatch, BatchSQL: sql})
	if err != nil {
		return nil, err
	}
	return resp.Statements, nil
}

// Migrate applies pending migrations in order.
func (c *Client) Migrate(migrations []types.Migration) error {
	resp, err := c.applySQL(types.SqlCommand{Kind: types.SqlMigration, Migrations: migrations})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return raftsqlerrors.Migration(resp.Err)
	}
	return nil
}

// Backup triggers a VACUUM INTO snapshot on the leader.
func (c *Client) Backup() error {
	resp, err := c.applySQL(types.SqlCommand{Kind: types.SqlBackup})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return raftsqlerrors.Sqlite(nil, "%s", resp.Err)
	}
	return nil
}

// Query performs a non-consistent local read: it never checks leadership
// and always answers from this node's own reader pool (spec.md §4.5's
// plain Query payload).
func (c *Client) Query(q types.Query) ([]types.RowOwned, error) {
	if c.sqlStore == nil {
		return nil, raftsqlerrors.Request("no local sql store available for a non-consistent read")
	}
	return c.sqlStore.Query(q)
}

// QueryConsistent performs a linearizable read: a leadership barrier,
// then a local read, failing over to the leader once if this node has lost
// leadership in the meantime.
func (c *Client) QueryConsistent(q types.Query) ([]types.RowOwned, error) {
	if c.isLocalLeader() {
		if err := c.node.VerifyLeader(ApplyTimeout); err == nil {
			return c.sqlStore.Query(q)
		}
	}
	return c.remoteQueryConsistent(q)
}

func (c *Client) applySQL(cmd types.SqlCommand) (types.SqlResponse, error) {
	if c.isLocalLeader() {
		resp, err := c.node.ApplySQL(cmd, ApplyTimeout)
		if err == nil {
			return resp, nil
		}
		if leader, ok := raftsqlerrors.AsLeader(err); ok {
			c.noteLeaderChange(leader.ID, leader.Addr)
			return c.remoteApplySQL(cmd)
		}
		return types.SqlResponse{}, err
	}
	return c.remoteApplySQL(cmd)
}

// --- cache operations ----------------------------------------------------

// CacheGet answers locally: Get is never replicated through Raft (spec.md
// §4.3).
func (c *Client) CacheGet(idx types.CacheIdx, key string) types.CacheResponse {
	return c.cacheStore.Get(idx, key)
}

func (c *Client) CachePut(idx types.CacheIdx, key string, value []byte, expires *int64) (types.CacheResponse, error) {
	return c.applyCache(types.CacheCommand{Kind: types.CachePut, Idx: idx, Key: key, Value: value, Expires: expires})
}

func (c *Client) CacheDelete(idx types.CacheIdx, key string) (types.CacheResponse, error) {
	return c.applyCache(types.CacheCommand{Kind: types.CacheDelete, Idx: idx, Key: key})
}

func (c *Client) applyCache(cmd types.CacheCommand) (types.CacheResponse, error) {
	if c.isLocalLeader() {
		resp, err := c.node.ApplyCache(cmd, ApplyTimeout)
		if err == nil {
			return resp, nil
		}
		if leader, ok := raftsqlerrors.AsLeader(err); ok {
			c.noteLeaderChange(leader.ID, leader.Addr)
			return c.remoteApplyCache(cmd)
		}
		return types.CacheResponse{}, err
	}
	return c.remoteApplyCache(cmd)
}
