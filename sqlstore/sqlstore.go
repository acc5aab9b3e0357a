// Package sqlstore implements the SQL state machine: a single writer
// connection owned by one task, a pool of read-only connections for local
// replica reads, and deterministic apply() semantics for the SqlCommand
// variants spec.md §3/§4.2 define. Grounded on the SQLite driver usage and
// pragma conventions in kubelogs/kubelogs/internal/storage/sqlite and
// untoldecay/BeadsLog/internal/storage/sqlite (WAL mode, single writer
// connection, busy_timeout), using github.com/mattn/go-sqlite3 as the
// driver the way both of those do.
package sqlstore

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/types"
)

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;
PRAGMA foreign_keys = ON;
`

// writerRequest is one unit of work handed to the single writer goroutine,
// mirroring the "one dedicated task owns the writer connection" contract
// of spec.md §4.2 / §5.
type writerRequest struct {
	cmd  types.SqlCommand
	resp chan types.SqlResponse
}

// Store is the SQL state machine: it owns the writer connection exclusively
// and shares a read-only connection pool for follower/local reads.
type Store struct {
	logger *zap.Logger

	path     string
	writer   *sql.DB
	readers  *sql.DB
	writerCh chan writerRequest
	closeCh  chan struct{}
	doneCh   chan struct{}

	backup func(dest io.Writer) error
}

// openConnections opens the writer (single, pragma-tuned) and read-only
// pool connections for the database file at path.
func openConnections(path string) (writer, readers *sql.DB, err error) {
	writer, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, nil, raftsqlerrors.Sqlite(err, "open writer connection")
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	if _, err := writer.Exec(pragmaSQL); err != nil {
		writer.Close()
		return nil, nil, raftsqlerrors.Sqlite(err, "set writer pragmas")
	}

	readers, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path))
	if err != nil {
		writer.Close()
		return nil, nil, raftsqlerrors.Sqlite(err, "open reader pool")
	}
	readers.SetMaxOpenConns(4)
	return writer, readers, nil
}

// Config controls where the SQLite files live and how the backup
// collaborator (out of core scope, spec.md §1) is invoked.
type Config struct {
	DataDir string
	Backup  func(dest io.Writer) error
}

// New opens the writer and reader handles under <dataDir>/state_machine and
// starts the writer goroutine.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sqlstore")

	dir := filepath.Join(cfg.DataDir, "state_machine")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, raftsqlerrors.IO(err, "create state machine dir")
	}
	path := filepath.Join(dir, "data.db")

	writer, readers, err := openConnections(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		logger:   logger,
		path:     path,
		writer:   writer,
		readers:  readers,
		writerCh: make(chan writerRequest),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		backup:   cfg.Backup,
	}

	go s.runWriter()

	return s, nil
}

// Close signals the writer goroutine to flush and exit and closes both
// database handles - the "flush the WAL before exiting" half of the
// client's shutdown sequence (spec.md §4.6).
func (s *Store) Close() error {
	close(s.closeCh)
	<-s.doneCh

	if _, err := s.writer.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("wal checkpoint on close failed", zap.Error(err))
	}
	s.readers.Close()
	return s.writer.Close()
}

func (s *Store) runWriter() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.closeCh:
			return
		case req := <-s.writerCh:
			req.resp <- s.apply(req.cmd)
		}
	}
}

// Apply deterministically applies one committed SqlCommand, returning the
// matching SqlResponse variant. This is the function the Raft group's FSM
// adapter calls for every committed SQL log entry.
func (s *Store) Apply(cmd types.SqlCommand) types.SqlResponse {
	resp := make(chan types.SqlResponse, 1)
	s.writerCh <- writerRequest{cmd: cmd, resp: resp}
	return <-resp
}

func (s *Store) apply(cmd types.SqlCommand) types.SqlResponse {
	switch cmd.Kind {
	case types.SqlExecute:
		return s.applyExecute(cmd.Query)
	case types.SqlExecuteReturning:
		return s.applyExecuteReturning(cmd.Query)
	case types.SqlTransaction:
		return s.applyTransaction(cmd.Queries)
	case types.SqlBatch:
		return s.applyBatch(cmd.BatchSQL)
	case types.SqlMigration:
		return s.applyMigration(cmd.Migrations)
	case types.SqlBackup:
		return s.applyBackup()
	default:
		return types.SqlResponse{Err: fmt.Sprintf("unknown sql command kind %d", cmd.Kind)}
	}
}

func bindArgs(params []types.Param) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Any()
	}
	return args
}

func (s *Store) applyExecute(q types.Query) types.SqlResponse {
	res, err := s.writer.Exec(q.SQL, bindArgs(q.Params)...)
	if err != nil {
		return types.SqlResponse{Kind: types.RespExecute, Err: err.Error()}
	}
	affected, _ := res.RowsAffected()
	return types.SqlResponse{Kind: types.RespExecute, RowsAffected: affected}
}

func (s *Store) applyExecuteReturning(q types.Query) types.SqlResponse {
	rows, err := s.writer.Query(q.SQL, bindArgs(q.Params)...)
	if err != nil {
		return types.SqlResponse{Kind: types.RespExecuteReturning, Err: err.Error()}
	}
	defer rows.Close()

	var owned []types.RowOwned
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return types.SqlResponse{Kind: types.RespExecuteReturning, Err: err.Error()}
		}
		owned = append(owned, row.ToOwned())
	}
	if err := rows.Err(); err != nil {
		return types.SqlResponse{Kind: types.RespExecuteReturning, Err: err.Error()}
	}
	return types.SqlResponse{Kind: types.RespExecuteReturning, Rows: owned}
}

// applyTransaction runs each query in order inside one transaction. If any
// query errors, the whole transaction rolls back; the per-query result
// list still reports the results computed for statements prior to the
// failure and an error for the failure itself and every statement after
// it. This is spec.md §8's chosen, documented boundary behavior for
// Transaction atomicity.
func (s *Store) applyTransaction(queries []types.Query) types.SqlResponse {
	if len(queries) == 0 {
		// Boundary decision (spec.md §8, §9 Open Question): an empty
		// transaction is legal. It is replicated and applied like any other
		// command, and returns an empty result list here without opening a
		// SQLite transaction, so no empty commit is issued.
		return types.SqlResponse{Kind: types.RespTransaction, Statements: []types.StatementResult{}}
	}

	tx, err := s.writer.Begin()
	if err != nil {
		return types.SqlResponse{Kind: types.RespTransaction, Err: err.Error()}
	}

	results := make([]types.StatementResult, len(queries))
	failed := false
	for i, q := range queries {
		if failed {
			results[i] = types.StatementResult{Err: "aborted: prior statement in transaction failed"}
			continue
		}
		res, err := tx.Exec(q.SQL, bindArgs(q.Params)...)
		if err != nil {
			failed = true
			results[i] = types.StatementResult{Err: err.Error()}
			continue
		}
		affected, _ := res.RowsAffected()
		results[i] = types.StatementResult{RowsAffected: affected}
	}

	if failed {
		if err := tx.Rollback(); err != nil {
			s.logger.Warn("transaction rollback failed", zap.Error(err))
		}
	} else if err := tx.Commit(); err != nil {
		return types.SqlResponse{Kind: types.RespTransaction, Err: err.Error()}
	}

	return types.SqlResponse{Kind: types.RespTransaction, Statements: results}
}

// applyBatch splits a semicolon-delimited SQL string and runs each
// statement independently, with no transactional wrapping - spec.md §4.2
// and §8's documented Batch contract.
func (s *Store) applyBatch(batchSQL string) types.SqlResponse {
	statements := splitBatch(batchSQL)
	results := make([]types.StatementResult, 0, len(statements))
	for _, stmt := range statements {
		res, err := s.writer.Exec(stmt)
		if err != nil {
			results = append(results, types.StatementResult{Err: err.Error()})
			continue
		}
		affected, _ := res.RowsAffected()
		results = append(results, types.StatementResult{RowsAffected: affected})
	}
	return types.SqlResponse{Kind: types.RespBatch, Statements: results}
}

func splitBatch(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s *Store) applyMigration(migrations []types.Migration) types.SqlResponse {
	lastID, err := lastMigrationID(s.writer)
	if err != nil {
		return types.SqlResponse{Kind: types.RespMigration, Err: err.Error()}
	}
	if err := applyMigrations(s.writer, migrations, lastID); err != nil {
		return types.SqlResponse{Kind: types.RespMigration, Err: err.Error()}
	}
	return types.SqlResponse{Kind: types.RespMigration}
}

func (s *Store) applyBackup() types.SqlResponse {
	if s.backup == nil {
		return types.SqlResponse{Kind: types.RespBackup, Err: "no backup collaborator configured"}
	}
	f, err := os.CreateTemp("", "sqlstore-backup-*.db")
	if err != nil {
		return types.SqlResponse{Kind: types.RespBackup, Err: err.Error()}
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := s.writer.Exec(fmt.Sprintf("VACUUM INTO '%s'", f.Name())); err != nil {
		return types.SqlResponse{Kind: types.RespBackup, Err: err.Error()}
	}
	if err := s.backup(f); err != nil {
		return types.SqlResponse{Kind: types.RespBackup, Err: err.Error()}
	}
	return types.SqlResponse{Kind: types.RespBackup}
}

// Query runs a read-only statement against the reader pool - a follower
// local read (spec.md §9 Open Question, resolved: monotonic within the
// connection, not linearizable) used for the non-"consistent" query path.
func (s *Store) Query(q types.Query) ([]types.RowOwned, error) {
	rows, err := s.readers.Query(q.SQL, bindArgs(q.Params)...)
	if err != nil {
		return nil, raftsqlerrors.Sqlite(err, "query")
	}
	defer rows.Close()

	var owned []types.RowOwned
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, raftsqlerrors.Sqlite(err, "scan row")
		}
		owned = append(owned, row.ToOwned())
	}
	return owned, rows.Err()
}
