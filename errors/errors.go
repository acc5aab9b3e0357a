// Package errors implements the node's error taxonomy: every failure that
// crosses a component boundary (log store, sql, cache, client, stream) is
// wrapped into one of a small set of kinds so that callers can type-switch
// on them instead of parsing messages.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies which taxonomy bucket an Error belongs to.
type Kind int

const (
	// KindSqlite covers query or constraint errors from the SQL engine.
	KindSqlite Kind = iota
	// KindCache covers missing-key or serialization failures on the cache path.
	KindCache
	// KindLeaderChange means this node is not the leader, or election is in progress.
	KindLeaderChange
	// KindCheckIsLeader carries an authoritative redirect to the current leader.
	KindCheckIsLeader
	// KindConfig covers invalid configuration at startup.
	KindConfig
	// KindMigration covers id gaps, hash mismatches, or bad migration SQL.
	KindMigration
	// KindRequest covers malformed wire frames or unauthorized requests.
	KindRequest
	// KindTransport covers network failures talking to the leader or peers.
	KindTransport
	// KindIO covers storage errors from the log or SQL layer.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindSqlite:
		return "sqlite"
	case KindCache:
		return "cache"
	case KindLeaderChange:
		return "leader_change"
	case KindCheckIsLeader:
		return "check_is_leader"
	case KindConfig:
		return "config"
	case KindMigration:
		return "migration"
	case KindRequest:
		return "request"
	case KindTransport:
		return "transport"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Leader names the node a CheckIsLeader error wants the caller to retry on.
type Leader struct {
	ID   uint64
	Addr string
}

// Error is the concrete error type returned across the node's public API.
type Error struct {
	Kind    Kind
	Message string
	Leader  *Leader // only set for KindCheckIsLeader
	cause   error
}

func (e *Error) Error() string {
	if e.Kind == KindCheckIsLeader && e.Leader != nil {
		return fmt.Sprintf("check_is_leader: forward to node %d at %s", e.Leader.ID, e.Leader.Addr)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func new(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func Sqlite(cause error, format string, args ...any) *Error {
	return wrap(KindSqlite, cause, format, args...)
}

func Cache(format string, args ...any) *Error { return new(KindCache, format, args...) }

func LeaderChange(format string, args ...any) *Error { return new(KindLeaderChange, format, args...) }

// CheckIsLeader builds the authoritative redirect error the Client's retry
// path looks for.
func CheckIsLeader(leaderID uint64, leaderAddr string) *Error {
	return &Error{
		Kind:    KindCheckIsLeader,
		Message: "not the leader",
		Leader:  &Leader{ID: leaderID, Addr: leaderAddr},
	}
}

func Config(format string, args ...any) *Error { return new(KindConfig, format, args...) }

func Migration(format string, args ...any) *Error { return new(KindMigration, format, args...) }

func Request(format string, args ...any) *Error { return new(KindRequest, format, args...) }

func Transport(cause error, format string, args ...any) *Error {
	return wrap(KindTransport, cause, format, args...)
}

func IO(cause error, format string, args ...any) *Error {
	return wrap(KindIO, cause, format, args...)
}

// AsLeader extracts the forward-to-leader payload from err, if any.
func AsLeader(err error) (*Leader, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindCheckIsLeader {
		return e.Leader, true
	}
	return nil, false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
