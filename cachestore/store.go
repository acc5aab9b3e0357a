// Package cachestore implements the cache state machine: a fixed, compile-
// time-enumerated set of named caches, each owned by its own goroutine, with
// per-key optional TTL expiry and a periodic reaper. Grounded on
// nireo-dcache/store/cache.go and store/store.go's Store/Apply/Snapshot
// shape, generalized from one bigcache instance to N independently owned
// maps since the spec requires per-key arbitrary expiry and deterministic
// snapshot replay that bigcache/fastcache cannot express.
package cachestore

import (
	"time"

	"go.uber.org/zap"

	"github.com/nireo/raftsql/types"
)

type entry struct {
	value     []byte
	expiresAt *int64 // unix seconds, nil means no expiry
}

func (e entry) expired(now int64) bool {
	return e.expiresAt != nil && *e.expiresAt <= now
}

type opKind int

const (
	opGet opKind = iota
	opPut
	opDelete
	opSnapshot
	opRestoreLoad
	opRestoreClear
)

type op struct {
	kind opKind

	key     string
	value   []byte
	expires *int64

	sink chan types.CacheResponse

	// snapshot/restore
	iterSink chan *snapshotEntry
	loadItem *snapshotEntry
	doneAck  chan struct{}
}

// snapshotEntry is one (key, value, expiry) tuple exchanged during Snapshot
// iteration or Restore loading.
type snapshotEntry struct {
	Key     string
	Value   []byte
	Expires *int64
}

// cache is one owner goroutine and the map it exclusively mutates.
type cache struct {
	idx    types.CacheIdx
	name   string
	ch     chan op
	data   map[string]entry
	logger *zap.Logger
}

func newCache(idx types.CacheIdx, name string, logger *zap.Logger) *cache {
	c := &cache{
		idx:    idx,
		name:   name,
		ch:     make(chan op, 32),
		data:   make(map[string]entry),
		logger: logger,
	}
	go c.run()
	return c
}

func (c *cache) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case o, ok := <-c.ch:
			if !ok {
				return
			}
			c.handle(o)
		case <-ticker.C:
			c.reap()
		}
	}
}

func (c *cache) reap() {
	now := time.Now().Unix()
	for k, e := range c.data {
		if e.expired(now) {
			delete(c.data, k)
		}
	}
}

func (c *cache) handle(o op) {
	switch o.kind {
	case opGet:
		e, ok := c.data[o.key]
		if ok && e.expired(time.Now().Unix()) {
			delete(c.data, o.key)
			ok = false
		}
		if !ok {
			o.sink <- types.CacheResponse{Kind: types.RespCacheValue, Found: false}
			return
		}
		o.sink <- types.CacheResponse{Kind: types.RespCacheValue, Found: true, Value: e.value}
	case opPut:
		c.data[o.key] = entry{value: o.value, expiresAt: o.expires}
		o.sink <- types.CacheResponse{Kind: types.RespCacheOk}
	case opDelete:
		delete(c.data, o.key)
		o.sink <- types.CacheResponse{Kind: types.RespCacheOk}
	case opSnapshot:
		defer close(o.iterSink)
		for k, e := range c.data {
			o.iterSink <- &snapshotEntry{Key: k, Value: append([]byte(nil), e.value...), Expires: e.expiresAt}
		}
	case opRestoreClear:
		c.data = make(map[string]entry)
		o.doneAck <- struct{}{}
	case opRestoreLoad:
		c.data[o.loadItem.Key] = entry{value: o.loadItem.Value, expiresAt: o.loadItem.Expires}
		o.doneAck <- struct{}{}
	}
}

func (c *cache) get(key string) types.CacheResponse {
	sink := make(chan types.CacheResponse, 1)
	c.ch <- op{kind: opGet, key: key, sink: sink}
	return <-sink
}

func (c *cache) put(key string, value []byte, expires *int64) types.CacheResponse {
	sink := make(chan types.CacheResponse, 1)
	c.ch <- op{kind: opPut, key: key, value: value, expires: expires, sink: sink}
	return <-sink
}

func (c *cache) delete(key string) types.CacheResponse {
	sink := make(chan types.CacheResponse, 1)
	c.ch <- op{kind: opDelete, key: key, sink: sink}
	return <-sink
}

func (c *cache) snapshotEntries() []snapshotEntry {
	sink := make(chan *snapshotEntry, 64)
	c.ch <- op{kind: opSnapshot, iterSink: sink}
	var out []snapshotEntry
	for e := range sink {
		out = append(out, *e)
	}
	return out
}

func (c *cache) clear() {
	ack := make(chan struct{}, 1)
	c.ch <- op{kind: opRestoreClear, doneAck: ack}
	<-ack
}

func (c *cache) load(e snapshotEntry) {
	ack := make(chan struct{}, 1)
	c.ch <- op{kind: opRestoreLoad, loadItem: &e, doneAck: ack}
	<-ack
}

// Store owns the fixed set of named caches, one owner goroutine each. The
// cache roster is decided at construction time (spec.md's "compile-time
// enumerated" caches); Store itself adds no further caches at runtime.
type Store struct {
	logger *zap.Logger
	caches []*cache
	byName map[string]types.CacheIdx
}

// New creates one owner goroutine per name in names, indexed in order.
func New(names []string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cachestore")

	s := &Store{
		logger: logger,
		caches: make([]*cache, len(names)),
		byName: make(map[string]types.CacheIdx, len(names)),
	}
	for i, name := range names {
		idx := types.CacheIdx(i)
		s.caches[i] = newCache(idx, name, logger)
		s.byName[name] = idx
	}
	return s
}

// IndexOf resolves a cache name to its CacheIdx.
func (s *Store) IndexOf(name string) (types.CacheIdx, bool) {
	idx, ok := s.byName[name]
	return idx, ok
}

// Get answers a read directly against the owning goroutine's map - reads
// never go through Raft, matching spec.md's "Get is local-only" rule.
func (s *Store) Get(idx types.CacheIdx, key string) types.CacheResponse {
	if int(idx) >= len(s.caches) {
		return types.CacheResponse{Kind: types.RespCacheValue, Err: "unknown cache index"}
	}
	return s.caches[idx].get(key)
}

// Apply runs one committed CacheCommand (Put or Delete; Get is rejected
// since it should never have been replicated).
func (s *Store) Apply(cmd types.CacheCommand) types.CacheResponse {
	if int(cmd.Idx) >= len(s.caches) {
		return types.CacheResponse{Err: "unknown cache index"}
	}
	c := s.caches[cmd.Idx]
	switch cmd.Kind {
	case types.CachePut:
		return c.put(cmd.Key, cmd.Value, cmd.Expires)
	case types.CacheDelete:
		return c.delete(cmd.Key)
	default:
		return types.CacheResponse{Err: "get must not be replicated through raft"}
	}
}
