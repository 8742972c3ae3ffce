package router

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
)

// shardSnapshot is an immutable point-in-time view of the shard
// map. Stored in atomic.Value so concurrent sessions can read it lock-free
// while a discovery/reload in progress builds the next snapshot.
type shardSnapshot struct {
	dbToBackend map[string]string
	stale       bool
}

// ShardMap is the database→backend mapping the Schema Router consults. The
// proxy keeps one ShardMap per schema-routed cluster, shared by every
// session of that cluster whatever its user; maps are not kept per user.
type ShardMap struct {
	snap atomic.Value // *shardSnapshot
	wmu  sync.Mutex

	ignoreExact []string
	ignoreRegex *regexp.Regexp
	preferred   string
}

// NewShardMap creates an empty, stale shard map (discovery has not run).
func NewShardMap(ignoreExact []string, ignoreRegexPattern, preferred string) (*ShardMap, error) {
	var re *regexp.Regexp
	if ignoreRegexPattern != "" {
		compiled, err := regexp.Compile(ignoreRegexPattern)
		if err != nil {
			return nil, fmt.Errorf("router: compiling ignore_databases_regex: %w", err)
		}
		re = compiled
	}
	sm := &ShardMap{ignoreExact: ignoreExact, ignoreRegex: re, preferred: preferred}
	sm.snap.Store(&shardSnapshot{dbToBackend: map[string]string{}, stale: true})
	return sm, nil
}

func (sm *ShardMap) load() *shardSnapshot {
	return sm.snap.Load().(*shardSnapshot)
}

func (sm *ShardMap) isIgnored(db string) bool {
	for _, ig := range sm.ignoreExact {
		if ig == db {
			return true
		}
	}
	return sm.ignoreRegex != nil && sm.ignoreRegex.MatchString(db)
}

// Lookup returns the backend owning db, if mapped.
func (sm *ShardMap) Lookup(db string) (string, bool) {
	backend, ok := sm.load().dbToBackend[db]
	return backend, ok
}

// Stale reports whether the map needs a rediscovery pass.
func (sm *ShardMap) Stale() bool {
	return sm.load().stale
}

// MarkStale flags the map for rediscovery on the next session/refresh
// interval, without discarding the existing mappings (routers keep serving
// from them until discovery completes).
func (sm *ShardMap) MarkStale() {
	sm.wmu.Lock()
	defer sm.wmu.Unlock()
	cur := sm.load()
	next := &shardSnapshot{dbToBackend: cur.dbToBackend, stale: true}
	sm.snap.Store(next)
}

// All returns a copy of the full map, for SHOW SHARDS / SHOW DATABASES
// interception.
func (sm *ShardMap) All() map[string]string {
	cur := sm.load().dbToBackend
	out := make(map[string]string, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// Discovery accumulates SHOW DATABASES rows across backends during a
// single discovery pass before being committed with Commit. Conflicts are
// resolved per §4.5's conflict policy as rows arrive.
type Discovery struct {
	sm      *ShardMap
	pending map[string]string
}

// BeginDiscovery starts a new discovery pass.
func (sm *ShardMap) BeginDiscovery() *Discovery {
	return &Discovery{sm: sm, pending: make(map[string]string)}
}

// ConflictError reports a database name mapped to two different backends
// with no ignore-list or preferred-server rule resolving the conflict —
// fatal for the session issuing the query that triggered discovery.
type ConflictError struct {
	Database string
	First    string
	Second   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("router: duplicate database %q found on %q and %q", e.Database, e.First, e.Second)
}

// AddRow records one SHOW DATABASES row from backend. Returns a
// *ConflictError if the conflict policy (§4.5) can't resolve a clash; the
// caller must close the session issuing the triggering query.
func (d *Discovery) AddRow(backend, db string) error {
	if d.sm.isIgnored(db) {
		return nil // ignore-list/regex names never enter the map
	}
	existing, exists := d.pending[db]
	if !exists {
		d.pending[db] = backend
		return nil
	}
	if existing == backend {
		return nil
	}
	if d.sm.preferred != "" && (d.sm.preferred == backend || d.sm.preferred == existing) {
		d.pending[db] = d.sm.preferred
		return nil
	}
	return &ConflictError{Database: db, First: existing, Second: backend}
}

// Commit publishes the accumulated rows as the new current snapshot,
// atomically relative to concurrent Lookup calls.
func (d *Discovery) Commit() {
	d.sm.wmu.Lock()
	defer d.sm.wmu.Unlock()
	d.sm.snap.Store(&shardSnapshot{dbToBackend: d.pending, stale: false})
}
