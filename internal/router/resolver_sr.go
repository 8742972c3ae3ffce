package router

import (
	"fmt"
	"strings"

	"github.com/dbrelay/dbrelay/internal/backendref"
	"github.com/dbrelay/dbrelay/internal/classify"
	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

// SRResolver implements the Schema Router's per-statement routing rules
// (§4.5) and its two interception surfaces (SHOW SHARDS, SHOW DATABASES).
type SRResolver struct{}

func tempTableKey(db, table string) string { return db + "\x00" + table }

func (SRResolver) Resolve(s *Session, result classify.Result, raw []byte, hint Hint) Route {
	trimmed := strings.TrimSpace(string(raw))
	if strings.EqualFold(trimmed, "SHOW SHARDS") {
		return Route{Kind: RouteIntercepted, Intercepted: buildShowShards(s)}
	}
	if result.Mask.Has(classify.ShowDatabases) && result.Operation == classify.OpShow {
		return Route{Kind: RouteIntercepted, Intercepted: buildShowDatabases(s)}
	}

	switch {
	case result.Mask.Any(classify.SessionWrite | classify.PrepareStmt | classify.PrepareNamedStmt |
		classify.EnableAutocommit | classify.DisableAutocommit | classify.GSysvarWrite):
		if result.Operation == classify.OpUse && len(result.ReferencedDBs) > 0 {
			db := result.ReferencedDBs[0]
			if backend, ok := s.ShardMap.Lookup(db); ok {
				s.CurrentDB = db
				return Route{Kind: RouteBackend, Backend: backend}
			}
			return Route{Err: fmt.Errorf("unknown database %q", db)}
		}
		return Route{Kind: RouteSessionCommand}

	case result.Mask.Any(classify.SysvarRead | classify.GSysvarRead):
		return Route{Kind: RouteAny, Backend: firstHealthyBackend(s)}
	}

	if result.Operation == classify.OpDropTable {
		for _, tbl := range result.ReferencedTables {
			delete(s.TempTables, tempTableKey(s.CurrentDB, tbl))
		}
	}
	if result.Mask.Has(classify.CreateTmpTable) && result.CreatedTableName != "" {
		var backend string
		var ok bool
		if dbs := referencedDatabases(result); len(dbs) == 1 {
			backend, ok = s.ShardMap.Lookup(dbs[0])
		}
		if !ok && s.CurrentDB != "" {
			backend, ok = s.ShardMap.Lookup(s.CurrentDB)
		}
		if ok {
			s.TempTables[tempTableKey(s.CurrentDB, result.CreatedTableName)] = backend
			return Route{Kind: RouteBackend, Backend: backend}
		}
	}

	if backend, ok := lookupTempTable(s, result); ok {
		return Route{Kind: RouteBackend, Backend: backend}
	}

	dbs := referencedDatabases(result)
	if len(dbs) >= 2 {
		return Route{Err: fmt.Errorf("cross-shard queries not supported: %v", dbs)}
	}
	if len(dbs) == 1 {
		if backend, ok := s.ShardMap.Lookup(dbs[0]); ok {
			return Route{Kind: RouteBackend, Backend: backend}
		}
	}

	if len(result.ReferencedTables) > 0 && s.CurrentDB != "" {
		if backend, ok := s.ShardMap.Lookup(s.CurrentDB); ok {
			return Route{Kind: RouteBackend, Backend: backend}
		}
	}

	if hint.NamedServer != "" {
		if _, ok := s.Refs[hint.NamedServer]; ok {
			return Route{Kind: RouteBackend, Backend: hint.NamedServer}
		}
	}

	return Route{Kind: RouteBackend, Backend: firstHealthyBackend(s)}
}

// referencedDatabases implements rule 3's database extraction: explicit
// qualifiers plus each referenced table's database via its dot-qualified
// name, deduplicated. Order is not significant — callers only care about
// the count (0 = no db info, 1 = route there, 2+ = cross-shard).
func referencedDatabases(result classify.Result) []string {
	seen := map[string]bool{}
	var dbs []string
	add := func(db string) {
		if db != "" && !seen[db] {
			seen[db] = true
			dbs = append(dbs, db)
		}
	}
	for _, db := range result.ReferencedDBs {
		add(db)
	}
	for _, tbl := range result.ReferencedTables {
		add(classify.ReferencedDatabase(tbl))
	}
	return dbs
}

func lookupTempTable(s *Session, result classify.Result) (string, bool) {
	for _, tbl := range result.ReferencedTables {
		if backend, ok := s.TempTables[tempTableKey(s.CurrentDB, tbl)]; ok {
			return backend, true
		}
	}
	return "", false
}

func firstHealthyBackend(s *Session) string {
	for name, ref := range s.Refs {
		if !ref.Has(backendref.Closed) {
			return name
		}
	}
	return ""
}

func buildShowDatabases(s *Session) []byte {
	m := s.ShardMap.All()
	var rows [][]string
	for db, backend := range m {
		if ref, ok := s.Refs[backend]; ok && !ref.Has(backendref.Closed) {
			rows = append(rows, []string{db})
		}
	}
	return mysqlproto.BuildTextResultSet([]string{"Database"}, rows)
}

func buildShowShards(s *Session) []byte {
	m := s.ShardMap.All()
	var rows [][]string
	for db, backend := range m {
		rows = append(rows, []string{db, backend})
	}
	return mysqlproto.BuildTextResultSet([]string{"Database", "Server"}, rows)
}
