package router

import (
	"log/slog"

	"github.com/dbrelay/dbrelay/internal/backendref"
	"github.com/dbrelay/dbrelay/internal/classify"
)

// RWRResolver implements the Read/Write Router's target computation and
// replica pick (§4.4). It holds no state of its own — everything it needs
// comes from the Session it's asked to resolve against.
type RWRResolver struct {
	Logger *slog.Logger
}

func (r *RWRResolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// trackTempTables mirrors readwritesplit.c's temp-table bookkeeping: a
// session-scoped temporary table only exists on the connection that created
// it, so any later statement naming it must keep going to that same
// connection (the primary, since CREATE TEMPORARY TABLE is a Write and
// always routes there) rather than a replica that never saw it.
func (r *RWRResolver) trackTempTables(s *Session, result *classify.Result) {
	if result.Operation == classify.OpDropTable {
		for _, tbl := range result.ReferencedTables {
			delete(s.TempTables, tempTableKey(s.CurrentDB, tbl))
		}
	}
	if result.Mask.Has(classify.CreateTmpTable) && result.CreatedTableName != "" {
		s.TempTables[tempTableKey(s.CurrentDB, result.CreatedTableName)] = s.Primary
	}
	if result.Mask.Has(classify.Read) {
		for _, tbl := range result.ReferencedTables {
			if _, ok := s.TempTables[tempTableKey(s.CurrentDB, tbl)]; ok {
				result.Mask |= classify.ReadTmpTable
				break
			}
		}
	}
}

func (r *RWRResolver) Resolve(s *Session, result classify.Result, raw []byte, hint Hint) Route {
	r.trackTempTables(s, &result)
	target := ComputeRWRTarget(result.Mask, s.Txn.TxActive, hint)

	switch {
	case target.Kind.Has(TargetAll):
		return Route{Kind: RouteSessionCommand}

	case target.Kind.Has(TargetMaster):
		return Route{Kind: RouteBackend, Backend: s.Primary}

	case target.Kind.Has(TargetSlave):
		return r.resolveSlave(s, target)

	default:
		return Route{Kind: RouteBackend, Backend: s.Primary}
	}
}

func (r *RWRResolver) resolveSlave(s *Session, target Target) Route {
	if target.Kind.Has(TargetNamedServer) {
		if ref, ok := s.Refs[target.NamedServer]; ok && !ref.IsPrimary && !ref.Has(backendref.Closed) {
			return Route{Kind: RouteBackend, Backend: target.NamedServer}
		}
	}

	var candidates []backendref.Candidate
	if s.Candidates != nil {
		candidates = s.Candidates()
	}

	maxLag := target.MaxSlaveLagSecs
	if maxLag < 0 {
		maxLag = s.MaxSlaveLagSecs
	}
	var eligible []backendref.Candidate
	for _, c := range candidates {
		if c.IsPrimary || !c.Healthy {
			continue
		}
		if _, inUse := s.Refs[c.Name]; !inUse {
			continue
		}
		if maxLag >= 0 && c.ReplicationLagSecs > maxLag {
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		r.logger().Warn("no eligible replica, falling back to primary", "max_slave_lag", maxLag)
		return Route{Kind: RouteBackend, Backend: s.Primary}
	}

	_, ranked := backendref.Select(eligible, backendref.LeastCurrentOperations, len(eligible))
	return Route{Kind: RouteBackend, Backend: ranked[0].Name}
}
