// Package router implements the Read/Write Router (C4-RWR) and Schema
// Router (C4-SR). Both share the same dispatch/reply/error-handling
// machinery (Session, below) and differ only in how they resolve a
// classified statement to a target backend set — grounded on
// _examples/original_source/server/modules/routing/readwritesplit/readwritesplit.c
// and .../schemarouter/schemarouter.c respectively. The shared machinery
// generalizes the teacher's atomic-snapshot copy-on-write pattern
// (internal/router/router.go) from a tenant-ID routing table to a
// per-session backend-reference set and, for SR, a per-cluster shard map.
package router

import "github.com/dbrelay/dbrelay/internal/classify"

// TargetKind is a bitfield over the route-target facets the RWR computes.
type TargetKind uint8

const (
	TargetMaster TargetKind = 1 << iota
	TargetSlave
	TargetAll
	TargetNamedServer
	TargetRLagMax
	TargetAny // SR: first healthy backend, used for SYSVAR_READ/GSYSVAR_READ
)

func (k TargetKind) Has(want TargetKind) bool { return k&want == want }

// Hint carries routing hints parsed out-of-band from the client (MaxScale
// routing hint comments). The classifier doesn't parse hints; the router
// consults them directly.
type Hint struct {
	RouteToMaster   bool
	NamedServer     string
	MaxSlaveLagSecs int // -1 means "not set"
}

// Target is the resolved route for one statement.
type Target struct {
	Kind            TargetKind
	NamedServer     string
	MaxSlaveLagSecs int
}

// ComputeRWRTarget implements §4.4's three-step target computation. txActive
// is the session's transaction-active flag as RouteQuery passes it: after
// TransactionState.Apply has already folded in this statement's own
// BEGIN/COMMIT/autocommit bits.
func ComputeRWRTarget(mask classify.Mask, txActive bool, hint Hint) Target {
	var t Target
	t.MaxSlaveLagSecs = -1

	switch {
	case mask.Any(classify.SessionWrite | classify.PrepareStmt | classify.PrepareNamedStmt |
		classify.EnableAutocommit | classify.DisableAutocommit | classify.GSysvarWrite):
		t.Kind = TargetAll
	case mask.Has(classify.Read) && !txActive:
		t.Kind = TargetSlave
		if hint.RouteToMaster || mask.Has(classify.MasterRead) || mask.Has(classify.ReadTmpTable) {
			t.Kind = TargetMaster
		} else {
			if hint.NamedServer != "" {
				t.Kind |= TargetNamedServer
				t.NamedServer = hint.NamedServer
			}
			if hint.MaxSlaveLagSecs >= 0 {
				t.Kind |= TargetRLagMax
				t.MaxSlaveLagSecs = hint.MaxSlaveLagSecs
			}
		}
	default:
		t.Kind = TargetMaster
	}

	if txActive {
		t.Kind = TargetMaster
	}
	return t
}

// TransactionState is the session flags the router maintains independently
// of any single statement's target, per §4.4's autocommit/transaction
// tracking table.
type TransactionState struct {
	Autocommit bool
	TxActive   bool
}

// Apply updates ts in place per the classifier mask of the statement that
// just ran, following the four ordered rules in §4.4.
func (ts *TransactionState) Apply(mask classify.Mask) {
	switch {
	case ts.Autocommit && mask.Has(classify.DisableAutocommit):
		ts.Autocommit = false
		ts.TxActive = true
	case !ts.TxActive && mask.Has(classify.BeginTrx):
		ts.TxActive = true
	case ts.Autocommit && ts.TxActive && mask.Any(classify.Commit|classify.Rollback):
		ts.TxActive = false
	case !ts.Autocommit && mask.Has(classify.EnableAutocommit):
		ts.Autocommit = true
		ts.TxActive = false
	}
}
