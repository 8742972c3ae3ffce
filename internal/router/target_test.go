package router

import (
	"testing"

	"github.com/dbrelay/dbrelay/internal/classify"
)

func TestComputeRWRTargetSessionWriteIgnoresHints(t *testing.T) {
	target := ComputeRWRTarget(classify.SessionWrite, false, Hint{RouteToMaster: false, NamedServer: "r1", MaxSlaveLagSecs: -1})
	if !target.Kind.Has(TargetAll) {
		t.Errorf("expected ALL for SESSION_WRITE, got %v", target.Kind)
	}
}

func TestComputeRWRTargetReadGoesToSlave(t *testing.T) {
	target := ComputeRWRTarget(classify.Read, false, Hint{MaxSlaveLagSecs: -1})
	if !target.Kind.Has(TargetSlave) {
		t.Errorf("expected SLAVE for plain READ, got %v", target.Kind)
	}
}

func TestComputeRWRTargetTransactionOverridesToMaster(t *testing.T) {
	target := ComputeRWRTarget(classify.Read, true, Hint{MaxSlaveLagSecs: -1})
	if !target.Kind.Has(TargetMaster) {
		t.Errorf("expected MASTER when transaction active, got %v", target.Kind)
	}
}

func TestComputeRWRTargetWriteGoesToMaster(t *testing.T) {
	target := ComputeRWRTarget(classify.Write, false, Hint{MaxSlaveLagSecs: -1})
	if !target.Kind.Has(TargetMaster) {
		t.Errorf("expected MASTER for WRITE, got %v", target.Kind)
	}
}

// TestInvariantTargetMasterIffDangerousBits verifies testable property #6.
func TestInvariantTargetMasterIffDangerousBits(t *testing.T) {
	// SESSION_WRITE/PREPARE_* route to ALL rather than MASTER or SLAVE, so
	// this invariant (which assumes target is confined to {MASTER, SLAVE})
	// is only meaningful for masks that don't carry those bits.
	dangerous := classify.Write | classify.CreateTmpTable | classify.BeginTrx | classify.MasterRead
	masks := []classify.Mask{
		classify.Read,
		classify.Write,
		classify.Read | classify.MasterRead,
		classify.Read | classify.UservarRead,
		classify.CreateTmpTable,
	}
	for _, mask := range masks {
		target := ComputeRWRTarget(mask, false, Hint{MaxSlaveLagSecs: -1})
		isMaster := target.Kind.Has(TargetMaster) && !target.Kind.Has(TargetSlave)
		hasDangerous := mask.Any(dangerous)
		if isMaster != hasDangerous {
			t.Errorf("mask %#x: isMaster=%v hasDangerous=%v, invariant violated", mask, isMaster, hasDangerous)
		}
	}
}

func TestComputeRWRTargetHintRouteToMaster(t *testing.T) {
	target := ComputeRWRTarget(classify.Read, false, Hint{RouteToMaster: true, MaxSlaveLagSecs: -1})
	if !target.Kind.Has(TargetMaster) {
		t.Errorf("expected hint override to MASTER, got %v", target.Kind)
	}
}

func TestTransactionStateApply(t *testing.T) {
	ts := TransactionState{Autocommit: true}
	ts.Apply(classify.DisableAutocommit)
	if ts.Autocommit || !ts.TxActive {
		t.Fatalf("after DISABLE_AUTOCOMMIT: autocommit=%v txActive=%v", ts.Autocommit, ts.TxActive)
	}

	ts.Apply(classify.Commit)
	if !ts.TxActive {
		t.Errorf("COMMIT only clears txActive when autocommit is on; with autocommit off it should stay active, got %v", ts.TxActive)
	}

	ts2 := TransactionState{Autocommit: true}
	ts2.Apply(classify.BeginTrx)
	if !ts2.TxActive {
		t.Fatal("expected BEGIN_TRX to set txActive")
	}
	ts2.Apply(classify.Commit)
	if ts2.TxActive {
		t.Fatal("expected COMMIT to clear txActive when autocommit is on")
	}
}
