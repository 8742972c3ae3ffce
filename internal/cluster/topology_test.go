package cluster

import "testing"

func newServer(id, masterID uint32, readOnly bool) *MonitoredServer {
	return NewMonitoredServer(Backend{ServerID: id, MasterServerID: masterID, ReadOnly: readOnly})
}

func TestAssignDepthsFlatTree(t *testing.T) {
	master := newServer(1, 0, false)
	slave1 := newServer(2, 1, true)
	slave2 := newServer(3, 1, true)

	topo := NewTopology([]*MonitoredServer{master, slave1, slave2})
	topo.AssignDepths()

	if master.Depth != 0 || !master.pending.Has(RoleMaster) {
		t.Errorf("master depth=%d pending=%v, want depth 0 and RoleMaster", master.Depth, master.pending)
	}
	if slave1.Depth != 1 || !slave1.pending.Has(RoleSlave) {
		t.Errorf("slave1 depth=%d pending=%v, want depth 1 and RoleSlave", slave1.Depth, slave1.pending)
	}
}

func TestAssignDepthsRelayMaster(t *testing.T) {
	master := newServer(1, 0, false)
	relay := newServer(2, 1, true)
	leaf := newServer(3, 2, true)

	topo := NewTopology([]*MonitoredServer{master, relay, leaf})
	topo.AssignDepths()

	if !relay.pending.Has(RoleRelayMaster) {
		t.Errorf("expected relay node tagged RoleRelayMaster, got %v", relay.pending)
	}
	if leaf.Depth != 2 {
		t.Errorf("leaf depth = %d, want 2", leaf.Depth)
	}
}

func TestDetectCyclesMultiPrimary(t *testing.T) {
	a := newServer(1, 2, false) // a replicates from b
	b := newServer(2, 1, true)  // b replicates from a, read_only=true

	topo := NewTopology([]*MonitoredServer{a, b})
	topo.AssignDepths()
	topo.DetectCycles()

	if a.CycleID == 0 || b.CycleID == 0 || a.CycleID != b.CycleID {
		t.Fatalf("expected a and b in the same cycle, got a=%d b=%d", a.CycleID, b.CycleID)
	}
	if !a.pending.Has(RoleMaster) {
		t.Errorf("expected read_only=false node a tagged RoleMaster in cycle, got %v", a.pending)
	}
	if !b.pending.Has(RoleSlave) {
		t.Errorf("expected read_only=true node b tagged RoleSlave in cycle, got %v", b.pending)
	}
}

// TestInvariantMasterExactlyDepthZero verifies testable property #4: the
// published MASTER role is held in exactly the set of depth-zero backends
// (absent maintenance/cycles).
func TestInvariantMasterExactlyDepthZero(t *testing.T) {
	master := newServer(1, 0, false)
	slave := newServer(2, 1, true)
	topo := NewTopology([]*MonitoredServer{master, slave})
	topo.AssignDepths()

	for _, s := range topo.servers {
		isMaster := s.pending.Has(RoleMaster)
		isDepthZero := s.Depth == 0
		if isMaster != isDepthZero {
			t.Errorf("server id=%d: master=%v depthZero=%v, invariant violated", s.Backend.ServerID, isMaster, isDepthZero)
		}
	}
}

func TestDetectStalePrimaryKeepsWritesFlowing(t *testing.T) {
	master := newServer(1, 0, false)
	master.PreviousStatus = RoleMaster
	topo := NewTopology([]*MonitoredServer{master})
	topo.AssignDepths() // no slaves left -> root with no children
	topo.DetectStalePrimary()

	if !master.pending.Has(RoleStale | RoleMaster) {
		t.Errorf("expected stale master to keep RoleMaster|RoleStale, got %v", master.pending)
	}
}

func TestDetectStandaloneMaster(t *testing.T) {
	survivor := newServer(1, 0, false)
	dead1 := newServer(2, 1, true)
	dead2 := newServer(3, 1, true)
	dead1.pending = RoleDown
	dead2.pending = RoleDown
	dead1.ConsecutiveFailures = 10
	dead2.ConsecutiveFailures = 10

	topo := NewTopology([]*MonitoredServer{survivor, dead1, dead2})
	topo.DetectStandaloneMaster(5, false)

	if !survivor.pending.Has(RoleMaster | RoleStale) {
		t.Errorf("expected lone survivor promoted to master, got %v", survivor.pending)
	}
	if !dead1.pending.Has(RoleMaintenance) || !dead2.pending.Has(RoleMaintenance) {
		t.Error("expected failed backends moved to maintenance when allowClusterRecovery=false")
	}
}
