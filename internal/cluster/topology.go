package cluster

// Topology builds the replication tree (master-server-id → parent
// adjacency) and detects multi-primary cycles, per the monitor tick's
// steps 5-6.
type Topology struct {
	servers  []*MonitoredServer
	byServerID map[uint32]*MonitoredServer
}

// NewTopology indexes servers by server-id for adjacency lookups.
func NewTopology(servers []*MonitoredServer) *Topology {
	t := &Topology{servers: servers, byServerID: make(map[uint32]*MonitoredServer, len(servers))}
	for _, s := range servers {
		t.byServerID[s.Backend.ServerID] = s
	}
	return t
}

// AssignDepths links each server to its master via MasterServerID, assigns
// tree depth (root = 0), and tags RoleMaster/RoleSlave/RoleRelayMaster
// accordingly. Nodes whose master-id isn't in the set (or is 0) are roots.
// A server whose latest probe failed (ConsecutiveFailures > 0) keeps
// RoleDown alongside its tree role. Must run before cycle detection; cycle
// detection overrides the role tags it assigns for nodes that turn out to
// be part of a cycle.
func (t *Topology) AssignDepths() {
	children := make(map[uint32][]*MonitoredServer)
	roots := make([]*MonitoredServer, 0)
	for _, s := range t.servers {
		parent, ok := t.byServerID[s.Backend.MasterServerID]
		if s.Backend.MasterServerID == 0 || !ok || parent == s {
			roots = append(roots, s)
			continue
		}
		children[s.Backend.MasterServerID] = append(children[s.Backend.MasterServerID], s)
	}

	for _, s := range t.servers {
		s.Depth = -1
	}

	var walk func(node *MonitoredServer, depth int)
	walk = func(node *MonitoredServer, depth int) {
		if node.Depth != -1 && node.Depth <= depth {
			return // already placed at an equal-or-shallower depth; avoid re-walking cycles
		}
		node.Depth = depth
		for _, c := range children[node.Backend.ServerID] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}

	for _, s := range t.servers {
		var down Role
		if s.ConsecutiveFailures > 0 {
			down = RoleDown
		}
		switch {
		case s.Depth == 0:
			s.StagePending(RoleMaster | down)
		case len(children[s.Backend.ServerID]) > 0:
			s.StagePending(RoleRelayMaster | down)
		default:
			s.StagePending(RoleSlave | down)
		}
	}
}

// DetectCycles runs Tarjan's strongly-connected-components algorithm over
// the master-server-id adjacency graph to find multi-primary rings. Every
// node in a non-trivial cycle gets CycleID set to the component's 1-based
// id; within a cycle, nodes with ReadOnly=false are tagged RoleMaster and
// the rest RoleSlave, overriding AssignDepths' tree-based tags.
func (t *Topology) DetectCycles() {
	index := 0
	stack := make([]*MonitoredServer, 0, len(t.servers))
	onStack := make(map[*MonitoredServer]bool)
	indices := make(map[*MonitoredServer]int)
	lowlink := make(map[*MonitoredServer]int)
	nextComponentID := 1

	var strongConnect func(v *MonitoredServer)
	strongConnect = func(v *MonitoredServer) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		parent, ok := t.byServerID[v.Backend.MasterServerID]
		if ok && v.Backend.MasterServerID != 0 {
			if _, visited := indices[parent]; !visited {
				strongConnect(parent)
				if lowlink[parent] < lowlink[v] {
					lowlink[v] = lowlink[parent]
				}
			} else if onStack[parent] {
				if indices[parent] < lowlink[v] {
					lowlink[v] = indices[parent]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var component []*MonitoredServer
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) > 1 {
				for _, w := range component {
					w.CycleID = nextComponentID
				}
				nextComponentID++
			}
		}
	}

	for _, s := range t.servers {
		if _, visited := indices[s]; !visited {
			strongConnect(s)
		}
	}

	for _, s := range t.servers {
		if s.CycleID == 0 {
			continue
		}
		var down Role
		if s.ConsecutiveFailures > 0 {
			down = RoleDown
		}
		if !s.Backend.ReadOnly {
			s.StagePending(RoleMaster | down)
		} else {
			s.StagePending(RoleSlave | down)
		}
	}
}

// DetectStalePrimary implements step 7: a server previously MASTER with no
// remaining slaves (it has become a tree root with zero children, and no
// cycle exists) keeps writing as RoleStale|RoleMaster so the cluster
// doesn't stop accepting writes.
func (t *Topology) DetectStalePrimary() {
	hasCycle := false
	for _, s := range t.servers {
		if s.CycleID > 0 {
			hasCycle = true
			break
		}
	}
	if hasCycle {
		return
	}
	for _, s := range t.servers {
		wasMaster := s.PreviousStatus.Has(RoleMaster)
		hasChildren := false
		for _, c := range t.servers {
			if c.Backend.MasterServerID == s.Backend.ServerID && c != s {
				hasChildren = true
				break
			}
		}
		if wasMaster && !hasChildren {
			s.StagePending(s.pending | RoleStale | RoleMaster)
		}
	}
}

// DetectStandaloneMaster implements step 8: if exactly one server is
// running and every other has exceeded failcount consecutive failures, the
// survivor becomes MASTER|STALE regardless of topology, and (unless
// allowClusterRecovery) the rest go to maintenance.
func (t *Topology) DetectStandaloneMaster(failcount int, allowClusterRecovery bool) {
	var running []*MonitoredServer
	var failedPastThreshold []*MonitoredServer
	for _, s := range t.servers {
		if !s.pending.Has(RoleDown) {
			running = append(running, s)
		} else if s.ConsecutiveFailures > failcount {
			failedPastThreshold = append(failedPastThreshold, s)
		}
	}
	if len(running) != 1 || len(failedPastThreshold) != len(t.servers)-1 {
		return
	}
	survivor := running[0]
	survivor.StagePending(RoleMaster | RoleStale)
	if !allowClusterRecovery {
		for _, s := range failedPastThreshold {
			s.StagePending(s.pending | RoleMaintenance)
		}
	}
}
