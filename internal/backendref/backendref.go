// Package backendref implements the Backend Reference Set (C3): the
// per-session handle onto each backend connection a session is currently
// using, its bitfield state machine, and the selection criteria used to
// pick and replace backends.
//
// The state machine generalizes the teacher's PooledConn ConnState
// (internal/pool/conn.go in the reference pool-bouncer repo) from an
// exclusive Idle/Active/Closed enum to an orthogonal bitfield, since a
// single backend reference here can simultaneously be in-use, waiting on a
// reply, and actively running a query.
package backendref

import "sync"

// State is a bitfield of orthogonal flags a single backend reference can
// carry at once.
type State uint8

const (
	InUse         State = 1 << 0
	WaitingResult State = 1 << 1 // incremented conceptually; see Ref.waitDepth
	QueryActive   State = 1 << 2
	Closed        State = 1 << 3
	Mapped        State = 1 << 4 // SR only: backend has returned a full SHOW DATABASES reply
)

// Criterion selects how candidate backends are ranked against each other.
type Criterion int

const (
	LeastGlobalConnections Criterion = iota
	LeastRouterConnections
	LeastReplicaLag
	LeastCurrentOperations
)

// Candidate is the subset of backend metadata the selection criteria need.
// The caller (router) supplies a live snapshot; backendref never talks to a
// backend directly.
type Candidate struct {
	Name               string
	IsPrimary          bool
	Healthy            bool
	Weight             int // 0 treated as 1000 (teacher's default weight unit)
	GlobalConnections  int
	RouterConnections  int
	ReplicationLagSecs int
	CurrentOperations  int
}

func (c Candidate) weight() int {
	if c.Weight <= 0 {
		return 1000
	}
	return c.Weight
}

// metric returns the raw load metric for a criterion, divided by the
// backend's weight — a backend weighted 2000 is "seen" as carrying half
// the load of one weighted 1000, so it sorts earlier (less loaded).
func (c Candidate) metric(crit Criterion) float64 {
	var raw int
	switch crit {
	case LeastGlobalConnections:
		raw = c.GlobalConnections
	case LeastRouterConnections:
		raw = c.RouterConnections
	case LeastReplicaLag:
		raw = c.ReplicationLagSecs
	case LeastCurrentOperations:
		raw = c.CurrentOperations
	}
	return float64(raw) / float64(c.weight())
}

// Ref is one session's handle onto one backend connection.
type Ref struct {
	mu sync.Mutex

	Backend   string
	IsPrimary bool
	state     State
	waitDepth int // number of statements on this backend awaiting a reply
}

// New creates a backend reference in its initial (zero) state.
func New(backend string, isPrimary bool) *Ref {
	return &Ref{Backend: backend, IsPrimary: isPrimary}
}

// MarkConnected sets InUse on successful connect.
func (r *Ref) MarkConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state |= InUse
}

// MarkQueryDispatched sets QueryActive and increments the waiting-result
// depth for a dispatched statement expecting a reply.
func (r *Ref) MarkQueryDispatched() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state |= QueryActive
	r.waitDepth++
	r.state |= WaitingResult
}

// MarkReplyReceived decrements the waiting-result depth and, once it
// reaches zero, clears both WaitingResult and QueryActive.
func (r *Ref) MarkReplyReceived() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waitDepth > 0 {
		r.waitDepth--
	}
	if r.waitDepth == 0 {
		r.state &^= WaitingResult
		r.state &^= QueryActive
	}
}

// MarkMapped sets Mapped (SR only) once SHOW DATABASES has been fully
// consumed for this backend.
func (r *Ref) MarkMapped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state |= Mapped
}

// MarkClosed sets Closed and clears InUse simultaneously, as the state
// machine requires.
func (r *Ref) MarkClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state |= Closed
	r.state &^= InUse
}

// Has reports whether the reference currently carries every bit in want.
func (r *Ref) Has(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state&want == want
}

// State returns a snapshot of the current bitfield.
func (r *Ref) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Select runs a total order over candidates using crit, returning up to
// maxReplicas replicas plus (if present) one primary. Closed/unhealthy
// candidates are excluded.
func Select(candidates []Candidate, crit Criterion, maxReplicas int) (primary *Candidate, replicas []Candidate) {
	var primaries []Candidate
	var pool []Candidate
	for _, c := range candidates {
		if !c.Healthy {
			continue
		}
		if c.IsPrimary {
			primaries = append(primaries, c)
			continue
		}
		pool = append(pool, c)
	}
	if len(primaries) > 0 {
		p := primaries[0]
		primary = &p
	}

	sortByMetric(pool, crit)
	if maxReplicas >= 0 && len(pool) > maxReplicas {
		pool = pool[:maxReplicas]
	}
	return primary, pool
}

// sortByMetric is a small insertion sort — selection pools are tiny
// (single-digit backend counts), so this avoids pulling in sort.Slice for
// what is, in practice, never more than a few dozen comparisons.
func sortByMetric(candidates []Candidate, crit Criterion) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].metric(crit) < candidates[j-1].metric(crit); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

// Replace picks a replacement for a closed reference from backends, using
// crit, honoring maxReplicas as the replica ceiling. ok is false when no
// replacement is available.
func Replace(backends []Candidate, crit Criterion, maxReplicas, currentReplicaCount int) (replacement *Candidate, ok bool) {
	if currentReplicaCount >= maxReplicas {
		return nil, false
	}
	_, replicas := Select(backends, crit, maxReplicas-currentReplicaCount)
	if len(replicas) == 0 {
		return nil, false
	}
	return &replicas[0], true
}
