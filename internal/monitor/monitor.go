// Package monitor implements the replication monitor and failover
// controller (C5): a dedicated probe loop that watches a cluster's
// backends, derives their replication roles, and promotes a new primary
// when the current one disappears. Grounded on
// _examples/original_source/server/modules/monitor/mysqlmon/mysql_mon.cc
// for the tick algorithm and do_failover procedure, and on the teacher's
// internal/health/checker.go for the ticker + bounded-worker-pool probe
// loop shape (Start/Stop/run/checkAll, generalized from tenant TCP probes
// to per-backend SQL probes against internal/cluster's status model).
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dbrelay/dbrelay/internal/backendconn"
	"github.com/dbrelay/dbrelay/internal/cluster"
	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/metrics"
)

// baseInterval is T_base from the tick algorithm: the scheduling unit's
// wakeup period. The configured monitor interval (T_mon) must be an exact
// multiple of it for the skip-unless-due check to line up.
const baseInterval = 100 * time.Millisecond

// StateChangeFunc is invoked once per backend whose published status
// differs from its previous tick's status (step 10).
type StateChangeFunc func(backend string, previous, current cluster.Role)

// Monitor owns one cluster's probe loop, topology derivation, and
// failover/switchover procedures.
type Monitor struct {
	name    string
	cfg     config.MonitorConfig
	metrics *metrics.Collector

	mu      sync.RWMutex
	servers []*cluster.MonitoredServer
	byName  map[string]*cluster.MonitoredServer
	creds   map[string]backendconn.Credentials
	conns   map[string]net.Conn

	onStateChange StateChangeFunc

	tickNum          int64
	pendingChange    bool
	failoverDisabled bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a monitor for the named cluster from its configured backends.
func New(name string, cfg config.MonitorConfig, backends []config.BackendConfig, m *metrics.Collector) *Monitor {
	mon := &Monitor{
		name:    name,
		cfg:     cfg,
		metrics: m,
		byName:  make(map[string]*cluster.MonitoredServer, len(backends)),
		creds:   make(map[string]backendconn.Credentials, len(backends)),
		conns:   make(map[string]net.Conn, len(backends)),
		stopCh:  make(chan struct{}),
	}
	for _, b := range backends {
		ms := cluster.NewMonitoredServer(cluster.Backend{
			Name:    b.Name,
			Address: b.Address,
			Weight:  b.Weight,
		})
		mon.servers = append(mon.servers, ms)
		mon.byName[b.Name] = ms
		mon.creds[b.Name] = backendconn.Credentials{Username: b.Username, Password: b.Password}
	}
	return mon
}

// OnStateChange registers the callback run for every backend whose status
// changed this tick (step 10's state-change-script hook).
func (m *Monitor) OnStateChange(fn StateChangeFunc) { m.onStateChange = fn }

// Status returns the currently published role for a backend.
func (m *Monitor) Status(backend string) (cluster.Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.byName[backend]
	if !ok {
		return cluster.RoleUnknown, false
	}
	return ms.Status(), true
}

// LagSecs returns the last-probed replication lag for a backend, for the
// router's candidate-selection criteria that weigh replica lag.
func (m *Monitor) LagSecs(backend string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.byName[backend]
	if !ok {
		return 0
	}
	return ms.Backend.HeartbeatLagSecs
}

// Snapshot returns a defensive copy of every backend's published status.
func (m *Monitor) Snapshot() map[string]cluster.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]cluster.Role, len(m.byName))
	for name, ms := range m.byName {
		out[name] = ms.Status()
	}
	return out
}

// Start begins the probe loop: sleeps T_base each iteration, runs a full
// tick only every T_mon (step 2), matching the teacher's Start/run pattern.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
	slog.Info("monitor started", "cluster", m.name, "interval", m.cfg.Interval)
}

// Stop halts the probe loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.closeAllConns()
	slog.Info("monitor stopped", "cluster", m.name)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(baseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tickNum++
			due := m.cfg.Interval == 0 || (time.Duration(m.tickNum)*baseInterval)%m.cfg.Interval < baseInterval
			if !due && !m.pendingChange {
				continue
			}
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// tick runs one full probe iteration (steps 3-11).
func (m *Monitor) tick() {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.MonitorTickCompleted(m.name, time.Since(start))
		}
	}()

	m.mu.Lock()
	for _, s := range m.servers {
		s.StagePending(s.Status())
	}
	m.mu.Unlock()

	m.probeAll()

	topo := cluster.NewTopology(m.servers)
	topo.AssignDepths()
	topo.DetectCycles()
	if m.cfg.EffectiveDetectStaleMaster() {
		topo.DetectStalePrimary()
	}
	if m.cfg.DetectStandaloneMaster {
		topo.DetectStandaloneMaster(m.cfg.Failcount, m.cfg.EffectiveAllowClusterRecovery())
	}

	m.mu.Lock()
	m.pendingChange = false
	changed := make([]*cluster.MonitoredServer, 0)
	for _, s := range m.servers {
		s.Publish()
		if s.Changed() {
			changed = append(changed, s)
		}
	}
	m.mu.Unlock()

	for _, s := range changed {
		if s.Status().Has(cluster.RoleDown) {
			m.closeConn(s.Backend.Name)
		}
		if m.onStateChange != nil {
			m.onStateChange(s.Backend.Name, s.PreviousStatus, s.Status())
		}
		if m.metrics != nil {
			m.metrics.SetClusterRole(m.name, s.Backend.Name, uint64(s.Status()))
		}
	}

	if m.cfg.DetectReplicationLag {
		m.tickHeartbeat()
	}

	if m.cfg.Failover {
		m.checkFailover()
	}
}

// tickHeartbeat runs the heartbeat-table lag measurement (step "Do now the
// heartbeat replication set/get") once the topology's primary is known.
func (m *Monitor) tickHeartbeat() {
	m.mu.RLock()
	var master *cluster.MonitoredServer
	replicas := make([]*cluster.MonitoredServer, 0, len(m.servers))
	for _, s := range m.servers {
		if s.Status().Has(cluster.RoleMaster) {
			master = s
		} else if s.Status().Has(cluster.RoleSlave) {
			replicas = append(replicas, s)
		}
	}
	m.mu.RUnlock()

	if master == nil {
		return
	}
	m.runHeartbeat(master, replicas)
}

// probeAll runs probeOne for every backend with a bounded worker pool,
// mirroring the teacher's checkAll fan-out.
func (m *Monitor) probeAll() {
	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for _, s := range m.servers {
		s := s
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.probeOne(s)
		}()
	}
	wg.Wait()
}

// probeOne implements step 4: connect (or reuse), run the id/read-only
// query, then the replication-status query. A failed step stages RoleDown
// via markDown; on success the topology passes in tick stage the role.
func (m *Monitor) probeOne(s *cluster.MonitoredServer) {
	conn, err := m.connFor(s.Backend.Name, s.Backend.Address)
	if err != nil {
		m.markDown(s)
		return
	}

	cols, rows, err := backendconn.Query(conn, "SELECT @@server_id, @@read_only", 3*time.Second)
	if err != nil || len(rows) == 0 {
		m.closeConn(s.Backend.Name)
		m.markDown(s)
		return
	}
	idIdx, roIdx := colIndex(cols, "@@server_id"), colIndex(cols, "@@read_only")
	if idIdx >= 0 {
		if id, err := strconv.ParseUint(rows[0][idIdx], 10, 32); err == nil {
			s.Backend.ServerID = uint32(id)
		}
	}
	if roIdx >= 0 {
		s.Backend.ReadOnly = rows[0][roIdx] == "1"
	}

	statusSQL := "SHOW SLAVE STATUS"
	if m.cfg.MySQL51Replication {
		statusSQL = "SHOW SLAVE HOSTS"
	}
	cols, rows, err = backendconn.Query(conn, statusSQL, 3*time.Second)
	if err != nil {
		m.closeConn(s.Backend.Name)
		m.markDown(s)
		return
	}
	s.ConsecutiveFailures = 0
	prevIOPos := s.Backend.GTIDIOPos
	applySlaveStatus(s, cols, rows)
	if s.Backend.IOThreadRunning && s.Backend.GTIDIOPos != prevIOPos {
		s.Backend.LastEventSeenUnix = time.Now().Unix()
	}
}

// markDown stages a backend as DOWN and tracks its consecutive-failure
// count; DetectStandaloneMaster consults that count.
func (m *Monitor) markDown(s *cluster.MonitoredServer) {
	s.ConsecutiveFailures++
	s.StagePending(cluster.RoleDown)
	m.mu.Lock()
	m.pendingChange = true
	m.mu.Unlock()
}

func (m *Monitor) connFor(name, addr string) (net.Conn, error) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	m.mu.Unlock()
	if ok {
		if backendconn.Ping(conn, time.Second) == nil {
			return conn, nil
		}
		m.closeConn(name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := backendconn.Dial(ctx, addr, m.creds[name])
	if err != nil {
		return nil, fmt.Errorf("monitor: dialing %s (%s): %w", name, addr, err)
	}
	m.mu.Lock()
	m.conns[name] = conn
	m.mu.Unlock()
	return conn, nil
}

func (m *Monitor) closeConn(name string) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (m *Monitor) closeAllConns() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]net.Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// applySlaveStatus parses a SHOW SLAVE STATUS (or SHOW SLAVE HOSTS under
// mysql51_replication) result row into the backend's replication fields.
func applySlaveStatus(s *cluster.MonitoredServer, cols []string, rows [][]string) {
	if len(rows) == 0 {
		// Not a replica: no Master_Server_Id column means it's a root.
		s.Backend.MasterServerID = 0
		s.Backend.IOThreadRunning = false
		s.Backend.SQLThreadRunning = false
		return
	}
	row := rows[0]
	get := func(name string) string {
		if idx := colIndex(cols, name); idx >= 0 && idx < len(row) {
			return row[idx]
		}
		return ""
	}
	s.Backend.IOThreadRunning = get("Slave_IO_Running") == "Yes"
	s.Backend.SQLThreadRunning = get("Slave_SQL_Running") == "Yes"
	if id, err := strconv.ParseUint(get("Master_Server_Id"), 10, 32); err == nil {
		s.Backend.MasterServerID = uint32(id)
	}
	if lag, err := strconv.Atoi(get("Seconds_Behind_Master")); err == nil {
		s.Backend.HeartbeatLagSecs = lag
	}
	s.Backend.GTIDIOPos = parseGTID(get("Master_Server_Id"), get("Read_Master_Log_Pos"))
	s.Backend.GTIDSlavePos = parseGTID(get("Master_Server_Id"), get("Exec_Master_Log_Pos"))
}

func parseGTID(serverID, seq string) cluster.GTID {
	id, _ := strconv.ParseUint(serverID, 10, 32)
	n, _ := strconv.ParseUint(seq, 10, 64)
	return cluster.GTID{ServerID: uint32(id), Sequence: n}
}

func colIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// checkFailover implements step 11: if the primary is down, corroborate
// (or not) via replica last-seen timestamps, then either skip, permanently
// disable failover, or run do_failover.
func (m *Monitor) checkFailover() {
	if m.failoverDisabled {
		return
	}
	m.mu.RLock()
	var master *cluster.MonitoredServer
	var replicas []*cluster.MonitoredServer
	for _, s := range m.servers {
		if s.Status().Has(cluster.RoleMaster) && !s.Status().Has(cluster.RoleStale) {
			master = s
		}
		if s.Status().Has(cluster.RoleSlave) {
			replicas = append(replicas, s)
		}
	}
	// Each probed backend tracks exactly one master-server-id, so a
	// multi-source replica (the "topology not flat" case) never arises in
	// this model; failover proceeds straight to the verify-master check.
	flat := true
	m.mu.RUnlock()

	if master == nil || !master.Status().Has(cluster.RoleDown) {
		return
	}

	if m.cfg.EffectiveVerifyMasterFailure() {
		cutoff := time.Now().Add(-m.cfg.MasterFailureTimeout).Unix()
		for _, r := range replicas {
			if r.Backend.LastEventSeenUnix >= cutoff {
				slog.Info("monitor: master down but a replica saw a recent event, skipping failover",
					"cluster", m.name, "replica", r.Backend.Name)
				return
			}
		}
	}
	if !flat {
		m.failoverDisabled = true
		slog.Warn("monitor: replication topology not flat, disabling failover permanently", "cluster", m.name)
		return
	}

	err := m.doFailover(replicas)
	if m.metrics != nil {
		m.metrics.FailoverAttempted(m.name, err == nil)
	}
	if err != nil {
		slog.Error("monitor: failover failed", "cluster", m.name, "error", err)
	}
}

// doFailover runs the candidate-selection, relay-log-drain, promotion, and
// redirect sequence described by the tick algorithm's do_failover step.
func (m *Monitor) doFailover(replicas []*cluster.MonitoredServer) error {
	var running []*cluster.MonitoredServer
	for _, r := range replicas {
		if !r.Status().Has(cluster.RoleDown) && r.Backend.SQLThreadRunning {
			running = append(running, r)
		}
	}
	if len(running) == 0 {
		return fmt.Errorf("no eligible replica to promote")
	}
	sort.Slice(running, func(i, j int) bool {
		a, b := running[i], running[j]
		if a.Backend.GTIDIOPos.Sequence != b.Backend.GTIDIOPos.Sequence {
			return a.Backend.GTIDIOPos.Sequence > b.Backend.GTIDIOPos.Sequence
		}
		return a.Backend.GTIDSlavePos.Sequence > b.Backend.GTIDSlavePos.Sequence
	})
	candidate := running[0]
	redirectSet := running[1:]

	conn, err := m.connFor(candidate.Backend.Name, candidate.Backend.Address)
	if err != nil {
		return fmt.Errorf("do_failover: connecting to candidate %s: %w", candidate.Backend.Name, err)
	}

	deadline := time.Now().Add(m.cfg.FailoverTimeout)
	for {
		gap := candidate.Backend.GTIDIOPos.Sequence - candidate.Backend.GTIDSlavePos.Sequence
		if gap == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("do_failover: relay log on %s did not drain within %s", candidate.Backend.Name, m.cfg.FailoverTimeout)
		}
		time.Sleep(200 * time.Millisecond)
		m.probeOne(candidate)
	}

	for _, stmt := range []string{"STOP SLAVE", "RESET SLAVE ALL", "SET GLOBAL read_only=0"} {
		if err := backendconn.Exec(conn, stmt, 5*time.Second); err != nil {
			return fmt.Errorf("do_failover: promoting %s: %q: %w", candidate.Backend.Name, stmt, err)
		}
	}
	slog.Info("monitor: promoted new master", "cluster", m.name, "candidate", candidate.Backend.Name)

	succeeded := 0
	for _, r := range redirectSet {
		if err := m.redirectReplica(r, candidate); err != nil {
			slog.Warn("monitor: redirect failed", "cluster", m.name, "replica", r.Backend.Name, "error", err)
			continue
		}
		succeeded++
	}
	if len(redirectSet) > 0 && succeeded == 0 {
		return fmt.Errorf("do_failover: every replica redirect failed")
	}
	return nil
}

func (m *Monitor) redirectReplica(r, newMaster *cluster.MonitoredServer) error {
	conn, err := m.connFor(r.Backend.Name, r.Backend.Address)
	if err != nil {
		return err
	}
	host, port, _ := net.SplitHostPort(newMaster.Backend.Address)
	changeMaster := fmt.Sprintf(
		"CHANGE MASTER TO MASTER_HOST='%s', MASTER_PORT=%s, MASTER_USE_GTID=slave_pos, MASTER_USER='%s', MASTER_PASSWORD='%s'",
		host, port, m.cfg.ReplicationUser, m.cfg.ReplicationPassword)
	for _, stmt := range []string{"STOP SLAVE", changeMaster, "START SLAVE"} {
		if err := backendconn.Exec(conn, stmt, 5*time.Second); err != nil {
			return fmt.Errorf("%q: %w", stmt, err)
		}
	}
	return nil
}

// Switchover runs the operator-triggered master change: an external script
// substituted with CURRENT_MASTER/NEW_MASTER/NODELIST/SLAVELIST/CREDENTIALS,
// with the monitor paused for the duration. A failing switchover while
// failover is enabled permanently disables failover, per the tick
// algorithm's switchover note.
func (m *Monitor) Switchover(ctx context.Context, run ScriptRunner, newMaster, currentMaster string) error {
	m.mu.RLock()
	var nodelist, slavelist []string
	for _, s := range m.servers {
		nodelist = append(nodelist, s.Backend.Name)
		if s.Status().Has(cluster.RoleSlave) {
			slavelist = append(slavelist, s.Backend.Name)
		}
	}
	m.mu.RUnlock()

	m.Stop()
	m.mu.Lock()
	m.stopCh = make(chan struct{})
	m.stopOnce = sync.Once{}
	m.mu.Unlock()
	defer m.Start()

	env := map[string]string{
		"CURRENT_MASTER": currentMaster,
		"NEW_MASTER":     newMaster,
		"NODELIST":       strings.Join(nodelist, ","),
		"SLAVELIST":      strings.Join(slavelist, ","),
		"CREDENTIALS":    fmt.Sprintf("%s:%s", m.cfg.ReplicationUser, m.cfg.ReplicationPassword),
	}
	err := run(ctx, m.cfg.SwitchoverScript, env)
	if m.metrics != nil {
		m.metrics.SwitchoverAttempted(m.name, err == nil)
	}
	if err != nil {
		if m.cfg.Failover {
			m.failoverDisabled = true
			slog.Warn("monitor: switchover failed, permanently disabling failover", "cluster", m.name)
		}
		return fmt.Errorf("switchover script failed: %w", err)
	}
	return nil
}

// ScriptRunner executes an external state-change/failover/switchover
// script with the given environment variables and returns nil on exit
// code 0.
type ScriptRunner func(ctx context.Context, path string, env map[string]string) error
