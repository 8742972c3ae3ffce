package monitor

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/dbrelay/dbrelay/internal/backendconn"
	"github.com/dbrelay/dbrelay/internal/cluster"
)

// heartbeatTable is the well-known table mysqlmon writes its liveness rows
// into. Every monitor sharing a cluster uses the same monitorID so rows
// written by one don't collide with another pointed at the same servers.
const heartbeatTable = "maxscale_schema.replication_heartbeat"

const heartbeatPurgeAge = 48 * time.Hour

// runHeartbeat implements set_master_heartbeat/set_slave_heartbeat: the
// monitor's own clock reading, written to the primary and read back from
// every replica, gives a lag measurement independent of Seconds_Behind_Master
// (which reflects the replica's own SQL thread delay, not wall-clock skew
// against the monitor). Every step is best-effort: a failure here never
// fails the tick, it just leaves HeartbeatLagSecs unrefreshed this round.
func (m *Monitor) runHeartbeat(master *cluster.MonitoredServer, replicas []*cluster.MonitoredServer) {
	if master == nil {
		return
	}
	conn, err := m.connFor(master.Backend.Name, master.Backend.Address)
	if err != nil {
		slog.Warn("monitor: heartbeat dial failed", "cluster", m.name, "backend", master.Backend.Name, "error", err)
		return
	}
	if err := writeMasterHeartbeat(conn, m.monitorID(), master.Backend.ServerID); err != nil {
		slog.Warn("monitor: heartbeat write failed", "cluster", m.name, "backend", master.Backend.Name, "error", err)
		return
	}

	for _, r := range replicas {
		rc, err := m.connFor(r.Backend.Name, r.Backend.Address)
		if err != nil {
			continue
		}
		lag, ok := readSlaveHeartbeat(rc, m.monitorID(), master.Backend.ServerID)
		if !ok {
			continue
		}
		minLag := int(m.cfg.Interval / time.Second)
		if lag < minLag {
			lag = 0
		}
		r.Backend.HeartbeatLagSecs = lag
	}
}

// monitorID identifies this monitor's rows in the shared heartbeat table.
// Every monitor instance in this process watches a distinct cluster name, so
// hashing the name keeps rows from colliding when several clusters share a
// replica's backing database (unusual, but the teacher's single
// maxscale_id scheme assumed exactly one monitor process per server set).
func (m *Monitor) monitorID() uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(m.name); i++ {
		h ^= uint32(m.name[i])
		h *= 16777619
	}
	return h
}

func writeMasterHeartbeat(conn net.Conn, monitorID, masterServerID uint32) error {
	const timeout = 3 * time.Second

	_, _, err := backendconn.Query(conn,
		"SELECT table_name FROM information_schema.tables "+
			"WHERE table_schema = 'maxscale_schema' AND table_name = 'replication_heartbeat'", timeout)
	if err != nil {
		return fmt.Errorf("monitor: checking for %s: %w", heartbeatTable, err)
	}

	if err := backendconn.Exec(conn, "CREATE TABLE IF NOT EXISTS "+heartbeatTable+" "+
		"(maxscale_id INT UNSIGNED NOT NULL, master_server_id INT UNSIGNED NOT NULL, "+
		"master_timestamp BIGINT UNSIGNED NOT NULL, PRIMARY KEY (master_server_id, maxscale_id))", timeout); err != nil {
		return fmt.Errorf("monitor: creating %s: %w", heartbeatTable, err)
	}

	purgeBefore := nowUnix() - int64(heartbeatPurgeAge/time.Second)
	purgeSQL := fmt.Sprintf("DELETE FROM %s WHERE master_timestamp < %d", heartbeatTable, purgeBefore)
	if err := backendconn.Exec(conn, purgeSQL, timeout); err != nil {
		slog.Warn("monitor: heartbeat purge failed", "error", err)
	}

	now := nowUnix()
	replaceSQL := fmt.Sprintf(
		"REPLACE INTO %s (master_server_id, maxscale_id, master_timestamp) VALUES (%d, %d, %d)",
		heartbeatTable, masterServerID, monitorID, now)
	if err := backendconn.Exec(conn, replaceSQL, timeout); err != nil {
		return fmt.Errorf("monitor: writing heartbeat row: %w", err)
	}
	return nil
}

func readSlaveHeartbeat(conn net.Conn, monitorID, masterServerID uint32) (int, bool) {
	const timeout = 3 * time.Second
	sql := fmt.Sprintf(
		"SELECT master_timestamp FROM %s WHERE maxscale_id = %d AND master_server_id = %d",
		heartbeatTable, monitorID, masterServerID)
	_, rows, err := backendconn.Query(conn, sql, timeout)
	if err != nil || len(rows) == 0 || len(rows[0]) == 0 {
		return 0, false
	}
	written, err := strconv.ParseInt(rows[0][0], 10, 64)
	if err != nil {
		return 0, false
	}
	lag := int(nowUnix() - written)
	if lag < 0 {
		lag = 0
	}
	return lag, true
}

// nowUnix is split out so heartbeat timestamps read like the probe's other
// wall-clock reads; replaced in tests via a package-level var.
var nowUnix = func() int64 { return time.Now().Unix() }
