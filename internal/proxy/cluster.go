package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dbrelay/dbrelay/internal/backendconn"
	"github.com/dbrelay/dbrelay/internal/backendref"
	"github.com/dbrelay/dbrelay/internal/classify"
	"github.com/dbrelay/dbrelay/internal/cluster"
	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/metrics"
	"github.com/dbrelay/dbrelay/internal/monitor"
	"github.com/dbrelay/dbrelay/internal/mysqlproto"
	"github.com/dbrelay/dbrelay/internal/router"
	"github.com/dbrelay/dbrelay/internal/sescmd"
)

// serverVersion is reported to clients in the synthetic handshake. It only
// needs to be plausible; clients use it for feature negotiation, not for
// talking to a specific backend build.
const serverVersion = "8.0.34-dbrelay"

// ClusterHandler serves client connections for one configured cluster. It
// replaces the teacher's tenant-lookup-then-relay MySQLHandler: instead of
// pairing one client with one backend for the life of the connection, it
// builds a router.Session that can fan a single client connection out across
// every backend the cluster's router policy dials.
type ClusterHandler struct {
	Name    string
	Cfg     config.ClusterConfig
	Monitor *monitor.Monitor
	Metrics *metrics.Collector

	// ShardMap is shared across every session this handler serves (nil for
	// RWR clusters); RunShardDiscovery is the only writer.
	ShardMap *router.ShardMap

	counts *connCounter
}

var _ ConnectionHandler = (*ClusterHandler)(nil)

// NewClusterHandler builds the handler for one named cluster, constructing
// its shard map up front (for "sr" clusters) so RunShardDiscovery and every
// session's resolver share the same instance.
func NewClusterHandler(name string, cfg config.ClusterConfig, mon *monitor.Monitor, m *metrics.Collector) *ClusterHandler {
	h := &ClusterHandler{
		Name:    name,
		Cfg:     cfg,
		Monitor: mon,
		Metrics: m,
		counts:  newConnCounter(),
	}
	if cfg.Router.Kind == "sr" {
		pattern := strings.Join(cfg.Router.IgnoreDatabasesRegex, "|")
		sm, err := router.NewShardMap(cfg.Router.IgnoreDatabases, pattern, cfg.Router.PreferredServer)
		if err != nil {
			slog.Error("proxy: building shard map", "cluster", name, "error", err)
			sm, _ = router.NewShardMap(nil, "", "")
		}
		h.ShardMap = sm
	}
	return h
}

// connCounter tracks live backend connections per name across every session
// a cluster handler is serving, feeding Candidate.RouterConnections for
// LeastRouterConnections replica selection.
type connCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newConnCounter() *connCounter { return &connCounter{counts: make(map[string]int)} }

func (c *connCounter) inc(name string) {
	c.mu.Lock()
	c.counts[name]++
	c.mu.Unlock()
}

func (c *connCounter) dec(name string) {
	c.mu.Lock()
	if c.counts[name] > 0 {
		c.counts[name]--
	}
	c.mu.Unlock()
}

func (c *connCounter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Handle implements ConnectionHandler. It completes the client handshake,
// verifies the client's credentials against the primary backend's
// configured password, dials the session's initial backend set, and then
// runs the client read loop until the connection closes.
func (h *ClusterHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	authData, err := mysqlproto.SendSyntheticHandshake(clientConn, serverVersion)
	if err != nil {
		return fmt.Errorf("proxy: cluster %q: sending handshake: %w", h.Name, err)
	}
	resp, err := mysqlproto.ReadHandshakeResponse(clientConn)
	if err != nil {
		return fmt.Errorf("proxy: cluster %q: reading handshake response: %w", h.Name, err)
	}

	primaryCfg := h.primaryBackendConfig()
	if primaryCfg == nil {
		mysqlproto.WritePacket(clientConn, mysqlproto.BuildErrPacket(1040, "08004", "no backend available"), 2)
		return fmt.Errorf("proxy: cluster %q has no backends configured", h.Name)
	}

	expected := backendconn.NativePasswordHash([]byte(primaryCfg.Password), authData)
	if len(resp.AuthData) == 0 || !bytesEqual(expected, resp.AuthData) {
		mysqlproto.WritePacket(clientConn, mysqlproto.BuildErrPacket(1045, "28000", fmt.Sprintf("Access denied for user '%s'", resp.Username)), 2)
		return fmt.Errorf("proxy: cluster %q: authentication failed for user %q", h.Name, resp.Username)
	}
	if err := mysqlproto.WritePacket(clientConn, mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit), 2); err != nil {
		return err
	}

	disp := newClientDispatcher(clientConn)
	resolver := h.resolver()
	log := sescmd.NewLog(h.Cfg.Router.MaxSescmdHistory, h.Cfg.Router.DisableSescmdHistory)

	sess := router.NewSession(disp, resolver, log)
	sess.ShardMap = h.ShardMap
	sess.CurrentDB = resp.Database
	sess.MaxSlaveConns = h.maxSlaveConnections()
	sess.MaxSlaveLagSecs = h.maxSlaveLagSecs()
	sess.SlaveCriterion = h.slaveCriterion()
	sess.Candidates = h.candidatesFunc()

	if err := h.connectInitialBackends(ctx, sess, disp, primaryCfg.Name); err != nil {
		disp.Close(err.Error())
		return err
	}

	h.clientReadLoop(ctx, clientConn, sess, disp)
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// primaryBackendConfig returns the backend config the monitor currently
// reports as master, falling back to the cluster's first configured backend
// before the monitor has published an initial snapshot.
func (h *ClusterHandler) primaryBackendConfig() *config.BackendConfig {
	name := h.primaryName()
	for i := range h.Cfg.Backends {
		if h.Cfg.Backends[i].Name == name {
			return &h.Cfg.Backends[i]
		}
	}
	if len(h.Cfg.Backends) == 0 {
		return nil
	}
	return &h.Cfg.Backends[0]
}

func (h *ClusterHandler) primaryName() string {
	if h.Monitor != nil {
		for name, role := range h.Monitor.Snapshot() {
			if role.Has(cluster.RoleMaster) {
				return name
			}
		}
	}
	if len(h.Cfg.Backends) == 0 {
		return ""
	}
	return h.Cfg.Backends[0].Name
}

func (h *ClusterHandler) backendConfig(name string) *config.BackendConfig {
	for i := range h.Cfg.Backends {
		if h.Cfg.Backends[i].Name == name {
			return &h.Cfg.Backends[i]
		}
	}
	return nil
}

// resolver picks the router policy per the cluster's configured kind.
func (h *ClusterHandler) resolver() router.Resolver {
	if h.Cfg.Router.Kind == "sr" {
		return router.SRResolver{}
	}
	return &router.RWRResolver{}
}

// maxSlaveConnections parses RouterConfig.MaxSlaveConnections ("N" or
// "N%") into an absolute replica count, defaulting to "every configured
// non-primary backend" when unset.
func (h *ClusterHandler) maxSlaveConnections() int {
	raw := strings.TrimSpace(h.Cfg.Router.MaxSlaveConnections)
	n := len(h.Cfg.Backends) - 1
	if n < 0 {
		n = 0
	}
	if raw == "" {
		return n
	}
	if strings.HasSuffix(raw, "%") {
		pct, err := strconv.Atoi(strings.TrimSuffix(raw, "%"))
		if err != nil {
			return n
		}
		v := (n * pct) / 100
		if v < 1 && n > 0 {
			v = 1
		}
		return v
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return n
}

// maxSlaveLagSecs converts RouterConfig.MaxSlaveReplicationLag into the
// session's default replica lag ceiling, applied when a statement carries
// no per-statement max_slave_lag hint. Zero (unconfigured) means no ceiling.
func (h *ClusterHandler) maxSlaveLagSecs() int {
	if h.Cfg.Router.MaxSlaveReplicationLag <= 0 {
		return -1
	}
	return int(h.Cfg.Router.MaxSlaveReplicationLag / time.Second)
}

func (h *ClusterHandler) slaveCriterion() backendref.Criterion {
	switch strings.ToUpper(h.Cfg.Router.SlaveSelectionCriteria) {
	case "LEAST_ROUTER_CONNECTIONS":
		return backendref.LeastRouterConnections
	case "LEAST_REPLICATION_LAG":
		return backendref.LeastReplicaLag
	case "LEAST_CURRENT_OPERATIONS":
		return backendref.LeastCurrentOperations
	default:
		return backendref.LeastGlobalConnections
	}
}

// candidatesFunc builds the closure Session.HandleError calls when it needs
// a replacement replica: a fresh Candidate slice from the cluster's static
// backend list, the monitor's latest role/lag snapshot, and this handler's
// own live-connection counter.
func (h *ClusterHandler) candidatesFunc() func() []backendref.Candidate {
	return func() []backendref.Candidate {
		var snap map[string]cluster.Role
		if h.Monitor != nil {
			snap = h.Monitor.Snapshot()
		}
		out := make([]backendref.Candidate, 0, len(h.Cfg.Backends))
		for _, b := range h.Cfg.Backends {
			role := snap[b.Name]
			healthy := h.Monitor == nil || (!role.Has(cluster.RoleDown) &&
				!role.Has(cluster.RoleMaintenance) && !role.Has(cluster.RoleAuthError))
			lag := 0
			if h.Monitor != nil {
				lag = h.Monitor.LagSecs(b.Name)
			}
			out = append(out, backendref.Candidate{
				Name:               b.Name,
				IsPrimary:          role.Has(cluster.RoleMaster),
				Healthy:            healthy,
				Weight:             b.Weight,
				RouterConnections:  h.counts.get(b.Name),
				ReplicationLagSecs: lag,
			})
		}
		return out
	}
}

// connectInitialBackends dials the backend set a fresh session needs: for
// RWR, the primary plus up to MaxSlaveConns healthy replicas; for SR, every
// configured backend, since any statement may reference any shard.
func (h *ClusterHandler) connectInitialBackends(ctx context.Context, sess *router.Session, disp *clientDispatcher, primaryName string) error {
	primaryCfg := h.backendConfig(primaryName)
	if primaryCfg == nil {
		return fmt.Errorf("proxy: cluster %q: primary backend %q not found in config", h.Name, primaryName)
	}
	if err := h.dialAndRegister(ctx, sess, disp, *primaryCfg, true); err != nil {
		return fmt.Errorf("proxy: cluster %q: connecting to primary %q: %w", h.Name, primaryCfg.Name, err)
	}

	if h.Cfg.Router.Kind == "sr" {
		for _, b := range h.Cfg.Backends {
			if b.Name == primaryName {
				continue
			}
			if err := h.dialAndRegister(ctx, sess, disp, b, false); err != nil {
				slog.Warn("proxy: connecting to shard backend", "cluster", h.Name, "backend", b.Name, "error", err)
			}
		}
		return nil
	}

	connected := 0
	for _, b := range h.Cfg.Backends {
		if b.Name == primaryName || connected >= sess.MaxSlaveConns {
			continue
		}
		if err := h.dialAndRegister(ctx, sess, disp, b, false); err != nil {
			slog.Warn("proxy: connecting to replica", "cluster", h.Name, "backend", b.Name, "error", err)
			continue
		}
		connected++
	}
	return nil
}

func (h *ClusterHandler) dialAndRegister(ctx context.Context, sess *router.Session, disp *clientDispatcher, b config.BackendConfig, isPrimary bool) error {
	conn, err := backendconn.Dial(ctx, b.Address, backendconn.Credentials{Username: b.Username, Password: b.Password})
	if err != nil {
		return err
	}
	disp.addBackend(b.Name, conn)
	sess.AddBackend(b.Name, isPrimary)
	h.counts.inc(b.Name)
	go h.backendReadLoop(conn, b.Name, sess, disp)
	return nil
}

// backendReadLoop drains one backend connection's replies, forwarding each
// to ClientReply. On a read failure it reports the error into the session
// and, if the session recovered by choosing a replacement candidate, dials
// that replacement and replays any pending session commands onto it.
func (h *ClusterHandler) backendReadLoop(conn net.Conn, name string, sess *router.Session, disp *clientDispatcher) {
	defer h.counts.dec(name)
	for {
		pkt, err := mysqlproto.ReadPacket(conn)
		if err != nil {
			select {
			case <-disp.closed():
				return
			default:
			}
			if sess.HandleError(err.Error(), name, router.ActionNewConnection) {
				conn.Close()
				h.reconcileBackends(sess, disp, name)
			}
			return
		}
		sess.ClientReply(pkt.Payload, name)
	}
}

// reconcileBackends dials any backend the session now references but the
// dispatcher has no live connection for — the replacement HandleError
// picked when failed's reference was marked closed.
func (h *ClusterHandler) reconcileBackends(sess *router.Session, disp *clientDispatcher, failed string) {
	for _, name := range sess.BackendNames() {
		if name == failed || sess.RefClosed(name) {
			continue
		}
		if _, ok := disp.backendConn(name); ok {
			continue
		}
		bc := h.backendConfig(name)
		if bc == nil {
			continue
		}
		dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := backendconn.Dial(dialCtx, bc.Address, backendconn.Credentials{Username: bc.Username, Password: bc.Password})
		cancel()
		if err != nil {
			slog.Warn("proxy: dialing replacement backend", "cluster", h.Name, "backend", name, "error", err)
			continue
		}
		disp.addBackend(name, conn)
		h.counts.inc(name)
		sess.ReplayPending(name)
		go h.backendReadLoop(conn, name, sess, disp)
	}
}

// clientReadLoop reads one client statement packet at a time, resets the
// dispatcher's reply sequence counter to ride off the request's own
// sequence number, and routes it. It returns (closing the session) when the
// client disconnects, sends COM_QUIT, or RouteQuery reports the session
// must close.
func (h *ClusterHandler) clientReadLoop(ctx context.Context, clientConn net.Conn, sess *router.Session, disp *clientDispatcher) {
	defer disp.Close("client read loop exited")
	for {
		select {
		case <-ctx.Done():
			return
		case <-disp.closed():
			return
		default:
		}

		pkt, err := mysqlproto.ReadPacket(clientConn)
		if err != nil {
			return
		}
		if len(pkt.Payload) > 0 && pkt.Payload[0] == mysqlproto.ComQuit {
			return
		}
		disp.resetClientSeq(pkt.Seq)

		if h.Metrics != nil {
			h.Metrics.StatementClassified(operationName(pkt.Payload))
		}
		if sess.RouteQuery(frameClientPacket(pkt)) == 0 {
			return
		}
	}
}

// frameClientPacket rebuilds the wire-framed buffer RouteQuery expects (a
// 3-byte length + 1-byte sequence header in front of the payload) from the
// Packet mysqlproto.ReadPacket already split apart.
func frameClientPacket(pkt mysqlproto.Packet) []byte {
	n := len(pkt.Payload)
	buf := make([]byte, 4+n)
	buf[0] = byte(n)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n >> 16)
	buf[3] = pkt.Seq
	copy(buf[4:], pkt.Payload)
	return buf
}

func operationName(payload []byte) string {
	if len(payload) == 0 {
		return "unknown"
	}
	switch payload[0] {
	case mysqlproto.ComQuery:
		result := classify.Classify(classify.CommandQuery, payload[1:])
		return operationLabel(result.Operation)
	case mysqlproto.ComStmtPrepare:
		return "stmt_prepare"
	case mysqlproto.ComStmtExecute:
		return "stmt_execute"
	case mysqlproto.ComInitDB:
		return "init_db"
	case mysqlproto.ComQuit:
		return "quit"
	case mysqlproto.ComPing:
		return "ping"
	default:
		return "other"
	}
}

func operationLabel(op classify.Operation) string {
	switch op {
	case classify.OpSelect:
		return "select"
	case classify.OpInsert:
		return "insert"
	case classify.OpUpdate:
		return "update"
	case classify.OpDelete:
		return "delete"
	case classify.OpCreateTable:
		return "create_table"
	case classify.OpCreateTempTable:
		return "create_temp_table"
	case classify.OpDropTable:
		return "drop_table"
	case classify.OpUse:
		return "use"
	case classify.OpSet:
		return "set"
	case classify.OpShow:
		return "show"
	case classify.OpBegin:
		return "begin"
	case classify.OpCommit:
		return "commit"
	case classify.OpRollback:
		return "rollback"
	case classify.OpCall:
		return "call"
	case classify.OpPrepare:
		return "prepare"
	case classify.OpDeallocate:
		return "deallocate"
	case classify.OpAdminDDL:
		return "admin_ddl"
	default:
		return "unknown"
	}
}
