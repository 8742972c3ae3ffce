package proxy

import (
	"testing"

	"github.com/dbrelay/dbrelay/internal/backendref"
	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

func TestFrameClientPacketRoundTrip(t *testing.T) {
	payload := append([]byte{mysqlproto.ComQuery}, []byte("SELECT 1")...)
	pkt := mysqlproto.Packet{Seq: 3, Payload: payload}

	buf := frameClientPacket(pkt)
	if len(buf) != 4+len(payload) {
		t.Fatalf("framed length = %d, want %d", len(buf), 4+len(payload))
	}
	if buf[3] != 3 {
		t.Fatalf("seq byte = %d, want 3", buf[3])
	}
	n := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	if n != len(payload) {
		t.Fatalf("length header = %d, want %d", n, len(payload))
	}
	if string(buf[4:]) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestOperationNameClassifiesQuery(t *testing.T) {
	payload := append([]byte{mysqlproto.ComQuery}, []byte("SELECT 1")...)
	if got := operationName(payload); got != "select" {
		t.Fatalf("operationName(SELECT) = %q, want select", got)
	}

	payload = append([]byte{mysqlproto.ComQuery}, []byte("BEGIN")...)
	if got := operationName(payload); got != "begin" {
		t.Fatalf("operationName(BEGIN) = %q, want begin", got)
	}

	if got := operationName([]byte{mysqlproto.ComQuit}); got != "quit" {
		t.Fatalf("operationName(COM_QUIT) = %q, want quit", got)
	}
	if got := operationName(nil); got != "unknown" {
		t.Fatalf("operationName(nil) = %q, want unknown", got)
	}
}

func TestBytesEqual(t *testing.T) {
	if !bytesEqual([]byte("abc"), []byte("abc")) {
		t.Fatal("expected equal")
	}
	if bytesEqual([]byte("abc"), []byte("abd")) {
		t.Fatal("expected not equal")
	}
	if bytesEqual([]byte("abc"), []byte("ab")) {
		t.Fatal("expected length mismatch to be unequal")
	}
}

func TestConnCounter(t *testing.T) {
	c := newConnCounter()
	if c.get("a") != 0 {
		t.Fatalf("fresh counter should read 0")
	}
	c.inc("a")
	c.inc("a")
	c.dec("a")
	if got := c.get("a"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	c.dec("a")
	c.dec("a") // must not go negative
	if got := c.get("a"); got != 0 {
		t.Fatalf("count = %d, want 0 (floor at zero)", got)
	}
}

func TestMaxSlaveConnectionsDefaultsToAllReplicas(t *testing.T) {
	h := &ClusterHandler{Cfg: config.ClusterConfig{Backends: []config.BackendConfig{{Name: "p"}, {Name: "r1"}, {Name: "r2"}}}}
	if got := h.maxSlaveConnections(); got != 2 {
		t.Fatalf("max slave connections = %d, want 2", got)
	}
}

func TestMaxSlaveConnectionsPercent(t *testing.T) {
	h := &ClusterHandler{Cfg: config.ClusterConfig{
		Backends: []config.BackendConfig{{Name: "p"}, {Name: "r1"}, {Name: "r2"}, {Name: "r3"}},
		Router:   config.RouterConfig{MaxSlaveConnections: "50%"},
	}}
	if got := h.maxSlaveConnections(); got != 1 {
		t.Fatalf("50%% of 3 replicas = %d, want 1", got)
	}
}

func TestMaxSlaveConnectionsExplicitCount(t *testing.T) {
	h := &ClusterHandler{Cfg: config.ClusterConfig{
		Backends: []config.BackendConfig{{Name: "p"}, {Name: "r1"}, {Name: "r2"}},
		Router:   config.RouterConfig{MaxSlaveConnections: "1"},
	}}
	if got := h.maxSlaveConnections(); got != 1 {
		t.Fatalf("explicit count = %d, want 1", got)
	}
}

func TestSlaveCriterionMapping(t *testing.T) {
	cases := map[string]backendref.Criterion{
		"LEAST_ROUTER_CONNECTIONS":  backendref.LeastRouterConnections,
		"least_replication_lag":     backendref.LeastReplicaLag,
		"LEAST_CURRENT_OPERATIONS":  backendref.LeastCurrentOperations,
		"":                          backendref.LeastGlobalConnections,
		"something_unrecognized":    backendref.LeastGlobalConnections,
	}
	for raw, want := range cases {
		h := &ClusterHandler{Cfg: config.ClusterConfig{Router: config.RouterConfig{SlaveSelectionCriteria: raw}}}
		if got := h.slaveCriterion(); got != want {
			t.Fatalf("slaveCriterion(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestPrimaryBackendConfigFallsBackToFirstBackend(t *testing.T) {
	h := &ClusterHandler{Cfg: config.ClusterConfig{Backends: []config.BackendConfig{
		{Name: "a", Address: "10.0.0.1:3306"},
		{Name: "b", Address: "10.0.0.2:3306"},
	}}}
	cfg := h.primaryBackendConfig()
	if cfg == nil || cfg.Name != "a" {
		t.Fatalf("expected fallback to first backend, got %+v", cfg)
	}
}

func TestCandidatesFuncWithoutMonitor(t *testing.T) {
	h := NewClusterHandler("c1", config.ClusterConfig{Backends: []config.BackendConfig{
		{Name: "p", Weight: 1},
		{Name: "r1", Weight: 2},
	}}, nil, nil)
	candidates := h.candidatesFunc()()
	if len(candidates) != 2 {
		t.Fatalf("len(candidates) = %d, want 2", len(candidates))
	}
	for _, c := range candidates {
		if !c.Healthy {
			t.Fatalf("candidate %q should be healthy with no monitor attached", c.Name)
		}
	}
}
