package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/monitor"
	"github.com/dbrelay/dbrelay/internal/router"
)

func newTestMux(s *Server) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")

	protected := r.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)
	protected.HandleFunc("/clusters/{name}/shards", s.shardsHandler).Methods("GET")
	protected.HandleFunc("/monitors/{name}/switchover", s.switchoverHandler).Methods("POST")
	return r
}

func TestHealthzReportsClusterCount(t *testing.T) {
	s, err := NewServer(map[string]*ClusterResources{"c1": {}, "c2": {}}, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if int(body["clusters"].(float64)) != 2 {
		t.Errorf("expected 2 clusters reported, got %v", body["clusters"])
	}
}

func TestShardsHandlerUnknownCluster(t *testing.T) {
	s, err := NewServer(map[string]*ClusterResources{}, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	req := httptest.NewRequest("GET", "/clusters/nope/shards", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestShardsHandlerRejectsRWRCluster(t *testing.T) {
	s, err := NewServer(map[string]*ClusterResources{"rwr1": {ShardMap: nil}}, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	req := httptest.NewRequest("GET", "/clusters/rwr1/shards", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a cluster with no shard map, got %d", rr.Code)
	}
}

func TestShardsHandlerReturnsMap(t *testing.T) {
	sm, err := router.NewShardMap(nil, "", "")
	if err != nil {
		t.Fatalf("NewShardMap: %v", err)
	}
	d := sm.BeginDiscovery()
	if err := d.AddRow("shard_a", "orders"); err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	d.Commit()
	s, err := NewServer(map[string]*ClusterResources{"sr1": {ShardMap: sm}}, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	req := httptest.NewRequest("GET", "/clusters/sr1/shards", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["cluster"] != "sr1" {
		t.Errorf("expected cluster sr1, got %v", body["cluster"])
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s, err := NewServer(map[string]*ClusterResources{"sr1": {}}, "top-secret")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	req := httptest.NewRequest("GET", "/clusters/sr1/shards", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with no Authorization header, got %d", rr.Code)
	}
}

func TestAuthMiddlewareAcceptsCorrectToken(t *testing.T) {
	sm, err := router.NewShardMap(nil, "", "")
	if err != nil {
		t.Fatalf("NewShardMap: %v", err)
	}
	s, err := NewServer(map[string]*ClusterResources{"sr1": {ShardMap: sm}}, "top-secret")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	req := httptest.NewRequest("GET", "/clusters/sr1/shards", nil)
	req.Header.Set("Authorization", "Bearer top-secret")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with correct bearer token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAuthMiddlewareRejectsWrongToken(t *testing.T) {
	s, err := NewServer(map[string]*ClusterResources{"sr1": {}}, "top-secret")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	req := httptest.NewRequest("GET", "/clusters/sr1/shards", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong bearer token, got %d", rr.Code)
	}
}

func TestSwitchoverHandlerRejectsWhenDisabled(t *testing.T) {
	mon := monitor.New("c1", config.MonitorConfig{}, nil, nil)
	s, err := NewServer(map[string]*ClusterResources{
		"c1": {Monitor: mon, MonitorCfg: config.MonitorConfig{Switchover: false}},
	}, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	body, _ := json.Marshal(switchoverRequest{NewMaster: "replica1"})
	req := httptest.NewRequest("POST", "/monitors/c1/switchover", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 when switchover disabled, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSwitchoverHandlerRequiresNewMaster(t *testing.T) {
	mon := monitor.New("c1", config.MonitorConfig{Switchover: true, SwitchoverTimeout: time.Second}, nil, nil)
	s, err := NewServer(map[string]*ClusterResources{
		"c1": {Monitor: mon, MonitorCfg: config.MonitorConfig{Switchover: true, SwitchoverTimeout: time.Second}},
	}, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	req := httptest.NewRequest("POST", "/monitors/c1/switchover", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when new_master is missing, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSwitchoverHandlerUnknownMonitor(t *testing.T) {
	s, err := NewServer(map[string]*ClusterResources{"c1": {}}, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mr := newTestMux(s)

	body, _ := json.Marshal(switchoverRequest{NewMaster: "replica1"})
	req := httptest.NewRequest("POST", "/monitors/c1/switchover", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when cluster has no monitor, got %d: %s", rr.Code, rr.Body.String())
	}
}
