// Package api implements the admin HTTP surface: health, Prometheus
// metrics, and read-only or operator-triggered cluster introspection.
// Generalized from the teacher's tenant CRUD + dashboard server
// (gorilla/mux, a net/http.Server with fixed read/write timeouts) down to
// the narrower set of endpoints a cluster-routing proxy needs — per-tenant
// pool stats and the HTML dashboard have no equivalent once routing moved
// from "one pool per tenant" to "one session per client fanned across a
// cluster's backends".
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/dbrelay/dbrelay/internal/cluster"
	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/monitor"
	"github.com/dbrelay/dbrelay/internal/router"
)

// ClusterResources is what one configured cluster exposes to the admin
// API: its replication monitor (role/lag introspection, switchover) and
// its shard map (nil for RWR clusters, which have no shard concept).
type ClusterResources struct {
	Monitor    *monitor.Monitor
	ShardMap   *router.ShardMap
	MonitorCfg config.MonitorConfig
}

// Server is the admin REST API and metrics server.
type Server struct {
	clusters   map[string]*ClusterResources
	apiKeyHash []byte // bcrypt hash of listen.api_key; nil disables bearer auth
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds the admin server. apiKey, when non-empty, is hashed
// once with bcrypt (replacing the teacher's PG SCRAM/pbkdf2 use of
// golang.org/x/crypto — there is no Postgres surface left to authenticate,
// so the same package now guards the admin API's bearer token instead) and
// compared against incoming tokens on every protected request.
func NewServer(clusters map[string]*ClusterResources, apiKey string) (*Server, error) {
	s := &Server{clusters: clusters, startTime: time.Now()}
	if apiKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("api: hashing api key: %w", err)
		}
		s.apiKeyHash = hash
	}
	return s, nil
}

// Start begins serving the admin API on bind:port.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	protected := r.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)
	protected.HandleFunc("/clusters/{name}/shards", s.shardsHandler).Methods("GET")
	protected.HandleFunc("/monitors/{name}/switchover", s.switchoverHandler).Methods("POST")

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	slog.Info("api: listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash == nil {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(auth, prefix)
		if bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(token)) != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"clusters":       len(s.clusters),
	})
}

// shardsHandler returns an SR cluster's current database→backend map, for
// operators diagnosing a misrouted query or a stuck discovery pass.
func (s *Server) shardsHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	cr, ok := s.clusters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown cluster")
		return
	}
	if cr.ShardMap == nil {
		writeError(w, http.StatusBadRequest, "cluster does not run the schema router")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cluster": name,
		"stale":   cr.ShardMap.Stale(),
		"shards":  cr.ShardMap.All(),
	})
}

type switchoverRequest struct {
	NewMaster string `json:"new_master"`
}

// switchoverHandler triggers an operator-initiated master change, running
// the cluster's configured switchover_script via the monitor.
func (s *Server) switchoverHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	cr, ok := s.clusters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown cluster")
		return
	}
	if cr.Monitor == nil {
		writeError(w, http.StatusBadRequest, "cluster has no replication monitor configured")
		return
	}
	if !cr.MonitorCfg.Switchover {
		writeError(w, http.StatusForbidden, "switchover is not enabled for this cluster")
		return
	}

	var req switchoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewMaster == "" {
		writeError(w, http.StatusBadRequest, "new_master is required")
		return
	}

	var currentMaster string
	for backend, role := range cr.Monitor.Snapshot() {
		if role.Has(cluster.RoleMaster) {
			currentMaster = backend
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), cr.MonitorCfg.SwitchoverTimeout)
	defer cancel()
	if err := cr.Monitor.Switchover(ctx, monitor.RunScript, req.NewMaster, currentMaster); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "switched",
		"cluster":          name,
		"previous_master":  currentMaster,
		"new_master":       req.NewMaster,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
