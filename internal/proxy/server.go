package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/metrics"
	"github.com/dbrelay/dbrelay/internal/monitor"
	"github.com/dbrelay/dbrelay/internal/router"
)

// Server owns one TCP listener per configured cluster — generalized from
// the teacher's single global MySQL/Postgres listener pair, since each
// cluster here is its own replication topology with its own listen port
// (mirroring a service/listener pairing rather than one shared front door).
type Server struct {
	metrics *metrics.Collector

	listeners map[string]net.Listener
	handlers  map[string]*ClusterHandler

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a proxy server with no listeners started yet.
func NewServer(m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		metrics:   m,
		listeners: make(map[string]net.Listener),
		handlers:  make(map[string]*ClusterHandler),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ShardMap returns the live shard map for a schema-routed cluster, or nil if
// the cluster runs the read/write splitter instead (or hasn't been started).
// Callers use this to hand the admin API the same instance RunShardDiscovery
// writes to, rather than building a second, never-updated map.
func (s *Server) ShardMap(name string) *router.ShardMap {
	h, ok := s.handlers[name]
	if !ok {
		return nil
	}
	return h.ShardMap
}

// ListenCluster starts accepting client connections for one cluster on its
// configured listen_port, dispatching each to a ClusterHandler built around
// the cluster's config and replication monitor.
func (s *Server) ListenCluster(name string, cfg config.ClusterConfig, mon *monitor.Monitor) error {
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s for cluster %q: %w", addr, name, err)
	}
	s.listeners[name] = ln
	slog.Info("proxy: cluster listening", "cluster", name, "addr", addr, "router_kind", cfg.Router.Kind)

	handler := NewClusterHandler(name, cfg, mon, s.metrics)
	s.handlers[name] = handler

	if handler.ShardMap != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			RunShardDiscovery(s.ctx, name, cfg, handler.ShardMap)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, name, handler)
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener, clusterName string, handler ConnectionHandler) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("proxy: accept error", "cluster", clusterName, "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := handler.Handle(s.ctx, conn); err != nil {
				slog.Warn("proxy: connection ended", "cluster", clusterName, "error", err)
			}
		}()
	}
}

// Stop gracefully shuts down every cluster listener and waits for in-flight
// connection handlers to return.
func (s *Server) Stop() {
	s.cancel()
	for name, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			slog.Warn("proxy: closing listener", "cluster", name, "error", err)
		}
	}
	s.wg.Wait()
	slog.Info("proxy: server stopped")
}
