package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/dbrelay/dbrelay/internal/backendconn"
	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/router"
)

const defaultShardRefreshInterval = 60 * time.Second

// RunShardDiscovery periodically issues SHOW DATABASES against every
// backend in an SR cluster and commits the result into shardMap, so new
// sessions see shards created after the proxy started without an operator
// restarting it. It runs until ctx is cancelled; callers start it once per
// schema-routed cluster.
func RunShardDiscovery(ctx context.Context, clusterName string, cfg config.ClusterConfig, shardMap *router.ShardMap) {
	if !cfg.Router.RefreshDatabases {
		return
	}
	interval := cfg.Router.RefreshInterval
	if interval <= 0 {
		interval = defaultShardRefreshInterval
	}

	discoverOnce(ctx, clusterName, cfg, shardMap)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			discoverOnce(ctx, clusterName, cfg, shardMap)
		}
	}
}

func discoverOnce(ctx context.Context, clusterName string, cfg config.ClusterConfig, shardMap *router.ShardMap) {
	discovery := shardMap.BeginDiscovery()
	sawAny := false

	for _, b := range cfg.Backends {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := backendconn.Dial(dialCtx, b.Address, backendconn.Credentials{Username: b.Username, Password: b.Password})
		cancel()
		if err != nil {
			slog.Warn("proxy: shard discovery dial failed", "cluster", clusterName, "backend", b.Name, "error", err)
			continue
		}

		_, rows, err := backendconn.Query(conn, "SHOW DATABASES", 5*time.Second)
		conn.Close()
		if err != nil {
			slog.Warn("proxy: shard discovery query failed", "cluster", clusterName, "backend", b.Name, "error", err)
			continue
		}

		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			if err := discovery.AddRow(b.Name, row[0]); err != nil {
				slog.Error("proxy: shard discovery conflict", "cluster", clusterName, "error", err)
				return
			}
			sawAny = true
		}
	}

	if !sawAny {
		slog.Warn("proxy: shard discovery found no databases on any backend, keeping prior map", "cluster", clusterName)
		return
	}
	discovery.Commit()
	slog.Info("proxy: shard discovery committed", "cluster", clusterName)
}
