package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/router"
)

func TestRunShardDiscoveryNoOpWhenDisabled(t *testing.T) {
	sm, err := router.NewShardMap(nil, "", "")
	if err != nil {
		t.Fatalf("NewShardMap: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		RunShardDiscovery(ctx, "c1", config.ClusterConfig{Router: config.RouterConfig{RefreshDatabases: false}}, sm)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunShardDiscovery should return immediately when refresh_databases is disabled")
	}
}

func TestDiscoverOnceSkipsUnreachableBackendsWithoutPanicking(t *testing.T) {
	sm, err := router.NewShardMap(nil, "", "")
	if err != nil {
		t.Fatalf("NewShardMap: %v", err)
	}
	cfg := config.ClusterConfig{Backends: []config.BackendConfig{
		{Name: "down", Address: "127.0.0.1:1"},
	}}
	discoverOnce(context.Background(), "c1", cfg, sm)
	if !sm.Stale() {
		t.Fatal("shard map should remain stale when every backend is unreachable")
	}
}
