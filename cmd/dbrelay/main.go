package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbrelay/dbrelay/internal/api"
	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/metrics"
	"github.com/dbrelay/dbrelay/internal/monitor"
	"github.com/dbrelay/dbrelay/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/dbrelay.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("dbrelay starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "clusters", len(cfg.Clusters))

	m := metrics.New()
	proxyServer := proxy.NewServer(m)

	monitors := make(map[string]*monitor.Monitor, len(cfg.Clusters))
	clusterResources := make(map[string]*api.ClusterResources, len(cfg.Clusters))

	for name, clCfg := range cfg.Clusters {
		mon := monitor.New(name, clCfg.Monitor, clCfg.Backends, m)
		mon.Start()
		monitors[name] = mon

		if err := proxyServer.ListenCluster(name, clCfg, mon); err != nil {
			slog.Error("starting cluster listener", "cluster", name, "error", err)
			os.Exit(1)
		}

		clusterResources[name] = &api.ClusterResources{
			Monitor:    mon,
			ShardMap:   proxyServer.ShardMap(name),
			MonitorCfg: clCfg.Monitor,
		}
	}

	apiServer, err := api.NewServer(clusterResources, cfg.Listen.APIKey)
	if err != nil {
		slog.Error("building admin API server", "error", err)
		os.Exit(1)
	}
	if err := apiServer.Start(cfg.Listen.APIBind, cfg.Listen.APIPort); err != nil {
		slog.Error("starting admin API server", "error", err)
		os.Exit(1)
	}

	slog.Info("dbrelay ready", "clusters", len(cfg.Clusters), "api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	if err := apiServer.Stop(); err != nil {
		slog.Warn("stopping admin API server", "error", err)
	}
	proxyServer.Stop()
	for _, mon := range monitors {
		mon.Stop()
	}

	slog.Info("dbrelay stopped")
}
