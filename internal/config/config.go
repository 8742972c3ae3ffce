package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for dbrelay.
type Config struct {
	Listen   ListenConfig            `yaml:"listen"`
	Defaults PoolDefaults            `yaml:"defaults"`
	Tenants  map[string]TenantConfig `yaml:"tenants"`
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

// ClusterConfig describes one proxied MySQL cluster: its backend servers
// and the router/monitor options that govern how client statements are
// routed across them and how the cluster's replication topology is tracked.
type ClusterConfig struct {
	ListenPort int             `yaml:"listen_port"`
	Backends   []BackendConfig `yaml:"backends"`
	Router     RouterConfig    `yaml:"router"`
	Monitor    MonitorConfig   `yaml:"monitor"`
}

// BackendConfig names one backend server within a cluster.
type BackendConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Weight   int    `yaml:"weight"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RouterConfig holds the options recognized by the read/write splitter and
// the schema router, unioned into one struct since a cluster runs one or
// the other (never both) and the option names don't collide.
type RouterConfig struct {
	Kind string `yaml:"kind"` // "rwr" or "sr"

	// RWR options.
	MaxSlaveConnections    string        `yaml:"max_slave_connections"` // count or "N%"
	MaxSlaveReplicationLag time.Duration `yaml:"max_slave_replication_lag"`
	SlaveSelectionCriteria string        `yaml:"slave_selection_criteria"`

	// SR options.
	IgnoreDatabases       []string      `yaml:"ignore_databases"`
	IgnoreDatabasesRegex  []string      `yaml:"ignore_databases_regex"`
	MaxSescmdHistory      int           `yaml:"max_sescmd_history"`
	DisableSescmdHistory  bool          `yaml:"disable_sescmd_history"`
	RefreshDatabases      bool          `yaml:"refresh_databases"`
	RefreshInterval       time.Duration `yaml:"refresh_interval"`
	Debug                 bool          `yaml:"debug"`
	PreferredServer       string        `yaml:"preferred_server"`
}

// MonitorConfig holds the exhaustive set of monitor options recognized by
// the replication monitor and failover controller.
type MonitorConfig struct {
	DetectReplicationLag  bool          `yaml:"detect_replication_lag"`
	DetectStaleMaster     *bool         `yaml:"detect_stale_master"`
	DetectStaleSlave      *bool         `yaml:"detect_stale_slave"`
	MySQL51Replication    bool          `yaml:"mysql51_replication"`
	Multimaster           bool          `yaml:"multimaster"`
	DetectStandaloneMaster bool         `yaml:"detect_standalone_master"`
	Failcount             int           `yaml:"failcount"`
	AllowClusterRecovery  *bool         `yaml:"allow_cluster_recovery"`
	AllowExternalSlaves   *bool         `yaml:"allow_external_slaves"`
	Script                string        `yaml:"script"`
	Events                string        `yaml:"events"`
	Failover              bool          `yaml:"failover"`
	FailoverScript        string        `yaml:"failover_script"`
	FailoverTimeout       time.Duration `yaml:"failover_timeout"`
	Switchover            bool          `yaml:"switchover"`
	SwitchoverScript      string        `yaml:"switchover_script"`
	SwitchoverTimeout     time.Duration `yaml:"switchover_timeout"`
	ReplicationUser       string        `yaml:"replication_user"`
	ReplicationPassword   string        `yaml:"replication_password"`
	VerifyMasterFailure   *bool         `yaml:"verify_master_failure"`
	MasterFailureTimeout  time.Duration `yaml:"master_failure_timeout"`
	Interval              time.Duration `yaml:"interval"` // T_mon
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// EffectiveDetectStaleMaster returns the configured value or its default (true).
func (m MonitorConfig) EffectiveDetectStaleMaster() bool { return boolOr(m.DetectStaleMaster, true) }

// EffectiveDetectStaleSlave returns the configured value or its default (true).
func (m MonitorConfig) EffectiveDetectStaleSlave() bool { return boolOr(m.DetectStaleSlave, true) }

// EffectiveAllowClusterRecovery returns the configured value or its default (true).
func (m MonitorConfig) EffectiveAllowClusterRecovery() bool {
	return boolOr(m.AllowClusterRecovery, true)
}

// EffectiveAllowExternalSlaves returns the configured value or its default (true).
func (m MonitorConfig) EffectiveAllowExternalSlaves() bool {
	return boolOr(m.AllowExternalSlaves, true)
}

// EffectiveVerifyMasterFailure returns the configured value or its default (true).
func (m MonitorConfig) EffectiveVerifyMasterFailure() bool {
	return boolOr(m.VerifyMasterFailure, true)
}

func applyMonitorDefaults(m *MonitorConfig) {
	if m.Failcount == 0 {
		m.Failcount = 5
	}
	if m.FailoverTimeout == 0 {
		m.FailoverTimeout = 90 * time.Second
	}
	if m.SwitchoverTimeout == 0 {
		m.SwitchoverTimeout = 90 * time.Second
	}
	if m.MasterFailureTimeout == 0 {
		m.MasterFailureTimeout = 10 * time.Second
	}
	if m.Interval == 0 {
		m.Interval = 2 * time.Second
	}
}

// ListenConfig defines the ports and bind addresses dbrelay listens on.
type ListenConfig struct {
	PostgresPort        int    `yaml:"postgres_port"`
	MySQLPort           int    `yaml:"mysql_port"`
	APIPort             int    `yaml:"api_port"`
	APIBind             string `yaml:"api_bind"`
	APIKey              string `yaml:"api_key"`
	TLSCert             string `yaml:"tls_cert"`
	TLSKey              string `yaml:"tls_key"`
	MaxProxyConnections int    `yaml:"max_proxy_connections"`
}

// PoolDefaults defines default pool settings applied when tenants don't override.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// TenantConfig holds the database configuration for a single tenant.
type TenantConfig struct {
	DBType         string         `yaml:"db_type"`
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	DBName         string         `yaml:"dbname"`
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
}

// EffectiveMinConnections returns the tenant's min connections or the default.
func (t TenantConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if t.MinConnections != nil {
		return *t.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the tenant's max connections or the default.
func (t TenantConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if t.MaxConnections != nil {
		return *t.MaxConnections
	}
	return defaults.MaxConnections
}

// EffectiveIdleTimeout returns the tenant's idle timeout or the default.
func (t TenantConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if t.IdleTimeout != nil {
		return *t.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveMaxLifetime returns the tenant's max lifetime or the default.
func (t TenantConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if t.MaxLifetime != nil {
		return *t.MaxLifetime
	}
	return defaults.MaxLifetime
}

// EffectiveAcquireTimeout returns the tenant's acquire timeout or the default.
func (t TenantConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if t.AcquireTimeout != nil {
		return *t.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// EffectiveDialTimeout returns the tenant's dial timeout or the default.
func (t TenantConfig) EffectiveDialTimeout(defaults PoolDefaults) time.Duration {
	if t.DialTimeout != nil {
		return *t.DialTimeout
	}
	return defaults.DialTimeout
}

// Redacted returns a copy of the TenantConfig with the password masked.
func (t TenantConfig) Redacted() TenantConfig {
	c := t
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 3307
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.MaxProxyConnections == 0 {
		cfg.Listen.MaxProxyConnections = 10000
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	for name, cluster := range cfg.Clusters {
		applyMonitorDefaults(&cluster.Monitor)
		cfg.Clusters[name] = cluster
	}
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateTenantID reports whether id is a legal tenant identifier: non-empty,
// starting with a letter or digit, and containing only letters, digits,
// underscores, and dashes thereafter.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("invalid tenant id %q: must start with a letter or digit and contain only letters, digits, '_' and '-'", id)
	}
	return nil
}

func validatePort(port int) bool {
	return port > 0 && port <= 65535
}

func validate(cfg *Config) error {
	if cfg.Defaults.MinConnections > 0 && cfg.Defaults.MaxConnections > 0 &&
		cfg.Defaults.MinConnections > cfg.Defaults.MaxConnections {
		return fmt.Errorf("defaults: min_connections (%d) exceeds max_connections (%d)", cfg.Defaults.MinConnections, cfg.Defaults.MaxConnections)
	}
	if cfg.Listen.PostgresPort != 0 && !validatePort(cfg.Listen.PostgresPort) {
		return fmt.Errorf("listen: invalid postgres_port %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.MySQLPort != 0 && !validatePort(cfg.Listen.MySQLPort) {
		return fmt.Errorf("listen: invalid mysql_port %d", cfg.Listen.MySQLPort)
	}

	for id, tenant := range cfg.Tenants {
		if err := ValidateTenantID(id); err != nil {
			return err
		}
		if tenant.DBType != "postgres" && tenant.DBType != "mysql" {
			return fmt.Errorf("tenant %q: unsupported db_type %q (must be postgres or mysql)", id, tenant.DBType)
		}
		if tenant.Host == "" {
			return fmt.Errorf("tenant %q: host is required", id)
		}
		if strings.Contains(tenant.Host, ":") {
			return fmt.Errorf("tenant %q: host must not include a port, use the port field instead", id)
		}
		if tenant.Port == 0 {
			return fmt.Errorf("tenant %q: port is required", id)
		}
		if !validatePort(tenant.Port) {
			return fmt.Errorf("tenant %q: invalid port %d", id, tenant.Port)
		}
		if tenant.DBName == "" {
			return fmt.Errorf("tenant %q: dbname is required", id)
		}
		if tenant.Username == "" {
			return fmt.Errorf("tenant %q: username is required", id)
		}
		if tenant.MinConnections != nil && tenant.MaxConnections != nil && *tenant.MinConnections > *tenant.MaxConnections {
			return fmt.Errorf("tenant %q: min_connections (%d) exceeds max_connections (%d)", id, *tenant.MinConnections, *tenant.MaxConnections)
		}
	}
	for name, cl := range cfg.Clusters {
		if len(cl.Backends) == 0 {
			return fmt.Errorf("cluster %q: at least one backend is required", name)
		}
		if cl.ListenPort == 0 {
			return fmt.Errorf("cluster %q: listen_port is required", name)
		}
		if cl.Router.Kind != "rwr" && cl.Router.Kind != "sr" {
			return fmt.Errorf("cluster %q: router.kind must be %q or %q", name, "rwr", "sr")
		}
		for _, b := range cl.Backends {
			if b.Name == "" || b.Address == "" {
				return fmt.Errorf("cluster %q: backend entries require name and address", name)
			}
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
