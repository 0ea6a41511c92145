// Package config loads and hot-reloads the proxy's YAML configuration:
// general listener/timeout settings plus a set of named pools, each with
// its backend server address and a set of users permitted to connect
// through it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	General General               `yaml:"general"`
	Pools   map[string]PoolConfig `yaml:"pools"`
}

// General holds process-wide settings: listener, global timeouts, admin
// console credentials, TLS material, and prepared-statement cache sizing.
type General struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AdminUsername  string        `yaml:"admin_username"`
	AdminPassword  string        `yaml:"admin_password"`
	WorkerThreads  int           `yaml:"worker_threads"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QueryWaitTimeout time.Duration `yaml:"query_wait_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ServerLifetime   time.Duration `yaml:"server_lifetime"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	ServerFlushTimeout time.Duration `yaml:"server_flush_timeout"`
	IdleClientInTxTimeout time.Duration `yaml:"idle_client_in_tx_timeout"`
	MaxMessageSize int  `yaml:"max_message_size"`
	PreparedStatements            bool `yaml:"prepared_statements"`
	PreparedStatementsCacheSize   int  `yaml:"prepared_statements_cache_size"`
	ClientPreparedStatementsCacheSize int `yaml:"client_prepared_statements_cache_size"`
	PgHBA           string `yaml:"pg_hba"`
	TLSPrivateKey   string `yaml:"tls_private_key"`
	TLSCertificate  string `yaml:"tls_certificate"`
	TLSMode         string `yaml:"tls_mode"`
	MetricsBind     string `yaml:"metrics_bind"`
	MetricsPort     int    `yaml:"metrics_port"`
	// ClientAuthMethod is how the proxy authenticates the downstream
	// client against the configured pool user's password: "trust",
	// "cleartext", or "md5". SCRAM is intentionally not offered here —
	// the proxy only speaks SCRAM as a backend-facing client, not as a
	// server.
	ClientAuthMethod string `yaml:"client_auth_method"`
}

// PoolConfig describes one backend and the users allowed to pool through
// it. The YAML key under `pools:` is the client-visible database name.
type PoolConfig struct {
	ServerHost      string                 `yaml:"server_host"`
	ServerPort      int                    `yaml:"server_port"`
	ServerDatabase  string                 `yaml:"server_database"`
	PoolMode        string                 `yaml:"pool_mode"` // "session" or "transaction"
	ApplicationName string                 `yaml:"application_name"`
	IdleTimeout     time.Duration          `yaml:"idle_timeout"`
	ServerLifetime  time.Duration          `yaml:"server_lifetime"`
	LogClientParameterStatusChanges bool  `yaml:"log_client_parameter_status_changes"`
	CleanupServerConnections         bool  `yaml:"cleanup_server_connections"`
	ServerRoundRobin                 bool  `yaml:"server_round_robin"`
	TLSMode         string                 `yaml:"tls_mode"`
	Users           map[string]UserConfig  `yaml:"users"`
}

// UserConfig is one client-facing credential permitted into a pool, with
// the server-side identity the proxy authenticates as on its behalf.
type UserConfig struct {
	Password       string        `yaml:"password"`
	ServerUsername string        `yaml:"server_username"`
	ServerPassword string        `yaml:"server_password"`
	PoolSize       int           `yaml:"pool_size"`
	MinPoolSize    int           `yaml:"min_pool_size"`
	PoolMode       string        `yaml:"pool_mode"`
	ServerLifetime time.Duration `yaml:"server_lifetime"`
	AuthPamService string        `yaml:"auth_pam_service"`
}

// EffectivePoolMode returns the user's pool_mode override, or the pool's,
// defaulting to "transaction".
func (u UserConfig) EffectivePoolMode(pool PoolConfig) string {
	switch {
	case u.PoolMode != "":
		return u.PoolMode
	case pool.PoolMode != "":
		return pool.PoolMode
	default:
		return "transaction"
	}
}

// EffectiveServerLifetime returns the user's server_lifetime override, the
// pool's, or the general default.
func (u UserConfig) EffectiveServerLifetime(pool PoolConfig, general General) time.Duration {
	switch {
	case u.ServerLifetime > 0:
		return u.ServerLifetime
	case pool.ServerLifetime > 0:
		return pool.ServerLifetime
	default:
		return general.ServerLifetime
	}
}

// Redacted returns a copy of cfg with every credential masked, safe to log.
func (c *Config) Redacted() *Config {
	out := *c
	out.General.AdminPassword = redactIfSet(c.General.AdminPassword)
	out.Pools = make(map[string]PoolConfig, len(c.Pools))
	for name, pool := range c.Pools {
		p := pool
		p.Users = make(map[string]UserConfig, len(pool.Users))
		for uname, u := range pool.Users {
			ru := u
			ru.Password = redactIfSet(u.Password)
			ru.ServerPassword = redactIfSet(u.ServerPassword)
			p.Users[uname] = ru
		}
		out.Pools[name] = p
	}
	return &out
}

func redactIfSet(s string) string {
	if s == "" {
		return ""
	}
	return "***REDACTED***"
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

// Load reads and parses a YAML config file with ${VAR} env substitution,
// validates it, and applies defaults. This is also the logic "-t" (test-
// config) runs against.
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

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.Port == 0 {
		g.Port = 6432
	}
	if g.Host == "" {
		g.Host = "0.0.0.0"
	}
	if g.WorkerThreads == 0 {
		g.WorkerThreads = 4
	}
	if g.ConnectTimeout == 0 {
		g.ConnectTimeout = 10 * time.Second
	}
	if g.QueryWaitTimeout == 0 {
		g.QueryWaitTimeout = 120 * time.Second
	}
	if g.IdleTimeout == 0 {
		g.IdleTimeout = 10 * time.Minute
	}
	if g.ServerLifetime == 0 {
		g.ServerLifetime = 1 * time.Hour
	}
	if g.ShutdownTimeout == 0 {
		g.ShutdownTimeout = 30 * time.Second
	}
	if g.ServerFlushTimeout == 0 {
		g.ServerFlushTimeout = 5 * time.Second
	}
	if g.IdleClientInTxTimeout == 0 {
		g.IdleClientInTxTimeout = 5 * time.Minute
	}
	if g.MaxMessageSize == 0 {
		g.MaxMessageSize = 64 << 20
	}
	if g.PreparedStatementsCacheSize == 0 {
		g.PreparedStatementsCacheSize = 500
	}
	if g.TLSMode == "" {
		g.TLSMode = "disable"
	}
	if g.MetricsPort == 0 {
		g.MetricsPort = 9930
	}
	if g.MetricsBind == "" {
		g.MetricsBind = "127.0.0.1"
	}
	if g.ClientAuthMethod == "" {
		g.ClientAuthMethod = "md5"
	}

	for name, pool := range cfg.Pools {
		if pool.ServerPort == 0 {
			pool.ServerPort = 5432
		}
		if pool.ServerDatabase == "" {
			pool.ServerDatabase = name
		}
		if pool.PoolMode == "" {
			pool.PoolMode = "transaction"
		}
		if pool.TLSMode == "" {
			pool.TLSMode = g.TLSMode
		}
		for uname, u := range pool.Users {
			if u.PoolSize == 0 {
				u.PoolSize = 20
			}
			if u.ServerUsername == "" {
				u.ServerUsername = uname
			}
			pool.Users[uname] = u
		}
		cfg.Pools[name] = pool
	}
}

func validate(cfg *Config) error {
	switch cfg.General.ClientAuthMethod {
	case "trust", "cleartext", "md5":
	default:
		return fmt.Errorf("general: client_auth_method must be trust, cleartext, or md5, got %q", cfg.General.ClientAuthMethod)
	}

	for name, pool := range cfg.Pools {
		if pool.ServerHost == "" {
			return fmt.Errorf("pool %q: server_host is required", name)
		}
		if pool.PoolMode != "session" && pool.PoolMode != "transaction" {
			return fmt.Errorf("pool %q: pool_mode must be session or transaction, got %q", name, pool.PoolMode)
		}
		for uname, u := range pool.Users {
			if u.Password == "" {
				return fmt.Errorf("pool %q user %q: password is required", name, uname)
			}
			if u.PoolSize <= 0 {
				return fmt.Errorf("pool %q user %q: pool_size must be positive", name, uname)
			}
			if u.MinPoolSize > u.PoolSize {
				return fmt.Errorf("pool %q user %q: min_pool_size exceeds pool_size", name, uname)
			}
		}
	}
	return nil
}

// Watcher watches the config file for changes (independent of SIGHUP) and
// calls back with the newly parsed config, debounced to absorb editors
// that write in multiple steps.
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
			slog.Warn("config watcher error", "err", err)
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
		slog.Error("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
