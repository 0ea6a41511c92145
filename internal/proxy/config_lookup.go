package proxy

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/pgscram/internal/backend"
	"github.com/dbbouncer/pgscram/internal/config"
	"github.com/dbbouncer/pgscram/internal/poolmgr"
	"github.com/dbbouncer/pgscram/internal/session"
)

// ConfigLookup implements Lookup against a hot-reloadable config.Config,
// resolving a client's (database, user) to the poolmgr.Key the registry
// keys its Pool on and the per-session settings derived from the
// general/pool/user precedence chain.
type ConfigLookup struct {
	cfg atomic.Value // *config.Config
}

// NewConfigLookup builds a ConfigLookup seeded with cfg.
func NewConfigLookup(cfg *config.Config) *ConfigLookup {
	l := &ConfigLookup{}
	l.cfg.Store(cfg)
	return l
}

// Update swaps in a newly reloaded config, observed atomically by any
// concurrent ResolvePool call.
func (l *ConfigLookup) Update(cfg *config.Config) {
	l.cfg.Store(cfg)
}

// ResolvePool implements Lookup.
func (l *ConfigLookup) ResolvePool(database, user string) (poolmgr.Key, string, session.Settings, bool) {
	cfg := l.cfg.Load().(*config.Config)

	pool, ok := cfg.Pools[database]
	if !ok {
		return poolmgr.Key{}, "", session.Settings{}, false
	}
	u, ok := pool.Users[user]
	if !ok {
		return poolmgr.Key{}, "", session.Settings{}, false
	}

	settings := session.Settings{
		PoolMode:                          u.EffectivePoolMode(pool),
		QueryWaitTimeout:                  cfg.General.QueryWaitTimeout,
		ServerFlushTimeout:                cfg.General.ServerFlushTimeout,
		IdleClientInTxTimeout:             cfg.General.IdleClientInTxTimeout,
		MaxMessageSize:                    cfg.General.MaxMessageSize,
		ClientPreparedStatementsCacheSize: cfg.General.ClientPreparedStatementsCacheSize,
		CleanupServerConnections:          pool.CleanupServerConnections,
		LogParameterStatusChanges:         pool.LogClientParameterStatusChanges,
	}

	return poolmgr.Key{Database: database, User: user}, u.Password, settings, true
}

// PoolSettings builds the poolmgr.Settings the registry needs for every
// (database, user) pair configured in cfg, mirroring the same precedence
// chain ResolvePool uses for session settings.
func PoolSettings(cfg *config.Config) map[poolmgr.Key]poolmgr.Settings {
	out := make(map[poolmgr.Key]poolmgr.Settings)
	for dbName, pool := range cfg.Pools {
		for uname, u := range pool.Users {
			out[poolmgr.Key{Database: dbName, User: uname}] = poolmgr.Settings{
				PoolSize:                    u.PoolSize,
				MinPoolSize:                 u.MinPoolSize,
				PoolMode:                    u.EffectivePoolMode(pool),
				ServerLifetime:              u.EffectiveServerLifetime(pool, cfg.General),
				IdleTimeout:                 orDuration(pool.IdleTimeout, cfg.General.IdleTimeout),
				AcquireTimeout:              cfg.General.QueryWaitTimeout,
				PreparedStatementsCacheSize: cfg.General.PreparedStatementsCacheSize,
				RoundRobin:                  pool.ServerRoundRobin,
				DialOpts:                    dialOptionsFor(dbName, pool, u, cfg.General),
			}
		}
	}
	return out
}

func orDuration(preferred, fallback time.Duration) time.Duration {
	if preferred > 0 {
		return preferred
	}
	return fallback
}

func dialOptionsFor(dbName string, pool config.PoolConfig, u config.UserConfig, general config.General) backend.DialOptions {
	tlsMode := backend.TLSDisable
	switch pool.TLSMode {
	case "prefer":
		tlsMode = backend.TLSPrefer
	case "require":
		tlsMode = backend.TLSRequire
	}

	serverDB := pool.ServerDatabase
	if serverDB == "" {
		serverDB = dbName
	}

	return backend.DialOptions{
		Address:        fmt.Sprintf("%s:%d", pool.ServerHost, pool.ServerPort),
		ConnectTimeout: general.ConnectTimeout,
		TLSMode:        tlsMode,
		MaxMessageSize: general.MaxMessageSize,
		Creds: backend.Credentials{
			User:            u.ServerUsername,
			Password:        u.ServerPassword,
			Database:        serverDB,
			ApplicationName: pool.ApplicationName,
		},
	}
}
