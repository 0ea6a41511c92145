package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
general:
  port: 6432
  worker_threads: 4

pools:
  testdb:
    server_host: localhost
    server_port: 5432
    pool_mode: transaction
    users:
      testuser:
        password: testpass
        pool_size: 20
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.Port != 6432 {
		t.Errorf("expected port 6432, got %d", cfg.General.Port)
	}

	pool, ok := cfg.Pools["testdb"]
	if !ok {
		t.Fatal("testdb pool not found")
	}
	if pool.ServerHost != "localhost" {
		t.Errorf("expected server_host localhost, got %s", pool.ServerHost)
	}
	u, ok := pool.Users["testuser"]
	if !ok {
		t.Fatal("testuser not found")
	}
	if u.Password != "testpass" {
		t.Errorf("expected password testpass, got %s", u.Password)
	}
	if u.ServerUsername != "testuser" {
		t.Errorf("expected server_username defaulted to testuser, got %s", u.ServerUsername)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
pools:
  testdb:
    server_host: localhost
    users:
      user:
        password: ${TEST_DB_PASSWORD}
        pool_size: 5
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	u := cfg.Pools["testdb"].Users["user"]
	if u.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", u.Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "invalid pool_mode",
			yaml: `
pools:
  t1:
    server_host: localhost
    pool_mode: bogus
    users:
      u: {password: p, pool_size: 5}
`,
		},
		{
			name: "missing server_host",
			yaml: `
pools:
  t1:
    users:
      u: {password: p, pool_size: 5}
`,
		},
		{
			name: "missing password",
			yaml: `
pools:
  t1:
    server_host: localhost
    users:
      u: {pool_size: 5}
`,
		},
		{
			name: "min exceeds pool_size",
			yaml: `
pools:
  t1:
    server_host: localhost
    users:
      u: {password: p, pool_size: 5, min_pool_size: 10}
`,
		},
		{
			name: "invalid client_auth_method",
			yaml: `
general:
  client_auth_method: scram-sha-256
pools:
  t1:
    server_host: localhost
    users:
      u: {password: p, pool_size: 5}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
pools: {}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.Port != 6432 {
		t.Errorf("expected default port 6432, got %d", cfg.General.Port)
	}
	if cfg.General.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect_timeout 10s, got %v", cfg.General.ConnectTimeout)
	}
	if cfg.General.ServerFlushTimeout != 5*time.Second {
		t.Errorf("expected default server_flush_timeout 5s, got %v", cfg.General.ServerFlushTimeout)
	}
	if cfg.General.MaxMessageSize != 64<<20 {
		t.Errorf("expected default max_message_size, got %d", cfg.General.MaxMessageSize)
	}
	if cfg.General.ClientAuthMethod != "md5" {
		t.Errorf("expected default client_auth_method md5, got %q", cfg.General.ClientAuthMethod)
	}
}

func TestClientAuthMethodOverride(t *testing.T) {
	yaml := `
general:
  client_auth_method: trust
pools:
  testdb:
    server_host: localhost
    users:
      u: {password: p, pool_size: 5}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.ClientAuthMethod != "trust" {
		t.Errorf("expected client_auth_method trust, got %q", cfg.General.ClientAuthMethod)
	}
}

func TestUserEffectivePoolMode(t *testing.T) {
	pool := PoolConfig{PoolMode: "session"}
	u := UserConfig{}
	if u.EffectivePoolMode(pool) != "session" {
		t.Error("expected pool's pool_mode to apply")
	}
	u.PoolMode = "transaction"
	if u.EffectivePoolMode(pool) != "transaction" {
		t.Error("expected user override to win")
	}
}

func TestUserEffectiveServerLifetime(t *testing.T) {
	general := General{ServerLifetime: time.Hour}
	pool := PoolConfig{}
	u := UserConfig{}
	if u.EffectiveServerLifetime(pool, general) != time.Hour {
		t.Error("expected general default")
	}
	pool.ServerLifetime = 30 * time.Minute
	if u.EffectiveServerLifetime(pool, general) != 30*time.Minute {
		t.Error("expected pool override")
	}
	u.ServerLifetime = 10 * time.Minute
	if u.EffectiveServerLifetime(pool, general) != 10*time.Minute {
		t.Error("expected user override to win over pool and general")
	}
}

func TestRedacted(t *testing.T) {
	cfg := &Config{
		General: General{AdminPassword: "adminsecret"},
		Pools: map[string]PoolConfig{
			"db": {Users: map[string]UserConfig{
				"u": {Password: "p", ServerPassword: "sp"},
			}},
		},
	}
	r := cfg.Redacted()
	if r.General.AdminPassword == "adminsecret" {
		t.Error("expected admin password to be redacted")
	}
	if r.Pools["db"].Users["u"].Password == "p" {
		t.Error("expected user password to be redacted")
	}
	if cfg.General.AdminPassword != "adminsecret" {
		t.Error("Redacted must not mutate the original config")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
