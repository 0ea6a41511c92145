package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dbbouncer/pgscram/internal/cancelrouter"
	"github.com/dbbouncer/pgscram/internal/config"
	"github.com/dbbouncer/pgscram/internal/introspect"
	"github.com/dbbouncer/pgscram/internal/metrics"
	"github.com/dbbouncer/pgscram/internal/poolmgr"
	"github.com/dbbouncer/pgscram/internal/proxy"
	"github.com/dbbouncer/pgscram/internal/upgrade"
)

// Usage: `dbbouncer <config_path>` runs the server;
// `dbbouncer -t <config_path>` validates the config and exits.
func main() {
	testOnly := flag.Bool("t", false, "test configuration and exit")
	flag.Parse()

	configPath := flag.Arg(0)
	if configPath == "" {
		configPath = "configs/pgscram.yaml"
	}

	if *testOnly {
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Config parse error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("syntax is ok, test is successful")
		os.Exit(0)
	}

	slog.Info("pgscram starting")

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", configPath, "pools", len(cfg.Pools))

	if cfg.General.WorkerThreads > 0 {
		runtime.GOMAXPROCS(cfg.General.WorkerThreads)
	}

	m := metrics.New()
	registry := poolmgr.NewRegistry()
	router := cancelrouter.New()
	lookup := proxy.NewConfigLookup(cfg)

	registry.Reload(proxy.PoolSettings(cfg))

	var tlsConfig *tls.Config
	if cfg.General.TLSCertificate != "" && cfg.General.TLSPrivateKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.General.TLSCertificate, cfg.General.TLSPrivateKey)
		if err != nil {
			slog.Warn("failed to load TLS cert/key, TLS disabled", "err", err)
		} else {
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		}
	}

	statsStop := startStatsLoop(registry, m, 5*time.Second)

	introspectServer := introspect.NewServer(registry, m.Registry)
	if err := introspectServer.Start(cfg.General.MetricsBind, cfg.General.MetricsPort); err != nil {
		slog.Error("failed to start introspection server", "err", err)
		os.Exit(1)
	}

	proxyServer := proxy.NewServer(registry, router, m, lookup, tlsConfig, cfg.General.ClientAuthMethod, cfg.General.MaxMessageSize)
	upgrader := upgrade.New(configPath)

	ln, err := acquireListener(cfg.General.Host, cfg.General.Port)
	if err != nil {
		slog.Error("failed to bind postgres proxy listener", "err", err)
		os.Exit(1)
	}
	if err := proxyServer.Use(ln); err != nil {
		slog.Error("failed to start postgres proxy", "err", err)
		os.Exit(1)
	}

	reload := func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		lookup.Update(newCfg)
		removed := registry.Reload(proxy.PoolSettings(newCfg))
		for _, p := range removed {
			go p.Drain(newCfg.General.ShutdownTimeout)
		}
		cfg = newCfg
	}

	watcher, err := config.NewWatcher(configPath, reload)
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("pgscram ready", "host", cfg.General.Host, "port", cfg.General.Port, "metrics_port", cfg.General.MetricsPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("SIGHUP reload failed", "err", err)
				continue
			}
			reload(newCfg)
			continue

		case syscall.SIGINT:
			// Binary upgrade: validate, then hand the listening socket to
			// a successor process and fall through to the same drain path
			// SIGTERM uses. An invalid config cancels the upgrade and
			// this process keeps serving.
			tcpLn, ok := ln.(*net.TCPListener)
			if !ok {
				slog.Warn("upgrade requested but listener is not TCP, ignoring SIGINT")
				continue
			}
			if _, err := upgrader.Exec(tcpLn); err != nil {
				slog.Error("binary upgrade aborted", "err", err)
				continue
			}
			slog.Info("handed off to successor process, draining")
			goto shutdown

		default:
			slog.Info("received shutdown signal", "signal", sig)
			goto shutdown
		}
	}

shutdown:
	if watcher != nil {
		watcher.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.General.ShutdownTimeout)
	defer cancel()

	proxyServer.Stop()
	_ = introspectServer.Stop(ctx)
	statsStop()

	for _, p := range registry.All() {
		p.Drain(cfg.General.ShutdownTimeout)
	}

	slog.Info("pgscram stopped")
}

// acquireListener returns the predecessor's listening socket if this
// process was exec'd as a binary-upgrade successor (see
// internal/upgrade), otherwise binds a fresh SO_REUSEPORT listener so a
// future upgrade can overlap with this one.
func acquireListener(host string, port int) (net.Listener, error) {
	if inherited, ok, err := upgrade.InheritedListener(); err != nil {
		return nil, fmt.Errorf("checking for inherited listener: %w", err)
	} else if ok {
		slog.Info("resumed accepting on inherited listener", "addr", inherited.Addr())
		return inherited, nil
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	return upgrade.ListenReusePort("tcp", addr)
}

// startStatsLoop periodically copies every pool's live Stats into the
// Prometheus gauges. Returns a function that stops the loop.
func startStatsLoop(registry *poolmgr.Registry, m *metrics.Collector, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for key, p := range registry.All() {
					st := p.Stats()
					m.UpdatePoolStats(key.Database, key.User, st.Active, st.Idle, st.Total, st.Waiting)
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
