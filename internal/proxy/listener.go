// Package proxy owns the TCP accept loop: per-connection startup
// negotiation (SSL upgrade, StartupMessage vs CancelRequest), client
// authentication against the configured pool user, and handing the
// connection off to a session.Session for the rest of its life.
package proxy

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/pgscram/internal/cancelrouter"
	"github.com/dbbouncer/pgscram/internal/metrics"
	"github.com/dbbouncer/pgscram/internal/poolmgr"
	"github.com/dbbouncer/pgscram/internal/session"
	"github.com/dbbouncer/pgscram/internal/wire"
)

const pgSSLRequestCode = 80877103
const pgCancelRequestCode = 80877102

// Lookup resolves a client's (database, user) to the pool it should use
// and the credentials it should present, independent of the config
// package so proxy can be tested without a real YAML file.
type Lookup interface {
	ResolvePool(database, user string) (key poolmgr.Key, clientPassword string, settings session.Settings, ok bool)
}

// Server is the PostgreSQL proxy's TCP listener.
type Server struct {
	registry     *poolmgr.Registry
	cancelRouter *cancelrouter.Router
	metrics      *metrics.Collector
	lookup       Lookup
	tlsConfig    *tls.Config
	authMethod   string
	maxMsgSize   int

	ln net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	pidSeq uint32
}

// NewServer builds a proxy Server. tlsConfig may be nil (SSLRequest is
// then always refused with 'N').
func NewServer(registry *poolmgr.Registry, cancelRouter *cancelrouter.Router, m *metrics.Collector, lookup Lookup, tlsConfig *tls.Config, authMethod string, maxMsgSize int) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry:     registry,
		cancelRouter: cancelRouter,
		metrics:      m,
		lookup:       lookup,
		tlsConfig:    tlsConfig,
		authMethod:   authMethod,
		maxMsgSize:   maxMsgSize,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Listen starts accepting connections on host:port in the background.
func (s *Server) Listen(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen on %s: %w", addr, err)
	}
	return s.Use(ln)
}

// Use starts accepting connections on an already-bound listener, in the
// background. It is the hook the binary-upgrade coordinator uses to hand
// the proxy a SO_REUSEPORT listener (freshly bound or inherited from a
// predecessor process) instead of Listen dialing its own.
func (s *Server) Use(ln net.Listener) error {
	s.ln = ln
	slog.Info("postgres proxy listening", "addr", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Addr returns the bound listener address, for tests that listen on
// port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listener returns the underlying net.Listener, so the upgrade
// coordinator can dup its file descriptor for a successor process. It
// is nil until Listen/Use has run.
func (s *Server) Listener() net.Listener {
	return s.ln
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("proxy accept error", "err", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connection handlers
// to return.
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn, params, isCancel, cancelBody, err := negotiateStartup(conn, s.tlsConfig, s.maxMsgSize)
	if err != nil {
		slog.Debug("startup negotiation failed", "err", err)
		return
	}

	if isCancel {
		s.handleCancelRequest(cancelBody)
		return
	}

	user := params["user"]
	database := params["database"]
	if database == "" {
		database = user
	}

	poolKey, clientPassword, settings, ok := s.lookup.ResolvePool(database, user)
	if !ok {
		sendFatal(conn, "28000", fmt.Sprintf("no pool configured for database %q user %q", database, user))
		return
	}

	pool, ok := s.registry.Lookup(poolKey)
	if !ok {
		sendFatal(conn, "58000", fmt.Sprintf("pool %s not available", poolKey))
		return
	}

	if err := s.authenticateClient(conn, user, clientPassword); err != nil {
		slog.Debug("client authentication failed", "user", user, "database", database, "err", err)
		return
	}

	pid := atomic.AddUint32(&s.pidSeq, 1)
	var secretBuf [4]byte
	_, _ = rand.Read(secretBuf[:])
	secret := binary.BigEndian.Uint32(secretBuf[:])

	if err := wire.WriteTyped(conn, wire.Authentication, wire.BuildAuthenticationOK()); err != nil {
		return
	}
	if err := wire.WriteTyped(conn, wire.ParameterStatus, wire.BuildParameterStatus("server_version", "16.0 (pgscram)")); err != nil {
		return
	}
	if err := wire.WriteTyped(conn, wire.ParameterStatus, wire.BuildParameterStatus("client_encoding", "UTF8")); err != nil {
		return
	}
	if err := wire.WriteTyped(conn, wire.BackendKeyData, wire.BuildBackendKeyData(pid, secret)); err != nil {
		return
	}
	if err := wire.WriteTyped(conn, wire.ReadyForQuery, wire.BuildReadyForQuery(wire.TxnIdle)); err != nil {
		return
	}

	sess := session.New(conn, poolKey, pool, cancelrouter.Key{PID: pid, Secret: secret}, s.cancelRouter, s.metrics, settings)
	if err := sess.Run(s.ctx); err != nil {
		slog.Debug("session ended", "session", sess.ID(), "err", err)
	}
}

func (s *Server) handleCancelRequest(body []byte) {
	if len(body) < 12 {
		return
	}
	pid := binary.BigEndian.Uint32(body[4:8])
	secret := binary.BigEndian.Uint32(body[8:12])

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	hit, err := s.cancelRouter.Deliver(ctx, cancelrouter.Key{PID: pid, Secret: secret}, 5*time.Second)
	result := "miss"
	if hit {
		result = "hit"
	}
	if err != nil {
		slog.Warn("cancel delivery failed", "pid", pid, "err", err)
	}
	if s.metrics != nil {
		s.metrics.CancelRequest(result)
	}
}

func (s *Server) authenticateClient(conn net.Conn, user, expectedPassword string) error {
	switch s.authMethod {
	case "trust":
		return nil
	case "cleartext":
		if err := wire.WriteTyped(conn, wire.Authentication, authPayload(3)); err != nil {
			return err
		}
		f, err := wire.ReadTyped(conn, 0)
		if err != nil {
			return err
		}
		got := trimNull(f.Payload)
		if got != expectedPassword {
			sendFatal(conn, "28P01", "password authentication failed")
			return fmt.Errorf("proxy: cleartext auth failed for %q", user)
		}
		return nil
	default: // "md5"
		var salt [4]byte
		_, _ = rand.Read(salt[:])
		payload := append(authPayload(5), salt[:]...)
		if err := wire.WriteTyped(conn, wire.Authentication, payload); err != nil {
			return err
		}
		f, err := wire.ReadTyped(conn, 0)
		if err != nil {
			return err
		}
		got := trimNull(f.Payload)
		want := "md5" + clientMD5(user, expectedPassword, salt[:])
		if got != want {
			sendFatal(conn, "28P01", "password authentication failed")
			return fmt.Errorf("proxy: md5 auth failed for %q", user)
		}
		return nil
	}
}

func clientMD5(user, password string, salt []byte) string {
	inner := md5Hex(password + user)
	outer := md5.Sum(append([]byte(inner), salt...))
	return hex.EncodeToString(outer[:])
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func authPayload(subtype uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, subtype)
	return buf
}

func trimNull(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

func sendFatal(conn net.Conn, code, message string) {
	_ = wire.WriteTyped(conn, wire.ErrorResponse, wire.BuildErrorResponse("FATAL", code, message))
}

// negotiateStartup handles the SSLRequest loop (upgrade or refuse, then
// retry), and distinguishes a real StartupMessage from a CancelRequest.
// It returns the (possibly TLS-wrapped) connection to use from here on.
func negotiateStartup(conn net.Conn, tlsConfig *tls.Config, maxMsgSize int) (out net.Conn, params map[string]string, isCancel bool, cancelBody []byte, err error) {
	const maxSSLAttempts = 3
	cur := conn

	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		f, ferr := wire.ReadUntyped(cur, maxStartupSize(maxMsgSize))
		if ferr != nil {
			return cur, nil, false, nil, ferr
		}

		if len(f.Payload) < 4 {
			return cur, nil, false, nil, fmt.Errorf("proxy: startup body too short")
		}
		code := binary.BigEndian.Uint32(f.Payload[:4])

		switch {
		case code == pgSSLRequestCode:
			if tlsConfig != nil {
				if _, werr := cur.Write([]byte{'S'}); werr != nil {
					return cur, nil, false, nil, werr
				}
				tlsConn := tls.Server(cur, tlsConfig)
				if herr := tlsConn.Handshake(); herr != nil {
					return cur, nil, false, nil, fmt.Errorf("proxy: TLS handshake: %w", herr)
				}
				cur = tlsConn
			} else {
				if _, werr := cur.Write([]byte{'N'}); werr != nil {
					return cur, nil, false, nil, werr
				}
			}
			continue

		case code == pgCancelRequestCode:
			// f.Payload is code(4)+pid(4)+secret(4), exactly what
			// handleCancelRequest expects at offsets [4:8] and [8:12].
			return cur, nil, true, f.Payload, nil

		case code>>16 == 3:
			return cur, wire.ParseStartupParams(f.Payload[4:]), false, nil, nil

		default:
			return cur, nil, false, nil, fmt.Errorf("proxy: unsupported startup code %d", code)
		}
	}
	return cur, nil, false, nil, fmt.Errorf("proxy: too many SSL negotiation attempts")
}

func maxStartupSize(maxMsgSize int) int {
	if maxMsgSize <= 0 {
		return 10000
	}
	if maxMsgSize > 10000 {
		return 10000
	}
	return maxMsgSize
}
