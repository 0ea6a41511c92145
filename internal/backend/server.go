// Package backend manages one connection to a PostgreSQL backend server:
// dialing, startup/authentication, forwarding frames during a bound
// transaction, and the reset/cancel operations the pool needs between
// leases.
package backend

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/pgscram/internal/scram"
	"github.com/dbbouncer/pgscram/internal/wire"
)

// State is the lifecycle state of a Server connection.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Outcome classifies how a lease on a Server ended, for Pool.Release.
type Outcome int

const (
	Clean Outcome = iota
	Broken
	ForceClose
)

// Credentials names the backend-side identity a Server authenticates as.
// These always come from the pool's configured server credentials, never
// from the client connection being proxied.
type Credentials struct {
	User            string
	Password        string
	Database        string
	ApplicationName string
}

// TLSMode controls whether Dial attempts an SSLRequest upgrade.
type TLSMode int

const (
	TLSDisable TLSMode = iota
	TLSPrefer
	TLSRequire
)

// DialOptions configures Dial.
type DialOptions struct {
	Address        string
	ConnectTimeout time.Duration
	TLSMode        TLSMode
	TLSConfig      *tls.Config
	MaxMessageSize int
	Creds          Credentials
}

// Server is one backend connection from dial to destruction.
type Server struct {
	mu sync.Mutex

	conn   net.Conn
	addr   string
	creds  Credentials
	state  State
	maxMsg int

	createdAt time.Time
	lastUsed  time.Time

	pid    uint32
	secret uint32
	params map[string]string

	// knownStatements is the set of server-side prepared-statement names
	// this physical connection has actually Parsed. The pool's shared
	// fingerprint->name mapping (internal/translator) is process-wide, but
	// any one Server may have been dialed after a name was minted and so
	// not yet hold it — the translator consults this set to decide whether
	// to inject a Parse before forwarding a Bind/Describe/Close.
	knownStatements map[string]bool

	cancelTLS TLSMode
	tlsConfig *tls.Config
}

// PID and Secret identify this connection for CancelRequest routing.
func (s *Server) PID() uint32    { return s.pid }
func (s *Server) Secret() uint32 { return s.secret }

// Param returns a server parameter reported during startup (e.g.
// "server_version"), or "" if unset.
func (s *Server) Param(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[name]
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Server) CreatedAt() time.Time { return s.createdAt }

func (s *Server) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Server) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// NewTestServer wraps an already-connected net.Conn as an idle Server,
// bypassing Dial's network connect and handshake. For use by other
// packages' tests (e.g. poolmgr) that need a Server without a real
// PostgreSQL backend; production code never calls this.
func NewTestServer(conn net.Conn, pid, secret uint32) *Server {
	return &Server{
		conn:      conn,
		state:     StateIdle,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		params:    make(map[string]string),
		pid:       pid,
		secret:    secret,
	}
}

// Dial connects to a backend, negotiates TLS if requested, runs the
// startup/authentication handshake, and returns a Server sitting at
// ReadyForQuery(Idle).
func Dial(ctx context.Context, opt DialOptions) (*Server, error) {
	dialer := net.Dialer{Timeout: opt.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", opt.Address)
	if err != nil {
		return nil, fmt.Errorf("backend: dial %s: %w", opt.Address, err)
	}

	if opt.TLSMode != TLSDisable {
		upgraded, err := negotiateTLS(ctx, conn, opt.TLSMode, opt.TLSConfig)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = upgraded
	}

	s := &Server{
		conn:      conn,
		addr:      opt.Address,
		creds:     opt.Creds,
		state:     StateIdle,
		maxMsg:    opt.MaxMessageSize,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		params:    make(map[string]string),
		cancelTLS: opt.TLSMode,
		tlsConfig: opt.TLSConfig,
	}

	if err := s.startup(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func negotiateTLS(ctx context.Context, conn net.Conn, mode TLSMode, cfg *tls.Config) (net.Conn, error) {
	// SSLRequest: length=8, code=80877103, no type byte.
	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], 80877103)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("backend: sending SSLRequest: %w", err)
	}
	resp := make([]byte, 1)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("backend: reading SSLRequest response: %w", err)
	}
	switch resp[0] {
	case 'S':
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("backend: TLS handshake: %w", err)
		}
		return tlsConn, nil
	case 'N':
		if mode == TLSRequire {
			return nil, fmt.Errorf("backend: server refused TLS but tls_mode requires it")
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("backend: unexpected SSLRequest response byte %q", resp[0])
	}
}

// startup sends the StartupMessage, drives the Authentication* exchange,
// and consumes ParameterStatus/BackendKeyData until ReadyForQuery(Idle).
func (s *Server) startup() error {
	if err := s.sendStartup(); err != nil {
		return err
	}

	for {
		f, err := wire.ReadTyped(s.conn, s.maxMsg)
		if err != nil {
			return fmt.Errorf("backend: reading startup response: %w", err)
		}

		switch f.Type {
		case wire.Authentication:
			done, err := s.handleAuth(f.Payload)
			if err != nil {
				return err
			}
			if done {
				continue
			}

		case wire.ParameterStatus:
			key, val, _ := wire.ParseNullTerminatedPair(f.Payload)
			if key != "" {
				s.params[key] = val
			}

		case wire.BackendKeyData:
			if len(f.Payload) >= 8 {
				s.pid = binary.BigEndian.Uint32(f.Payload[:4])
				s.secret = binary.BigEndian.Uint32(f.Payload[4:8])
			}

		case wire.ReadyForQuery:
			status, ok := wire.PeekReadyForQuery(f)
			if !ok || status != wire.TxnIdle {
				return fmt.Errorf("backend: unexpected transaction status %q after startup", byte(status))
			}
			return nil

		case wire.ErrorResponse:
			msg, code := wire.ParseErrorFields(f.Payload)
			return fmt.Errorf("backend: startup rejected [%s]: %s", code, msg)

		case wire.NoticeResponse:
			continue

		default:
			return &wire.FramingError{Kind: wire.UnknownTypeAtPhase, Err: fmt.Errorf("type %q during startup", f.Type)}
		}
	}
}

func (s *Server) sendStartup() error {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)

	body = appendParam(body, "user", s.creds.User)
	body = appendParam(body, "database", s.creds.Database)
	if s.creds.ApplicationName != "" {
		body = appendParam(body, "application_name", s.creds.ApplicationName)
	}
	body = append(body, 0)

	return wire.WriteUntyped(s.conn, body)
}

func appendParam(body []byte, key, val string) []byte {
	body = append(body, key...)
	body = append(body, 0)
	body = append(body, val...)
	body = append(body, 0)
	return body
}

// handleAuth dispatches one Authentication* message. done is true once the
// exchange requires no further action from the caller's read loop beyond
// continuing to read (AuthenticationOk is terminal for the exchange itself
// but the loop continues on to ParameterStatus/BackendKeyData/ReadyForQuery).
func (s *Server) handleAuth(payload []byte) (done bool, err error) {
	if len(payload) < 4 {
		return false, fmt.Errorf("backend: authentication message too short")
	}
	authType := binary.BigEndian.Uint32(payload[:4])
	switch authType {
	case 0: // AuthenticationOk
		return true, nil
	case 3: // AuthenticationCleartextPassword
		return true, s.sendPassword(s.creds.Password)
	case 5: // AuthenticationMD5Password
		if len(payload) < 8 {
			return false, fmt.Errorf("backend: MD5 authentication message too short")
		}
		salt := payload[4:8]
		return true, s.sendPassword(computeMD5Password(s.creds.User, s.creds.Password, salt))
	case 10: // AuthenticationSASL
		if err := scram.Authenticate(s.conn, s.creds.User, s.creds.Password, payload); err != nil {
			return false, fmt.Errorf("backend: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("backend: unsupported authentication type %d", authType)
	}
}

func (s *Server) sendPassword(password string) error {
	payload := append([]byte(password), 0)
	return wire.WriteTyped(s.conn, 'p', payload)
}

// computeMD5Password implements PostgreSQL's "md5" + md5(md5(password+user)+salt) scheme.
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// SendFrames forwards a batch of already-framed client bytes to the server
// without altering ordering, under writeTimeout.
func (s *Server) SendFrames(payload []byte, writeTimeout time.Duration) error {
	if writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := s.conn.Write(payload); err != nil {
		s.setState(StateDestroyed)
		return fmt.Errorf("backend: write: %w", err)
	}
	s.touch()
	return nil
}

// ReceiveUntilReady streams frames to onFrame until a ReadyForQuery frame
// arrives, which is also delivered to onFrame before ReceiveUntilReady
// returns the transaction status it carried.
//
// deadline bounds the whole drain, not each individual frame: a read
// timeout mid-response does not by itself mean the server is broken,
// since it may still be producing output, so a single
// absolute deadline is set once for the entire call rather than reset
// per frame. Only once that budget is actually exhausted is the server
// marked Broken. deadline <= 0 means wait indefinitely — the right
// choice for a live query whose execution time this proxy does not
// bound, as opposed to a disconnect-cleanup drain, which callers bound
// explicitly (see Session.releaseOnExit, DiscardState, CloseStatement).
func (s *Server) ReceiveUntilReady(onFrame func(wire.Frame) error, deadline time.Duration) (wire.TxnStatus, error) {
	if deadline > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return 0, fmt.Errorf("backend: set read deadline: %w", err)
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}

	for {
		f, err := wire.ReadTyped(s.conn, s.maxMsg)
		if err != nil {
			var netErr net.Error
			if deadline > 0 && errors.As(err, &netErr) && netErr.Timeout() {
				s.setState(StateDestroyed)
				return 0, fmt.Errorf("backend: drain deadline exceeded before ReadyForQuery: %w", err)
			}
			s.setState(StateDestroyed)
			return 0, fmt.Errorf("backend: read: %w", err)
		}
		if err := onFrame(f); err != nil {
			return 0, err
		}
		if status, ok := wire.PeekReadyForQuery(f); ok {
			s.touch()
			return status, nil
		}
	}
}

// ReceiveAvailable streams frames the server has already produced (its
// response to a Flush) to onFrame, without requiring a ReadyForQuery
// terminator. window bounds the wait for the *start* of each frame; once a
// frame's type byte has arrived, the remainder is read without a deadline
// so a slow frame is never truncated mid-read. The drain ends when the
// wire goes quiet between frames (ready=false, no error) or when a
// ReadyForQuery arrives (ready=true with its status). Real read errors
// mark the connection destroyed.
func (s *Server) ReceiveAvailable(onFrame func(wire.Frame) error, window time.Duration) (ready bool, status wire.TxnStatus, err error) {
	if window <= 0 {
		window = time.Second
	}
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
			return false, 0, fmt.Errorf("backend: set read deadline: %w", err)
		}
		var tb [1]byte
		if _, err := io.ReadFull(s.conn, tb[:]); err != nil {
			s.conn.SetReadDeadline(time.Time{})
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return false, 0, nil
			}
			s.setState(StateDestroyed)
			return false, 0, fmt.Errorf("backend: read: %w", err)
		}
		s.conn.SetReadDeadline(time.Time{})

		var lb [4]byte
		if _, err := io.ReadFull(s.conn, lb[:]); err != nil {
			s.setState(StateDestroyed)
			return false, 0, fmt.Errorf("backend: read: %w", err)
		}
		length := int32(binary.BigEndian.Uint32(lb[:]))
		payloadLen := int(length) - 4
		if length < 4 || (s.maxMsg > 0 && payloadLen > s.maxMsg) {
			s.setState(StateDestroyed)
			return false, 0, &wire.FramingError{Kind: wire.InvalidLength, Err: fmt.Errorf("backend claimed length %d", length)}
		}
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				s.setState(StateDestroyed)
				return false, 0, fmt.Errorf("backend: read: %w", err)
			}
		}

		f := wire.Frame{Type: tb[0], Payload: payload}
		if err := onFrame(f); err != nil {
			return false, 0, err
		}
		if st, ok := wire.PeekReadyForQuery(f); ok {
			s.touch()
			return true, st, nil
		}
	}
}

// Cancel opens a fresh short-lived connection to the same backend address
// and sends CancelRequest carrying this Server's (pid, secret). It never
// reuses the pooled socket, per protocol.
func (s *Server) Cancel(ctx context.Context, connectTimeout time.Duration) error {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("backend: cancel dial: %w", err)
	}

	if s.cancelTLS != TLSDisable {
		upgraded, err := negotiateTLS(ctx, conn, s.cancelTLS, s.tlsConfig)
		if err != nil {
			conn.Close()
			return err
		}
		conn = upgraded
	}
	defer conn.Close()

	// CancelRequest: length=16, code=80877102, pid, secret; no type byte.
	full := make([]byte, 16)
	binary.BigEndian.PutUint32(full[0:4], 16)
	binary.BigEndian.PutUint32(full[4:8], 80877102)
	binary.BigEndian.PutUint32(full[8:12], s.pid)
	binary.BigEndian.PutUint32(full[12:16], s.secret)

	if _, err := conn.Write(full); err != nil {
		return fmt.Errorf("backend: sending CancelRequest: %w", err)
	}
	return nil
}

// DiscardState issues DISCARD ALL as a SimpleQuery and drains the response
// to ReadyForQuery, resetting all server-side session state (prepared
// statements, portals, temp tables, session GUCs) this pool owns.
func (s *Server) DiscardState(writeTimeout time.Duration) error {
	if err := s.SendFrames(frameSimpleQuery("DISCARD ALL"), writeTimeout); err != nil {
		return err
	}
	_, err := s.ReceiveUntilReady(func(wire.Frame) error { return nil }, writeTimeout)
	if err != nil {
		return fmt.Errorf("backend: discard_state: %w", err)
	}
	// DISCARD ALL deallocated every prepared statement on this connection.
	s.mu.Lock()
	s.knownStatements = nil
	s.mu.Unlock()
	return nil
}

// CloseStatement sends Close('S', name) followed by Sync and drains the
// response to ReadyForQuery. Used to evict a server-side prepared
// statement the pool's shared cache has dropped. Only safe to call when s
// is not mid-response to some other exchange (i.e. at a Sync boundary),
// which callers (the pool's idle sweep, or Release just before a server
// rejoins idle) guarantee.
func (s *Server) CloseStatement(name string, writeTimeout time.Duration) error {
	payload := append([]byte{'S'}, name...)
	payload = append(payload, 0)

	buf := make([]byte, 0, 5+len(payload)+5)
	buf = appendFrame(buf, wire.Close, payload)
	buf = appendFrame(buf, wire.Sync, nil)

	if err := s.SendFrames(buf, writeTimeout); err != nil {
		return err
	}
	_, err := s.ReceiveUntilReady(func(wire.Frame) error { return nil }, writeTimeout)
	if err != nil {
		return fmt.Errorf("backend: close_statement %s: %w", name, err)
	}
	return nil
}

func appendFrame(buf []byte, msgType byte, payload []byte) []byte {
	start := len(buf)
	buf = append(buf, msgType)
	buf = append(buf, 0, 0, 0, 0)
	buf = append(buf, payload...)
	binary.BigEndian.PutUint32(buf[start+1:start+5], uint32(4+len(payload)))
	return buf
}

func frameSimpleQuery(sql string) []byte {
	payload := append([]byte(sql), 0)
	buf := make([]byte, 5+len(payload))
	buf[0] = wire.Query
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Close marks the Server destroyed and closes the underlying connection.
// Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDestroyed
	s.mu.Unlock()
	return s.conn.Close()
}

// MarkBroken transitions the server to Destroyed without attempting any
// further protocol exchange, per the write-error/unexpected-disconnect
// failure classification.
func (s *Server) MarkBroken(reason error) {
	slog.Warn("backend connection broken", "addr", s.addr, "err", reason)
	s.Close()
}

func (s *Server) MarkActive()  { s.setState(StateActive) }
func (s *Server) MarkIdle()    { s.setState(StateIdle) }
func (s *Server) MarkClosing() { s.setState(StateClosing) }

func (s *Server) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(s.createdAt) > maxLifetime
}

// HasStatement reports whether this connection has already Parsed name.
func (s *Server) HasStatement(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownStatements[name]
}

// RememberStatement records that name was successfully Parsed on this
// connection (called on ParseComplete).
func (s *Server) RememberStatement(name string) {
	s.mu.Lock()
	if s.knownStatements == nil {
		s.knownStatements = make(map[string]bool)
	}
	s.knownStatements[name] = true
	s.mu.Unlock()
}

// ForgetStatement removes name from this connection's known-statement set,
// called after a successful Close('S', name) round-trip.
func (s *Server) ForgetStatement(name string) {
	s.mu.Lock()
	delete(s.knownStatements, name)
	s.mu.Unlock()
}
