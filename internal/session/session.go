// Package session implements the per-client transaction loop: the state
// machine that owns one authenticated client connection from its first
// query through termination, acquiring and releasing pooled backend
// connections at transaction boundaries and translating prepared-statement
// names across them.
package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/pgscram/internal/backend"
	"github.com/dbbouncer/pgscram/internal/cancelrouter"
	"github.com/dbbouncer/pgscram/internal/metrics"
	"github.com/dbbouncer/pgscram/internal/poolmgr"
	"github.com/dbbouncer/pgscram/internal/translator"
	"github.com/dbbouncer/pgscram/internal/wire"
)

// txnState is the session's view of its relationship with a bound Server.
type txnState int

const (
	stateIdle txnState = iota
	stateBusy
	stateIdleInTxn
	stateAbortedInTxn
)

var sessionSeq int64

// releaseDrainDeadline bounds how long releaseOnExit waits for a server's
// in-flight response to finish before treating the connection as unusable.
const releaseDrainDeadline = 5 * time.Second

func nextSessionID() string {
	n := atomic.AddInt64(&sessionSeq, 1)
	return fmt.Sprintf("sess-%d", n)
}

// Settings bundles the timeouts and cache sizes a Session needs, sourced
// from the general config section and the specific pool/user it serves.
type Settings struct {
	PoolMode                          string // "session" or "transaction"
	QueryWaitTimeout                  time.Duration
	ServerFlushTimeout                time.Duration
	IdleClientInTxTimeout             time.Duration
	MaxMessageSize                    int
	ClientPreparedStatementsCacheSize int

	// CleanupServerConnections issues DISCARD ALL before a server this
	// session dirtied (session pool mode, or an abnormal exit while idle)
	// rejoins the pool.
	CleanupServerConnections bool

	// LogParameterStatusChanges logs ParameterStatus frames the backend
	// reports mid-session (SET application_name etc.).
	LogParameterStatusChanges bool
}

// parseOpKind classifies one entry in the session's pending-response queue
// for the extended query protocol. The queue keeps the client's view of the
// response stream consistent while the proxy elides, rewrites, or injects
// Parse messages underneath it.
type parseOpKind int

const (
	// opSynthParse: the client's Parse was elided (the bound server already
	// has the statement); emit a ParseComplete to the client before the next
	// real server frame.
	opSynthParse parseOpKind = iota
	// opSynthClose: the client's Close('S', name) was intercepted; emit a
	// CloseComplete in the same slot a forwarded Close would have produced one.
	opSynthClose
	// opForward: the client's Parse was forwarded under a rewritten server
	// name; relay the server's ParseComplete and record the name as known on
	// that connection.
	opForward
	// opSuppress: the proxy injected a Parse the client never sent; swallow
	// the server's ParseComplete and record the name.
	opSuppress
)

type parseOp struct {
	kind parseOpKind
	name string // server-side statement name, for opForward/opSuppress
}

// Session owns one client TCP connection.
type Session struct {
	id       string
	conn     net.Conn
	settings Settings

	poolKey poolmgr.Key
	pool    *poolmgr.Pool

	cancelKey    cancelrouter.Key
	cancelRouter *cancelrouter.Router

	metrics *metrics.Collector

	clientCache *translator.ClientCache

	server     *backend.Server
	state      txnState
	txnDepth   int
	savepoints []string

	// parseOps is the FIFO queue the response pump consults to keep the
	// client's response stream consistent with what it sent, frame for
	// frame, despite elided/rewritten/injected Parses underneath.
	parseOps []parseOp

	abortedSince time.Time

	// txnStart stamps when the current transaction first touched a server,
	// for the transaction-duration histogram.
	txnStart time.Time

	// deferredBeginPending is set when BEGIN was answered without a bound
	// server; ensureServer replays it once a server is actually acquired.
	// deferredBeginSQL carries the client's statement text so modifiers
	// (ISOLATION LEVEL, READ ONLY, DEFERRABLE) survive the replay.
	deferredBeginPending bool
	deferredBeginSQL     string
}

// New constructs a Session ready to run the transaction loop. The caller
// (the listener) has already completed the client handshake and
// authentication; New just wires up pool access and per-session caches.
func New(conn net.Conn, poolKey poolmgr.Key, pool *poolmgr.Pool, cancelKey cancelrouter.Key, router *cancelrouter.Router, m *metrics.Collector, settings Settings) *Session {
	return &Session{
		id:           nextSessionID(),
		conn:         conn,
		settings:     settings,
		poolKey:      poolKey,
		pool:         pool,
		cancelKey:    cancelKey,
		cancelRouter: router,
		metrics:      m,
		clientCache:  translator.NewClientCache(settings.ClientPreparedStatementsCacheSize),
		state:        stateIdle,
	}
}

// ID returns this session's internal identifier (used for logging and
// introspection, not sent to the client).
func (s *Session) ID() string { return s.id }

// Run drives the transaction loop until the client disconnects, issues
// Terminate, or a fatal protocol error occurs. It always leaves the
// session's server binding (if any) released or destroyed before
// returning.
func (s *Session) Run(ctx context.Context) error {
	s.cancelRouter.Register(s.cancelKey, s.id)
	defer s.cancelRouter.Unregister(s.cancelKey)
	defer s.releaseOnExit()

	for {
		s.armIdleInTxnDeadline()

		f, err := wire.ReadTyped(s.conn, s.settings.MaxMessageSize)
		if err != nil {
			if s.idleInTxnDeadlineExpired(err) {
				s.detachIdleServer()
				continue
			}
			if fe, ok := err.(*wire.FramingError); ok {
				slog.Debug("session framing error", "session", s.id, "kind", fe.Kind)
			}
			return err
		}

		if err := s.dispatch(ctx, f); err != nil {
			if err == errTerminate {
				return nil
			}
			return err
		}
	}
}

// armIdleInTxnDeadline sets (or clears) the client read deadline for
// idle_client_in_tx_timeout: it only bounds the wait while
// a server is bound and the client is sitting AbortedInTxn or
// IdleInTxn — the cases where holding the server any longer just burns
// pool capacity for a client that has gone quiet.
func (s *Session) armIdleInTxnDeadline() {
	if s.server != nil && s.settings.IdleClientInTxTimeout > 0 &&
		(s.state == stateAbortedInTxn || s.state == stateIdleInTxn) {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.settings.IdleClientInTxTimeout))
		return
	}
	_ = s.conn.SetReadDeadline(time.Time{})
}

// idleInTxnDeadlineExpired reports whether err is the read timeout
// armIdleInTxnDeadline just set, as opposed to a real disconnect or
// framing error that should terminate the session.
func (s *Session) idleInTxnDeadlineExpired(err error) bool {
	if s.server == nil || (s.state != stateAbortedInTxn && s.state != stateIdleInTxn) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errTerminate = fmt.Errorf("session: client terminated")

func (s *Session) dispatch(ctx context.Context, f wire.Frame) error {
	switch f.Type {
	case wire.Terminate:
		return errTerminate

	case wire.Query:
		return s.handleSimpleQuery(ctx, f)

	case wire.Parse, wire.Bind, wire.Describe, wire.Execute, wire.Sync, wire.Flush, wire.Close:
		return s.handleExtended(ctx, f)

	default:
		// Transparent forwarding for anything else (CopyData/Fail/Done,
		// FuncCall): these only make sense with a server already bound.
		return s.forwardRaw(ctx, f)
	}
}

// --- simple query path -----------------------------------------------

func (s *Session) handleSimpleQuery(ctx context.Context, f wire.Frame) error {
	sql := strings.TrimRight(string(f.Payload), "\x00")
	stmt := stripSQLComments(sql)

	if s.state == stateAbortedInTxn {
		if kind, ok := classifyTxnControl(stmt); !ok || (kind != txnRollback && kind != txnRollbackToSavepoint) {
			return s.sendError("ERROR", "25P02", "current transaction is aborted, commands ignored until end of transaction block")
		}
	}

	if kind, ok := classifyTxnControl(stmt); ok {
		return s.handleTxnControl(ctx, kind, stmt)
	}

	if isDiscardAll(stmt) || isDeallocateAll(stmt) {
		s.clientCache.Clear()
		tag := "DISCARD ALL"
		if isDeallocateAll(stmt) {
			tag = "DEALLOCATE ALL"
		}
		return s.synthesizeCommandComplete(tag, s.currentTxnStatus())
	}
	if name, ok := isDeallocateName(stmt); ok {
		s.clientCache.Remove(name)
		return s.synthesizeCommandComplete("DEALLOCATE", s.currentTxnStatus())
	}

	srv, err := s.ensureServer(ctx)
	if err != nil {
		return err
	}

	buf := frameOf(wire.Query, f.Payload)
	if err := srv.SendFrames(buf, s.flushTimeout()); err != nil {
		return s.onServerWriteFailure(err)
	}
	return s.pumpUntilReady(srv)
}

type txnControlKind int

const (
	txnBegin txnControlKind = iota
	txnCommit
	txnRollback
	txnRollbackToSavepoint
	txnSavepoint
	txnReleaseSavepoint
)

// classifyTxnControl performs minimal tokenization only: case-insensitive,
// comment-stripped matching against a fixed set of statement shapes. It is
// not a SQL parser.
func classifyTxnControl(sql string) (txnControlKind, bool) {
	norm := strings.ToUpper(strings.TrimSpace(stripTrailingSemicolon(sql)))
	switch {
	case norm == "BEGIN" || strings.HasPrefix(norm, "BEGIN ") || norm == "START TRANSACTION" || strings.HasPrefix(norm, "START TRANSACTION "):
		return txnBegin, true
	case norm == "COMMIT" || strings.HasPrefix(norm, "COMMIT ") || norm == "END" || strings.HasPrefix(norm, "END "):
		return txnCommit, true
	case strings.HasPrefix(norm, "ROLLBACK TO SAVEPOINT ") || strings.HasPrefix(norm, "ROLLBACK TO "):
		return txnRollbackToSavepoint, true
	case norm == "ROLLBACK" || strings.HasPrefix(norm, "ROLLBACK "):
		return txnRollback, true
	case strings.HasPrefix(norm, "SAVEPOINT "):
		return txnSavepoint, true
	case strings.HasPrefix(norm, "RELEASE SAVEPOINT ") || strings.HasPrefix(norm, "RELEASE "):
		return txnReleaseSavepoint, true
	}
	return 0, false
}

func stripTrailingSemicolon(sql string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sql), ";"))
}

// stripSQLComments removes -- line comments and /* */ block comments so
// the fixed-shape matchers see "/* hint */ BEGIN" as "BEGIN". Quoted
// strings are preserved byte for byte; comment markers inside them are not
// treated as comments.
func stripSQLComments(sql string) string {
	var out strings.Builder
	out.Grow(len(sql))
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			out.WriteByte(' ')
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			i += 2
			for i+1 < len(sql) && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i++
			out.WriteByte(' ')
		case c == '\'':
			out.WriteByte(c)
			i++
			for i < len(sql) {
				out.WriteByte(sql[i])
				if sql[i] == '\'' {
					break
				}
				i++
			}
		default:
			out.WriteByte(c)
		}
	}
	return strings.TrimSpace(out.String())
}

func isDiscardAll(sql string) bool {
	return strings.EqualFold(stripTrailingSemicolon(strings.TrimSpace(sql)), "DISCARD ALL")
}

func isDeallocateAll(sql string) bool {
	norm := strings.ToUpper(stripTrailingSemicolon(strings.TrimSpace(sql)))
	return norm == "DEALLOCATE ALL"
}

func isDeallocateName(sql string) (string, bool) {
	norm := strings.TrimSpace(stripTrailingSemicolon(sql))
	upper := strings.ToUpper(norm)
	if !strings.HasPrefix(upper, "DEALLOCATE ") {
		return "", false
	}
	if strings.EqualFold(norm, "DEALLOCATE ALL") {
		return "", false
	}
	name := strings.TrimSpace(norm[len("DEALLOCATE "):])
	name = strings.Trim(name, `"`)
	return name, name != ""
}

// handleTxnControl implements the deferred-BEGIN, auto-rollback-safe,
// savepoint-tracking transaction logic. Most transaction-control
// statements, once a server is bound, are just forwarded like any other
// SimpleQuery. With no server bound, BEGIN is answered locally (deferred),
// COMMIT of a still-deferred BEGIN is answered locally, and ROLLBACK [TO
// SAVEPOINT] after a detach or a deferred BEGIN clears state locally.
func (s *Session) handleTxnControl(ctx context.Context, kind txnControlKind, sql string) error {
	switch kind {
	case txnBegin:
		// Remember the statement text either way: a later auto-rollback
		// detach replays it too, modifiers included.
		s.deferredBeginSQL = sql
		if s.server == nil {
			// Deferred BEGIN: no backend connection spent on an idle-in-
			// transaction client.
			s.txnDepth = 1
			s.state = stateIdleInTxn
			s.deferredBeginPending = true
			return s.synthesizeCommandComplete("BEGIN", wire.TxnInTxn)
		}
		// Already have a server bound (e.g. nested BEGIN inside extended
		// protocol flow) — forward normally.
	case txnCommit:
		if s.server == nil && s.deferredBeginPending {
			// BEGIN;COMMIT with nothing in between never touched a server;
			// don't acquire one just to replay an empty transaction.
			s.deferredBeginPending = false
			s.deferredBeginSQL = ""
			s.txnDepth = 0
			s.state = stateIdle
			return s.synthesizeCommandComplete("COMMIT", wire.TxnIdle)
		}
	case txnRollback, txnRollbackToSavepoint:
		wasAborted := s.state == stateAbortedInTxn
		if s.server == nil && (wasAborted || s.deferredBeginPending) {
			// The server was already detached (auto-rollback timer) or was
			// never acquired (deferred BEGIN); clear local state and report
			// success without a backend round-trip.
			s.deferredBeginPending = false
			s.deferredBeginSQL = ""
			s.txnDepth = 0
			s.savepoints = nil
			s.state = stateIdle
			return s.synthesizeCommandComplete("ROLLBACK", wire.TxnIdle)
		}
		if kind == txnRollback {
			s.savepoints = nil
		}
		if kind == txnRollbackToSavepoint {
			s.state = stateBusy
		}
	}

	if _, err := s.ensureServer(ctx); err != nil {
		return err
	}

	buf := frameOf(wire.Query, append([]byte(sql), 0))
	if err := s.server.SendFrames(buf, s.flushTimeout()); err != nil {
		return s.onServerWriteFailure(err)
	}
	if err := s.pumpUntilReady(s.server); err != nil {
		return err
	}

	if s.state == stateAbortedInTxn {
		// The control statement itself failed; the savepoint stack is
		// whatever it was before.
		return nil
	}
	switch kind {
	case txnSavepoint:
		name := parseSavepointName(sql)
		if name != "" {
			s.savepoints = append(s.savepoints, name)
		}
	case txnReleaseSavepoint, txnRollbackToSavepoint:
		s.popSavepointsAbove(parseSavepointName(sql))
	}
	return nil
}

func parseSavepointName(sql string) string {
	fields := strings.Fields(stripTrailingSemicolon(sql))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func (s *Session) popSavepointsAbove(name string) {
	for i, sp := range s.savepoints {
		if strings.EqualFold(sp, name) {
			s.savepoints = s.savepoints[:i]
			return
		}
	}
}

func (s *Session) currentTxnStatus() wire.TxnStatus {
	switch s.state {
	case stateAbortedInTxn:
		return wire.TxnFailed
	case stateIdleInTxn, stateBusy:
		if s.txnDepth > 0 {
			return wire.TxnInTxn
		}
	}
	return wire.TxnIdle
}

// --- extended query path -----------------------------------------------

func (s *Session) handleExtended(ctx context.Context, f wire.Frame) error {
	if s.state == stateAbortedInTxn && f.Type != wire.Sync {
		return s.sendError("ERROR", "25P02", "current transaction is aborted, commands ignored until end of transaction block")
	}

	switch f.Type {
	case wire.Parse:
		return s.handleParse(ctx, f)
	case wire.Bind:
		return s.handleStatementRef(ctx, f, 'B')
	case wire.Describe:
		if len(f.Payload) > 0 && f.Payload[0] == 'S' {
			return s.handleStatementRef(ctx, f, 'D')
		}
		return s.forwardRaw(ctx, f)
	case wire.Close:
		if len(f.Payload) > 0 && f.Payload[0] == 'S' {
			return s.handleStatementRef(ctx, f, 'C')
		}
		return s.forwardRaw(ctx, f)
	default:
		return s.forwardRaw(ctx, f)
	}
}

func (s *Session) handleParse(ctx context.Context, f wire.Frame) error {
	clientName, sql, paramOIDs, err := parseParseMessage(f.Payload)
	if err != nil {
		return &wire.FramingError{Kind: wire.InvalidLength, Err: err}
	}

	if clientName == "" {
		// The unnamed statement is rebound by every Parse and never outlives
		// the exchange; it is forwarded untouched, never cached or renamed.
		return s.forwardRaw(ctx, f)
	}

	srv, err := s.ensureServer(ctx)
	if err != nil {
		return err
	}

	fp := translator.Compute(sql, paramOIDs)
	cache := s.pool.StmtCache()
	entry, created := cache.GetOrCreate(fp, sql, paramOIDs)
	s.clientCache.Put(clientName, translator.ClientEntry{Fingerprint: fp, SQL: sql, ParamOIDs: paramOIDs})

	if !created && srv.HasStatement(entry.Name) {
		if s.metrics != nil {
			s.metrics.PreparedStatementCacheHit(s.poolKey.Database)
		}
		// Elide the Parse. Nothing goes to the server; the response pump
		// owes the client one ParseComplete in this slot.
		s.parseOps = append(s.parseOps, parseOp{kind: opSynthParse})
		return nil
	}

	if s.metrics != nil {
		s.metrics.PreparedStatementCacheMiss(s.poolKey.Database)
	}
	// Forward under the rewritten name. The backend buffers extended-query
	// responses until Flush/Sync, so no response is read here; the pump
	// relays the ParseComplete (and records the name) when it arrives.
	rewritten := buildParseMessage(entry.Name, sql, paramOIDs)
	if err := srv.SendFrames(frameOf(wire.Parse, rewritten), s.flushTimeout()); err != nil {
		return s.onServerWriteFailure(err)
	}
	s.parseOps = append(s.parseOps, parseOp{kind: opForward, name: entry.Name})
	return nil
}

// handleStatementRef forwards Bind('P', statement_name, ...),
// Describe('S', name), or Close('S', name), translating the client's
// statement name to the server-side name and, if the bound Server hasn't
// Parsed that name yet, injecting a Parse ahead of the client's frame.
func (s *Session) handleStatementRef(ctx context.Context, f wire.Frame, kind byte) error {
	clientName, ok := extractStatementName(f, kind)
	if !ok {
		return s.forwardRaw(ctx, f)
	}
	if clientName == "" {
		// Unnamed statement: nothing to translate.
		return s.forwardRaw(ctx, f)
	}

	entry, ok := s.clientCache.Get(clientName)
	if !ok {
		return s.sendError("ERROR", "26000", fmt.Sprintf("prepared statement %q does not exist", clientName))
	}

	if kind == 'C' {
		// client DEALLOCATE-by-protocol: drop the client-side mapping.
		// The shared server-side statement is left alone — other sessions
		// may reference it, and the LRU reclaims it eventually. The
		// CloseComplete is queued behind any pending Parse responses so it
		// lands in the slot a forwarded Close would have produced it in.
		s.clientCache.Remove(clientName)
		if len(s.parseOps) == 0 {
			return s.synthesizeCloseComplete()
		}
		s.parseOps = append(s.parseOps, parseOp{kind: opSynthClose})
		return nil
	}

	srv, err := s.ensureServer(ctx)
	if err != nil {
		return err
	}

	serverEntry, _ := s.pool.StmtCache().GetOrCreate(entry.Fingerprint, entry.SQL, entry.ParamOIDs)

	// A Parse of this name already sent since the last Sync (forwarded or
	// injected) counts as known even before its ParseComplete arrives.
	known := srv.HasStatement(serverEntry.Name)
	for _, op := range s.parseOps {
		if (op.kind == opForward || op.kind == opSuppress) && op.name == serverEntry.Name {
			known = true
		}
	}

	var pre []byte
	if !known {
		// This physical connection has never Parsed the shared name; inject
		// a Parse ahead of the client's frame. Its ParseComplete is the
		// server answering a message the client never sent, so the pump
		// swallows it.
		pre = frameOf(wire.Parse, buildParseMessage(serverEntry.Name, serverEntry.SQL, serverEntry.ParamOIDs))
		s.parseOps = append(s.parseOps, parseOp{kind: opSuppress, name: serverEntry.Name})
	}

	rewritten := rewriteStatementName(f.Payload, kind, serverEntry.Name)
	out := append(pre, frameOf(f.Type, rewritten)...)

	if err := srv.SendFrames(out, s.flushTimeout()); err != nil {
		return s.onServerWriteFailure(err)
	}
	return nil
}

func (s *Session) forwardRaw(ctx context.Context, f wire.Frame) error {
	srv, err := s.ensureServer(ctx)
	if err != nil {
		return err
	}
	if err := srv.SendFrames(frameOf(f.Type, f.Payload), s.flushTimeout()); err != nil {
		return s.onServerWriteFailure(err)
	}
	switch f.Type {
	case wire.Sync:
		return s.pumpUntilReady(srv)
	case wire.Flush:
		return s.pumpAvailable(srv)
	}
	return nil
}

// --- server lifecycle ---------------------------------------------------

// ensureServer returns the currently bound Server, acquiring one from the
// pool (and replaying a deferred BEGIN) if none is bound yet.
func (s *Session) ensureServer(ctx context.Context) (*backend.Server, error) {
	if s.txnStart.IsZero() {
		s.txnStart = time.Now()
	}
	if s.server != nil {
		return s.server, nil
	}

	acquireStart := time.Now()
	var deadline time.Time
	if s.settings.QueryWaitTimeout > 0 {
		deadline = time.Now().Add(s.settings.QueryWaitTimeout)
	}
	srv, err := s.pool.Acquire(ctx, deadline)
	if s.metrics != nil {
		s.metrics.AcquireDuration(s.poolKey.Database, s.poolKey.User, time.Since(acquireStart))
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.PoolExhausted(s.poolKey.Database, s.poolKey.User)
		}
		s.sendError("ERROR", "53300", "sorry, too many clients already")
		return nil, err
	}

	s.server = srv
	s.cancelRouter.Bind(s.cancelKey, srv)
	s.state = stateBusy

	if s.txnDepth > 0 && s.deferredBeginPending {
		// Replay the deferred BEGIN on the newly bound server before the
		// triggering statement, using the client's own statement text so
		// isolation-level and access-mode modifiers carry over. The client
		// already got its synthesized BEGIN response, so the replay's
		// CommandComplete/ReadyForQuery are swallowed, not forwarded.
		beginSQL := s.deferredBeginSQL
		if beginSQL == "" {
			beginSQL = "BEGIN"
		}
		if err := srv.SendFrames(frameOf(wire.Query, append([]byte(beginSQL), 0)), s.flushTimeout()); err != nil {
			return nil, s.onServerWriteFailure(err)
		}
		status, err := srv.ReceiveUntilReady(func(wire.Frame) error { return nil }, 0)
		if err != nil {
			return nil, s.onServerWriteFailure(err)
		}
		if status != wire.TxnInTxn {
			slog.Warn("unexpected transaction status after BEGIN replay", "session", s.id, "status", string(byte(status)))
		}
		s.deferredBeginPending = false
	}
	return srv, nil
}

func (s *Session) releaseServer(outcome backend.Outcome) {
	if s.server == nil {
		return
	}
	if s.settings.PoolMode == "session" && outcome == backend.Clean {
		// Session-mode pools keep the server bound for the client socket's
		// lifetime; only abnormal outcomes release early.
		return
	}
	srv := s.server
	s.server = nil
	s.cancelRouter.Unbind(s.cancelKey)
	s.pool.Release(srv, outcome)
}

// onServerWriteFailure classifies a write error against the backend as a
// flush timeout when the deadline was responsible, or a plain
// broken-connection close otherwise. Either way the client sees an
// ErrorResponse before the socket closes — never a bare TCP close.
func (s *Session) onServerWriteFailure(err error) error {
	if s.server != nil {
		s.server.MarkBroken(err)
		s.pool.Release(s.server, backend.Broken)
		s.cancelRouter.Unbind(s.cancelKey)
		s.server = nil
	}
	var ne net.Error
	if errors.Is(err, wire.ErrWriteTimeout) || (errors.As(err, &ne) && ne.Timeout()) {
		s.sendError("ERROR", "08006", "server connection write timeout")
	} else {
		s.sendError("ERROR", "08006", "server connection closed unexpectedly")
	}
	return err
}

// pumpUntilReady streams server frames to the client through relayFrame
// until ReadyForQuery arrives, then drives the session's own state machine
// off the status it carried.
func (s *Session) pumpUntilReady(srv *backend.Server) error {
	status, err := srv.ReceiveUntilReady(func(f wire.Frame) error {
		return s.relayFrame(srv, f)
	}, 0)
	if err != nil {
		return s.pumpFailure(srv, err)
	}
	s.onReadyForQuery(status)
	return nil
}

// pumpFailure splits a response-pump error by which side actually died.
// A client-write failure leaves the server mid-response but healthy: it is
// drained to ReadyForQuery into a sink (bounded) so it never rejoins idle
// with unread bytes, then released Clean if the drain landed on an idle
// transaction state, Broken otherwise. Anything else is a backend failure.
func (s *Session) pumpFailure(srv *backend.Server, err error) error {
	var cwe *clientWriteError
	if !errors.As(err, &cwe) {
		return s.onServerWriteFailure(err)
	}

	s.server = nil
	s.cancelRouter.Unbind(s.cancelKey)
	status, derr := srv.ReceiveUntilReady(func(wire.Frame) error { return nil }, releaseDrainDeadline)
	if derr == nil && status == wire.TxnIdle {
		s.pool.Release(srv, backend.Clean)
	} else {
		s.pool.Release(srv, backend.Broken)
	}
	if s.metrics != nil {
		s.metrics.DirtyDisconnect(s.poolKey.Database)
	}
	return err
}

// pumpAvailable relays whatever responses the server has already produced,
// without requiring a ReadyForQuery terminator. This is the Flush path:
// the backend flushes its buffered responses promptly, but nothing marks
// their end, so the drain stops once the wire goes quiet for the flush
// window. Any still-queued synthesized ParseCompletes are emitted at the
// end — the resolution of the elided-Parse-then-Flush-without-Sync
// ambiguity: the server sends nothing for an elided Parse, so its
// ParseComplete cannot trail anything.
func (s *Session) pumpAvailable(srv *backend.Server) error {
	ready, status, err := srv.ReceiveAvailable(func(f wire.Frame) error {
		return s.relayFrame(srv, f)
	}, s.flushTimeout())
	if err != nil {
		return s.pumpFailure(srv, err)
	}
	if ready {
		s.onReadyForQuery(status)
		return nil
	}
	return s.flushSynthesized()
}

// relayFrame forwards one server frame to the client, consulting the
// parseOps queue to keep the client's view of the response stream aligned
// with the frames it actually sent: synthesized ParseComplete/CloseComplete
// entries are emitted before the next real frame, forwarded Parses are
// recorded on the connection, and injected Parses have their ParseComplete
// swallowed.
func (s *Session) relayFrame(srv *backend.Server, f wire.Frame) error {
	if f.Type == wire.ErrorResponse {
		// The server discards everything up to the next Sync after an
		// error; pending Parse bookkeeping is void, and the client sees
		// exactly the frames the server now produces.
		s.parseOps = nil
		return s.writeToClient(f)
	}

	if err := s.flushSynthesized(); err != nil {
		return err
	}

	if f.Type == wire.ParameterStatus && s.settings.LogParameterStatusChanges {
		key, val, _ := wire.ParseNullTerminatedPair(f.Payload)
		slog.Info("server parameter changed", "session", s.id, "param", key, "value", val)
	}

	if f.Type == wire.ParseComplete && len(s.parseOps) > 0 {
		op := s.parseOps[0]
		s.parseOps = s.parseOps[1:]
		srv.RememberStatement(op.name)
		if op.kind == opSuppress {
			return nil
		}
	}
	return s.writeToClient(f)
}

// flushSynthesized emits any synthesized-frame ops at the head of the
// queue. Ops behind a pending opForward/opSuppress stay queued: their slot
// is after that Parse's real response.
func (s *Session) flushSynthesized() error {
	for len(s.parseOps) > 0 {
		switch s.parseOps[0].kind {
		case opSynthParse:
			s.parseOps = s.parseOps[1:]
			if err := s.writeToClient(wire.Frame{Type: wire.ParseComplete}); err != nil {
				return err
			}
		case opSynthClose:
			s.parseOps = s.parseOps[1:]
			if err := s.synthesizeCloseComplete(); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (s *Session) onReadyForQuery(status wire.TxnStatus) {
	// ReadyForQuery ends the exchange; anything still queued was either
	// emitted by relayFrame ahead of it or voided by an ErrorResponse.
	s.parseOps = nil
	switch status {
	case wire.TxnIdle:
		s.txnDepth = 0
		s.savepoints = nil
		s.state = stateIdle
		if s.metrics != nil {
			var d time.Duration
			if !s.txnStart.IsZero() {
				d = time.Since(s.txnStart)
			}
			s.metrics.TransactionCompleted(s.poolKey.Database, s.poolKey.User, d)
		}
		s.txnStart = time.Time{}
		s.deferredBeginSQL = ""
		s.releaseServer(backend.Clean)
	case wire.TxnInTxn:
		s.txnDepth = 1
		s.state = stateIdleInTxn
	case wire.TxnFailed:
		s.txnDepth = 1
		s.state = stateAbortedInTxn
		s.abortedSince = time.Now()
	}
}

// detachIdleServer implements the idle-in-transaction auto-rollback: once
// idle_client_in_tx_timeout elapses with a server still bound and the
// client silent in AbortedInTxn or IdleInTxn, the session issues
// ROLLBACK on the client's behalf and releases the server, instead of
// holding it hostage to an unresponsive client. The session itself
// keeps waiting — AbortedInTxn clients still owe an explicit ROLLBACK
// per handleTxnControl's wasAborted branch; IdleInTxn clients get their
// BEGIN replayed transparently the next time a server is acquired.
func (s *Session) detachIdleServer() {
	if s.server == nil {
		return
	}
	srv := s.server
	outcome := s.rollbackServer(srv)

	s.server = nil
	s.cancelRouter.Unbind(s.cancelKey)
	s.pool.Release(srv, outcome)
	if s.metrics != nil {
		s.metrics.BackendReset(s.poolKey.Database, outcome == backend.Clean)
	}

	if s.state == stateIdleInTxn {
		s.deferredBeginPending = true
	}
	if s.state == stateAbortedInTxn {
		slog.Debug("session: aborted-in-transaction timeout, detached server",
			"session", s.id, "aborted_for", time.Since(s.abortedSince))
	} else {
		slog.Debug("session: idle-in-transaction timeout, detached server", "session", s.id)
	}
}

func (s *Session) synthesizeCommandComplete(tag string, status wire.TxnStatus) error {
	if err := s.writeToClient(wire.Frame{Type: wire.CommandComplete, Payload: wire.BuildCommandComplete(tag)}); err != nil {
		return err
	}
	return s.writeToClient(wire.Frame{Type: wire.ReadyForQuery, Payload: wire.BuildReadyForQuery(status)})
}

func (s *Session) synthesizeCloseComplete() error {
	return s.writeToClient(wire.Frame{Type: wire.CloseComplete, Payload: nil})
}

func (s *Session) sendError(severity, code, message string) error {
	payload := wire.BuildErrorResponse(severity, code, message)
	return s.writeToClient(wire.Frame{Type: wire.ErrorResponse, Payload: payload})
}

// clientWriteError marks a failure writing to the client's socket, as
// opposed to a backend failure: the server side of the conversation is
// still healthy and can be drained and reused.
type clientWriteError struct{ err error }

func (e *clientWriteError) Error() string { return "session: client write: " + e.err.Error() }
func (e *clientWriteError) Unwrap() error { return e.err }

func (s *Session) writeToClient(f wire.Frame) error {
	if err := wire.WriteTypedTimeout(s.conn, f.Type, f.Payload, s.settings.ServerFlushTimeout); err != nil {
		return &clientWriteError{err: err}
	}
	return nil
}

func (s *Session) flushTimeout() time.Duration { return s.settings.ServerFlushTimeout }

// releaseOnExit runs when Run returns, for any reason, and guarantees a
// held Server never goes back to idle with unread bytes.
func (s *Session) releaseOnExit() {
	if s.server == nil {
		return
	}
	srv := s.server
	s.server = nil
	s.cancelRouter.Unbind(s.cancelKey)

	switch s.state {
	case stateIdle:
		if s.settings.CleanupServerConnections || s.settings.PoolMode == "session" {
			// A session-mode server has carried this client's SETs and
			// prepared statements for its whole lifetime; scrub before it
			// serves anyone else.
			_ = srv.DiscardState(s.flushTimeout())
		}
		s.pool.Release(srv, backend.Clean)
		return

	case stateIdleInTxn, stateAbortedInTxn:
		// No response in flight; the server is just parked inside an open
		// (possibly failed) transaction. Roll it back and reuse it.
		outcome := s.rollbackServer(srv)
		if outcome == backend.Clean && (s.settings.CleanupServerConnections || s.settings.PoolMode == "session") {
			_ = srv.DiscardState(s.flushTimeout())
		}
		s.pool.Release(srv, outcome)
		if s.metrics != nil {
			s.metrics.DirtyDisconnect(s.poolKey.Database)
		}
		return
	}

	// Busy: a response may still be in flight. Drain it, bounded, before
	// deciding the outcome — this is the "buffer cleanup" guarantee: the
	// server must never return to idle with unread bytes.
	done := make(chan wire.TxnStatus, 1)
	errCh := make(chan error, 1)
	go func() {
		status, err := srv.ReceiveUntilReady(func(wire.Frame) error { return nil }, releaseDrainDeadline)
		if err != nil {
			errCh <- err
			return
		}
		done <- status
	}()

	select {
	case status := <-done:
		outcome := backend.Clean
		if status != wire.TxnIdle {
			// The drained exchange left a transaction open; close it out
			// before the connection returns.
			outcome = s.rollbackServer(srv)
		}
		s.pool.Release(srv, outcome)
	case <-errCh:
		s.pool.Release(srv, backend.Broken)
	case <-time.After(releaseDrainDeadline + time.Second):
		// Belt and suspenders: ReceiveUntilReady's own read deadline should
		// already have unblocked the goroutine above by now. This case only
		// fires if the goroutine is stuck somewhere other than the socket
		// read itself.
		s.pool.Release(srv, backend.ForceClose)
	}
	if s.metrics != nil {
		s.metrics.DirtyDisconnect(s.poolKey.Database)
	}
}

// rollbackServer closes out an open transaction on srv with a full
// ROLLBACK round-trip, reporting Broken if either leg fails.
func (s *Session) rollbackServer(srv *backend.Server) backend.Outcome {
	if err := srv.SendFrames(frameOf(wire.Query, append([]byte("ROLLBACK"), 0)), s.flushTimeout()); err != nil {
		return backend.Broken
	}
	if _, err := srv.ReceiveUntilReady(func(wire.Frame) error { return nil }, s.flushTimeout()); err != nil {
		return backend.Broken
	}
	return backend.Clean
}

// --- wire helpers ---------------------------------------------------

func frameOf(msgType byte, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	return buf
}

func parseParseMessage(payload []byte) (name, sql string, paramOIDs []uint32, err error) {
	name, sql, rest, err := readTwoStrings(payload)
	if err != nil {
		return "", "", nil, err
	}
	if len(rest) < 2 {
		return name, sql, nil, nil
	}
	n := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	oids := make([]uint32, 0, n)
	for i := 0; i < n && len(rest) >= 4; i++ {
		oids = append(oids, binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
	}
	return name, sql, oids, nil
}

func readTwoStrings(payload []byte) (a, b string, rest []byte, err error) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return "", "", nil, fmt.Errorf("session: malformed message, missing first terminator")
	}
	a = string(payload[:i])
	payload = payload[i+1:]
	j := bytes.IndexByte(payload, 0)
	if j < 0 {
		return "", "", nil, fmt.Errorf("session: malformed message, missing second terminator")
	}
	b = string(payload[:j])
	return a, b, payload[j+1:], nil
}

func buildParseMessage(name, sql string, paramOIDs []uint32) []byte {
	var buf []byte
	buf = append(buf, name...)
	buf = append(buf, 0)
	buf = append(buf, sql...)
	buf = append(buf, 0)
	n := make([]byte, 2)
	binary.BigEndian.PutUint16(n, uint16(len(paramOIDs)))
	buf = append(buf, n...)
	for _, oid := range paramOIDs {
		o := make([]byte, 4)
		binary.BigEndian.PutUint32(o, oid)
		buf = append(buf, o...)
	}
	return buf
}

// extractStatementName pulls the statement name out of a Bind, Describe,
// or Close payload. kind distinguishes the three shapes: Bind is
// (portal\0 statement\0 ...), Describe/Close are (type_byte statement\0).
func extractStatementName(f wire.Frame, kind byte) (string, bool) {
	switch kind {
	case 'B':
		_, stmt, _, err := readTwoStrings(f.Payload)
		if err != nil {
			return "", false
		}
		return stmt, true
	case 'D', 'C':
		if len(f.Payload) < 2 {
			return "", false
		}
		i := bytes.IndexByte(f.Payload[1:], 0)
		if i < 0 {
			return "", false
		}
		return string(f.Payload[1 : 1+i]), true
	}
	return "", false
}

// rewriteStatementName rebuilds a Bind/Describe/Close payload with the
// client's statement name replaced by serverName.
func rewriteStatementName(payload []byte, kind byte, serverName string) []byte {
	switch kind {
	case 'B':
		portal, _, rest, err := readTwoStrings(payload)
		if err != nil {
			return payload
		}
		var out []byte
		out = append(out, portal...)
		out = append(out, 0)
		out = append(out, serverName...)
		out = append(out, 0)
		out = append(out, rest...)
		return out
	case 'D', 'C':
		var out []byte
		out = append(out, payload[0])
		out = append(out, serverName...)
		out = append(out, 0)
		return out
	}
	return payload
}

