// Package poolmgr implements the bounded per-key connection pool and the
// atomically swappable registry of pools keyed by (database, user).
package poolmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbbouncer/pgscram/internal/backend"
	"github.com/dbbouncer/pgscram/internal/translator"
)

// Key uniquely identifies a pool: the requested database and the client
// username authenticating into it. Equality is case-sensitive.
type Key struct {
	Database string
	User     string
}

func (k Key) String() string { return k.Database + "/" + k.User }

// Outcome mirrors backend.Outcome for callers that only depend on poolmgr.
type Outcome = backend.Outcome

const (
	Clean      = backend.Clean
	Broken     = backend.Broken
	ForceClose = backend.ForceClose
)

// Settings configures one Pool. Reload carries a Pool over byte-identical
// when SameSettings reports these fields (plus server address, TLS mode and
// credentials in DialOpts) unchanged. PreparedStatementsCacheSize is not
// compared, so a changed value alone does not replace a carried-over Pool.
type Settings struct {
	PoolSize       int
	MinPoolSize    int
	PoolMode       string // "session" or "transaction"
	ServerLifetime time.Duration
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	DialOpts       backend.DialOptions

	// RoundRobin pops the least recently used idle server (FIFO) instead
	// of the default most recently used (LIFO), spreading load evenly
	// across backends at the cost of keeping more connections warm.
	RoundRobin bool

	// PreparedStatementsCacheSize bounds the pool's shared server-side
	// prepared-statement cache (0 = unbounded).
	PreparedStatementsCacheSize int
}

// Stats is a point-in-time snapshot of a Pool's counters.
type Stats struct {
	Key       Key
	Active    int
	Idle      int
	Total     int
	Waiting   int
	Exhausted int64
}

// Pool admits at most Settings.PoolSize concurrent Active servers for one
// Key. Idle servers are popped LIFO (most recently used first), or FIFO
// when Settings.RoundRobin is set. Waiters
// are woken one at a time via sync.Cond, whose wake order is not
// guaranteed, so fairness beyond "some waiter wakes" is not promised.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	key      Key
	settings Settings

	idle    []*backend.Server
	active  map[*backend.Server]struct{}
	total   int
	waiting int
	exhausted int64

	closed bool
	stopCh chan struct{}

	stmtCache        *translator.ServerCache
	pendingEvictions []string
}

// New creates a Pool and starts its idle/lifetime reaper. If MinPoolSize
// is set, it also starts a background warm-up dialer.
func New(key Key, settings Settings) *Pool {
	p := &Pool{
		key:      key,
		settings: settings,
		active:   make(map[*backend.Server]struct{}),
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.stmtCache = translator.NewServerCache(settings.PreparedStatementsCacheSize, p.onStmtEvict)

	go p.reapLoop()
	if settings.MinPoolSize > 0 {
		go p.warmUp()
	}
	return p
}

func (p *Pool) warmUp() {
	for i := 0; i < p.settings.MinPoolSize; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.settings.MinPoolSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.settings.DialOpts.ConnectTimeout+2*time.Second)
		s, err := backend.Dial(ctx, p.settings.DialOpts)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up dial failed", "pool", p.key, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			s.Close()
			return
		}
		s.MarkIdle()
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		p.cond.Signal()
	}
}

// Acquire returns an idle Server if one is available, dials a new one if
// the pool has headroom, or parks until a Server is returned, deadline
// elapses, or ctx is cancelled (then ctx.Err() is returned).
func (p *Pool) Acquire(ctx context.Context, deadline time.Time) (*backend.Server, error) {
	if at := p.settings.AcquireTimeout; at > 0 {
		d := time.Now().Add(at)
		if deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("poolmgr: pool %s is closed", p.key)
		}

		for len(p.idle) > 0 {
			var s *backend.Server
			if p.settings.RoundRobin {
				s = p.idle[0]
				p.idle = p.idle[1:]
			} else {
				s = p.idle[len(p.idle)-1]
				p.idle = p.idle[:len(p.idle)-1]
			}

			if s.IsExpired(p.settings.ServerLifetime) {
				p.total--
				p.mu.Unlock()
				s.Close()
				p.mu.Lock()
				continue
			}

			s.MarkActive()
			p.active[s] = struct{}{}
			p.mu.Unlock()
			return s, nil
		}

		if p.total < p.settings.PoolSize {
			p.total++
			p.mu.Unlock()

			s, err := backend.Dial(ctx, p.settings.DialOpts)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.cond.Signal()
				return nil, fmt.Errorf("poolmgr: dialing for pool %s: %w", p.key, err)
			}

			s.MarkActive()
			p.mu.Lock()
			p.active[s] = struct{}{}
			p.mu.Unlock()
			return s, nil
		}

		p.waiting++
		p.exhausted++

		if !deadline.IsZero() && time.Until(deadline) <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("poolmgr: acquire timeout for pool %s: pool exhausted", p.key)
		}
		// Wake this waiter if ctx is cancelled while it is parked; the
		// check at the top of the loop then returns ctx.Err().
		stopCtxWake := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		if !deadline.IsZero() {
			timer := time.AfterFunc(time.Until(deadline), func() { p.cond.Broadcast() })
			p.cond.Wait()
			timer.Stop()
		} else {
			p.cond.Wait()
		}
		stopCtxWake()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("poolmgr: pool %s closing", p.key)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			p.mu.Unlock()
			return nil, fmt.Errorf("poolmgr: acquire timeout for pool %s: pool exhausted", p.key)
		}
	}
}

// Release returns s to the pool per outcome. Broken and ForceClose close
// the server outright; Clean inserts it back into idle unless it has
// aged out, in which case it is closed instead.
func (p *Pool) Release(s *backend.Server, outcome Outcome) {
	p.mu.Lock()
	delete(p.active, s)

	if outcome != Clean || p.closed {
		p.total--
		p.mu.Unlock()
		s.MarkClosing()
		s.Close()
		p.cond.Signal()
		return
	}

	if s.IsExpired(p.settings.ServerLifetime) {
		p.total--
		p.mu.Unlock()
		s.MarkClosing()
		s.Close()
		p.cond.Signal()
		return
	}

	p.mu.Unlock()
	p.drainPendingEvictions(s)
	p.mu.Lock()

	s.MarkIdle()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.cond.Signal()
}

// StmtCache returns the pool's shared server-side prepared-statement cache.
func (p *Pool) StmtCache() *translator.ServerCache { return p.stmtCache }

// onStmtEvict is the ServerCache's eviction callback. Closing the evicted
// name on every server that knows it would require holding each server's
// connection while it might be mid-transaction, which the cache has no
// visibility into. Instead this sweeps idle servers immediately (safe,
// since an idle server is never in async_mode). The name is listed in
// pendingEvictions only for the duration of that sweep, so only a server
// passing through Release in that window also drops it; a server that
// stays active past the sweep keeps the statement until it is closed.
func (p *Pool) onStmtEvict(evicted *translator.ServerEntry) {
	p.mu.Lock()
	p.pendingEvictions = append(p.pendingEvictions, evicted.Name)
	idle := make([]*backend.Server, len(p.idle))
	copy(idle, p.idle)
	p.mu.Unlock()

	for _, s := range idle {
		closeKnownStatement(s, evicted.Name)
	}

	p.mu.Lock()
	p.pendingEvictions = removeString(p.pendingEvictions, evicted.Name)
	p.mu.Unlock()
}

// drainPendingEvictions issues Close('S', name) against s for every
// pending eviction it actually knows about. Called by Release before a
// Clean server rejoins idle, since that's the next guaranteed Sync
// boundary for a server that was active during an eviction.
func (p *Pool) drainPendingEvictions(s *backend.Server) {
	p.mu.Lock()
	pending := make([]string, len(p.pendingEvictions))
	copy(pending, p.pendingEvictions)
	p.mu.Unlock()

	for _, name := range pending {
		closeKnownStatement(s, name)
	}
}

func closeKnownStatement(s *backend.Server, name string) {
	if !s.HasStatement(name) {
		return
	}
	if err := s.CloseStatement(name, 5*time.Second); err != nil {
		slog.Warn("failed to close evicted prepared statement", "name", name, "err", err)
		return
	}
	s.ForgetStatement(name)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Key:       p.key,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		Exhausted: p.exhausted,
	}
}

// Drain closes idle servers immediately and waits (bounded) for active
// servers to be released before returning; any still active past the
// bound are force-closed.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	for _, s := range p.idle {
		s.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for s := range p.active {
				s.Close()
				p.total--
			}
			p.active = make(map[*backend.Server]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed active servers after drain timeout", "pool", p.key)
			return
		}
	}
}

// Close stops the pool's reapers and drains it.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain(30 * time.Second)
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle implements both the idle reaper (idle too long) and the
// lifetime reaper (aged out), preserving MinPoolSize idle connections.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.settings.MinPoolSize {
		return
	}

	kept := make([]*backend.Server, 0, len(p.idle))
	excess := len(p.idle) - p.settings.MinPoolSize
	for i, s := range p.idle {
		agedOut := s.IsExpired(p.settings.ServerLifetime)
		idleTooLong := p.settings.IdleTimeout > 0 && time.Since(s.LastUsed()) > p.settings.IdleTimeout
		if i < excess && (agedOut || idleTooLong) {
			s.Close()
			p.total--
		} else {
			kept = append(kept, s)
		}
	}
	p.idle = kept
}
