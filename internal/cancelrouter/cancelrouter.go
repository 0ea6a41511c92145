// Package cancelrouter implements the process-wide CancelKey -> bound
// Server lookup that lets an out-of-band CancelRequest, arriving on a
// brand-new, unauthenticated connection, reach the right backend.
package cancelrouter

import (
	"context"
	"sync"
	"time"

	"github.com/dbbouncer/pgscram/internal/backend"
)

// Key is the (pid, secret) pair a ClientSession is issued at startup and
// hands back, unauthenticated, on a CancelRequest.
type Key struct {
	PID    uint32
	Secret uint32
}

type entry struct {
	sessionID string
	server    *backend.Server
}

// Router is a concurrent map from Key to the session that owns it and
// whichever Server that session currently has bound, if any. Inserts and
// removals are idempotent: registering a session that's already registered
// just overwrites, and unregistering a key that isn't present is a no-op.
type Router struct {
	mu      sync.RWMutex
	entries map[Key]entry
}

// New creates an empty Router.
func New() *Router {
	return &Router{entries: make(map[Key]entry)}
}

// Register installs key for a newly authenticated session with no bound
// server yet.
func (r *Router) Register(key Key, sessionID string) {
	r.mu.Lock()
	r.entries[key] = entry{sessionID: sessionID}
	r.mu.Unlock()
}

// Bind records that key's session currently holds server, called from the
// pool-checkout path (Pool.Acquire's caller) so a CancelRequest arriving
// mid-transaction can find the right backend.
func (r *Router) Bind(key Key, server *backend.Server) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.server = server
		r.entries[key] = e
	}
	r.mu.Unlock()
}

// Unbind clears the bound server for key without removing the session's
// registration, called on transaction-boundary release.
func (r *Router) Unbind(key Key) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.server = nil
		r.entries[key] = e
	}
	r.mu.Unlock()
}

// Unregister removes key entirely, called on session teardown.
func (r *Router) Unregister(key Key) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Deliver resolves key to its bound Server, if any, and invokes Cancel on
// it. Misses (unknown key, or a known key with no currently bound server)
// are reported via hit=false and are not an error: the caller closes the
// cancel connection either way, per protocol.
func (r *Router) Deliver(ctx context.Context, key Key, connectTimeout time.Duration) (hit bool, err error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()

	if !ok || e.server == nil {
		return false, nil
	}
	return true, e.server.Cancel(ctx, connectTimeout)
}
