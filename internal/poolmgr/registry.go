package poolmgr

import (
	"sync"
	"sync/atomic"
)

// registrySnapshot is an immutable point-in-time view of the pool table.
// Stored in atomic.Value so Lookup is lock-free on the request hot path.
type registrySnapshot struct {
	pools map[Key]*Pool
}

// Registry is the atomically swappable PoolKey -> Pool table. Lookup never
// blocks on a writer; Reload/Add/Remove serialize on a write mutex and
// install a new snapshot.
type Registry struct {
	snap atomic.Value // holds *registrySnapshot
	wmu  sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&registrySnapshot{pools: make(map[Key]*Pool)})
	return r
}

func (r *Registry) load() *registrySnapshot {
	return r.snap.Load().(*registrySnapshot)
}

func (r *Registry) cloneSnap() *registrySnapshot {
	cur := r.load()
	pools := make(map[Key]*Pool, len(cur.pools))
	for k, p := range cur.pools {
		pools[k] = p
	}
	return &registrySnapshot{pools: pools}
}

// Lookup returns the Pool for key, if any. Lock-free.
func (r *Registry) Lookup(key Key) (*Pool, bool) {
	p, ok := r.load().pools[key]
	return p, ok
}

// Put registers or replaces the Pool for key. The caller is responsible
// for draining any pool it displaces.
func (r *Registry) Put(key Key, p *Pool) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.pools[key] = p
	r.snap.Store(s)
}

// Remove deletes key from the registry, returning the removed Pool (if
// any) so the caller can drain it. The registry itself never closes pools
// implicitly.
func (r *Registry) Remove(key Key) (*Pool, bool) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	p, ok := cur.pools[key]
	if !ok {
		return nil, false
	}
	s := r.cloneSnap()
	delete(s.pools, key)
	r.snap.Store(s)
	return p, true
}

// All returns every (Key, *Pool) currently registered. Lock-free.
func (r *Registry) All() map[Key]*Pool {
	snap := r.load()
	out := make(map[Key]*Pool, len(snap.pools))
	for k, p := range snap.pools {
		out[k] = p
	}
	return out
}

// SameSettings reports whether two Settings describe byte-identical pool
// behavior, per the reload rule that a pool unchanged in (user, address,
// pool_size, pool_mode, lifetimes, tls) is carried over rather than
// drained and replaced.
func SameSettings(a, b Settings) bool {
	return a.PoolSize == b.PoolSize &&
		a.MinPoolSize == b.MinPoolSize &&
		a.PoolMode == b.PoolMode &&
		a.RoundRobin == b.RoundRobin &&
		a.ServerLifetime == b.ServerLifetime &&
		a.IdleTimeout == b.IdleTimeout &&
		a.AcquireTimeout == b.AcquireTimeout &&
		a.DialOpts.Address == b.DialOpts.Address &&
		a.DialOpts.TLSMode == b.DialOpts.TLSMode &&
		a.DialOpts.Creds == b.DialOpts.Creds
}

// Reload replaces the registry's contents from desired, carrying over
// pools whose settings are unchanged (preserving their live statistics
// and in-flight connections) and draining+replacing the rest. Pools
// whose key is absent from desired are removed and returned for the
// caller to drain. The swap itself is observed as all-or-nothing by any
// concurrent Lookup.
func (r *Registry) Reload(desired map[Key]Settings) (removed []*Pool) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	next := make(map[Key]*Pool, len(desired))

	for key, settings := range desired {
		if existing, ok := cur.pools[key]; ok && SameSettings(existing.settings, settings) {
			next[key] = existing
			continue
		}
		if existing, ok := cur.pools[key]; ok {
			removed = append(removed, existing)
		}
		next[key] = New(key, settings)
	}

	for key, existing := range cur.pools {
		if _, stillWanted := desired[key]; !stillWanted {
			removed = append(removed, existing)
		}
	}

	r.snap.Store(&registrySnapshot{pools: next})
	return removed
}
