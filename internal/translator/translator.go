// Package translator implements transparent prepared-statement name
// translation so transaction-mode pooling can coexist with the extended
// query protocol. A client's Parse/Bind/Describe/Close statement names are
// remembered per session and rewritten to a process-wide server-side name
// that is reused across transactions and across the different physical
// backend connections a session's transactions may land on.
package translator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Fingerprint identifies a prepared statement by its normalized SQL text
// plus parameter-type OIDs, independent of which client named it what.
type Fingerprint uint64

// Compute hashes the normalized SQL text and parameter type OIDs into a
// Fingerprint. Two Parse calls with semantically identical SQL (modulo
// whitespace and comments) and identical parameter types produce the same
// Fingerprint, letting unrelated sessions share one server-side statement.
func Compute(sql string, paramOIDs []uint32) Fingerprint {
	h := xxhash.New()
	h.Write([]byte(normalize(sql)))
	for _, oid := range paramOIDs {
		var buf [4]byte
		buf[0] = byte(oid)
		buf[1] = byte(oid >> 8)
		buf[2] = byte(oid >> 16)
		buf[3] = byte(oid >> 24)
		h.Write(buf[:])
	}
	return Fingerprint(h.Sum64())
}

// normalize collapses insignificant whitespace and strips comments while
// preserving quoted string/identifier content exactly, so two statements
// that differ only in formatting fingerprint identically.
func normalize(sql string) string {
	var out strings.Builder
	out.Grow(len(sql))

	runes := []rune(sql)
	n := len(runes)
	lastWasSpace := false

	for i := 0; i < n; i++ {
		c := runes[i]

		// Line comment.
		if c == '-' && i+1 < n && runes[i+1] == '-' {
			for i < n && runes[i] != '\n' {
				i++
			}
			continue
		}
		// Block comment (no nesting, matching standard SQL).
		if c == '/' && i+1 < n && runes[i+1] == '*' {
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
			continue
		}
		// Single-quoted string literal, preserved verbatim including '' escapes.
		if c == '\'' {
			out.WriteRune(c)
			i++
			for i < n {
				out.WriteRune(runes[i])
				if runes[i] == '\'' {
					if i+1 < n && runes[i+1] == '\'' {
						out.WriteRune(runes[i+1])
						i += 2
						continue
					}
					break
				}
				i++
			}
			lastWasSpace = false
			continue
		}
		// Double-quoted identifier, preserved verbatim including "" escapes.
		if c == '"' {
			out.WriteRune(c)
			i++
			for i < n {
				out.WriteRune(runes[i])
				if runes[i] == '"' {
					if i+1 < n && runes[i+1] == '"' {
						out.WriteRune(runes[i+1])
						i += 2
						continue
					}
					break
				}
				i++
			}
			lastWasSpace = false
			continue
		}

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			if !lastWasSpace && out.Len() > 0 {
				out.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}

		out.WriteRune(c)
		lastWasSpace = false
	}

	return strings.TrimSpace(out.String())
}

// ServerEntry is what the shared server-side cache remembers about one
// fingerprint: the minted name and the original SQL/types needed to inject
// a Parse on a connection that doesn't have this name yet.
type ServerEntry struct {
	Name      string
	SQL       string
	ParamOIDs []uint32

	mu       sync.Mutex
	refCount int
}

// AddRef / Release track how many live client-side references point at
// this fingerprint, informing (but not gating) eviction: eviction is
// size-driven LRU. A DEALLOCATE never closes the shared statement even at
// refcount zero — other sessions may re-reference the same fingerprint,
// and the LRU bound reclaims it anyway.
func (e *ServerEntry) AddRef() {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
}

func (e *ServerEntry) Release() int {
	e.mu.Lock()
	e.refCount--
	n := e.refCount
	e.mu.Unlock()
	return n
}

// EvictFunc is invoked when the shared cache evicts an entry that is safe
// to drop: the pool's job is to Close('S', name) on every server that has
// it, which it does by iterating its own server set — the cache itself
// has no knowledge of which physical servers exist.
type EvictFunc func(evicted *ServerEntry)

// ServerCache is the pool-wide, process-local mapping from Fingerprint to
// the server-side statement name every backend connection in the pool uses
// for it. Bounded by an LRU; size 0 means unbounded.
type ServerCache struct {
	mu       sync.Mutex
	bounded  *lru.Cache[Fingerprint, *ServerEntry]
	unb      map[Fingerprint]*ServerEntry
	seq      uint64
	onEvict  EvictFunc
}

// NewServerCache creates a ServerCache bounded to size entries (0 =
// unbounded). onEvict fires synchronously from within GetOrCreate when
// an insert displaces an older entry.
func NewServerCache(size int, onEvict EvictFunc) *ServerCache {
	c := &ServerCache{onEvict: onEvict}
	if size > 0 {
		cache, err := lru.NewWithEvict[Fingerprint, *ServerEntry](size, func(_ Fingerprint, v *ServerEntry) {
			if c.onEvict != nil {
				c.onEvict(v)
			}
		})
		if err != nil {
			// size > 0 was validated by the caller; lru.New only errors on size <= 0.
			panic(fmt.Sprintf("translator: invalid server cache size %d: %v", size, err))
		}
		c.bounded = cache
	} else {
		c.unb = make(map[Fingerprint]*ServerEntry)
	}
	return c
}

// GetOrCreate returns the existing entry for fp, or mints a new server
// name and inserts one. created reports which happened.
func (c *ServerCache) GetOrCreate(fp Fingerprint, sql string, paramOIDs []uint32) (entry *ServerEntry, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bounded != nil {
		if e, ok := c.bounded.Get(fp); ok {
			return e, false
		}
	} else if e, ok := c.unb[fp]; ok {
		return e, false
	}

	c.seq++
	e := &ServerEntry{
		Name:      "s_" + strconv.FormatUint(c.seq, 36),
		SQL:       sql,
		ParamOIDs: paramOIDs,
	}

	if c.bounded != nil {
		c.bounded.Add(fp, e)
	} else {
		c.unb[fp] = e
	}
	return e, true
}

// Len reports the number of cached entries.
func (c *ServerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bounded != nil {
		return c.bounded.Len()
	}
	return len(c.unb)
}

// ClientEntry is what one ClientSession remembers about a client-chosen
// statement name: the fingerprint it resolved to and the original SQL/
// types, so the session can re-issue Parse on the server-side cache's
// behalf if the bound Server doesn't have that fingerprint's name yet.
type ClientEntry struct {
	Fingerprint Fingerprint
	SQL         string
	ParamOIDs   []uint32
}

// ClientCache is the per-session client_name -> ClientEntry map. Bounded by
// an LRU; size 0 means unbounded, in which case callers should keep an eye
// on ClientCache.Len().
type ClientCache struct {
	bounded *lru.Cache[string, ClientEntry]
	unb     map[string]ClientEntry
}

// NewClientCache creates a ClientCache bounded to size entries (0 = unbounded).
func NewClientCache(size int) *ClientCache {
	c := &ClientCache{}
	if size > 0 {
		cache, err := lru.New[string, ClientEntry](size)
		if err != nil {
			panic(fmt.Sprintf("translator: invalid client cache size %d: %v", size, err))
		}
		c.bounded = cache
	} else {
		c.unb = make(map[string]ClientEntry)
	}
	return c
}

func (c *ClientCache) Put(name string, e ClientEntry) {
	if c.bounded != nil {
		c.bounded.Add(name, e)
		return
	}
	c.unb[name] = e
}

func (c *ClientCache) Get(name string) (ClientEntry, bool) {
	if c.bounded != nil {
		return c.bounded.Get(name)
	}
	e, ok := c.unb[name]
	return e, ok
}

func (c *ClientCache) Remove(name string) {
	if c.bounded != nil {
		c.bounded.Remove(name)
		return
	}
	delete(c.unb, name)
}

// Clear empties the cache, for DISCARD ALL / DEALLOCATE ALL.
func (c *ClientCache) Clear() {
	if c.bounded != nil {
		c.bounded.Purge()
		return
	}
	c.unb = make(map[string]ClientEntry)
}

func (c *ClientCache) Len() int {
	if c.bounded != nil {
		return c.bounded.Len()
	}
	return len(c.unb)
}
