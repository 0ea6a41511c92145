package poolmgr

import (
	"testing"

	"github.com/dbbouncer/pgscram/internal/backend"
)

func TestRegistryPutLookup(t *testing.T) {
	r := NewRegistry()
	key := Key{Database: "appdb", User: "alice"}
	p := New(key, testSettings())
	defer p.Close()

	r.Put(key, p)

	got, ok := r.Lookup(key)
	if !ok || got != p {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}

	if _, ok := r.Lookup(Key{Database: "appdb", User: "bob"}); ok {
		t.Fatal("expected miss for unregistered key")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	key := Key{Database: "appdb", User: "alice"}
	p := New(key, testSettings())
	defer p.Close()
	r.Put(key, p)

	removed, ok := r.Remove(key)
	if !ok || removed != p {
		t.Fatalf("Remove = %v, %v", removed, ok)
	}
	if _, ok := r.Lookup(key); ok {
		t.Fatal("expected key gone after Remove")
	}
	if _, ok := r.Remove(key); ok {
		t.Fatal("expected second Remove to report not found")
	}
}

func TestRegistryReloadCarriesUnchangedPools(t *testing.T) {
	r := NewRegistry()
	key := Key{Database: "appdb", User: "alice"}
	settings := testSettings()
	p := New(key, settings)
	defer p.Close()
	r.Put(key, p)

	removed := r.Reload(map[Key]Settings{key: settings})
	if len(removed) != 0 {
		t.Fatalf("expected nothing removed for unchanged settings, got %d", len(removed))
	}

	got, ok := r.Lookup(key)
	if !ok || got != p {
		t.Fatal("expected the same *Pool instance to be carried over")
	}
}

func TestRegistryReloadReplacesChangedPools(t *testing.T) {
	r := NewRegistry()
	key := Key{Database: "appdb", User: "alice"}
	settings := testSettings()
	p := New(key, settings)
	defer p.Close()
	r.Put(key, p)

	changed := settings
	changed.PoolSize = settings.PoolSize + 5

	removed := r.Reload(map[Key]Settings{key: changed})
	if len(removed) != 1 || removed[0] != p {
		t.Fatalf("expected old pool to be returned for draining, got %+v", removed)
	}
	defer removed[0].Close()

	got, ok := r.Lookup(key)
	if !ok || got == p {
		t.Fatal("expected a new *Pool instance after a settings change")
	}
	defer got.Close()
}

func TestRegistryReloadDropsAbsentPools(t *testing.T) {
	r := NewRegistry()
	key := Key{Database: "appdb", User: "alice"}
	p := New(key, testSettings())
	defer p.Close()
	r.Put(key, p)

	removed := r.Reload(map[Key]Settings{})
	if len(removed) != 1 || removed[0] != p {
		t.Fatalf("expected dropped pool returned for draining, got %+v", removed)
	}
	if _, ok := r.Lookup(key); ok {
		t.Fatal("expected key gone after reload drops it")
	}
}

func TestRegistryAll(t *testing.T) {
	r := NewRegistry()
	k1 := Key{Database: "d1", User: "u1"}
	k2 := Key{Database: "d2", User: "u2"}
	p1 := New(k1, testSettings())
	p2 := New(k2, testSettings())
	defer p1.Close()
	defer p2.Close()
	r.Put(k1, p1)
	r.Put(k2, p2)

	all := r.All()
	if len(all) != 2 || all[k1] != p1 || all[k2] != p2 {
		t.Fatalf("All = %+v", all)
	}
}

func TestSameSettingsComparesDialAddressAndCreds(t *testing.T) {
	a := testSettings()
	b := testSettings()
	if !SameSettings(a, b) {
		t.Fatal("expected identical settings to compare equal")
	}

	b.DialOpts.Address = "127.0.0.1:9999"
	if SameSettings(a, b) {
		t.Fatal("expected differing backend address to compare unequal")
	}

	c := testSettings()
	c.DialOpts.Creds = backend.Credentials{User: "someone-else"}
	if SameSettings(a, c) {
		t.Fatal("expected differing credentials to compare unequal")
	}
}
