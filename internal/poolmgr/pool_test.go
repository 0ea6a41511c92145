package poolmgr

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dbbouncer/pgscram/internal/backend"
)

func testSettings() Settings {
	return Settings{
		PoolSize:       2,
		MinPoolSize:    0,
		PoolMode:       "transaction",
		ServerLifetime: time.Hour,
		IdleTimeout:    time.Minute,
		AcquireTimeout: time.Second,
		DialOpts: backend.DialOptions{
			Address: "127.0.0.1:1", // never actually dialed in these tests
		},
	}
}

func injectIdle(t *testing.T, p *Pool) *backend.Server {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	s := backend.NewTestServer(a, 1, 1)

	p.mu.Lock()
	s.MarkIdle()
	p.idle = append(p.idle, s)
	p.total++
	p.mu.Unlock()
	p.cond.Signal()
	return s
}

func TestAcquireReturnsIdleServer(t *testing.T) {
	p := New(Key{Database: "d", User: "u"}, testSettings())
	defer p.Close()

	want := injectIdle(t, p)

	got, err := p.Acquire(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != want {
		t.Fatalf("got different server than injected")
	}

	stats := p.Stats()
	if stats.Active != 1 || stats.Idle != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	p.Release(got, Clean)
}

func TestAcquireTimeoutWhenExhausted(t *testing.T) {
	settings := testSettings()
	settings.PoolSize = 1
	settings.AcquireTimeout = 50 * time.Millisecond
	p := New(Key{Database: "d", User: "u"}, settings)
	defer p.Close()

	s := injectIdle(t, p)
	got, err := p.Acquire(context.Background(), time.Time{})
	if err != nil || got != s {
		t.Fatalf("first acquire: got=%v err=%v", got, err)
	}

	_, err = p.Acquire(context.Background(), time.Time{})
	if err == nil {
		t.Fatal("expected acquire timeout when pool exhausted")
	}
	p.Release(got, Clean)
}

func TestReleaseCleanReturnsToIdle(t *testing.T) {
	p := New(Key{Database: "d", User: "u"}, testSettings())
	defer p.Close()

	s := injectIdle(t, p)
	acquired, err := p.Acquire(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p.Release(acquired, Clean)

	stats := p.Stats()
	if stats.Idle != 1 || stats.Active != 0 {
		t.Fatalf("stats after clean release = %+v", stats)
	}
	if acquired.State() != backend.StateIdle {
		t.Fatalf("server state = %v, want idle", acquired.State())
	}
	_ = s
}

func TestReleaseBrokenClosesServer(t *testing.T) {
	p := New(Key{Database: "d", User: "u"}, testSettings())
	defer p.Close()

	s := injectIdle(t, p)
	acquired, _ := p.Acquire(context.Background(), time.Time{})

	p.Release(acquired, Broken)

	stats := p.Stats()
	if stats.Idle != 0 || stats.Active != 0 || stats.Total != 0 {
		t.Fatalf("stats after broken release = %+v", stats)
	}
	if acquired.State() != backend.StateDestroyed {
		t.Fatalf("server state = %v, want destroyed", acquired.State())
	}
	_ = s
}

func TestReleaseWakesWaiter(t *testing.T) {
	settings := testSettings()
	settings.PoolSize = 1
	settings.AcquireTimeout = 2 * time.Second
	p := New(Key{Database: "d", User: "u"}, settings)
	defer p.Close()

	s := injectIdle(t, p)
	acquired, err := p.Acquire(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var second *backend.Server
	var secondErr error
	go func() {
		defer wg.Done()
		second, secondErr = p.Acquire(context.Background(), time.Time{})
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(acquired, Clean)
	wg.Wait()

	if secondErr != nil {
		t.Fatalf("waiter Acquire: %v", secondErr)
	}
	if second != s {
		t.Fatalf("waiter got a different server than was released")
	}
	p.Release(second, Clean)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	settings := testSettings()
	settings.PoolSize = 1
	settings.AcquireTimeout = 5 * time.Second
	p := New(Key{Database: "d", User: "u"}, settings)
	defer p.Close()

	injectIdle(t, p)
	first, err := p.Acquire(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx, time.Time{})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	p.Release(first, Clean)
}

func TestReapIdlePreservesMinPoolSize(t *testing.T) {
	settings := testSettings()
	settings.MinPoolSize = 1
	settings.IdleTimeout = 1 * time.Millisecond
	p := New(Key{Database: "d", User: "u"}, settings)
	defer p.Close()

	injectIdle(t, p)
	injectIdle(t, p)
	time.Sleep(5 * time.Millisecond)

	p.reapIdle()

	stats := p.Stats()
	if stats.Idle != 1 {
		t.Fatalf("idle = %d, want 1 (preserving min_pool_size)", stats.Idle)
	}
}

func TestDrainClosesIdleImmediately(t *testing.T) {
	p := New(Key{Database: "d", User: "u"}, testSettings())
	s := injectIdle(t, p)

	p.Drain(time.Second)

	if s.State() != backend.StateDestroyed {
		t.Fatalf("idle server state after drain = %v, want destroyed", s.State())
	}
}

func TestAcquireRoundRobinPopsOldestIdle(t *testing.T) {
	settings := testSettings()
	settings.RoundRobin = true
	p := New(Key{Database: "d", User: "u"}, settings)
	defer p.Close()

	first := injectIdle(t, p)
	second := injectIdle(t, p)

	got, err := p.Acquire(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != first {
		t.Fatalf("round-robin pop returned the newest idle server")
	}
	p.Release(got, Clean)

	got, err = p.Acquire(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got != second {
		t.Fatalf("round-robin should rotate to the other idle server")
	}
	p.Release(got, Clean)
}
