package poolmgr

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dbbouncer/pgscram/internal/backend"
)

// newBenchPool creates a Pool pre-loaded with n injected net.Pipe-backed
// servers and a large AcquireTimeout so waits don't skew results.
func newBenchPool(b *testing.B, n int) (*Pool, []net.Conn) {
	b.Helper()
	p := New(Key{Database: "bench", User: "bench"}, Settings{
		PoolSize:       n,
		PoolMode:       "transaction",
		ServerLifetime: time.Hour,
		IdleTimeout:    time.Hour,
		AcquireTimeout: 30 * time.Second,
		DialOpts:       backend.DialOptions{Address: "127.0.0.1:1"},
	})

	pipes := make([]net.Conn, 0, n*2)
	for i := 0; i < n; i++ {
		a, bb := net.Pipe()
		pipes = append(pipes, a, bb)
		s := backend.NewTestServer(a, uint32(i), uint32(i))

		p.mu.Lock()
		s.MarkIdle()
		p.idle = append(p.idle, s)
		p.total++
		p.mu.Unlock()
	}
	return p, pipes
}

// BenchmarkAcquireRelease measures the throughput of a single goroutine
// repeatedly acquiring and immediately releasing a server. Pool size 1, so
// no contention; this is pure checkout/checkin overhead.
func BenchmarkAcquireRelease(b *testing.B) {
	p, pipes := newBenchPool(b, 1)
	defer p.Close()
	defer func() {
		for _, c := range pipes {
			c.Close()
		}
	}()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s, err := p.Acquire(ctx, time.Time{})
		if err != nil {
			b.Fatalf("Acquire: %v", err)
		}
		p.Release(s, Clean)
	}
}

// BenchmarkAcquireReleaseContended runs 8 goroutines against a pool of 2,
// so most acquires go through the waiter queue.
func BenchmarkAcquireReleaseContended(b *testing.B) {
	p, pipes := newBenchPool(b, 2)
	defer p.Close()
	defer func() {
		for _, c := range pipes {
			c.Close()
		}
	}()

	const workers = 8
	ctx := context.Background()
	b.ResetTimer()

	var wg sync.WaitGroup
	each := b.N / workers
	if each == 0 {
		each = 1
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				s, err := p.Acquire(ctx, time.Time{})
				if err != nil {
					b.Errorf("Acquire: %v", err)
					return
				}
				p.Release(s, Clean)
			}
		}()
	}
	wg.Wait()
}
