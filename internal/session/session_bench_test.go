package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgscram/internal/backend"
	"github.com/dbbouncer/pgscram/internal/cancelrouter"
	"github.com/dbbouncer/pgscram/internal/poolmgr"
	"github.com/dbbouncer/pgscram/internal/wire"
)

// BenchmarkSimpleQueryTransaction measures the end-to-end cost of one
// single-query transaction through the session loop: client Query in,
// pool acquire, forward, response relay, release on ReadyForQuery(I).
// The mock backend runs over a real TCP loopback socket so the numbers
// include the same syscall pattern production sees.
func BenchmarkSimpleQueryTransaction(b *testing.B) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := wire.ReadUntyped(conn, 0); err != nil {
			return
		}
		_ = wire.WriteTyped(conn, wire.Authentication, wire.BuildAuthenticationOK())
		_ = wire.WriteTyped(conn, wire.ReadyForQuery, wire.BuildReadyForQuery(wire.TxnIdle))

		for {
			f, err := wire.ReadTyped(conn, 0)
			if err != nil || f.Type == wire.Terminate {
				return
			}
			_ = wire.WriteTyped(conn, wire.CommandComplete, wire.BuildCommandComplete("SELECT 1"))
			_ = wire.WriteTyped(conn, wire.ReadyForQuery, wire.BuildReadyForQuery(wire.TxnIdle))
		}
	}()

	key := poolmgr.Key{Database: "bench", User: "bench"}
	pool := poolmgr.New(key, poolmgr.Settings{
		PoolSize: 1,
		PoolMode: "transaction",
		DialOpts: backend.DialOptions{
			Address:        ln.Addr().String(),
			ConnectTimeout: 2 * time.Second,
			Creds:          backend.Credentials{User: "bench", Database: "bench"},
		},
	})
	defer pool.Close()

	clientConn, sessConn := net.Pipe()
	defer clientConn.Close()

	sess := New(sessConn, key, pool, cancelrouter.Key{PID: 1, Secret: 2}, cancelrouter.New(), nil,
		Settings{PoolMode: "transaction", ServerFlushTimeout: 5 * time.Second})

	go func() { _ = sess.Run(context.Background()) }()

	query := append([]byte("SELECT 1"), 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := wire.WriteTyped(clientConn, wire.Query, query); err != nil {
			b.Fatalf("client write: %v", err)
		}
		for {
			f, err := wire.ReadTyped(clientConn, 0)
			if err != nil {
				b.Fatalf("client read: %v", err)
			}
			if f.Type == wire.ReadyForQuery {
				break
			}
		}
	}
	b.StopTimer()
	_ = wire.WriteTyped(clientConn, wire.Terminate, nil)
}
