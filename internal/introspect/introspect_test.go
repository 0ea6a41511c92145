package introspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbbouncer/pgscram/internal/backend"
	"github.com/dbbouncer/pgscram/internal/poolmgr"
)

func TestHealthzReportsPools(t *testing.T) {
	registry := poolmgr.NewRegistry()
	key := poolmgr.Key{Database: "appdb", User: "alice"}
	registry.Put(key, poolmgr.New(key, poolmgr.Settings{
		PoolSize: 4,
		PoolMode: "transaction",
		DialOpts: backend.DialOptions{Address: "127.0.0.1:1"},
	}))

	s := NewServer(registry, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.healthzHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
		Pools  []struct {
			Pool string `json:"pool"`
		} `json:"pools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding healthz body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if len(body.Pools) != 1 || body.Pools[0].Pool != "appdb/alice" {
		t.Errorf("pools = %+v, want the registered pool", body.Pools)
	}
}

func TestStartServesMetricsAndStops(t *testing.T) {
	registry := poolmgr.NewRegistry()
	s := NewServer(registry, prometheus.NewRegistry())

	if err := s.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}
