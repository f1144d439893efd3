package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyphae-dev/hyphae/internal/graph"
	"github.com/hyphae-dev/hyphae/internal/recency"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *recency.Cache) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(filepath.Join(dir, "memories.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	g, err := graph.Open(filepath.Join(dir, "graph.db"))
	if err != nil {
		t.Fatalf("failed to open graph store: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	rc := recency.New(10)
	return NewServer(config.DefaultConfig(), s, g, rc), s, rc
}

func getJSON(t *testing.T, srv *Server, path string) map[string]interface{} {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s returned %d: %s", path, w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s returned invalid JSON: %v", path, err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := getJSON(t, srv, "/api/v1/health")
	if body["success"] != true {
		t.Fatalf("expected success, got %v", body)
	}
	data := body["data"].(map[string]interface{})
	if data["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", data["status"])
	}
}

func TestStatsEndpointCountsMemoriesAndRecency(t *testing.T) {
	srv, s, rc := newTestServer(t)

	s.Insert("erlebnisse", "a", "content a", "2026-07-01")
	s.Insert("humor", "b", "content b", "2026-07-01")
	rc.Append(recency.Slot{RecordID: 1, Category: "erlebnisse", Topic: "a", Content: "content a", InsertedAt: time.Now()})

	body := getJSON(t, srv, "/api/v1/stats")
	data := body["data"].(map[string]interface{})

	memories := data["memories"].(map[string]interface{})
	if memories["total"].(float64) != 2 {
		t.Fatalf("expected 2 memories, got %v", memories["total"])
	}

	recencyData := data["recency"].(map[string]interface{})
	if recencyData["occupancy"].(float64) != 1 {
		t.Fatalf("expected recency occupancy 1, got %v", recencyData["occupancy"])
	}
	if recencyData["capacity"].(float64) != 10 {
		t.Fatalf("expected recency capacity 10, got %v", recencyData["capacity"])
	}
}

func TestRecencyEndpointIsNewestFirst(t *testing.T) {
	srv, _, rc := newTestServer(t)

	rc.Append(recency.Slot{RecordID: 1, Topic: "older", InsertedAt: time.Now().Add(-time.Minute)})
	rc.Append(recency.Slot{RecordID: 2, Topic: "newer", InsertedAt: time.Now()})

	body := getJSON(t, srv, "/api/v1/recency")
	data := body["data"].([]interface{})
	if len(data) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(data))
	}
	first := data[0].(map[string]interface{})
	if first["topic"] != "newer" {
		t.Fatalf("expected newest-first ordering, got %v first", first["topic"])
	}
}

func TestConfigEndpointExposesDefaults(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := getJSON(t, srv, "/api/v1/config")
	data := body["data"].(map[string]interface{})
	if data["recency_capacity"].(float64) != 10 {
		t.Fatalf("expected recency_capacity 10, got %v", data["recency_capacity"])
	}
	if data["rerank_default"] != "hybrid" {
		t.Fatalf("expected hybrid rerank default, got %v", data["rerank_default"])
	}
}
