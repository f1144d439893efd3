package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyphae-dev/hyphae/internal/analyzer"
	"github.com/hyphae-dev/hyphae/internal/graph"
	"github.com/hyphae-dev/hyphae/internal/recency"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/internal/vectorstore"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

// fakeOllama serves /api/embeddings and /api/generate. The generate handler
// is driven by a caller-supplied responder so each test can script the
// extract_and_analyze / judge_significance JSON payloads it needs.
func fakeOllama(t *testing.T, generateResponse func(prompt string) string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		vec := make([]float64, 768)
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": vec})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]interface{}{"response": generateResponse(req.Prompt)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fakeQdrant(t *testing.T) *httptest.Server {
	t.Helper()
	points := map[string]map[string]interface{}{}
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/hyphae-concepts", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/collections/hyphae-concepts/points", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Points []struct {
				ID      string                 `json:"id"`
				Payload map[string]interface{} `json:"payload"`
			} `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, p := range req.Points {
			points[p.ID] = p.Payload
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collections/hyphae-concepts/points/search", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"result": []interface{}{}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestPipeline(t *testing.T, generateResponse func(prompt string) string) *Pipeline {
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

	ollama := fakeOllama(t, generateResponse)
	qdrant := fakeQdrant(t)

	a := analyzer.New(&config.OllamaConfig{Enabled: true, BaseURL: ollama.URL, EmbeddingModel: "nomic-embed-text", ChatModel: "qwen2.5:3b"}, nil)
	vs := vectorstore.New(&config.QdrantConfig{Enabled: true, URL: qdrant.URL}, a)
	rc := recency.New(10)

	return New(s, rc, vs, g, a)
}

func significantGenerate(prompt string) string {
	if containsAny(prompt, "concepts") {
		return `{"concepts":[{"title":"breakthrough","description":"a paradigm shift in approach","analyzed_type":"bewusstsein","confidence":0.9,"mood":"reflective","keywords":["insight"]}]}`
	}
	return `{"significant":true,"reason":"paradigm shift"}`
}

func notSignificantGenerate(prompt string) string {
	if containsAny(prompt, "concepts") {
		return `{"concepts":[{"title":"routine","description":"a routine status update","analyzed_type":"erlebnisse","confidence":0.6,"mood":"neutral","keywords":["status"]}]}`
	}
	return `{"significant":false,"reason":"routine event"}`
}

func factualGenerate(prompt string) string {
	if containsAny(prompt, "concepts") {
		return `{"concepts":[{"title":"fact","description":"go uses goroutines for concurrency","analyzed_type":"faktenwissen","confidence":0.95,"mood":"neutral","keywords":["golang"]}]}`
	}
	return `{"significant":false,"reason":"unused"}`
}

func containsAny(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestIngestSignificantRecordIsKeptPermanent(t *testing.T) {
	p := newTestPipeline(t, significantGenerate)

	resp, err := p.Ingest(context.Background(), Request{Category: "erlebnisse", Topic: "big moment", Content: "we changed how we work together"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success")
	}
	if !resp.StoredPermanent {
		t.Fatal("expected significant record to be kept permanent")
	}
	if resp.StoredInRecency {
		t.Fatal("expected significant record to NOT be recency-eligible")
	}
	if resp.ID == 0 {
		t.Fatal("expected a nonzero id for a permanently kept record")
	}

	rec, err := p.store.Get(resp.ID)
	if err != nil {
		t.Fatalf("failed to re-fetch finalized record: %v", err)
	}
	if rec == nil {
		t.Fatal("expected the permanent record to still exist in the relational store")
	}
}

func TestIngestNotSignificantRecordGoesToRecencyAndIsDeleted(t *testing.T) {
	p := newTestPipeline(t, notSignificantGenerate)

	resp, err := p.Ingest(context.Background(), Request{Category: "erlebnisse", Topic: "status", Content: "usual daily update"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if resp.StoredPermanent {
		t.Fatal("expected not-significant record to NOT be kept permanent")
	}
	if !resp.StoredInRecency {
		t.Fatal("expected not-significant record to be recency-eligible")
	}
	if resp.ID != 0 {
		t.Fatalf("expected id reset to 0 after deleting the tentative row, got %d", resp.ID)
	}
	if p.recency.Len() != 1 {
		t.Fatalf("expected 1 recency slot, got %d", p.recency.Len())
	}
}

func TestIngestFactualTypeNeverPermanentOrRecency(t *testing.T) {
	p := newTestPipeline(t, factualGenerate)

	resp, err := p.Ingest(context.Background(), Request{Category: "programmieren", Topic: "go facts", Content: "goroutines are cheap"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if resp.StoredPermanent {
		t.Fatal("expected factual type to never be kept permanent")
	}
	if resp.StoredInRecency {
		t.Fatal("expected factual type to never be recency-eligible")
	}
	if resp.Reason != "type never stored permanently" {
		t.Fatalf("unexpected reason: %q", resp.Reason)
	}
}

func TestIngestVectorAndGraphFailuresDoNotBlockFinalization(t *testing.T) {
	// A pipeline with no vector/graph stores wired at all still finalizes.
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "memories.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ollama := fakeOllama(t, significantGenerate)
	a := analyzer.New(&config.OllamaConfig{Enabled: true, BaseURL: ollama.URL}, nil)
	rc := recency.New(10)

	p := New(s, rc, nil, nil, a)
	resp, err := p.Ingest(context.Background(), Request{Category: "erlebnisse", Topic: "t", Content: "content"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if resp.StoredInVector {
		t.Fatal("expected stored_in_vector=false with no vector store wired")
	}
	if resp.StoredInGraph {
		t.Fatal("expected stored_in_graph=false with no graph store wired")
	}
	if !resp.Success {
		t.Fatal("expected overall success despite vector/graph being unavailable")
	}
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	p := newTestPipeline(t, significantGenerate)

	cases := []Request{
		{Category: "not_a_category", Topic: "t", Content: "c"},
		{Category: "erlebnisse", Topic: "", Content: "c"},
		{Category: "erlebnisse", Topic: "t", Content: ""},
	}
	for _, req := range cases {
		if _, err := p.Ingest(context.Background(), req); err == nil {
			t.Fatalf("expected invalid input error for %+v", req)
		}
	}
}

func TestIngestWithoutAnalyzerYieldsNoConceptsPlacement(t *testing.T) {
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

	p := New(s, recency.New(10), nil, g, nil)
	resp, err := p.Ingest(context.Background(), Request{Category: "erlebnisse", Topic: "t", Content: "content"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if resp.Reason != "no concepts extracted" {
		t.Fatalf("unexpected reason %q", resp.Reason)
	}
	if resp.StoredPermanent || resp.StoredInRecency {
		t.Fatalf("expected neither permanent nor recency placement, got %+v", resp)
	}
	if resp.AnalyzedType != "erlebnisse" {
		t.Fatalf("expected analyzed type to fall back to caller category, got %q", resp.AnalyzedType)
	}
	if resp.ID != 0 {
		t.Fatalf("expected tentative row deleted, got id %d", resp.ID)
	}

	// Not permanent and no concepts: the graph must not gain a node.
	if resp.StoredInGraph {
		t.Fatal("expected stored_in_graph=false for a no-concept non-permanent record")
	}
	stats, err := g.Stats()
	if err != nil {
		t.Fatalf("graph stats failed: %v", err)
	}
	if stats.NodeCount != 0 {
		t.Fatalf("expected no graph node created, got %d", stats.NodeCount)
	}
}

func TestIngestZeroConceptResponseFromLiveAnalyzer(t *testing.T) {
	p := newTestPipeline(t, func(prompt string) string {
		if containsAny(prompt, "concepts") {
			return `{"concepts":[]}`
		}
		return `{"significant":true,"reason":"should never be asked"}`
	})

	resp, err := p.Ingest(context.Background(), Request{Category: "erlebnisse", Topic: "t", Content: "content"})
	if err != nil {
		t.Fatalf("expected zero-concept response to be non-fatal, got %v", err)
	}
	if resp.Reason != "no concepts extracted" {
		t.Fatalf("unexpected reason %q", resp.Reason)
	}
	if resp.StoredPermanent || resp.StoredInRecency {
		t.Fatalf("expected neither permanent nor recency placement, got %+v", resp)
	}
	if resp.ID != 0 {
		t.Fatalf("expected tentative row deleted, got id %d", resp.ID)
	}
	if resp.StoredInVector || resp.StoredInGraph {
		t.Fatalf("expected no vector or graph writes without concepts, got %+v", resp)
	}
	stats, err := p.graphStore.Stats()
	if err != nil {
		t.Fatalf("graph stats failed: %v", err)
	}
	if stats.NodeCount != 0 {
		t.Fatalf("expected no graph node created, got %d", stats.NodeCount)
	}
}

func TestIngestZeroCapacityRecencyNeverStores(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "memories.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ollama := fakeOllama(t, notSignificantGenerate)
	a := analyzer.New(&config.OllamaConfig{Enabled: true, BaseURL: ollama.URL}, nil)

	p := New(s, recency.New(0), nil, nil, a)
	resp, err := p.Ingest(context.Background(), Request{Category: "erlebnisse", Topic: "t", Content: "content"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if resp.StoredInRecency {
		t.Fatal("expected stored_in_recency=false with zero-capacity cache")
	}
}

func TestIngestForcedRelationshipToUnknownTargetIsSkipped(t *testing.T) {
	p := newTestPipeline(t, significantGenerate)

	resp, err := p.Ingest(context.Background(), Request{
		Category:            "erlebnisse",
		Topic:               "t",
		Content:             "content",
		ForcedRelationships: []ForcedRelationship{{TargetRecordID: 9999, EdgeType: graph.EdgeRelatedTo, Strength: 1.0}},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if resp.RelationshipsCreated != 0 {
		t.Fatalf("expected forced relationship to unknown target to be skipped, got %d created", resp.RelationshipsCreated)
	}
}
