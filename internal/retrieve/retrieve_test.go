package retrieve

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyphae-dev/hyphae/internal/graph"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "memories.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open graph store: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func defaultTimeouts() config.TimeoutsConfig {
	return config.TimeoutsConfig{SQLSearchMS: 2000, VectorSearchMS: 3000, GraphSearchMS: 2000}
}

func TestSearchIntelligentReturnsSQLOnlyWithNoVectorStore(t *testing.T) {
	s := newTestStore(t)
	s.Insert("erlebnisse", "goroutines talk", "we discussed goroutines and channels", "2026-07-01")
	s.Insert("erlebnisse", "unrelated", "a completely different subject", "2026-07-02")

	p := New(s, nil, nil, nil, defaultTimeouts())
	resp, err := p.SearchIntelligent(context.Background(), IntelligentRequest{Query: "goroutines", EnableRerank: true})
	if err != nil {
		t.Fatalf("search_intelligent failed: %v", err)
	}
	if resp.SQLCount != 1 {
		t.Fatalf("expected 1 sql hit for substring match, got %d", resp.SQLCount)
	}
	if resp.Strategy != "sql_only" {
		t.Fatalf("expected strategy sql_only with no vector store, got %q", resp.Strategy)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 merged result, got %d", len(resp.Results))
	}
}

func TestSearchIntelligentTextRerankOrdersByOverlap(t *testing.T) {
	s := newTestStore(t)
	s.Insert("erlebnisse", "exact match topic", "goroutines channels select", "2026-07-01")
	// Both rows contain the query as a substring, so the SQL branch returns
	// both; the second shares only the "goroutines" token with the query.
	s.Insert("erlebnisse", "goroutines mention", "a brief goroutines channels-free aside in a long unrelated essay about gardening and cooking and travel", "2026-07-02")

	p := New(s, nil, nil, nil, defaultTimeouts())
	resp, err := p.SearchIntelligent(context.Background(), IntelligentRequest{Query: "goroutines channels", EnableRerank: true, Strategy: StrategyText})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Topic != "exact match topic" {
		t.Fatalf("expected higher-overlap result ranked first, got %q", resp.Results[0].Topic)
	}
}

func TestSearchGraphExpandsViaNeighborhood(t *testing.T) {
	s := newTestStore(t)
	g := newTestGraph(t)

	id1, _ := s.Insert("erlebnisse", "seed topic", "a seed memory about concurrency", "2026-07-01")
	id2, _ := s.Insert("erlebnisse", "related topic", "a related memory about concurrency patterns", "2026-07-01")

	n1, _ := g.UpsertNode(id1, "erlebnisse", "seed topic", "digest1", []string{"concurrency"})
	n2, _ := g.UpsertNode(id2, "erlebnisse", "related topic", "digest2", []string{"concurrency"})
	g.Link(n1, n2, graph.EdgeConceptSimilar, 0.6)

	p := New(s, nil, g, nil, defaultTimeouts())
	resp, err := p.SearchGraph(context.Background(), GraphRequest{Query: "concurrency", IncludeRelated: true, MaxDepth: 2})
	if err != nil {
		t.Fatalf("search_graph failed: %v", err)
	}
	if resp.TotalFound < 2 {
		t.Fatalf("expected graph expansion to surface at least 2 results, got %d", resp.TotalFound)
	}
	if resp.GraphContext.NodesTraversed == 0 {
		t.Fatal("expected nonzero nodes traversed")
	}

	// Graph scores come from traversed edge strengths, so both endpoints
	// of the 0.6 edge carry a nonzero score.
	for _, res := range resp.Results {
		if res.RecordID == id2 && res.GraphScore <= 0 {
			t.Fatalf("expected edge strength to flow into graph score, got %f", res.GraphScore)
		}
	}
}

func TestStableSortBreaksTiesByNewestThenHigherID(t *testing.T) {
	now := time.Now()
	results := []Result{
		{RecordID: 1, Score: 0.5, CreatedAt: now},
		{RecordID: 2, Score: 0.5, CreatedAt: now},
		{RecordID: 3, Score: 0.9, CreatedAt: now.Add(-time.Hour)},
	}
	stableSort(results)
	if results[0].RecordID != 3 {
		t.Fatalf("expected highest score first, got %+v", results[0])
	}
	if results[1].RecordID != 2 {
		t.Fatalf("expected tie broken by higher id, got %+v", results[1])
	}
}
