// Package retrieve implements the retrieval pipeline: intelligent
// search (SQL and vector fan-out, merge, rerank) and graph-augmented
// search (seed extraction, graph expansion, graph-weighted rerank).
// The two fan-out branches run concurrently, each under its own
// timeout; a branch that fails contributes an empty list rather than
// failing the search.
package retrieve

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyphae-dev/hyphae/internal/analyzer"
	"github.com/hyphae-dev/hyphae/internal/graph"
	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/internal/vectorstore"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

var log = logging.GetLogger("retrieve")

// Strategy is the rerank strategy a caller selects.
type Strategy string

const (
	StrategyHybrid Strategy = "hybrid"
	StrategyText   Strategy = "text"
	StrategyLLM    Strategy = "llm"
)

// Source marks where a merged result came from.
type Source string

const (
	SourceBoth   Source = "both"
	SourceSQL    Source = "sql"
	SourceVector Source = "vector"
	SourceGraph  Source = "graph"
)

// Result is one merged, possibly reranked, candidate.
type Result struct {
	RecordID   int64
	Category   string
	Topic      string
	Content    string
	Date       string
	CreatedAt  time.Time
	Source     Source
	Similarity float64 // vector branch score, 0 if not a vector hit
	Keywords   []string
	GraphScore float64
	Score      float64 // final rerank score
}

// IntelligentRequest is one intelligent-search call.
type IntelligentRequest struct {
	Query        string
	Categories   []string
	EnableRerank bool
	Strategy     Strategy
}

// IntelligentResponse carries the merged results plus per-branch counts.
type IntelligentResponse struct {
	Results    []Result
	SQLCount   int
	VectorCount int
	Reranked   bool
	Strategy   string
	TotalFound int
	ElapsedMS  int64
}

// GraphRequest is one graph-augmented search call.
type GraphRequest struct {
	Query          string
	Categories     []string
	IncludeRelated bool
	MaxDepth       int
}

// GraphContext describes the traversal that produced a graph response.
type GraphContext struct {
	RelatedCount   int
	Depth          int
	NodesTraversed int
	EdgeTypes      map[string]int
}

// GraphResponse carries merged results, traversed relationships, and a
// summary of the traversal that produced them.
type GraphResponse struct {
	Results       []Result
	SQLCount      int
	VectorCount   int
	GraphCount    int
	Relationships []graph.Relationship
	GraphContext  GraphContext
	TotalFound    int
	ElapsedMS     int64
}

// Pipeline wires the relational, vector, and graph stores plus the
// analyzer together for retrieval.
type Pipeline struct {
	store       *store.Store
	vectorStore *vectorstore.VectorStore
	graphStore  *graph.Graph
	analyzer    *analyzer.Client
	timeouts    config.TimeoutsConfig
}

// New builds a retrieval Pipeline.
func New(s *store.Store, vs *vectorstore.VectorStore, g *graph.Graph, a *analyzer.Client, timeouts config.TimeoutsConfig) *Pipeline {
	return &Pipeline{store: s, vectorStore: vs, graphStore: g, analyzer: a, timeouts: timeouts}
}

// SearchIntelligent fans out to the SQL and vector branches, merges by
// record id, and optionally reranks.
func (p *Pipeline) SearchIntelligent(ctx context.Context, req IntelligentRequest) (*IntelligentResponse, error) {
	start := time.Now()
	if req.Strategy == "" {
		req.Strategy = StrategyHybrid
	}

	sqlHits, vecHits, sqlErrored, vecErrored := p.fanOut(ctx, req.Query, req.Categories)
	merged := mergeSQLAndVector(sqlHits, vecHits)

	strategy := string(req.Strategy)
	switch {
	case len(sqlHits) == 0 && len(vecHits) > 0:
		strategy = "vector_only"
	case vecErrored && !sqlErrored:
		strategy = "sql_only"
	default:
		strategy = "hybrid"
	}

	reranked := false
	if req.EnableRerank {
		p.rerank(ctx, req.Query, merged, req.Strategy)
		reranked = true
	}

	return &IntelligentResponse{
		Results:     merged,
		SQLCount:    len(sqlHits),
		VectorCount: len(vecHits),
		Reranked:    reranked,
		Strategy:    strategy,
		TotalFound:  len(merged),
		ElapsedMS:   time.Since(start).Milliseconds(),
	}, nil
}

func (p *Pipeline) fanOut(ctx context.Context, query string, categories []string) (sqlHits []*store.Record, vecHits []vectorstore.SimilarityHit, sqlErrored, vecErrored bool) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sqlCtx, cancel := context.WithTimeout(gctx, durationOr(p.timeouts.SQLSearchMS, 2000))
		defer cancel()
		done := make(chan struct{})
		var records []*store.Record
		var err error
		go func() {
			records, err = p.store.SearchBasic(query, categories)
			close(done)
		}()
		select {
		case <-done:
			if err != nil {
				sqlErrored = true
				log.Warn("sql search branch failed", "error", err)
				return nil
			}
			sqlHits = records
		case <-sqlCtx.Done():
			sqlErrored = true
			log.Warn("sql search branch timed out")
		}
		return nil
	})

	g.Go(func() error {
		if p.vectorStore == nil || !p.vectorStore.IsEnabled() {
			vecErrored = true
			return nil
		}
		vecCtx, cancel := context.WithTimeout(gctx, durationOr(p.timeouts.VectorSearchMS, 3000))
		defer cancel()
		hits, err := p.vectorStore.SearchSimilar(vecCtx, query, 20, categories)
		if err != nil {
			vecErrored = true
			log.Warn("vector search branch failed", "error", err)
			return nil
		}
		vecHits = hits
		return nil
	})

	g.Wait()
	return sqlHits, vecHits, sqlErrored, vecErrored
}

func mergeSQLAndVector(sqlHits []*store.Record, vecHits []vectorstore.SimilarityHit) []Result {
	byID := make(map[int64]*Result)
	var order []int64

	for _, r := range sqlHits {
		res := &Result{RecordID: r.ID, Category: r.Category, Topic: r.Topic, Content: r.Content, Date: r.Date, CreatedAt: r.CreatedAt, Source: SourceSQL}
		byID[r.ID] = res
		order = append(order, r.ID)
	}

	for _, hit := range vecHits {
		if existing, ok := byID[hit.SourceRecordID]; ok {
			existing.Source = SourceBoth
			existing.Similarity = hit.Similarity
			existing.Keywords = hit.Concept.Keywords
			continue
		}
		res := &Result{
			RecordID:   hit.SourceRecordID,
			Category:   hit.SourceCategory,
			Topic:      hit.SourceTopic,
			Content:    hit.Concept.Description,
			Date:       hit.SourceDate,
			CreatedAt:  hit.SourceCreatedAt,
			Source:     SourceVector,
			Similarity: hit.Similarity,
			Keywords:   hit.Concept.Keywords,
		}
		byID[hit.SourceRecordID] = res
		order = append(order, hit.SourceRecordID)
	}

	out := make([]Result, 0, len(order))
	seen := map[int64]bool{}
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, *byID[id])
	}
	return out
}

// rerank mutates results in place, assigning Score per the requested
// strategy, then stable-sorts descending; ties go to newer created_at,
// then higher id.
func (p *Pipeline) rerank(ctx context.Context, query string, results []Result, strategy Strategy) {
	switch strategy {
	case StrategyText:
		scoreText(query, results)
	case StrategyLLM:
		if !p.scoreLLM(ctx, query, results) {
			log.Warn("llm rerank failed, falling back to text")
			scoreText(query, results)
		}
	default:
		scoreText(query, results)
		for i := range results {
			results[i].Score = 0.4*results[i].Score + 0.4*results[i].Similarity + 0.2*recencyDecay(results[i].CreatedAt)
		}
	}
	stableSort(results)
}

func scoreText(query string, results []Result) {
	terms := tokenize(query)
	for i := range results {
		results[i].Score = jaccardBM25Lite(terms, results[i].Topic+" "+results[i].Content)
	}
}

func (p *Pipeline) scoreLLM(ctx context.Context, query string, results []Result) bool {
	if p.analyzer == nil || len(results) == 0 {
		return false
	}
	candidates := make([]string, len(results))
	for i, r := range results {
		candidates[i] = r.Topic + ": " + r.Content
	}
	scores, err := p.analyzer.ScoreCandidates(ctx, query, candidates)
	if err != nil {
		return false
	}
	for i := range results {
		results[i].Score = scores[i]
	}
	return true
}

func stableSort(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].RecordID > results[j].RecordID
	})
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

func jaccardBM25Lite(queryTerms map[string]bool, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	docTerms := tokenize(text)
	overlap := 0
	for t := range queryTerms {
		if docTerms[t] {
			overlap++
		}
	}
	jaccard := float64(overlap) / float64(len(queryTerms))
	lengthNorm := 1.0 / (1.0 + float64(len(docTerms))/100.0)
	return jaccard * (0.7 + 0.3*lengthNorm)
}

func recencyDecay(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	ageDays := time.Since(t).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := 1.0 / (1.0 + ageDays/30.0)
	return decay
}

func durationOr(ms int, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}
