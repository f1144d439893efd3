// Package ingest implements the ingestion pipeline: the state machine
// that takes a raw record through tentative persistence, analysis,
// placement judgment, vector indexing, graph linking, and finalization.
// A record ends up permanent in the relational store, in the recency
// cache, or in neither (factual types, no concepts), never both; concept
// and graph writes survive either way.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/hyphae-dev/hyphae/internal/analyzer"
	"github.com/hyphae-dev/hyphae/internal/graph"
	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/pipeline"
	"github.com/hyphae-dev/hyphae/internal/policy"
	"github.com/hyphae-dev/hyphae/internal/recency"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/internal/vectorstore"
)

var log = logging.GetLogger("ingest")

// ForcedRelationship is a caller-asserted edge created unconditionally
// during graph linking, regardless of the similarity heuristics.
type ForcedRelationship struct {
	TargetRecordID int64
	EdgeType       string
	Strength       float64
}

// Request is one ingestion request.
type Request struct {
	Category            string
	Topic               string
	Content             string
	ForcedRelationships []ForcedRelationship
}

// Response reports what happened to a record: where it ended up and
// which of the best-effort writes succeeded.
type Response struct {
	Success              bool
	ID                   int64
	StoredPermanent      bool
	StoredInVector       bool
	StoredInGraph        bool
	StoredInRecency      bool
	RelationshipsCreated int
	AnalyzedType         string
	Reason               string
}

// Pipeline wires the relational store, recency cache, vector store,
// graph store, and analyzer together behind the single Ingest entry
// point. Vector/graph/analyzer calls are wrapped in their own circuit
// breakers so a sick dependency degrades a single step rather than the
// whole request.
type Pipeline struct {
	store       *store.Store
	recency     *recency.Cache
	vectorStore *vectorstore.VectorStore
	graphStore  *graph.Graph
	analyzer    *analyzer.Client

	vectorBreaker   *gobreaker.CircuitBreaker
	graphBreaker    *gobreaker.CircuitBreaker
	analyzerBreaker *gobreaker.CircuitBreaker
}

// New builds a Pipeline from its five component dependencies.
func New(s *store.Store, rc *recency.Cache, vs *vectorstore.VectorStore, g *graph.Graph, a *analyzer.Client) *Pipeline {
	return &Pipeline{
		store:           s,
		recency:         rc,
		vectorStore:     vs,
		graphStore:      g,
		analyzer:        a,
		vectorBreaker:   newBreaker("vectorstore"),
		graphBreaker:    newBreaker("graph"),
		analyzerBreaker: newBreaker("analyzer"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
}

// Ingest runs the full ingestion state machine: persist tentative,
// analyze, judge placement, index concepts and link graph concurrently,
// finalize the relational row, then append to recency if eligible.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Persist tentative.
	id, err := p.store.Insert(req.Category, req.Topic, req.Content, today())
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindStoreUnavailable, "ingest.persist", "failed to persist tentative record", err)
	}
	log.Info("persisted tentative record", "id", id, "category", req.Category)

	record, err := p.store.Get(id)
	if err != nil || record == nil {
		p.store.Delete(id)
		return nil, pipeline.Wrap(pipeline.KindStoreUnavailable, "ingest.persist", "failed to re-read tentative record", err)
	}

	// Analyze. An analyzer failure is fatal: the tentative row must not
	// linger, so it is deleted before the error surfaces.
	concepts, err := p.analyze(ctx, *record)
	if err != nil {
		p.store.Delete(id)
		return nil, err
	}

	// Derive analyzed_type: the first concept is authoritative for routing.
	analyzedType := req.Category
	haveConcepts := len(concepts) > 0
	if haveConcepts {
		analyzedType = concepts[0].AnalyzedType
	}

	// Judge placement. Factual types never reach permanent or recency
	// storage, no matter what a significance call might claim, so the
	// check short-circuits before any judgment round-trip.
	var keepPermanent, recencyEligible bool
	var reason string
	switch {
	case policy.IsFactualType(analyzedType):
		keepPermanent = false
		reason = "type never stored permanently"
		recencyEligible = false
	case haveConcepts:
		verdict, jErr := p.judgeSignificance(ctx, *record, analyzedType)
		if jErr != nil {
			log.Warn("judge_significance failed, defaulting to not significant", "error", jErr)
		}
		reason = verdict.Reason
		keepPermanent = verdict.Significant
		recencyEligible = !verdict.Significant
	default:
		reason = "no concepts extracted"
		keepPermanent = false
		recencyEligible = false
	}

	resp := &Response{Success: true, ID: id, AnalyzedType: analyzedType, Reason: reason}

	// Concept indexing and graph linking run concurrently: neither's
	// outcome affects the placement decision.
	var storedInVector, storedInGraph bool
	var relationshipsCreated int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		storedInVector = p.indexConcepts(gctx, record, concepts)
		return nil
	})
	g.Go(func() error {
		storedInGraph, relationshipsCreated = p.linkGraph(gctx, record, concepts, req.ForcedRelationships, keepPermanent)
		return nil
	})
	g.Wait()

	resp.StoredInVector = storedInVector
	resp.StoredInGraph = storedInGraph
	resp.RelationshipsCreated = relationshipsCreated

	// Finalize the relational row: relocate a kept record to its mapped
	// category, delete everything else. There is no third state.
	if keepPermanent {
		mapped := policy.MapCategory(analyzedType)
		if mapped != req.Category {
			if _, err := p.store.Relocate(id, mapped); err != nil {
				log.Warn("relocate failed, leaving record in original category", "id", id, "error", err)
			} else {
				log.Info("relocated record", "id", id, "from", req.Category, "to", mapped)
			}
		}
		resp.StoredPermanent = true
	} else {
		if _, err := p.store.Delete(id); err != nil {
			log.Warn("failed to delete non-permanent tentative row", "id", id, "error", err)
		}
		resp.ID = 0
		resp.StoredPermanent = false
	}

	// Recency append carries the original id even though the response
	// reports 0 for a deleted row.
	if recencyEligible && p.recency != nil {
		p.recency.Append(recency.Slot{
			RecordID:   id,
			Category:   req.Category,
			Topic:      req.Topic,
			Content:    req.Content,
			InsertedAt: time.Now(),
		})
		resp.StoredInRecency = p.recency.Capacity() > 0
	}

	return resp, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Topic) == "" {
		return pipeline.New(pipeline.KindInvalidInput, "ingest.validate", "topic must not be empty")
	}
	if len(req.Topic) > 512 {
		return pipeline.New(pipeline.KindInvalidInput, "ingest.validate", "topic exceeds 512 characters")
	}
	if strings.TrimSpace(req.Content) == "" {
		return pipeline.New(pipeline.KindInvalidInput, "ingest.validate", "content must not be empty")
	}
	if !policy.IsAcceptedCategory(req.Category) {
		return pipeline.New(pipeline.KindInvalidInput, "ingest.validate", "unknown category: "+req.Category)
	}
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, record store.Record) ([]vectorstore.Concept, error) {
	if p.analyzer == nil {
		return nil, nil
	}
	result, err := p.analyzerBreaker.Execute(func() (interface{}, error) {
		return p.analyzer.ExtractAndAnalyze(ctx, toInput(record))
	})
	if err != nil {
		if errors.Is(err, analyzer.ErrMalformed) {
			return nil, pipeline.Wrap(pipeline.KindAnalyzerMalformed, "ingest.analyze", "extract_and_analyze returned unparseable output", err)
		}
		return nil, pipeline.Wrap(pipeline.KindAnalyzerUnavailable, "ingest.analyze", "extract_and_analyze failed", err)
	}
	return result.([]vectorstore.Concept), nil
}

func (p *Pipeline) judgeSignificance(ctx context.Context, record store.Record, analyzedType string) (analyzer.SignificanceVerdict, error) {
	if p.analyzer == nil {
		return analyzer.SignificanceVerdict{Significant: false, Reason: "analyzer not configured"}, nil
	}
	result, err := p.analyzerBreaker.Execute(func() (interface{}, error) {
		return p.analyzer.JudgeSignificance(ctx, toInput(record), analyzedType)
	})
	if err != nil {
		return analyzer.SignificanceVerdict{Significant: false, Reason: "judge_significance unavailable, defaulting to not significant"}, err
	}
	return result.(analyzer.SignificanceVerdict), nil
}

// indexConcepts writes the concept fragments. Failures never change
// placement; they only flip stored_in_vector to false.
func (p *Pipeline) indexConcepts(ctx context.Context, record *store.Record, concepts []vectorstore.Concept) bool {
	if p.vectorStore == nil || !p.vectorStore.IsEnabled() || len(concepts) == 0 {
		return false
	}
	_, err := p.vectorBreaker.Execute(func() (interface{}, error) {
		return p.vectorStore.StoreConcepts(ctx, record, concepts)
	})
	if err != nil {
		log.Warn("store_concepts failed", "record_id", record.ID, "error", err)
		return false
	}
	return true
}

// linkGraph upserts the record's node, discovers neighbors, and creates
// the strongest applicable edge per neighbor, plus caller-asserted
// forced edges. Forced edges are created first so their properties win
// on conflict. The node is written only for records kept permanently or
// records that produced at least one concept to relate; everything else
// leaves the graph untouched.
func (p *Pipeline) linkGraph(ctx context.Context, record *store.Record, concepts []vectorstore.Concept, forced []ForcedRelationship, keepPermanent bool) (bool, int) {
	if p.graphStore == nil {
		return false, 0
	}
	if !keepPermanent && len(concepts) == 0 {
		return false, 0
	}

	seed := seedConcepts(record, concepts)
	var nodeID string
	_, err := p.graphBreaker.Execute(func() (interface{}, error) {
		id, err := p.graphStore.UpsertNode(record.ID, record.Category, record.Topic, digest(record.Content), seed)
		nodeID = id
		return id, err
	})
	if err != nil {
		log.Warn("upsert_node failed", "record_id", record.ID, "error", err)
		return false, 0
	}

	created := 0
	for _, f := range forced {
		targetNode, lookupErr := p.graphStore.NodeIDForRecord(f.TargetRecordID)
		if lookupErr != nil || targetNode == "" {
			log.Warn("forced_relationships entry references unknown target, skipping", "target", f.TargetRecordID)
			continue
		}
		edgeType := f.EdgeType
		if edgeType == "" {
			edgeType = graph.EdgeRelatedTo
		}
		if ok, lerr := p.graphStore.Link(nodeID, targetNode, edgeType, f.Strength); lerr == nil && ok {
			created++
		}
	}

	candidatesRaw, err := p.graphBreaker.Execute(func() (interface{}, error) {
		return p.graphStore.FindRelated(record.ID, seed)
	})
	if err == nil {
		candidates := candidatesRaw.([]graph.RelatedCandidate)
		for _, cand := range candidates {
			edgeType := graph.EdgeConceptSimilar
			if cand.OverlapScore > 0.8 {
				edgeType = graph.EdgeHighlySimilar
			}
			if ok, lerr := p.graphStore.Link(nodeID, cand.Node.ID, edgeType, cand.OverlapScore); lerr == nil && ok {
				created++
			}
			if cand.Node.Category == record.Category {
				if ok, lerr := p.graphStore.Link(nodeID, cand.Node.ID, graph.EdgeSameCategory, 1.0); lerr == nil && ok {
					created++
				}
			}
			if sameDay(cand.Node.CreatedAt, record.CreatedAt) {
				if ok, lerr := p.graphStore.Link(nodeID, cand.Node.ID, graph.EdgeTemporalAdjacent, 1.0); lerr == nil && ok {
					created++
				}
			}
		}
	} else {
		log.Warn("find_related failed", "record_id", record.ID, "error", err)
	}

	return true, created
}

func toInput(r store.Record) analyzer.RecordInput {
	return analyzer.RecordInput{
		Category:  r.Category,
		Topic:     r.Topic,
		Content:   r.Content,
		Date:      r.Date,
		CreatedAt: r.CreatedAt,
	}
}

func seedConcepts(record *store.Record, concepts []vectorstore.Concept) []string {
	seen := map[string]bool{}
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[strings.ToLower(v)] {
			return
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}
	add(record.Topic)
	for _, c := range concepts {
		add(c.Title)
		for _, k := range c.Keywords {
			add(k)
		}
	}
	return out
}

func digest(content string) string {
	if len(content) <= 64 {
		return content
	}
	return content[:64]
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func today() string {
	return time.Now().Format("2006-01-02")
}
