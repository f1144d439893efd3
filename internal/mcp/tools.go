package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyphae-dev/hyphae/internal/ingest"
	"github.com/hyphae-dev/hyphae/internal/policy"
	"github.com/hyphae-dev/hyphae/internal/retrieve"
)

// callTool dispatches to the appropriate tool handler.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	switch name {
	case "ingest_memory":
		return s.handleIngestMemory(ctx, args)
	case "search_intelligent":
		return s.handleSearchIntelligent(ctx, args)
	case "search_graph":
		return s.handleSearchGraph(ctx, args)
	case "search_concepts":
		return s.handleSearchConcepts(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) handleIngestMemory(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params IngestMemoryParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid ingest_memory arguments: %w", err)
	}

	req := ingest.Request{
		Category: params.Category,
		Topic:    params.Topic,
		Content:  params.Content,
	}
	for _, f := range params.ForcedRelationships {
		req.ForcedRelationships = append(req.ForcedRelationships, ingest.ForcedRelationship{
			TargetRecordID: f.TargetID,
			EdgeType:       f.Type,
			Strength:       f.Strength,
		})
	}

	resp, err := s.ingestPipe.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":               resp.Success,
		"memory_id":             resp.ID,
		"stored_in_permanent":   resp.StoredPermanent,
		"stored_in_vector":      resp.StoredInVector,
		"stored_in_graph":       resp.StoredInGraph,
		"stored_in_recency":     resp.StoredInRecency,
		"relationships_created": resp.RelationshipsCreated,
		"analyzed_category":     resp.AnalyzedType,
		"significance_reason":   resp.Reason,
	}, nil
}

func (s *Server) handleSearchIntelligent(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params SearchIntelligentParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid search_intelligent arguments: %w", err)
	}

	enableRerank := true
	if params.EnableRerank != nil {
		enableRerank = *params.EnableRerank
	}
	strategy := retrieve.Strategy(params.Strategy)
	if strategy == "" {
		strategy = retrieve.Strategy(s.cfg.Rerank.Default)
	}

	resp, err := s.retrievePipe.SearchIntelligent(ctx, retrieve.IntelligentRequest{
		Query:        params.Query,
		Categories:   params.Categories,
		EnableRerank: enableRerank,
		Strategy:     strategy,
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"results": resultsToMaps(resp.Results),
		"sources": map[string]interface{}{
			"sql":    map[string]int{"count": resp.SQLCount},
			"vector": map[string]int{"count": resp.VectorCount},
		},
		"reranked":    resp.Reranked,
		"strategy":    resp.Strategy,
		"total_found": resp.TotalFound,
		"elapsed_ms":  resp.ElapsedMS,
	}, nil
}

func (s *Server) handleSearchGraph(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params SearchGraphParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid search_graph arguments: %w", err)
	}

	includeRelated := true
	if params.IncludeRelated != nil {
		includeRelated = *params.IncludeRelated
	}
	maxDepth := params.MaxDepth
	if maxDepth == 0 {
		maxDepth = s.cfg.Graph.DefaultDepth
	}

	resp, err := s.retrievePipe.SearchGraph(ctx, retrieve.GraphRequest{
		Query:          params.Query,
		Categories:     params.Categories,
		IncludeRelated: includeRelated,
		MaxDepth:       maxDepth,
	})
	if err != nil {
		return nil, err
	}

	relationships := make([]map[string]interface{}, 0, len(resp.Relationships))
	for _, rel := range resp.Relationships {
		relationships = append(relationships, map[string]interface{}{
			"source":   rel.SourceNodeID,
			"target":   rel.TargetNodeID,
			"type":     rel.Type,
			"strength": rel.Strength,
		})
	}

	return map[string]interface{}{
		"results": resultsToMaps(resp.Results),
		"sources": map[string]interface{}{
			"sql":    map[string]int{"count": resp.SQLCount},
			"vector": map[string]int{"count": resp.VectorCount},
			"graph":  map[string]int{"count": resp.GraphCount},
		},
		"relationships": relationships,
		"graph_context": map[string]interface{}{
			"related_count": resp.GraphContext.RelatedCount,
			"depth":         resp.GraphContext.Depth,
			"cluster": map[string]interface{}{
				"nodes_traversed": resp.GraphContext.NodesTraversed,
				"edge_types":      resp.GraphContext.EdgeTypes,
			},
		},
		"total_found": resp.TotalFound,
		"elapsed_ms":  resp.ElapsedMS,
	}, nil
}

func (s *Server) handleSearchConcepts(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var params SearchConceptsParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid search_concepts arguments: %w", err)
	}
	if s.vectorStore == nil || !s.vectorStore.IsEnabled() {
		return nil, fmt.Errorf("vector store is not available")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	hits, err := s.vectorStore.SearchSimilar(ctx, params.Query, limit, params.Categories)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]interface{}{
			"concept_id":       h.Concept.ConceptID,
			"title":            h.Concept.Title,
			"description":      h.Concept.Description,
			"analyzed_type":    h.Concept.AnalyzedType,
			"keywords":         h.Concept.Keywords,
			"similarity":       h.Similarity,
			"source_record_id": h.SourceRecordID,
			"source_category":  h.SourceCategory,
			"source_topic":     h.SourceTopic,
		})
	}
	return map[string]interface{}{"concepts": out, "total_found": len(out)}, nil
}

func resultsToMaps(results []retrieve.Result) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]interface{}{
			"memory_id":   r.RecordID,
			"category":    r.Category,
			"topic":       r.Topic,
			"content":     r.Content,
			"date":        r.Date,
			"source":      string(r.Source),
			"similarity":  r.Similarity,
			"graph_score": r.GraphScore,
			"score":       r.Score,
		})
	}
	return out
}

// toolDefinitions returns the four tool schemas this server exposes.
func toolDefinitions() []Tool {
	minDepth := float64(1)
	maxDepth := float64(3)

	return []Tool{
		{
			Name:        "ingest_memory",
			Description: "Ingest a memory record: it is analyzed, routed to the right stores, and either kept permanently or held in the recency cache",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"category": {
						Type:        "string",
						Description: "Memory category",
						Enum:        append(append([]string{}, policy.Categories...), policy.StorageCategories...),
					},
					"topic": {
						Type:        "string",
						Description: "Short topic label",
					},
					"content": {
						Type:        "string",
						Description: "Full memory text",
					},
					"forced_relationships": {
						Type:        "array",
						Description: "Caller-asserted edges to existing memories, created unconditionally",
						Items:       &Property{Type: "object"},
					},
				},
				Required: []string{"category", "topic", "content"},
			},
		},
		{
			Name:        "search_intelligent",
			Description: "Hybrid search combining keyword and vector similarity branches with reranking",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query": {
						Type:        "string",
						Description: "Search query text",
					},
					"categories": {
						Type:        "array",
						Description: "Restrict to these categories",
						Items:       &Property{Type: "string"},
					},
					"enable_rerank": {
						Type:        "boolean",
						Description: "Rerank merged results",
						Default:     true,
					},
					"strategy": {
						Type:        "string",
						Description: "Rerank strategy",
						Enum:        []string{"hybrid", "text", "llm"},
						Default:     "hybrid",
					},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "search_graph",
			Description: "Search augmented with graph neighborhood expansion around the seed results",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query": {
						Type:        "string",
						Description: "Search query text",
					},
					"categories": {
						Type:        "array",
						Description: "Restrict to these categories",
						Items:       &Property{Type: "string"},
					},
					"include_related": {
						Type:        "boolean",
						Description: "Expand results through graph relationships",
						Default:     true,
					},
					"max_depth": {
						Type:        "integer",
						Description: "Traversal depth",
						Default:     2,
						Minimum:     &minDepth,
						Maximum:     &maxDepth,
					},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "search_concepts",
			Description: "Search concept fragments in the vector index directly, ordered by similarity",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query": {
						Type:        "string",
						Description: "Query text to embed and match",
					},
					"limit": {
						Type:        "integer",
						Description: "Maximum concepts to return",
						Default:     20,
					},
					"categories": {
						Type:        "array",
						Description: "Restrict to these source categories",
						Items:       &Property{Type: "string"},
					},
				},
				Required: []string{"query"},
			},
		},
	}
}
