package retrieve

import (
	"context"
	"time"

	"github.com/hyphae-dev/hyphae/internal/graph"
)

// SearchGraph seeds via an unreranked intelligent search, extracts seed
// concepts, expands through the graph store, then hybrid-reranks with a
// graph score term folded in.
func (p *Pipeline) SearchGraph(ctx context.Context, req GraphRequest) (*GraphResponse, error) {
	start := time.Now()
	if req.MaxDepth < 1 {
		req.MaxDepth = 1
	}
	if req.MaxDepth > 3 {
		req.MaxDepth = 3
	}

	seedResp, err := p.SearchIntelligent(ctx, IntelligentRequest{Query: req.Query, Categories: req.Categories, EnableRerank: false})
	if err != nil {
		return nil, err
	}
	seed := seedResp.Results

	seeds := extractSeedConcepts(seed)

	resp := &GraphResponse{SQLCount: seedResp.SQLCount, VectorCount: seedResp.VectorCount}

	if p.graphStore == nil || !req.IncludeRelated {
		merged := seed
		stableSort(merged)
		resp.Results = merged
		resp.TotalFound = len(merged)
		resp.ElapsedMS = time.Since(start).Milliseconds()
		return resp, nil
	}

	graphHits, err := p.graphStore.SearchByConcepts(seeds, 20)
	if err != nil {
		graphHits = nil
	}
	resp.GraphCount = len(graphHits)

	byID := make(map[int64]*Result)
	for i := range seed {
		byID[seed[i].RecordID] = &seed[i]
	}

	// graph_score is the summed strength of traversed edges touching a
	// record's node: edge count to the seed set scaled by edge strength.
	strengthByNode := map[string]float64{}
	nodeIDByRecord := map[int64]string{}
	edgeTypeCounts := map[string]int{}
	nodesTraversed := 0
	var relationships []graph.Relationship

	limit := seed
	if len(limit) > 5 {
		limit = limit[:5]
	}
	for _, s := range limit {
		nodeID, lerr := p.graphStore.NodeIDForRecord(s.RecordID)
		if lerr != nil || nodeID == "" {
			continue
		}
		nbhd, nerr := p.graphStore.Neighborhood(nodeID, req.MaxDepth, nil)
		if nerr != nil {
			continue
		}
		nodesTraversed += nbhd.NodesTraversed
		for _, rel := range nbhd.Relationships {
			relationships = append(relationships, rel)
			edgeTypeCounts[rel.Type]++
			strengthByNode[rel.SourceNodeID] += rel.Strength
			strengthByNode[rel.TargetNodeID] += rel.Strength
		}
		for _, ref := range nbhd.Nodes {
			if _, ok := byID[ref.RecordID]; !ok {
				res := &Result{RecordID: ref.RecordID, Category: ref.Category, Topic: ref.Topic, Source: SourceGraph}
				byID[ref.RecordID] = res
			}
			nodeIDByRecord[ref.RecordID] = ref.NodeID
		}
	}

	for _, ref := range graphHits {
		if _, ok := byID[ref.RecordID]; !ok {
			byID[ref.RecordID] = &Result{RecordID: ref.RecordID, Category: ref.Category, Topic: ref.Topic, Source: SourceGraph}
		}
		if ref.NodeID != "" {
			nodeIDByRecord[ref.RecordID] = ref.NodeID
		}
	}

	for id, res := range byID {
		if nodeID, ok := nodeIDByRecord[id]; ok {
			res.GraphScore = strengthByNode[nodeID]
		}
	}

	merged := make([]Result, 0, len(byID))
	for _, res := range byID {
		merged = append(merged, *res)
	}

	scoreText(req.Query, merged)
	for i := range merged {
		merged[i].Score = 0.3*merged[i].Score + 0.3*merged[i].Similarity + 0.2*recencyDecay(merged[i].CreatedAt) + 0.2*merged[i].GraphScore
	}
	stableSort(merged)

	relatedCount := len(byID) - len(seed)
	if relatedCount < 0 {
		relatedCount = 0
	}
	resp.Results = merged
	resp.Relationships = relationships
	resp.GraphContext = GraphContext{
		RelatedCount:   relatedCount,
		Depth:          req.MaxDepth,
		NodesTraversed: nodesTraversed,
		EdgeTypes:      edgeTypeCounts,
	}
	resp.TotalFound = len(merged)
	resp.ElapsedMS = time.Since(start).Milliseconds()
	return resp, nil
}

// extractSeedConcepts unions topics and keywords from the top 5 hits.
func extractSeedConcepts(results []Result) []string {
	seen := map[string]bool{}
	var out []string
	limit := results
	if len(limit) > 5 {
		limit = limit[:5]
	}
	for _, r := range limit {
		for _, k := range r.Keywords {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
		if !seen[r.Topic] && r.Topic != "" {
			seen[r.Topic] = true
			out = append(out, r.Topic)
		}
	}
	return out
}
