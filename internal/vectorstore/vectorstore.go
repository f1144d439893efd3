// Package vectorstore implements the vector store adapter. It embeds
// concept descriptions (delegated to an Embedder, satisfied by
// internal/analyzer's Ollama client) and persists them to Qdrant over
// its REST API, one point per concept fragment.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

var log = logging.GetLogger("vectorstore")

// Concept is the unit stored in the vector index. It is never durable on
// its own; ConceptID is "<source_record_id>:<index>".
type Concept struct {
	ConceptID         string
	Title             string
	Description       string // embedded text
	AnalyzedType      string
	Confidence        float64
	Mood              string
	Keywords          []string
	ExtractedConcepts []string

	SourceRecordID  int64
	SourceCategory  string
	SourceTopic     string
	SourceDate      string
	SourceCreatedAt time.Time
}

// Embedder turns text into a vector. internal/analyzer's Ollama client
// satisfies this.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float64, error)
}

// StoreResult reports the outcome of a StoreConcepts call.
type StoreResult struct {
	Success     bool
	CountStored int
	Errors      []string
}

// SimilarityHit is one result of SearchSimilar.
type SimilarityHit struct {
	Concept         Concept
	Similarity      float64 // in [0,1]
	SourceRecordID  int64
	SourceCategory  string
	SourceTopic     string
	SourceDate      string
	SourceCreatedAt time.Time
}

// VectorStore is the Qdrant-backed vector adapter.
type VectorStore struct {
	baseURL        string
	collectionName string
	httpClient     *http.Client
	enabled        bool
	dimension      int
	embedder       Embedder
}

// New creates a VectorStore bound to the given embedder.
func New(cfg *config.QdrantConfig, embedder Embedder) *VectorStore {
	vs := &VectorStore{
		baseURL:        cfg.URL,
		collectionName: "hyphae-concepts",
		enabled:        cfg.Enabled,
		dimension:      768, // nomic-embed-text
		embedder:       embedder,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	if vs.baseURL == "" {
		vs.baseURL = "http://localhost:6333"
	}
	return vs
}

// IsAvailable reports whether Qdrant responds.
func (vs *VectorStore) IsAvailable() bool {
	if !vs.enabled {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", vs.baseURL+"/collections", nil)
	if err != nil {
		return false
	}
	resp, err := vs.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// InitCollection creates the concepts collection if it doesn't exist.
func (vs *VectorStore) InitCollection(ctx context.Context) error {
	if !vs.enabled {
		return fmt.Errorf("vector store is not enabled")
	}

	exists, err := vs.collectionExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	createReq := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     vs.dimension,
			"distance": "Cosine",
		},
		"hnsw_config": map[string]interface{}{
			"m":            16,
			"ef_construct": 100,
		},
	}
	log.Info("creating qdrant collection", "collection", vs.collectionName, "dimension", vs.dimension)
	return vs.put(ctx, "/collections/"+vs.collectionName, createReq)
}

func (vs *VectorStore) collectionExists(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", vs.baseURL+"/collections/"+vs.collectionName, nil)
	if err != nil {
		return false, err
	}
	resp, err := vs.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// StoreConcepts embeds each concept's description and upserts it to Qdrant,
// keyed by ConceptID so re-storing the same parent record upserts rather
// than accumulating duplicates.
func (vs *VectorStore) StoreConcepts(ctx context.Context, parent *store.Record, concepts []Concept) (*StoreResult, error) {
	if !vs.enabled {
		return &StoreResult{Success: false, Errors: []string{"vector store disabled"}}, fmt.Errorf("vector store disabled")
	}

	result := &StoreResult{}
	var points []qdrantPoint

	for i := range concepts {
		c := &concepts[i]
		if c.ConceptID == "" {
			c.ConceptID = fmt.Sprintf("%d:%d", parent.ID, i)
		}
		c.SourceRecordID = parent.ID
		c.SourceCategory = parent.Category
		c.SourceTopic = parent.Topic
		c.SourceDate = parent.Date
		c.SourceCreatedAt = parent.CreatedAt

		vec, err := vs.embedder.GenerateEmbedding(ctx, c.Description)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("embed concept %s: %v", c.ConceptID, err))
			continue
		}

		// Qdrant point ids must be UUIDs or unsigned ints, so the point id
		// is a name-based UUID over the concept id. Deterministic, which is
		// what makes re-storing the same parent an upsert.
		points = append(points, qdrantPoint{
			ID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.ConceptID)).String(),
			Vector: vec,
			Payload: map[string]interface{}{
				"concept_id":         c.ConceptID,
				"title":              c.Title,
				"description":        c.Description,
				"analyzed_type":      c.AnalyzedType,
				"confidence":         c.Confidence,
				"mood":               c.Mood,
				"keywords":           c.Keywords,
				"extracted_concepts": c.ExtractedConcepts,
				"source_record_id":   c.SourceRecordID,
				"source_category":    c.SourceCategory,
				"source_topic":       c.SourceTopic,
				"source_date":        c.SourceDate,
				"source_created_at":  c.SourceCreatedAt.Format(time.RFC3339),
			},
		})
	}

	if len(points) == 0 {
		result.Success = false
		return result, fmt.Errorf("no concepts could be embedded")
	}

	if err := vs.upsertPoints(ctx, points); err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Success = false
		return result, err
	}

	result.Success = true
	result.CountStored = len(points)
	return result, nil
}

// SearchSimilar embeds the query and returns the top-k most similar
// concepts, optionally restricted by source category.
func (vs *VectorStore) SearchSimilar(ctx context.Context, queryText string, k int, categories []string) ([]SimilarityHit, error) {
	if !vs.enabled {
		return nil, fmt.Errorf("vector store disabled")
	}
	if k <= 0 {
		k = 20
	}

	vec, err := vs.embedder.GenerateEmbedding(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	searchReq := map[string]interface{}{
		"vector":       vec,
		"limit":        k,
		"with_payload": true,
	}
	if len(categories) > 0 {
		should := make([]map[string]interface{}, len(categories))
		for i, c := range categories {
			should[i] = map[string]interface{}{"key": "source_category", "match": map[string]interface{}{"value": c}}
		}
		searchReq["filter"] = map[string]interface{}{"should": should}
	}

	body, err := json.Marshal(searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", vs.baseURL+"/collections/"+vs.collectionName+"/points/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := vs.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search failed with status %d: %s", resp.StatusCode, string(b))
	}

	var searchResp struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := make([]SimilarityHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		hits = append(hits, payloadToHit(r.ID, r.Score, r.Payload))
	}
	return hits, nil
}

func payloadToHit(rawID interface{}, score float64, payload map[string]interface{}) SimilarityHit {
	id := fmt.Sprintf("%v", rawID)
	if v, ok := payload["concept_id"].(string); ok {
		id = v
	}
	c := Concept{ConceptID: id}
	if v, ok := payload["title"].(string); ok {
		c.Title = v
	}
	if v, ok := payload["description"].(string); ok {
		c.Description = v
	}
	if v, ok := payload["analyzed_type"].(string); ok {
		c.AnalyzedType = v
	}
	if v, ok := payload["confidence"].(float64); ok {
		c.Confidence = v
	}
	if v, ok := payload["mood"].(string); ok {
		c.Mood = v
	}
	c.Keywords = toStringSlice(payload["keywords"])
	c.ExtractedConcepts = toStringSlice(payload["extracted_concepts"])

	hit := SimilarityHit{Concept: c, Similarity: score}
	if v, ok := payload["source_record_id"].(float64); ok {
		hit.SourceRecordID = int64(v)
		c.SourceRecordID = hit.SourceRecordID
	}
	if v, ok := payload["source_category"].(string); ok {
		hit.SourceCategory = v
	}
	if v, ok := payload["source_topic"].(string); ok {
		hit.SourceTopic = v
	}
	if v, ok := payload["source_date"].(string); ok {
		hit.SourceDate = v
	}
	if v, ok := payload["source_created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			hit.SourceCreatedAt = t
		}
	}
	hit.Concept = c
	return hit
}

func toStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float64              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (vs *VectorStore) upsertPoints(ctx context.Context, points []qdrantPoint) error {
	body, err := json.Marshal(map[string]interface{}{"points": points})
	if err != nil {
		return fmt.Errorf("failed to marshal upsert request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "PUT", vs.baseURL+"/collections/"+vs.collectionName+"/points", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := vs.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upsert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upsert failed with status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (vs *VectorStore) put(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "PUT", vs.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := vs.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(b))
	}
	return nil
}

// IsEnabled reports whether this adapter is configured on.
func (vs *VectorStore) IsEnabled() bool {
	return vs.enabled
}
