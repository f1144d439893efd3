// Package analyzer wraps an Ollama HTTP backend for both embedding
// generation (consumed by internal/vectorstore through its Embedder
// interface) and the two judgment calls the ingestion pipeline needs:
// concept extraction and significance judgment. The model is prompted
// for JSON and its output parsed strictly, with one retry on malformed
// output.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/policy"
	"github.com/hyphae-dev/hyphae/internal/ratelimit"
	"github.com/hyphae-dev/hyphae/internal/vectorstore"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

var log = logging.GetLogger("analyzer")

// ErrUnavailable means the backend could not be reached; ErrMalformed
// means it answered but the structured response did not parse.
var (
	ErrUnavailable = fmt.Errorf("analyzer unavailable")
	ErrMalformed   = fmt.Errorf("analyzer returned malformed structured response")
)

// RecordInput is the minimal view of a record the analyzer needs; it
// avoids an import of internal/store so the dependency only runs one
// direction.
type RecordInput struct {
	Category  string
	Topic     string
	Content   string
	Date      string
	CreatedAt time.Time
}

// SignificanceVerdict is judge_significance's contract to the pipeline.
type SignificanceVerdict struct {
	Significant bool   `json:"significant"`
	Reason      string `json:"reason"`
}

// Client is the analyzer gateway.
type Client struct {
	baseURL        string
	embeddingModel string
	chatModel      string
	httpClient     *http.Client
	enabled        bool
	limiter        *ratelimit.Limiter
}

// New builds a Client from configuration, filling in defaults for any
// unset field.
func New(cfg *config.OllamaConfig, limiter *ratelimit.Limiter) *Client {
	c := &Client{
		baseURL:        cfg.BaseURL,
		embeddingModel: cfg.EmbeddingModel,
		chatModel:      cfg.ChatModel,
		enabled:        cfg.Enabled,
		limiter:        limiter,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
	}
	if c.baseURL == "" {
		c.baseURL = "http://localhost:11434"
	}
	if c.embeddingModel == "" {
		c.embeddingModel = "nomic-embed-text"
	}
	if c.chatModel == "" {
		c.chatModel = "qwen2.5:3b"
	}
	return c
}

// IsAvailable pings Ollama's tag listing endpoint.
func (c *Client) IsAvailable() bool {
	if !c.enabled {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// GenerateEmbedding satisfies vectorstore.Embedder, giving the vector
// store its embedding backend without it importing this package.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	if !c.enabled {
		return nil, ErrUnavailable
	}
	if c.limiter != nil {
		if res := c.limiter.Allow("analyze"); !res.Allowed {
			return nil, fmt.Errorf("embedding request rate-limited, retry after %s", res.RetryAfter)
		}
	}

	body, err := json.Marshal(embeddingRequest{Model: c.embeddingModel, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding request failed with status %d: %s", resp.StatusCode, string(b))
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	return er.Embedding, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	if !c.enabled {
		return "", ErrUnavailable
	}
	if c.limiter != nil {
		if res := c.limiter.Allow("analyze"); !res.Allowed {
			return "", fmt.Errorf("generate request rate-limited, retry after %s", res.RetryAfter)
		}
	}

	body, err := json.Marshal(generateRequest{Model: c.chatModel, Prompt: prompt, Format: "json", Stream: false})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("generate request failed with status %d: %s", resp.StatusCode, string(b))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("failed to decode generate response: %w", err)
	}
	return gr.Response, nil
}

// rawConcept is the JSON shape the model is asked to emit per concept.
type rawConcept struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	AnalyzedType      string   `json:"analyzed_type"`
	Confidence        float64  `json:"confidence"`
	Mood              string   `json:"mood"`
	Keywords          []string `json:"keywords"`
	ExtractedConcepts []string `json:"extracted_concepts"`
}

type extractResponse struct {
	Concepts []rawConcept `json:"concepts"`
}

// ExtractAndAnalyze splits record content into 2-4 self-contained concepts
// and assigns each an analyzed_type, confidence, mood, and keyword set.
// On a malformed first response it retries once before failing. A
// well-formed response carrying no concepts returns an empty slice and
// no error; only unparseable output is malformed.
func (c *Client) ExtractAndAnalyze(ctx context.Context, record RecordInput) ([]vectorstore.Concept, error) {
	prompt := extractPrompt(record)

	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	concepts, parseErr := parseExtractResponse(raw)
	if parseErr != nil {
		log.Warn("malformed extract_and_analyze response, retrying once", "error", parseErr)
		raw, err = c.generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		concepts, parseErr = parseExtractResponse(raw)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, parseErr)
		}
	}

	out := make([]vectorstore.Concept, 0, len(concepts))
	for _, rc := range concepts {
		analyzedType := rc.AnalyzedType
		if !policy.IsValidAnalyzedType(analyzedType) {
			analyzedType = "erlebnisse"
		}
		out = append(out, vectorstore.Concept{
			Title:             rc.Title,
			Description:       rc.Description,
			AnalyzedType:      analyzedType,
			Confidence:        rc.Confidence,
			Mood:              rc.Mood,
			Keywords:          rc.Keywords,
			ExtractedConcepts: rc.ExtractedConcepts,
			SourceCategory:    record.Category,
			SourceTopic:       record.Topic,
			SourceDate:        record.Date,
			SourceCreatedAt:   record.CreatedAt,
		})
	}
	return out, nil
}

func parseExtractResponse(raw string) ([]rawConcept, error) {
	var er extractResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &er); err != nil {
		return nil, err
	}
	// A well-formed response with zero concepts is a valid outcome, not a
	// malformed one: the caller treats it as "nothing worth extracting".
	return er.Concepts, nil
}

func extractPrompt(record RecordInput) string {
	return fmt.Sprintf(`Analyze the following memory content and split it into 2 to 4 self-contained concepts.
Respond with ONLY a JSON object of the form:
{"concepts":[{"title":"...","description":"...","analyzed_type":"...","confidence":0.0,"mood":"...","keywords":["..."],"extracted_concepts":["..."]}]}
analyzed_type must be one of: %s.

Category: %s
Topic: %s
Content:
%s`, strings.Join(policy.AnalyzedTypes, ", "), record.Category, record.Topic, record.Content)
}

// JudgeSignificance is only invoked for non-factual analyzed types.
// The contract to the caller is boolean + reason; the default bias on any
// parse failure is "not significant".
func (c *Client) JudgeSignificance(ctx context.Context, record RecordInput, analyzedType string) (SignificanceVerdict, error) {
	prompt := fmt.Sprintf(`Judge whether this memory is significant enough to keep permanently.
A memory is significant only if it represents: (a) first-time establishment of a pattern,
(b) a paradigm shift, (c) a crisis resolution, or (d) a novel collaboration pattern.
Routine, incremental, or repetitive events are NOT significant. Default to not significant
when uncertain.
Respond with ONLY a JSON object: {"significant": true|false, "reason": "..."}

Analyzed type: %s
Topic: %s
Content:
%s`, analyzedType, record.Topic, record.Content)

	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return SignificanceVerdict{Significant: false, Reason: "analyzer unavailable, defaulting to not significant"}, err
	}

	var verdict SignificanceVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &verdict); err != nil {
		log.Warn("malformed judge_significance response, defaulting to not significant", "error", err)
		return SignificanceVerdict{Significant: false, Reason: "malformed analyzer response, defaulting to not significant"}, nil
	}
	return verdict, nil
}

// ScoreCandidates batches the llm rerank strategy: a single round-trip
// asking the model to score each candidate against query in [0,1].
// Callers fall back to the text strategy on any error here.
func (c *Client) ScoreCandidates(ctx context.Context, query string, candidates []string) ([]float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `Score how relevant each candidate below is to the query "%s", on a scale from 0.0 to 1.0.
Respond with ONLY a JSON object: {"scores":[0.0, ...]} with one score per candidate, in order.

`, query)
	for i, cand := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, cand)
	}

	raw, err := c.generate(ctx, b.String())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parsed.Scores) != len(candidates) {
		return nil, fmt.Errorf("%w: expected %d scores, got %d", ErrMalformed, len(candidates), len(parsed.Scores))
	}
	return parsed.Scores, nil
}
