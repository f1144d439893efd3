// Package mcp is the stdin/stdout JSON-RPC transport around the memory
// pipeline. It exposes four tools — ingest_memory, search_intelligent,
// search_graph, and search_concepts — and stays a thin pass-through:
// all routing and storage decisions live in internal/ingest and
// internal/retrieve.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hyphae-dev/hyphae/internal/ingest"
	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/pipeline"
	"github.com/hyphae-dev/hyphae/internal/ratelimit"
	"github.com/hyphae-dev/hyphae/internal/retrieve"
	"github.com/hyphae-dev/hyphae/internal/vectorstore"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "hyphae"
	ServerVersion   = "0.3.0"
)

// Server implements the MCP server over stdin/stdout.
type Server struct {
	cfg          *config.Config
	ingestPipe   *ingest.Pipeline
	retrievePipe *retrieve.Pipeline
	vectorStore  *vectorstore.VectorStore
	rateLimiter  *ratelimit.Limiter
	log          *logging.Logger

	stdin  io.Reader
	stdout io.Writer

	mu          sync.Mutex
	initialized bool
}

// NewServer creates a new MCP server around the two pipelines.
func NewServer(cfg *config.Config, ip *ingest.Pipeline, rp *retrieve.Pipeline, vs *vectorstore.VectorStore) *Server {
	log := logging.GetLogger("mcp")
	log.Info("initializing MCP server", "version", ServerVersion, "protocol", ProtocolVersion)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(&ratelimit.Config{
			Enabled: cfg.RateLimit.Enabled,
			Global: ratelimit.LimitConfig{
				RequestsPerSecond: cfg.RateLimit.Global.RequestsPerSecond,
				BurstSize:         cfg.RateLimit.Global.BurstSize,
			},
			Tools: convertToolLimits(cfg.RateLimit.Tools),
		})
		log.Info("rate limiting enabled", "global_rps", cfg.RateLimit.Global.RequestsPerSecond)
	}

	return &Server{
		cfg:          cfg,
		ingestPipe:   ip,
		retrievePipe: rp,
		vectorStore:  vs,
		rateLimiter:  limiter,
		log:          log,
		stdin:        os.Stdin,
		stdout:       os.Stdout,
	}
}

func convertToolLimits(tools []config.ToolLimitConfig) []ratelimit.ToolLimit {
	result := make([]ratelimit.ToolLimit, len(tools))
	for i, t := range tools {
		result[i] = ratelimit.ToolLimit{
			Name:              t.Name,
			RequestsPerSecond: t.RequestsPerSecond,
			BurstSize:         t.BurstSize,
		}
	}
	return result
}

// SetStreams overrides stdin/stdout, used by tests.
func (s *Server) SetStreams(in io.Reader, out io.Writer) {
	s.stdin = in
	s.stdout = out
}

// Run starts the main loop: one JSON-RPC request per line.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting MCP server main loop")
	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.log.Info("context cancelled, shutting down")
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		response := s.handleRequest(ctx, line)
		if response != nil {
			s.sendResponse(response)
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.Error("scanner error", "error", err)
		return fmt.Errorf("scanner error: %w", err)
	}

	s.log.Info("MCP server shutdown complete")
	return nil
}

func (s *Server) handleRequest(ctx context.Context, line string) *Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.log.Error("failed to parse request", "error", err)
		return &Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()},
		}
	}

	s.log.Debug("received request", "method", req.Method, "id", req.ID)

	if req.JSONRPC != "2.0" {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be '2.0'"},
		}
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "initialized":
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	default:
		s.log.Warn("method not found", "method", req.Method)
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: MethodNotFound, Message: "Method not found", Data: req.Method},
		}
	}
}

func (s *Server) handleInitialize(req Request) *Response {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: ServerCapabilities{
				Tools: &ToolsCapability{ListChanged: false},
			},
			ServerInfo: ServerInfo{
				Name:        ServerName,
				Version:     ServerVersion,
				Description: "Autonomous memory pipeline with hybrid keyword, vector, and graph retrieval",
			},
		},
	}
}

func (s *Server) handleToolsList(req Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  ToolsListResult{Tools: toolDefinitions()},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.log.Error("failed to parse tool params", "error", err)
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()},
		}
	}

	s.log.LogRequest("tools/call", "tool", params.Name)

	if s.rateLimiter != nil {
		result := s.rateLimiter.Allow(params.Name)
		if !result.Allowed {
			s.log.Warn("rate limit exceeded", "tool", params.Name, "limit_type", result.LimitType)
			return &Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error: &RPCError{
					Code:    RateLimitExceeded,
					Message: "Rate limit exceeded",
					Data: RateLimitErrorData{
						RetryAfterMs: result.RetryAfter.Milliseconds(),
						LimitType:    result.LimitType,
						Message:      fmt.Sprintf("Rate limit exceeded for %s. Retry after %v.", result.LimitType, result.RetryAfter),
					},
				},
			}
		}
	}

	startTime := time.Now()
	result, err := s.callTool(ctx, params.Name, params.Arguments)
	durationMs := time.Since(startTime).Seconds() * 1000
	if err != nil {
		s.log.LogError("tool_call", err, "tool", params.Name, "duration_ms", durationMs)
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: CallToolResult{
				Content: []ContentBlock{{Type: "text", Text: errorEnvelope(err)}},
				IsError: true,
			},
		}
	}
	s.log.LogResponse("tools/call", durationMs, "tool", params.Name)

	body, merr := json.Marshal(result)
	if merr != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InternalError, Message: "Failed to encode result", Data: merr.Error()},
		}
	}

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: string(body)}},
		},
	}
}

// errorEnvelope renders a failure as the single {kind, stage, message}
// object clients are promised, whatever error actually surfaced.
func errorEnvelope(err error) string {
	kind, stage, message := string(pipeline.KindInternal), "mcp", err.Error()
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		kind, stage, message = string(pe.Kind), pe.Stage, pe.Message
	}
	body, _ := json.Marshal(map[string]string{"kind": kind, "stage": stage, "message": message})
	return string(body)
}

func (s *Server) sendResponse(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}
	fmt.Fprintln(s.stdout, string(data))
}
