package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyphae-dev/hyphae/internal/ingest"
	"github.com/hyphae-dev/hyphae/internal/recency"
	"github.com/hyphae-dev/hyphae/internal/retrieve"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "memories.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = false

	ip := ingest.New(s, recency.New(cfg.Recency.Capacity), nil, nil, nil)
	rp := retrieve.New(s, nil, nil, nil, cfg.Timeouts)

	return NewServer(cfg, ip, rp, nil), s
}

// runLines feeds newline-delimited requests through the server and
// returns the decoded responses in order.
func runLines(t *testing.T, srv *Server, lines ...string) []Response {
	t.Helper()

	var out bytes.Buffer
	srv.SetStreams(strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("server run failed: %v", err)
	}

	var responses []Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("failed to decode response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestInitializeAndToolsList(t *testing.T) {
	srv, _ := newTestServer(t)

	responses := runLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}

	init := responses[0].Result.(map[string]interface{})
	serverInfo := init["serverInfo"].(map[string]interface{})
	if serverInfo["name"] != ServerName {
		t.Fatalf("unexpected server name %v", serverInfo["name"])
	}

	list := responses[1].Result.(map[string]interface{})
	tools := list["tools"].([]interface{})
	if len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(tools))
	}
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.(map[string]interface{})["name"].(string)] = true
	}
	for _, want := range []string{"ingest_memory", "search_intelligent", "search_graph", "search_concepts"} {
		if !names[want] {
			t.Fatalf("missing tool %q in %v", want, names)
		}
	}
}

func TestToolsCallSearchIntelligent(t *testing.T) {
	srv, s := newTestServer(t)
	s.Insert("erlebnisse", "goroutines talk", "we discussed goroutines", "2026-07-01")

	responses := runLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search_intelligent","arguments":{"query":"goroutines"}}}`,
	)
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}

	result := responses[0].Result.(map[string]interface{})
	if result["isError"] == true {
		t.Fatalf("unexpected tool error: %v", result)
	}
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		t.Fatalf("tool result is not JSON: %v", err)
	}
	if body["total_found"].(float64) != 1 {
		t.Fatalf("expected 1 result, got %v", body["total_found"])
	}
	if body["strategy"] != "sql_only" {
		t.Fatalf("expected sql_only strategy with no vector store, got %v", body["strategy"])
	}
}

func TestUnknownMethodAndUnknownTool(t *testing.T) {
	srv, _ := newTestServer(t)

	responses := runLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"nope"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope","arguments":{}}}`,
	)
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != MethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", responses[0].Error)
	}
	result := responses[1].Result.(map[string]interface{})
	if result["isError"] != true {
		t.Fatalf("expected isError for unknown tool, got %v", result)
	}
}

func TestInvalidJSONGetsParseError(t *testing.T) {
	srv, _ := newTestServer(t)

	responses := runLines(t, srv, `{not json`)
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != ParseError {
		t.Fatalf("expected parse error, got %+v", responses[0].Error)
	}
}
