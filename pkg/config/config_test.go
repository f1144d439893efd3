package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Path == "" || cfg.Database.GraphPath == "" {
		t.Error("expected non-empty database paths")
	}
	if cfg.Database.Path == cfg.Database.GraphPath {
		t.Error("expected the relational and graph stores to use distinct paths")
	}

	if !cfg.RestAPI.Enabled {
		t.Error("expected RestAPI.Enabled=true")
	}
	if cfg.RestAPI.Port != 7420 {
		t.Errorf("expected port=7420, got %d", cfg.RestAPI.Port)
	}
	if cfg.RestAPI.Host != "localhost" {
		t.Errorf("expected host=localhost, got %s", cfg.RestAPI.Host)
	}
	if !cfg.RestAPI.CORS {
		t.Error("expected CORS=true")
	}

	if cfg.Ollama.EmbeddingModel != "nomic-embed-text" {
		t.Errorf("expected embedding model=nomic-embed-text, got %s", cfg.Ollama.EmbeddingModel)
	}
	if cfg.Ollama.ChatModel != "qwen2.5:3b" {
		t.Errorf("expected chat model=qwen2.5:3b, got %s", cfg.Ollama.ChatModel)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("expected ollama base url=http://localhost:11434, got %s", cfg.Ollama.BaseURL)
	}

	if cfg.Qdrant.URL != "http://localhost:6333" {
		t.Errorf("expected qdrant url=http://localhost:6333, got %s", cfg.Qdrant.URL)
	}

	if cfg.Recency.Capacity != 10 {
		t.Errorf("expected recency capacity=10, got %d", cfg.Recency.Capacity)
	}
	if cfg.Rerank.Default != "hybrid" {
		t.Errorf("expected rerank default=hybrid, got %s", cfg.Rerank.Default)
	}
	if cfg.Graph.DefaultDepth != 2 {
		t.Errorf("expected graph default depth=2, got %d", cfg.Graph.DefaultDepth)
	}
	if cfg.Similarity.HighSimilarityThreshold != 0.8 {
		t.Errorf("expected high similarity threshold=0.8, got %v", cfg.Similarity.HighSimilarityThreshold)
	}
	if cfg.Analyzer.RequestsPerSecond != 5 {
		t.Errorf("expected analyzer rps=5, got %v", cfg.Analyzer.RequestsPerSecond)
	}
	if cfg.Timeouts.SQLSearchMS != 2000 || cfg.Timeouts.VectorSearchMS != 3000 || cfg.Timeouts.GraphSearchMS != 2000 {
		t.Errorf("unexpected timeout defaults: %+v", cfg.Timeouts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		expectErr bool
	}{
		{
			name:      "valid config",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name: "empty database path",
			modify: func(c *Config) {
				c.Database.Path = ""
			},
			expectErr: true,
		},
		{
			name: "empty graph path",
			modify: func(c *Config) {
				c.Database.GraphPath = ""
			},
			expectErr: true,
		},
		{
			name: "invalid port",
			modify: func(c *Config) {
				c.RestAPI.Port = 99999
			},
			expectErr: true,
		},
		{
			name: "invalid logging level",
			modify: func(c *Config) {
				c.Logging.Level = "invalid"
			},
			expectErr: true,
		},
		{
			name: "empty ollama base url when enabled",
			modify: func(c *Config) {
				c.Ollama.Enabled = true
				c.Ollama.BaseURL = ""
			},
			expectErr: true,
		},
		{
			name: "empty qdrant url when enabled",
			modify: func(c *Config) {
				c.Qdrant.Enabled = true
				c.Qdrant.URL = ""
			},
			expectErr: true,
		},
		{
			name: "negative recency capacity",
			modify: func(c *Config) {
				c.Recency.Capacity = -1
			},
			expectErr: true,
		},
		{
			name: "invalid rerank default",
			modify: func(c *Config) {
				c.Rerank.Default = "magic"
			},
			expectErr: true,
		},
		{
			name: "graph depth out of range",
			modify: func(c *Config) {
				c.Graph.DefaultDepth = 4
			},
			expectErr: true,
		},
		{
			name: "similarity threshold out of range",
			modify: func(c *Config) {
				c.Similarity.HighSimilarityThreshold = 1.5
			},
			expectErr: true,
		},
		{
			name: "non-positive analyzer rps",
			modify: func(c *Config) {
				c.Analyzer.RequestsPerSecond = 0
			},
			expectErr: true,
		},
		{
			name: "non-positive timeout",
			modify: func(c *Config) {
				c.Timeouts.VectorSearchMS = 0
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd) //nolint:errcheck
	_ = os.Chdir(tmpDir)

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error with missing config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config, got nil")
	}
	if cfg.RestAPI.Port != 7420 {
		t.Errorf("expected default port 7420, got %d", cfg.RestAPI.Port)
	}
}

func TestLoadConfig_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
profile: test
database:
  path: /tmp/test-memories.db
  graph_path: /tmp/test-graph.db
rest_api:
  enabled: true
  port: 4000
  host: 127.0.0.1
  cors: false
logging:
  level: debug
  format: json
recency:
  capacity: 25
rerank:
  default: text
graph:
  default_depth: 3
similarity:
  high_similarity_threshold: 0.9
analyzer:
  requests_per_second: 2
timeouts:
  sql_search_ms: 1000
  vector_search_ms: 1500
  graph_search_ms: 1000
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd) //nolint:errcheck
	_ = os.Chdir(tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Profile != "test" {
		t.Errorf("expected profile=test, got %s", cfg.Profile)
	}
	if cfg.Database.Path != "/tmp/test-memories.db" {
		t.Errorf("expected database path=/tmp/test-memories.db, got %s", cfg.Database.Path)
	}
	if cfg.RestAPI.Port != 4000 {
		t.Errorf("expected port=4000, got %d", cfg.RestAPI.Port)
	}
	if cfg.RestAPI.CORS {
		t.Error("expected CORS=false, got true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level=debug, got %s", cfg.Logging.Level)
	}
	if cfg.Recency.Capacity != 25 {
		t.Errorf("expected recency capacity=25, got %d", cfg.Recency.Capacity)
	}
	if cfg.Rerank.Default != "text" {
		t.Errorf("expected rerank default=text, got %s", cfg.Rerank.Default)
	}
	if cfg.Graph.DefaultDepth != 3 {
		t.Errorf("expected graph default depth=3, got %d", cfg.Graph.DefaultDepth)
	}
	if cfg.Timeouts.VectorSearchMS != 1500 {
		t.Errorf("expected vector search timeout=1500, got %d", cfg.Timeouts.VectorSearchMS)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(tmpDir, "subdir", "test.db"),
		},
	}

	if err := cfg.EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "subdir")); os.IsNotExist(err) {
		t.Error("config directory was not created")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}

	homeDir, _ := os.UserHomeDir()
	expected := filepath.Join(homeDir, ".hyphae")
	if path != expected {
		t.Errorf("expected %s, got %s", expected, path)
	}
}

func TestDatabasePath(t *testing.T) {
	path := DatabasePath()
	if filepath.Base(path) != "memories.db" {
		t.Errorf("expected database file named memories.db, got %s", filepath.Base(path))
	}
}

func TestGraphDatabasePath(t *testing.T) {
	path := GraphDatabasePath()
	if filepath.Base(path) != "graph.db" {
		t.Errorf("expected graph database file named graph.db, got %s", filepath.Base(path))
	}
}
