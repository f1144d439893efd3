package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Profile   string          `mapstructure:"profile"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RestAPI   RestAPIConfig   `mapstructure:"rest_api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Recency   RecencyConfig   `mapstructure:"recency"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
}

// DatabaseConfig holds the relational and graph stores' locations.
type DatabaseConfig struct {
	Path      string `mapstructure:"path"`       // relational store
	GraphPath string `mapstructure:"graph_path"` // graph store, its own file so record deletion never touches graph state
}

// RestAPIConfig holds the read-only status HTTP surface configuration.
type RestAPIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	CORS    bool   `mapstructure:"cors"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// OllamaConfig holds the analyzer gateway's LLM backend configuration.
type OllamaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	EmbeddingModel string `mapstructure:"embedding_model"` // nomic-embed-text, 768-dim
	ChatModel      string `mapstructure:"chat_model"`      // qwen2.5:3b
}

// QdrantConfig holds the vector store configuration.
type QdrantConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// RateLimitConfig mirrors internal/ratelimit.Config for viper binding.
type RateLimitConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Global  LimitConfig       `mapstructure:"global"`
	Tools   []ToolLimitConfig `mapstructure:"tools"`
}

// LimitConfig defines a token-bucket rate.
type LimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// ToolLimitConfig defines a per-tool rate-limit override.
type ToolLimitConfig struct {
	Name              string  `mapstructure:"name"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// RecencyConfig configures the recency cache.
type RecencyConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// RerankConfig configures the default rerank strategy for search.
type RerankConfig struct {
	Default string `mapstructure:"default"` // hybrid, text, or llm
}

// GraphConfig configures graph expansion defaults.
type GraphConfig struct {
	DefaultDepth int `mapstructure:"default_depth"`
}

// SimilarityConfig configures the thresholds used to classify edges.
type SimilarityConfig struct {
	HighSimilarityThreshold float64 `mapstructure:"high_similarity_threshold"`
}

// AnalyzerConfig configures the analyzer gateway's own rate limit.
type AnalyzerConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// TimeoutsConfig configures the per-branch search timeouts.
type TimeoutsConfig struct {
	SQLSearchMS    int `mapstructure:"sql_search_ms"`
	VectorSearchMS int `mapstructure:"vector_search_ms"`
	GraphSearchMS  int `mapstructure:"graph_search_ms"`
}

// DefaultConfig returns configuration with the documented defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".hyphae")

	return &Config{
		Profile: "default",
		Database: DatabaseConfig{
			Path:      filepath.Join(configDir, "memories.db"),
			GraphPath: filepath.Join(configDir, "graph.db"),
		},
		RestAPI: RestAPIConfig{
			Enabled: true,
			Port:    7420,
			Host:    "localhost",
			CORS:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Ollama: OllamaConfig{
			Enabled:        true,
			BaseURL:        "http://localhost:11434",
			EmbeddingModel: "nomic-embed-text",
			ChatModel:      "qwen2.5:3b",
		},
		Qdrant: QdrantConfig{
			Enabled: true,
			URL:     "http://localhost:6333",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Global: LimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
			Tools: []ToolLimitConfig{
				{Name: "analyze", RequestsPerSecond: 5, BurstSize: 10},
				{Name: "search", RequestsPerSecond: 20, BurstSize: 40},
			},
		},
		Recency:    RecencyConfig{Capacity: 10},
		Rerank:     RerankConfig{Default: "hybrid"},
		Graph:      GraphConfig{DefaultDepth: 2},
		Similarity: SimilarityConfig{HighSimilarityThreshold: 0.8},
		Analyzer:   AnalyzerConfig{RequestsPerSecond: 5},
		Timeouts: TimeoutsConfig{
			SQLSearchMS:    2000,
			VectorSearchMS: 3000,
			GraphSearchMS:  2000,
		},
	}
}

// Load loads configuration from YAML with fallback to defaults.
// Searches in multiple locations:
//  1. ./config.yaml (current directory)
//  2. ~/.hyphae/config.yaml (user home)
//  3. /etc/hyphae/config.yaml (system-wide)
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".hyphae"))
	v.AddConfigPath("/etc/hyphae")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Watch loads configuration the same way Load does, then invokes onChange
// with every subsequent reload triggered by an edit to the config file.
// Like Load, a missing config file yields the defaults without an error; in
// that case there is nothing to watch, so the watch is not armed and onChange
// is never called.
func Watch(onChange func(*Config, error)) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".hyphae"))
	v.AddConfigPath("/etc/hyphae")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		reloaded := &Config{}
		if err := v.Unmarshal(reloaded); err != nil {
			onChange(nil, fmt.Errorf("error unmarshaling config after change: %w", err))
			return
		}
		if err := reloaded.Validate(); err != nil {
			onChange(nil, fmt.Errorf("invalid configuration after change: %w", err))
			return
		}
		onChange(reloaded, nil)
	})
	v.WatchConfig()

	return cfg, nil
}

// setDefaults sets default values in Viper.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("profile", def.Profile)
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("database.graph_path", def.Database.GraphPath)

	v.SetDefault("rest_api.enabled", def.RestAPI.Enabled)
	v.SetDefault("rest_api.port", def.RestAPI.Port)
	v.SetDefault("rest_api.host", def.RestAPI.Host)
	v.SetDefault("rest_api.cors", def.RestAPI.CORS)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)

	v.SetDefault("ollama.enabled", def.Ollama.Enabled)
	v.SetDefault("ollama.base_url", def.Ollama.BaseURL)
	v.SetDefault("ollama.embedding_model", def.Ollama.EmbeddingModel)
	v.SetDefault("ollama.chat_model", def.Ollama.ChatModel)

	v.SetDefault("qdrant.enabled", def.Qdrant.Enabled)
	v.SetDefault("qdrant.url", def.Qdrant.URL)

	v.SetDefault("rate_limit.enabled", def.RateLimit.Enabled)
	v.SetDefault("rate_limit.global.requests_per_second", def.RateLimit.Global.RequestsPerSecond)
	v.SetDefault("rate_limit.global.burst_size", def.RateLimit.Global.BurstSize)

	v.SetDefault("recency.capacity", def.Recency.Capacity)

	v.SetDefault("rerank.default", def.Rerank.Default)

	v.SetDefault("graph.default_depth", def.Graph.DefaultDepth)

	v.SetDefault("similarity.high_similarity_threshold", def.Similarity.HighSimilarityThreshold)

	v.SetDefault("analyzer.requests_per_second", def.Analyzer.RequestsPerSecond)

	v.SetDefault("timeouts.sql_search_ms", def.Timeouts.SQLSearchMS)
	v.SetDefault("timeouts.vector_search_ms", def.Timeouts.VectorSearchMS)
	v.SetDefault("timeouts.graph_search_ms", def.Timeouts.GraphSearchMS)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.GraphPath == "" {
		return fmt.Errorf("database.graph_path is required")
	}

	if c.RestAPI.Enabled {
		if c.RestAPI.Port < 1 || c.RestAPI.Port > 65535 {
			return fmt.Errorf("rest_api.port must be between 1 and 65535")
		}
		if c.RestAPI.Host == "" {
			return fmt.Errorf("rest_api.host is required when the status API is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}

	if c.Ollama.Enabled && c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama.base_url is required when Ollama is enabled")
	}

	if c.Qdrant.Enabled && c.Qdrant.URL == "" {
		return fmt.Errorf("qdrant.url is required when Qdrant is enabled")
	}

	if c.Recency.Capacity < 0 {
		return fmt.Errorf("recency.capacity must be >= 0")
	}

	validRerank := map[string]bool{"hybrid": true, "text": true, "llm": true}
	if !validRerank[c.Rerank.Default] {
		return fmt.Errorf("rerank.default must be one of: hybrid, text, llm")
	}

	if c.Graph.DefaultDepth < 1 || c.Graph.DefaultDepth > 3 {
		return fmt.Errorf("graph.default_depth must be between 1 and 3")
	}

	if c.Similarity.HighSimilarityThreshold < 0 || c.Similarity.HighSimilarityThreshold > 1 {
		return fmt.Errorf("similarity.high_similarity_threshold must be between 0 and 1")
	}

	if c.Analyzer.RequestsPerSecond <= 0 {
		return fmt.Errorf("analyzer.requests_per_second must be > 0")
	}

	if c.Timeouts.SQLSearchMS <= 0 || c.Timeouts.VectorSearchMS <= 0 || c.Timeouts.GraphSearchMS <= 0 {
		return fmt.Errorf("timeouts.*_ms must all be > 0")
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func (c *Config) EnsureConfigDir() error {
	configDir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the configuration directory.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".hyphae")
}

// DatabasePath returns the default relational store path.
func DatabasePath() string {
	return filepath.Join(ConfigPath(), "memories.db")
}

// GraphDatabasePath returns the default graph store path.
func GraphDatabasePath() string {
	return filepath.Join(ConfigPath(), "graph.db")
}
