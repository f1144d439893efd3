package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyphae-dev/hyphae/internal/analyzer"
	"github.com/hyphae-dev/hyphae/internal/graph"
	"github.com/hyphae-dev/hyphae/internal/ingest"
	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/mcp"
	"github.com/hyphae-dev/hyphae/internal/ratelimit"
	"github.com/hyphae-dev/hyphae/internal/recency"
	"github.com/hyphae-dev/hyphae/internal/retrieve"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/internal/vectorstore"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

var mcpMode bool

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hyphae",
	Short: "Autonomous memory pipeline for language-model assistants",
	Long: `Hyphae ingests memory records, classifies them with a language model,
routes them across relational, vector, and graph stores, and serves
hybrid retrieval over all three.

Examples:
  hyphae --mcp       # run as MCP server (JSON-RPC over stdin/stdout)
  hyphae serve       # run the read-only status API
  hyphae doctor      # check backend availability`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		if mcpMode {
			runMCPServer()
		} else {
			cmd.Help()
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (not read: config is loaded from ./config.yaml, ~/.hyphae/config.yaml or /etc/hyphae/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&mcpMode, "mcp", false, "run as MCP server (JSON-RPC over stdin/stdout)")
}

// components bundles everything the serving commands wire up.
type components struct {
	cfg         *config.Config
	store       *store.Store
	graphStore  *graph.Graph
	recency     *recency.Cache
	analyzer    *analyzer.Client
	vectorStore *vectorstore.VectorStore
	ingest      *ingest.Pipeline
	retrieve    *retrieve.Pipeline
}

func buildComponents() (*components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return buildComponentsFrom(cfg)
}

// buildComponentsFrom wires the pipelines from an already-loaded config,
// so serve can obtain its config via config.Watch instead of Load.
func buildComponentsFrom(cfg *config.Config) (*components, error) {
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stderr",
	})

	if err := cfg.EnsureConfigDir(); err != nil {
		return nil, fmt.Errorf("error creating config directory: %w", err)
	}

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening relational store: %w", err)
	}

	g, err := graph.Open(cfg.Database.GraphPath)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("error opening graph store: %w", err)
	}

	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled: true,
		Global: ratelimit.LimitConfig{
			RequestsPerSecond: cfg.RateLimit.Global.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Global.BurstSize,
		},
		Tools: []ratelimit.ToolLimit{
			{
				Name:              "analyze",
				RequestsPerSecond: cfg.Analyzer.RequestsPerSecond,
				BurstSize:         int(cfg.Analyzer.RequestsPerSecond * 2),
			},
		},
	})

	a := analyzer.New(&cfg.Ollama, limiter)
	vs := vectorstore.New(&cfg.Qdrant, a)
	rc := recency.New(cfg.Recency.Capacity)

	return &components{
		cfg:         cfg,
		store:       s,
		graphStore:  g,
		recency:     rc,
		analyzer:    a,
		vectorStore: vs,
		ingest:      ingest.New(s, rc, vs, g, a),
		retrieve:    retrieve.New(s, vs, g, a, cfg.Timeouts),
	}, nil
}

func (c *components) close() {
	c.graphStore.Close()
	c.store.Close()
}

// runMCPServer starts the MCP server mode.
func runMCPServer() {
	comps, err := buildComponents()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer comps.close()

	if comps.vectorStore.IsEnabled() {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := comps.vectorStore.InitCollection(initCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: vector collection init failed: %v\n", err)
		}
		cancel()
	}

	server := mcp.NewServer(comps.cfg, comps.ingest, comps.retrieve, comps.vectorStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := server.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
