package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyphae-dev/hyphae/pkg/config"
)

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Comprehensive system check",
	Long:  `Run a comprehensive system check to verify all backends are reachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		runDoctor()
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor() {
	fmt.Println("Hyphae System Check")
	fmt.Println("===================")
	fmt.Println()

	comps, err := buildComponents()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer comps.close()

	allOk := true

	// Check relational store
	fmt.Print("Relational store... ")
	if stats, err := comps.store.Stats(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		allOk = false
	} else {
		fmt.Printf("OK (%d memories)\n", stats.Total)
	}
	fmt.Printf("  Path: %s\n", comps.cfg.Database.Path)

	// Check graph store
	fmt.Print("Graph store... ")
	if stats, err := comps.graphStore.Stats(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		allOk = false
	} else {
		fmt.Printf("OK (%d nodes, %d edges)\n", stats.NodeCount, stats.EdgeCount)
	}
	fmt.Printf("  Path: %s\n", comps.cfg.Database.GraphPath)

	// Check analyzer backend
	fmt.Print("Ollama... ")
	if !comps.cfg.Ollama.Enabled {
		fmt.Println("NOT CONFIGURED (optional)")
	} else if comps.analyzer.IsAvailable() {
		fmt.Println("OK")
		fmt.Printf("  URL: %s\n", comps.cfg.Ollama.BaseURL)
		fmt.Printf("  Chat Model: %s\n", comps.cfg.Ollama.ChatModel)
		fmt.Printf("  Embedding Model: %s\n", comps.cfg.Ollama.EmbeddingModel)
	} else {
		fmt.Println("NOT AVAILABLE")
		fmt.Println("  Analysis and significance judgment will be disabled.")
		fmt.Println("  Install Ollama: https://ollama.ai")
	}

	// Check vector store
	fmt.Print("Qdrant... ")
	if !comps.cfg.Qdrant.Enabled {
		fmt.Println("NOT CONFIGURED (optional)")
	} else if comps.vectorStore.IsAvailable() {
		fmt.Println("OK")
		fmt.Printf("  URL: %s\n", comps.cfg.Qdrant.URL)
	} else {
		fmt.Println("NOT AVAILABLE")
		fmt.Println("  Concept indexing and similarity search will be disabled.")
		fmt.Printf("  URL: %s\n", comps.cfg.Qdrant.URL)
	}

	fmt.Println()

	// Summary
	if allOk {
		fmt.Println("All core systems operational!")
	} else {
		fmt.Println("Some issues detected. Please review the errors above.")
	}

	// Print configuration details
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Config Dir: %s\n", config.ConfigPath())
	fmt.Printf("  Status API: %s:%d (enabled: %v)\n", comps.cfg.RestAPI.Host, comps.cfg.RestAPI.Port, comps.cfg.RestAPI.Enabled)
}
