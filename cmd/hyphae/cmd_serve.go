package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyphae-dev/hyphae/internal/batch"
	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/statusapi"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

var (
	servePort int
	serveHost string
)

// serveCmd runs the read-only status API plus the background analysis
// job runner in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status API and background job runner",
	Long:  `Run the read-only status HTTP API together with the background analysis-job runner.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")
}

func runServe() {
	// The serve loop watches the config file: on every edit the default
	// logger behind the package-level logging functions is rebuilt with
	// the new level/format; component loggers obtained from
	// logging.GetLogger keep the handler they were created with. Stores
	// and pipelines are built once, so structural changes still need a
	// restart.
	cfg, err := config.Watch(func(updated *config.Config, err error) {
		if err != nil {
			logging.Warn("config reload failed, keeping previous settings", "error", err)
			return
		}
		logging.Init(logging.Config{
			Level:  updated.Logging.Level,
			Format: updated.Logging.Format,
			Output: "stderr",
		})
		logging.Info("configuration reloaded", "log_level", updated.Logging.Level, "log_format", updated.Logging.Format)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	comps, err := buildComponentsFrom(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer comps.close()

	if servePort > 0 {
		comps.cfg.RestAPI.Port = servePort
	}
	if serveHost != "" {
		comps.cfg.RestAPI.Host = serveHost
	}

	fmt.Printf("Hyphae v%s\n", Version)
	fmt.Printf("Database: %s\n", comps.cfg.Database.Path)
	fmt.Printf("Graph:    %s\n", comps.cfg.Database.GraphPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		cancel()
	}()

	queue := batch.NewQueue(comps.store)
	runner := batch.NewRunner(queue, comps.store, comps.analyzer, 5*time.Second)
	runner.Start(ctx)
	defer runner.Stop()

	if !comps.cfg.RestAPI.Enabled {
		fmt.Println("Status API is disabled in configuration; running job runner only")
		<-ctx.Done()
		return
	}

	fmt.Printf("\nStarting status API on %s:%d\n", comps.cfg.RestAPI.Host, comps.cfg.RestAPI.Port)
	fmt.Println("Press Ctrl+C to stop")

	server := statusapi.NewServer(comps.cfg, comps.store, comps.graphStore, comps.recency)
	if err := server.StartWithContext(ctx, 10*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "Error running server: %v\n", err)
		os.Exit(1)
	}
}
