package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dshills/newsrag/internal/config"
	"github.com/dshills/newsrag/internal/service"
)

var (
	configPath string
	dbPath     string
	logLevel   string

	// Set by loadConfig before any subcommand runs
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "newsrag",
	Short: "News feed ingestion and hybrid retrieval",
	Long: `newsrag polls RSS and Atom feeds, extracts companies, investors and
funding events from each article, and indexes the text for hybrid
BM25 + vector search.

Run "newsrag serve" to expose the API to MCP clients over stdio, or use
the feeds, ingest and query commands directly.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $"+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
}

// loadConfig resolves configuration and builds the stderr logger. Stdout is
// reserved for command output and the MCP protocol.
func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		loaded.DBPath = dbPath
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
		if err := loaded.Validate(); err != nil {
			return err
		}
	}

	cfg = loaded
	logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	return nil
}

// openService builds a service for a one-shot command. The feed scheduler
// only runs under serve.
func openService(background bool) (*service.Service, error) {
	c := *cfg
	c.Scheduler.Enabled = c.Scheduler.Enabled && background

	svc, err := service.New(&c, service.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.DBPath, err)
	}
	return svc, nil
}
