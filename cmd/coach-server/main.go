// Package main provides the entry point for the coach chat relay server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pawaovo/ai-coach/internal/config"
	"github.com/pawaovo/ai-coach/internal/db"
	"github.com/pawaovo/ai-coach/internal/metrics"
	"github.com/pawaovo/ai-coach/internal/server"
	"github.com/pawaovo/ai-coach/internal/upstream"
)

const version = "0.1.0"

var (
	configFile string
	wipeDB     bool
)

var rootCmd = &cobra.Command{
	Use:     "coach-server",
	Short:   "Streaming chat relay between websocket clients and an OpenAI-compatible completion API",
	Version: version,
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to YAML config file overlaying environment variables")
	rootCmd.Flags().BoolVar(&wipeDB, "wipe", false, "wipe all chat data on startup (testing only)")
	rootCmd.SilenceUsage = true
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFile(cfg, configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	logger.Info("coach-server starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"upstream_model", cfg.UpstreamModel,
		"surrealdb_url", cfg.SurrealDBURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		logger.Info("closing database connection")
		_ = dbClient.Close(context.Background())
	}()

	if err := dbClient.InitSchema(ctx); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	if wipeDB || os.Getenv("COACH_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
		logger.Warn("all chat data wiped")
	}

	completer := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamModel, cfg.UpstreamTimeout, logger)
	stats := metrics.NewCollector()

	srv := server.New(cfg.ListenAddr, dbClient, completer, server.Options{
		Persona:      cfg.SystemPersona,
		HistoryLimit: cfg.HistoryLimit,
		MaxRetries:   cfg.MaxRetries,
	}, stats, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
