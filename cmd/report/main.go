package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/api"
	"stealthcompany.com/vaccinecoverage/internal/config"
	"stealthcompany.com/vaccinecoverage/internal/couchbase"
	"stealthcompany.com/vaccinecoverage/internal/export"
	"stealthcompany.com/vaccinecoverage/internal/metrics"
	"stealthcompany.com/vaccinecoverage/internal/orchestrator"
	"stealthcompany.com/vaccinecoverage/internal/report"
	"stealthcompany.com/vaccinecoverage/pkg/zerolog_config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := zerolog_config.Startup(zerolog_config.Options{
		App:              "report",
		Level:            cfg.LogLevel,
		ElasticsearchURL: cfg.ElasticsearchURL,
		Index:            cfg.LogIndex,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	log.Info().Msg("Starting vaccinecoverage-report service")

	if err := serve(cfg); err != nil {
		log.Fatal().Err(err).Msg("Report service failed")
	}
}

func serve(cfg *config.Config) error {
	pipeline, err := newPipeline(cfg)
	if err != nil {
		return err
	}

	ctx, stop := orchestrator.Context(context.Background())
	defer stop()

	metrics.StartSystemMetrics(ctx, 15*time.Second)

	dbClient, err := couchbase.NewClient(ctx, couchbase.Options{
		URL:            cfg.CouchbaseURL,
		Username:       cfg.CouchbaseUsername,
		Password:       cfg.CouchbasePassword,
		Bucket:         cfg.CouchbaseBucket,
		ConnectTimeout: cfg.ConnectTimeout,
		QueryTimeout:   cfg.QueryTimeout,
	}, owner(), cfg.StoreWorkers)
	if err != nil {
		return fmt.Errorf("failed to connect to Couchbase: %w", err)
	}
	defer dbClient.Close()

	var hooks []report.Hook
	if cfg.WorkbookPath != "" {
		hooks = append(hooks, export.Hook(cfg.WorkbookPath))
	}
	runner := report.NewRunner(dbClient, pipeline, hooks...)

	// The first report is built in the background; /health is 503 until
	// it is ready.
	if err := runner.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.SetupRoutes(api.NewHandler(ctx, runner)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("port", cfg.APIPort).
			Msg("Report server starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start report server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down report server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down report server: %w", err)
	}
	return nil
}

func newPipeline(cfg *config.Config) (*report.Pipeline, error) {
	ctrl, err := cfg.Disclosure()
	if err != nil {
		return nil, err
	}
	return report.New(report.Files{
		Schema:   cfg.SchemaFile,
		Rules:    cfg.RulesFile,
		Groups:   cfg.GroupsFile,
		Features: cfg.FeaturesFile,
	}, report.Options{
		ReferenceDate:     cfg.ReferenceDate,
		Target:            cfg.Target,
		Control:           ctrl,
		Workers:           cfg.Workers,
		Clean:             cfg.CleanOptions(),
		ThirdDoseInterval: cfg.ThirdDoseInterval,
		Groups:            cfg.ReportGroups,
	})
}

func owner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("report@%s:%d", host, os.Getpid())
}
