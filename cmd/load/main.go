package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/config"
	"stealthcompany.com/vaccinecoverage/internal/couchbase"
	"stealthcompany.com/vaccinecoverage/internal/extract"
	"stealthcompany.com/vaccinecoverage/internal/orchestrator"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/pkg/zerolog_config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := zerolog_config.Startup(zerolog_config.Options{
		App:              "load",
		Level:            cfg.LogLevel,
		ElasticsearchURL: cfg.ElasticsearchURL,
		Index:            cfg.LogIndex,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	log.Info().Msg("Starting vaccinecoverage-load service")

	source := cfg.ExtractSource
	if len(os.Args) > 1 {
		source = os.Args[1]
	}
	if source == "" {
		log.Fatal().Msg("No extract source: set EXTRACT_SOURCE or pass a path or URL")
	}

	schema, err := loadSchema(cfg.SchemaFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load extract schema")
	}

	os.Exit(load(cfg, schema, source))
}

// load writes one extract and returns the process exit code.
func load(cfg *config.Config, schema *patient.Schema, source string) int {
	ctx, stop := orchestrator.Context(context.Background())
	defer stop()

	dbClient, err := couchbase.NewClient(ctx, couchbaseOptions(cfg), owner(), cfg.StoreWorkers)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to Couchbase")
		return 1
	}
	defer dbClient.Close()

	summary, err := extract.NewLoader(schema, dbClient, cfg.ExtractTimeout).Load(ctx, source)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load extract")
		return 1
	}

	log.Info().
		Str("extract_id", summary.ExtractID).
		Int("read", summary.Read).
		Int("rejected", summary.Rejected).
		Int("stored", summary.Stored).
		Int("failed", summary.Failed).
		Int("purged", summary.Purged).
		Msg("Extract load completed")
	if summary.Failed > 0 {
		return 2
	}
	return 0
}

func loadSchema(path string) (*patient.Schema, error) {
	if path == "" {
		return patient.DefaultSchema()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schema: %w", err)
	}
	defer f.Close()
	return patient.LoadSchema(f)
}

func couchbaseOptions(cfg *config.Config) couchbase.Options {
	return couchbase.Options{
		URL:            cfg.CouchbaseURL,
		Username:       cfg.CouchbaseUsername,
		Password:       cfg.CouchbasePassword,
		Bucket:         cfg.CouchbaseBucket,
		ConnectTimeout: cfg.ConnectTimeout,
		QueryTimeout:   cfg.QueryTimeout,
	}
}

// owner names this process in the load lock.
func owner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("load@%s:%d", host, os.Getpid())
}
