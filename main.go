package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/config"
	"stealthcompany.com/vaccinecoverage/internal/orchestrator"
	"stealthcompany.com/vaccinecoverage/pkg/zerolog_config"
)

// The orchestrator loads the configured extract, then runs the report
// server until it exits or the process is signalled.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := zerolog_config.Startup(zerolog_config.Options{
		App:              "orchestrator",
		Level:            cfg.LogLevel,
		ElasticsearchURL: cfg.ElasticsearchURL,
		Index:            cfg.LogIndex,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	log.Info().Msg("Starting vaccinecoverage orchestrator")

	ctx, stop := orchestrator.Context(context.Background())
	defer stop()

	sm := orchestrator.NewServiceManager()

	// A failed load leaves the previous extract in place, so the report
	// server still starts.
	if cfg.ExtractSource != "" {
		if err := sm.RunToCompletion(ctx, orchestrator.Binary("load")); err != nil {
			log.Error().Err(err).Msg("Extract load failed, serving the stored extract")
		}
	} else {
		log.Info().Msg("EXTRACT_SOURCE not set, skipping extract load")
	}
	if ctx.Err() != nil {
		return
	}

	if err := sm.Start(ctx, orchestrator.Binary("report")); err != nil {
		log.Error().Err(err).Msg("Failed to start report service")
		stop()
		os.Exit(1)
	}
	if err := sm.Wait(ctx); err != nil {
		log.Error().Err(err).Msg("Report service stopped")
		stop()
		os.Exit(1)
	}
}
