package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/localpkd/forensics-engine/internal/analysis"
	"github.com/localpkd/forensics-engine/internal/api"
	"github.com/localpkd/forensics-engine/internal/config"
	"github.com/localpkd/forensics-engine/internal/db"
	"github.com/localpkd/forensics-engine/internal/metrics"
	"github.com/localpkd/forensics-engine/internal/scheduler"
)

func main() {
	// .env is for local development; real deployments set the environment.
	_ = godotenv.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "pkd-forensics-engine").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Int("port", cfg.ServerPort).
		Str("modelVersion", cfg.ModelVersion).
		Bool("analysisEnabled", cfg.AnalysisEnabled).
		Msg("starting PKD certificate forensics engine")

	ctx := context.Background()

	store, err := db.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema init failed")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(registry)

	wsHub := api.NewHub(log)
	go wsHub.Run()

	detector := &analysis.Detector{
		LegacyContamination: cfg.AnomalyContamination,
		LegacyLOFNeighbors:  cfg.LOFNeighbors,
		Log:                 log,
	}

	pipeline := analysis.NewPipeline(
		store, detector, cfg.ModelVersion, cfg.BatchSize, log,
		analysis.WithNotify(wsHub.BroadcastJobEvent),
		analysis.WithObserver(collector),
	)

	if cfg.AnalysisEnabled {
		sched, err := scheduler.New(pipeline, cfg.AnalysisScheduleHour, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start analysis scheduler")
		}
		sched.Start()
		defer sched.Stop()
	} else {
		log.Info().Msg("analysis scheduler disabled")
	}

	router := api.SetupRouter(store, pipeline, wsHub, api.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		AuthToken:       cfg.AuthToken,
		ModelVersion:    cfg.ModelVersion,
		AnalysisEnabled: cfg.AnalysisEnabled,
	}, registry, log)

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("HTTP server exited")
	}
}
