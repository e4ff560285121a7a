package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config carries every recognised engine option. Values come from the
// environment; a .env file is loaded by cmd/engine for local development.
type Config struct {
	DatabaseURL string
	ServerPort  int

	// Analysis scheduler
	AnalysisScheduleHour int
	AnalysisEnabled      bool

	// Model configuration
	ModelVersion         string
	AnomalyContamination float64 // legacy single-model path
	LOFNeighbors         int     // legacy single-model path
	BatchSize            int

	// HTTP surface
	AllowedOrigins string
	AuthToken      string
}

// Load reads the configuration from the environment. DATABASE_URL is the
// only required value; everything else has a default.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		ServerPort:           getEnvInt("SERVER_PORT", 8085),
		AnalysisScheduleHour: getEnvInt("ANALYSIS_SCHEDULE_HOUR", 3),
		AnalysisEnabled:      getEnvBool("ANALYSIS_ENABLED", true),
		ModelVersion:         getEnvOrDefault("MODEL_VERSION", "1.0.0"),
		AnomalyContamination: getEnvFloat("ANOMALY_CONTAMINATION", 0.05),
		LOFNeighbors:         getEnvInt("LOF_NEIGHBORS", 20),
		BatchSize:            getEnvInt("BATCH_SIZE", 1000),
		AllowedOrigins:       os.Getenv("ALLOWED_ORIGINS"),
		AuthToken:            os.Getenv("API_AUTH_TOKEN"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variable DATABASE_URL is not set")
	}
	if cfg.AnalysisScheduleHour < 0 || cfg.AnalysisScheduleHour > 23 {
		return nil, fmt.Errorf("ANALYSIS_SCHEDULE_HOUR must be 0-23, got %d", cfg.AnalysisScheduleHour)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	if cfg.AnomalyContamination <= 0 || cfg.AnomalyContamination >= 0.5 {
		return nil, fmt.Errorf("ANOMALY_CONTAMINATION must be in (0, 0.5), got %g", cfg.AnomalyContamination)
	}

	return cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
