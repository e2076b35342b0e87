// Package config loads runtime configuration for the demo binary from
// environment variables, in the teacher's flat-struct, zero-dependency
// style (no config file format needed for a process this small).
package config

import (
	"os"
	"strconv"
)

// Config holds the demo binary's runtime configuration.
type Config struct {
	Port            string
	LogLevel        string
	DatabasePath    string
	OTelEndpoint    string
	ObservabilityOn bool
}

// Load reads configuration from environment variables, substituting
// defaults suitable for local exploration.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("ACTIONCORE_DB_PATH")
	if dbPath == "" {
		dbPath = ":memory:"
	}

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}

	observabilityOn, _ := strconv.ParseBool(os.Getenv("ACTIONCORE_OBSERVABILITY_ENABLED"))

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabasePath:    dbPath,
		OTelEndpoint:    otelEndpoint,
		ObservabilityOn: observabilityOn,
	}
}
