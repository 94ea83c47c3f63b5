// Package config implements configuration management for the replication
// engine: connection URIs, per-collection mappings, and the tunables that
// govern batch size, concurrency, polling cadence, and retry behavior.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// CollectionMapping names one collection to replicate from a source
// database into a target database. The target database name may differ
// from the source (renames), but the collection name is shared.
type CollectionMapping struct {
	SourceDB   string `json:"source_db"`
	TargetDB   string `json:"target_db"`
	Collection string `json:"collection"`
}

// Config holds all configuration for a replication run. Connection URIs
// come from the environment; collection mappings and tunables come from
// a mix of environment defaults and the collections manifest file.
type Config struct {
	SourceURI string // SOURCE_URI
	TargetURI string // TARGET_URI

	Collections []CollectionMapping

	BatchSize         int           // documents per bulk write
	Concurrency       int           // worker goroutines
	PollingInterval   time.Duration // polling-CDC sleep between cycles
	RetryLimit        int           // attempts before a write is abandoned
	RetryDelay        time.Duration // linear backoff unit
	ConnectionTimeout time.Duration // dial/connect timeout
	SocketTimeout     time.Duration // per-operation timeout

	CDCForceRefresh bool // force every polling cycle to ignore the watermark and scan by id from the start
	CDCDebug        bool // verbose per-document logging

	Threads int    // CDC worker pool size; 0 = one worker per collection (set via --threads)
	LogsDir string // directory for per-collection failed-apply logs
}

// Load builds a Config from the environment. collectionsPath, if
// non-empty, is read as a JSON array of CollectionMapping and populates
// Config.Collections; callers may also set Collections directly (e.g. a
// single mapping from CLI flags) when collectionsPath is empty.
func Load(collectionsPath string) (*Config, error) {
	cfg := &Config{
		SourceURI: getEnv("SOURCE_URI", ""),
		TargetURI: getEnv("TARGET_URI", ""),

		BatchSize:         getEnvInt("BATCH_SIZE", 1000),
		Concurrency:       getEnvInt("CONCURRENCY", 4),
		PollingInterval:   getEnvDuration("POLLING_INTERVAL", 5*time.Second),
		RetryLimit:        getEnvInt("RETRY_LIMIT", 5),
		RetryDelay:        getEnvDuration("RETRY_DELAY", 2*time.Second),
		ConnectionTimeout: getEnvDuration("CONNECTION_TIMEOUT", 10*time.Second),
		SocketTimeout:     getEnvDuration("SOCKET_TIMEOUT", 30*time.Second),

		CDCForceRefresh: getEnvBool("CDC_FORCE_REFRESH", false),
		CDCDebug:        getEnvBool("CDC_DEBUG", false),

		LogsDir: getEnv("LOGS_DIR", "logs"),
	}

	if collectionsPath != "" {
		mappings, err := LoadCollections(collectionsPath)
		if err != nil {
			return nil, fmt.Errorf("loading collections manifest: %w", err)
		}
		cfg.Collections = mappings
	}

	return cfg, nil
}

// LoadCollections reads a JSON array of CollectionMapping from path.
func LoadCollections(path string) ([]CollectionMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading collections file: %w", err)
	}

	var mappings []CollectionMapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("parsing collections file: %w", err)
	}

	return mappings, nil
}

// Validate ensures all required fields are present and have valid values.
func (c *Config) Validate() error {
	if c.SourceURI == "" {
		return fmt.Errorf("source URI is required")
	}
	if c.TargetURI == "" {
		return fmt.Errorf("target URI is required")
	}

	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection mapping is required")
	}
	for i, m := range c.Collections {
		if m.SourceDB == "" {
			return fmt.Errorf("collection %d: source_db is required", i)
		}
		if m.TargetDB == "" {
			return fmt.Errorf("collection %d: target_db is required", i)
		}
		if m.Collection == "" {
			return fmt.Errorf("collection %d: collection is required", i)
		}
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	if c.PollingInterval < time.Second {
		return fmt.Errorf("polling interval must be at least 1 second")
	}

	if c.RetryLimit < 1 {
		return fmt.Errorf("retry limit must be at least 1")
	}

	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.SocketTimeout <= 0 {
		return fmt.Errorf("socket timeout must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
