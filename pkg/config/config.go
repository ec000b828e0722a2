// Package config loads Accord node configuration from the environment and
// from YAML cluster profiles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds node configuration.
type Config struct {
	NodeID       string
	RedisAddr    string // empty means in-memory transport
	Threshold    float64
	SyncInterval time.Duration
	LogLevel     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	nodeID := os.Getenv("ACCORD_NODE_ID")
	if nodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "accord-node"
		}
		nodeID = host
	}

	threshold := 0.67
	if raw := os.Getenv("ACCORD_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 && v <= 1 {
			threshold = v
		}
	}

	interval := time.Second
	if raw := os.Getenv("ACCORD_SYNC_INTERVAL"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			interval = v
		}
	}

	logLevel := os.Getenv("ACCORD_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		NodeID:       nodeID,
		RedisAddr:    os.Getenv("ACCORD_REDIS_ADDR"),
		Threshold:    threshold,
		SyncInterval: interval,
		LogLevel:     logLevel,
	}
}
