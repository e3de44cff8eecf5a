// Package config provides shared configuration loading from environment,
// .env files and the thresholds YAML for the sensor and the event store.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// SensorConfig holds configuration for the page sensor (cmd/agent and pkg/session).
type SensorConfig struct {
	EventStoreEndpoint string
	APIKey             string
	ThresholdsFile     string
	BridgeBufferSize   int
	TickInterval       time.Duration
	ThrottleWindow     time.Duration
	DedupWindow        time.Duration
	QueueCapacity      int
	SendTimeout        time.Duration
	HealthInterval     time.Duration
	LogLevel           string
}

// StoreConfig holds configuration for the event store.
type StoreConfig struct {
	HTTPAddr            string
	APIKey              string
	ShutdownTimeout     time.Duration
	EventRetentionCount int
	EventMaxAge         time.Duration
	RetentionInterval   time.Duration
	AggregationWindow   time.Duration
	LogLevel            string
}

// DefaultSensorConfig returns sensor config from environment with defaults.
func DefaultSensorConfig() SensorConfig {
	return SensorConfig{
		EventStoreEndpoint: GetEnv("EVENT_STORE_ENDPOINT", "localhost:8080"),
		APIKey:             GetEnv("EVENT_STORE_API_KEY", ""),
		ThresholdsFile:     GetEnv("THRESHOLDS_FILE", ""),
		BridgeBufferSize:   GetEnvInt("BRIDGE_BUFFER_SIZE", 64),
		TickInterval:       GetEnvDuration("PROBE_TICK_INTERVAL", 250*time.Millisecond),
		ThrottleWindow:     GetEnvDuration("THROTTLE_WINDOW", 3*time.Second),
		DedupWindow:        GetEnvDuration("DEDUP_WINDOW", 10*time.Second),
		QueueCapacity:      GetEnvInt("QUEUE_CAPACITY", 50),
		SendTimeout:        GetEnvDuration("SEND_TIMEOUT", 5*time.Second),
		HealthInterval:     GetEnvDuration("HEALTH_INTERVAL", 5*time.Second),
		LogLevel:           GetEnv("LOG_LEVEL", "info"),
	}
}

// DefaultStoreConfig returns event store config from environment.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		HTTPAddr:            GetEnv("HTTP_ADDR", ":8080"),
		APIKey:              GetEnv("EVENT_STORE_API_KEY", ""),
		ShutdownTimeout:     GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		EventRetentionCount: GetEnvInt("EVENT_RETENTION_COUNT", 10000),
		EventMaxAge:         GetEnvDuration("EVENT_MAX_AGE", 24*time.Hour),
		RetentionInterval:   GetEnvDuration("RETENTION_INTERVAL", time.Minute),
		AggregationWindow:   GetEnvDuration("AGGREGATION_WINDOW", 30*time.Second),
		LogLevel:            GetEnv("LOG_LEVEL", "info"),
	}
}

// LoadThresholds reads a YAML thresholds file. Keys that are absent keep
// their defaults; unknown keys are rejected.
func LoadThresholds(path string) (detection.Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return detection.Thresholds{}, fmt.Errorf("failed to read thresholds: %w", err)
	}
	return ParseThresholds(data)
}

// ParseThresholds decodes thresholds YAML over the defaults.
func ParseThresholds(data []byte) (detection.Thresholds, error) {
	th := detection.DefaultThresholds()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&th); err != nil && !errors.Is(err, io.EOF) {
		return detection.Thresholds{}, fmt.Errorf("failed to parse thresholds: %w", err)
	}
	th = th.WithDefaults()
	if err := th.Validate(); err != nil {
		return detection.Thresholds{}, fmt.Errorf("invalid thresholds: %w", err)
	}
	return th, nil
}
