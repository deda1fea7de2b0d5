// Package config loads and validates the kernel's environment-driven
// configuration, using an umbrella Config/Initialize shape sourced from
// environment variables rather than YAML files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object assembled at startup.
type Config struct {
	Database   DatabaseConfig
	Mission    MissionStoreConfig
	Dispatcher DispatcherConfig
	Worker     WorkerConfig
	Governor   GovernorConfig
	HTTP       HTTPConfig
}

// DatabaseConfig configures the relational store adapter.
type DatabaseConfig struct {
	Type DBType // sqlite | postgres
	DSN  string
	// MigrationsURL points at the migration source (e.g. "file://migrations").
	MigrationsURL string
}

// DBType enumerates supported SQL dialects, matching database.Dialect.
type DBType string

// Supported database types.
const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
)

// MissionStoreConfig configures the Mission Store's leasing defaults.
type MissionStoreConfig struct {
	DefaultLeaseTTL time.Duration
	DefaultMaxAttempts int
}

// DispatcherConfig configures the Dispatcher.
type DispatcherConfig struct {
	Topics        []string
	Goals         []string
	MaxAttempts   int
	MQTTURL       string
	ReplayEnabled bool
}

// WorkerConfig configures the Worker's polling loop.
type WorkerConfig struct {
	KernelURL         string
	PollInterval      time.Duration
	MissionTimeout    time.Duration
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
	WorkerCount       int
}

// GovernorConfig configures the Autonomy Governor.
type GovernorConfig struct {
	CircuitBreakerEnabled  bool
	CircuitBreakerInterval time.Duration
	RulesFile              string
}

// HTTPConfig configures the HTTP route adapters.
type HTTPConfig struct {
	Addr string
}

// Load builds a Config from the process environment, applying the
// documented defaults for any unset variable.
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Type:          DBType(getEnv("DATABASE_TYPE", string(DBTypeSQLite))),
			DSN:           getEnv("COMMAND_DB_PATH", "kernel.db"),
			MigrationsURL: getEnv("MIGRATIONS_URL", "file://migrations"),
		},
		Mission: MissionStoreConfig{
			DefaultLeaseTTL:    getDuration("MISSION_LEASE_TTL", 60*time.Second),
			DefaultMaxAttempts: getInt("MISSION_MAX_ATTEMPTS", 5),
		},
		Dispatcher: DispatcherConfig{
			Topics:        getList("DISPATCHER_TOPICS", []string{"ops/+/+/+/session/closed"}),
			Goals:         getList("DISPATCHER_GOALS", []string{"generate-roast-report"}),
			MaxAttempts:   getInt("DISPATCHER_MAX_ATTEMPTS", 5),
			MQTTURL:       getEnv("DISPATCHER_MQTT_URL", "tcp://localhost:1883"),
			ReplayEnabled: getBool("DISPATCHER_REPLAY_ENABLED", true),
		},
		Worker: WorkerConfig{
			KernelURL:         getEnv("KERNEL_URL", "http://localhost:8080"),
			PollInterval:      getDuration("POLL_INTERVAL_MS", 5000*time.Millisecond),
			MissionTimeout:    getDuration("MISSION_TIMEOUT_MS", 5*time.Minute),
			HeartbeatInterval: getDuration("WORKER_HEARTBEAT_MS", 10*time.Second),
			LeaseTTL:          getDuration("MISSION_LEASE_TTL", 60*time.Second),
			WorkerCount:       getInt("WORKER_COUNT", 3),
		},
		Governor: GovernorConfig{
			CircuitBreakerEnabled:  getBool("CIRCUIT_BREAKER_ENABLED", true),
			CircuitBreakerInterval: getDuration("CIRCUIT_BREAKER_INTERVAL", 60*time.Second),
			RulesFile:              getEnv("CIRCUIT_BREAKER_RULES_FILE", "config/circuit_breaker_rules.yaml"),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field invariants the kernel requires, notably
// that the heartbeat interval stays below half the lease TTL, so a lease
// cannot expire between two consecutive heartbeats.
func (c *Config) Validate() error {
	if c.Database.Type != DBTypeSQLite && c.Database.Type != DBTypePostgres {
		return fmt.Errorf("DATABASE_TYPE must be %q or %q, got %q", DBTypeSQLite, DBTypePostgres, c.Database.Type)
	}
	if c.Worker.HeartbeatInterval*2 >= c.Worker.LeaseTTL {
		return fmt.Errorf("WORKER_HEARTBEAT_MS (%s) must be less than half of the lease TTL (%s)",
			c.Worker.HeartbeatInterval, c.Worker.LeaseTTL)
	}
	if c.Worker.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be >= 1, got %d", c.Worker.WorkerCount)
	}
	if len(c.Dispatcher.Goals) == 0 {
		return fmt.Errorf("DISPATCHER_GOALS must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
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

func getBool(key string, fallback bool) bool {
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

// getDuration reads an environment variable expressed in milliseconds
// (the _MS suffix convention used throughout this config) and returns a
// Duration.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
