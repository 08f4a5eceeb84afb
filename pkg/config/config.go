// Package config provides environment-based configuration for the fleet manager.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for conductor and API processes.
type Config struct {
	// Database configuration
	DatabaseDSN string `yaml:"database_dsn"`

	// Authentication
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	// Server configuration
	APIHost       string `yaml:"api_host"`
	APIPort       int    `yaml:"api_port"`
	ConductorPort int    `yaml:"conductor_port"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Coordination layer configuration
	Coordination CoordinationConfig `yaml:"coordination"`

	// Secrets configuration for BMC credential encryption
	Secrets SecretsConfig `yaml:"secrets"`
}

// CoordinationConfig holds membership, ring, and scheduler configuration.
type CoordinationConfig struct {
	// HeartbeatInterval is how often a conductor refreshes its liveness record.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ExpiryMultiplier sets the expiry threshold as a multiple of the
	// heartbeat interval. A conductor silent for longer than
	// HeartbeatInterval * ExpiryMultiplier is reaped.
	ExpiryMultiplier int `yaml:"expiry_multiplier"`
	// VirtualReplicas is the number of virtual ring positions per conductor.
	VirtualReplicas int `yaml:"virtual_replicas"`
	// SerializedTasks makes serialized the default periodic task mode.
	// Discouraged: a slow serialized task delays every other due-check.
	SerializedTasks bool `yaml:"serialized_tasks"`
	// SchedulerTick is the granularity of the periodic task due-check loop.
	SchedulerTick time.Duration `yaml:"scheduler_tick"`
	// DispatchTimeout bounds delivery of an operation to a conductor mailbox.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	// ReconcileInterval is the spacing of the transition reconciliation pass.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// SecretsConfig holds age key material for BMC credential encryption.
type SecretsConfig struct {
	// AgePublicKey encrypts credentials before they reach the store.
	// Format: age1... (Bech32 encoded)
	AgePublicKey string `yaml:"age_public_key"`
	// AgePrivateKey decrypts credentials on the conductor side.
	// Format: AGE-SECRET-KEY-1... (Bech32 encoded)
	AgePrivateKey string `yaml:"age_private_key"`
}

// ExpiryThreshold returns the heartbeat gap past which a conductor is reaped.
func (c *CoordinationConfig) ExpiryThreshold() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.ExpiryMultiplier)
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/basalt?sslmode=disable"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 6385),
		ConductorPort:   getIntEnv("CONDUCTOR_PORT", 6386),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Coordination: CoordinationConfig{
			HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 10*time.Second),
			ExpiryMultiplier:  getIntEnv("HEARTBEAT_EXPIRY_MULTIPLIER", 3),
			VirtualReplicas:   getIntEnv("RING_VIRTUAL_REPLICAS", 16),
			SerializedTasks:   getBoolEnv("PERIODIC_SERIALIZED_DEFAULT", false),
			SchedulerTick:     getDurationEnv("PERIODIC_SCHEDULER_TICK", time.Second),
			DispatchTimeout:   getDurationEnv("DISPATCH_TIMEOUT", 5*time.Second),
			ReconcileInterval: getDurationEnv("TRANSITION_RECONCILE_INTERVAL", time.Minute),
		},
		Secrets: SecretsConfig{
			AgePublicKey:  getEnv("AGE_PUBLIC_KEY", ""),
			AgePrivateKey: getEnv("AGE_PRIVATE_KEY", ""),
		},
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile overlays configuration from a YAML file on top of the
// environment-derived values. File values win.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that required configuration values are set and coherent.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Coordination.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Coordination.ExpiryMultiplier < 2 {
		return fmt.Errorf("expiry multiplier must be at least 2 (heartbeats need a safety margin over expiry)")
	}
	if c.Coordination.VirtualReplicas < 1 {
		return fmt.Errorf("virtual replicas must be at least 1")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:     "postgres://localhost:5432/basalt?sslmode=disable",
		JWTSecret:       "development-secret-do-not-use-in-production",
		JWTExpiry:       24 * time.Hour,
		APIHost:         "127.0.0.1",
		APIPort:         6385,
		ConductorPort:   6386,
		ShutdownTimeout: 30 * time.Second,
		Coordination: CoordinationConfig{
			HeartbeatInterval: 10 * time.Second,
			ExpiryMultiplier:  3,
			VirtualReplicas:   16,
			SchedulerTick:     time.Second,
			DispatchTimeout:   5 * time.Second,
			ReconcileInterval: time.Minute,
		},
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getIntEnv returns the environment variable as an int or a default.
func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getBoolEnv returns the environment variable as a bool or a default.
func getBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getDurationEnv returns the environment variable as a duration or a default.
func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
