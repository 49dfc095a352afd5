package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// A missing CONFIG_FILE is not an error; a malformed one is.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	configFile := getEnv("CONFIG_FILE", "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		config, err = LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}

	ApplyEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ApplyEnvironment overrides config values with the BG_* environment variables that are set
func ApplyEnvironment(config *Config) {
	if port := getEnvInt("BG_PORT", 0); port > 0 {
		config.Server.Port = port
	}
	if port := getEnvInt("BG_GRPC_PORT", 0); port > 0 {
		config.Server.GRPCPort = port
	}
	if version := getEnv("BG_VERSION", ""); version != "" {
		config.Server.Version = version
	}

	// Storage
	if driver := getEnv("BG_STORAGE_DRIVER", ""); driver != "" {
		config.Storage.Driver = driver
	}
	if path := getEnv("BG_BOLT_PATH", ""); path != "" {
		config.Storage.BoltPath = path
	}
	if url := getEnv("DATABASE_URL", ""); url != "" {
		config.Storage.DatabaseURL = url
	}
	if path := getEnv("BG_MIGRATIONS_PATH", ""); path != "" {
		config.Storage.MigrationsPath = path
	}
	if auto := getEnv("BG_AUTO_MIGRATE", ""); auto != "" {
		config.Storage.AutoMigrate = strings.ToLower(auto) == "true"
	}

	// Traffic switch
	if port := getEnvInt("BG_SWITCH_PORT", 0); port > 0 {
		config.Switch.ListenPort = port
	}
	if port := getEnvInt("BG_ADMIN_PORT", 0); port > 0 {
		config.Switch.AdminPort = port
	}
	if active := getEnv("BG_ACTIVE_COLOR", ""); active != "" {
		config.Switch.InitialActive = active
	}
	if instances := getEnv("BG_INSTANCES", ""); instances != "" {
		config.Switch.Instances = parseInstancesFromEnv(instances)
	}
	if policy := getEnv("BG_CUTOVER_POLICY", ""); policy != "" {
		config.Switch.CutoverPolicy = policy
	}
	config.Switch.DrainTimeout = getEnvDuration("BG_DRAIN_TIMEOUT", config.Switch.DrainTimeout)
	if stateFile := getEnv("BG_STATE_FILE", ""); stateFile != "" {
		config.Switch.StateFile = stateFile
	}

	// Health check
	if protocol := getEnv("BG_HEALTH_CHECK_PROTOCOL", ""); protocol != "" {
		config.HealthCheck.Protocol = protocol
	}
	config.HealthCheck.Timeout = getEnvDuration("BG_HEALTH_CHECK_TIMEOUT", config.HealthCheck.Timeout)
	if path := getEnv("BG_HEALTH_CHECK_PATH", ""); path != "" {
		config.HealthCheck.Path = path
	}

	// Rate limiting
	if enabled := getEnv("BG_RATE_LIMIT_ENABLED", ""); enabled != "" {
		config.RateLimit.Enabled = strings.ToLower(enabled) == "true"
	}
	if rps := getEnv("BG_RATE_LIMIT_RPS", ""); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil && r > 0 {
			config.RateLimit.RequestsPerSecond = r
		}
	}

	// Admin
	if secret := getEnv("BG_ADMIN_JWT_SECRET", ""); secret != "" {
		config.Admin.JWTSecret = secret
	}
	if url := getEnv("BG_ADMIN_URL", ""); url != "" {
		config.Admin.URL = url
	}

	// Logging
	if level := getEnv("BG_LOG_LEVEL", ""); level != "" {
		config.Logging.Level = level
	}
	if format := getEnv("BG_LOG_FORMAT", ""); format != "" {
		config.Logging.Format = format
	}
	if output := getEnv("BG_LOG_OUTPUT", ""); output != "" {
		config.Logging.Output = output
	}

	if endpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""); endpoint != "" {
		config.Telemetry.OTLPEndpoint = endpoint
	}
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInstancesFromEnv parses instances from an environment variable.
// Format: "color=address[=health_path],color=address"
// Example: "blue=http://10.0.0.1:8000,green=http://10.0.0.2:8000=/ready"
func parseInstancesFromEnv(value string) []InstanceConfig {
	var instances []InstanceConfig

	for _, entry := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 3)
		if len(parts) < 2 {
			continue
		}

		inst := InstanceConfig{
			Color:      parts[0],
			Address:    parts[1],
			HealthPath: getEnv("BG_HEALTH_CHECK_PATH", "/readiness"),
		}
		if len(parts) == 3 && parts[2] != "" {
			inst.HealthPath = parts[2]
		}
		instances = append(instances, inst)
	}

	return instances
}

// getEnvInt gets environment variable as integer with fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets environment variable as duration with fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
