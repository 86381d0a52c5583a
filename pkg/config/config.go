// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/orion-ops/orion/pkg/contracts"
)

// Config holds everything the control plane needs at startup.
type Config struct {
	RedisAddr    string
	StreamPrefix string

	AutonomyLevel   string
	PolicyDir       string
	AdminConfig     string
	DataDir         string
	ApprovalTimeout time.Duration

	CouncilEnabled  bool
	OllamaURL       string
	LocalModel      string
	AnthropicAPIKey string
	OpenAIAPIKey    string

	MetricsAddr string
	LogLevel    string
}

// Load reads configuration from environment variables, applying
// defaults for everything optional. The autonomy level is validated
// here so a misconfigured deployment fails at startup, not at the first
// incident.
func Load() (*Config, error) {
	cfg := &Config{
		RedisAddr:       getenvDefault("REDIS_ADDR", "localhost:6379"),
		StreamPrefix:    getenvDefault("ORION_STREAM_PREFIX", "orion"),
		AutonomyLevel:   getenvDefault("ORION_AUTONOMY_LEVEL", contracts.AutonomyN0),
		PolicyDir:       getenvDefault("ORION_POLICY_DIR", "configs/policies"),
		AdminConfig:     getenvDefault("ORION_ADMIN_CONFIG", "configs/admin.yaml"),
		DataDir:         getenvDefault("ORION_DATA_DIR", "data"),
		ApprovalTimeout: getenvDurationDefault("ORION_APPROVAL_TIMEOUT", 5*time.Minute),
		CouncilEnabled:  getenvBoolDefault("ORION_COUNCIL", false),
		OllamaURL:       getenvDefault("OLLAMA_URL", "http://localhost:11434"),
		LocalModel:      getenvDefault("ORION_LOCAL_MODEL", "gemma2:2b"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		MetricsAddr:     getenvDefault("METRICS_ADDR", ":9090"),
		LogLevel:        getenvDefault("LOG_LEVEL", "info"),
	}

	switch cfg.AutonomyLevel {
	case contracts.AutonomyN0, contracts.AutonomyN2, contracts.AutonomyN3:
	default:
		return nil, fmt.Errorf("invalid ORION_AUTONOMY_LEVEL %q (want N0, N2, or N3)", cfg.AutonomyLevel)
	}

	if cfg.ApprovalTimeout <= 0 {
		return nil, fmt.Errorf("ORION_APPROVAL_TIMEOUT must be positive, got %s", cfg.ApprovalTimeout)
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDurationDefault accepts Go duration strings ("5m") and bare
// second counts ("300").
func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
