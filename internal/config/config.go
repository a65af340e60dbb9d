package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Routing   RoutingConfig    `json:"routing"`
	Database  DatabaseConfig   `json:"database"`
	Strategy  StrategyConfig   `json:"strategy"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// RoutingConfig binds strategies to providers. Strategies without a
// binding use the default provider.
type RoutingConfig struct {
	Default   string              `json:"default,omitempty"`
	Bindings  map[string]string   `json:"bindings,omitempty"`
	Fallbacks map[string][]string `json:"fallbacks,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// StrategyConfig carries the default knobs shared by the strategy
// engines. Zero values fall back to the documented defaults at the
// point of use.
type StrategyConfig struct {
	DefaultModel        string           `json:"default_model"`
	PoolSize            int              `json:"pool_size"`
	MaxAgentSteps       int              `json:"max_agent_steps"`
	MaxIterations       int              `json:"max_iterations"`
	ScoreThreshold      float64          `json:"score_threshold"`
	ConfidenceThreshold float64          `json:"confidence_threshold"`
	ModelTiers          ModelTiersConfig `json:"model_tiers"`
}

// ModelTiersConfig maps complexity tiers to model identifiers for the
// complexity-based model router.
type ModelTiersConfig struct {
	Simple   string `json:"simple"`
	Moderate string `json:"moderate"`
	Complex  string `json:"complex"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Strategy.PoolSize == 0 {
		cfg.Strategy.PoolSize = 10
	}
	if cfg.Strategy.MaxAgentSteps == 0 {
		cfg.Strategy.MaxAgentSteps = 10
	}
	if cfg.Strategy.MaxIterations == 0 {
		cfg.Strategy.MaxIterations = 3
	}
	if cfg.Strategy.ScoreThreshold == 0 {
		cfg.Strategy.ScoreThreshold = 0.85
	}
	if cfg.Strategy.ConfidenceThreshold == 0 {
		cfg.Strategy.ConfidenceThreshold = 0.7
	}
}
