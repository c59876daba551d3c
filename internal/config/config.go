package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Auth        AuthConfig                `json:"auth"`
	Pipeline    PipelineConfig            `json:"pipeline"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
}

// AuthConfig holds the credential signing secret and lifetime.
type AuthConfig struct {
	Secret        string `json:"secret"`
	TokenTTLHours int    `json:"token_ttl_hours"`
}

// PipelineConfig bounds the chat pipeline. Zero values fall back to the
// defaults applied by the consuming packages.
type PipelineConfig struct {
	HistoryMaxTurns      int `json:"history_max_turns"`
	MessageMaxChars      int `json:"message_max_chars"`
	ChunkTimeoutSeconds  int `json:"chunk_timeout_seconds"`
	StreamRetryMax       int `json:"stream_retry_max"`
	MaxConcurrentStreams int `json:"max_concurrent_streams"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = os.Getenv("POLICYCHAT_AUTH_SECRET")
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret must be configured")
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}
