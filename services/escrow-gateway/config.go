package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config drives the gateway process. API clients authenticate with JWTs
// signed by their per-key secret; the gateway forwards calls to the escrowd
// JSON-RPC endpoint using its own bearer token.
type Config struct {
	ListenAddress       string         `yaml:"listen_address"`
	DatabasePath        string         `yaml:"database_path"`
	NodeURL             string         `yaml:"node_url"`
	NodeAuthToken       string         `yaml:"node_auth_token"`
	PollIntervalSeconds int            `yaml:"poll_interval_seconds"`
	APIKeys             []APIKeyConfig `yaml:"api_keys"`
}

// PollInterval is how often the gateway pulls ledger events from the node.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
}

const nodeTokenEnv = "ESCROW_GATEWAY_NODE_TOKEN"

func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv(nodeTokenEnv)); env != "" {
		cfg.NodeAuthToken = env
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8720"
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = "escrow-gateway.db"
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.NodeURL) == "" {
		return fmt.Errorf("config: node_url is required")
	}
	if strings.TrimSpace(c.NodeAuthToken) == "" {
		return fmt.Errorf("config: node_auth_token (or %s) is required", nodeTokenEnv)
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: at least one api key is required")
	}
	seen := make(map[string]struct{}, len(c.APIKeys))
	for i, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: api_keys[%d]: key and secret are required", i)
		}
		if _, dup := seen[key.Key]; dup {
			return fmt.Errorf("config: api_keys[%d]: duplicate key %q", i, key.Key)
		}
		seen[key.Key] = struct{}{}
	}
	return nil
}
