package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"escrowd/crypto"
)

// AuthTokenEnv overrides the RPCAuthToken field when set in the environment.
const AuthTokenEnv = "ESCROWD_RPC_TOKEN"

type Config struct {
	RPCAddress      string           `toml:"RPCAddress"`
	DataDir         string           `toml:"DataDir"`
	NetworkName     string           `toml:"NetworkName"`
	RPCAuthToken    string           `toml:"RPCAuthToken"`
	EventBufferSize int              `toml:"EventBufferSize"`
	// DefaultArbitrator, when set, is attached to agreements created
	// without an explicit arbitrator.
	DefaultArbitrator string           `toml:"DefaultArbitrator"`
	Genesis           []GenesisAccount `toml:"Genesis"`
	Telemetry         Telemetry        `toml:"Telemetry"`
}

// GenesisAccount seeds an account balance on first boot so deposits have
// funds to draw on.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type Telemetry struct {
	Enabled      bool              `toml:"Enabled"`
	OTLPEndpoint string            `toml:"OTLPEndpoint"`
	OTLPInsecure bool              `toml:"OTLPInsecure"`
	OTLPHeaders  map[string]string `toml:"OTLPHeaders"`
	Environment  string            `toml:"Environment"`
}

// Load reads the configuration from path, writing a default file when none
// exists. The RPC auth token may be supplied via ESCROWD_RPC_TOKEN instead of
// the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AuthToken resolves the effective RPC bearer token, preferring the
// environment over the file.
func (c *Config) AuthToken() string {
	if env := strings.TrimSpace(os.Getenv(AuthTokenEnv)); env != "" {
		return env
	}
	return strings.TrimSpace(c.RPCAuthToken)
}

// Validate rejects configurations the daemon cannot safely start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("config: EventBufferSize must not be negative")
	}
	if trimmed := strings.TrimSpace(c.DefaultArbitrator); trimmed != "" {
		if _, err := crypto.DecodeAddress(trimmed); err != nil {
			return fmt.Errorf("config: DefaultArbitrator: %w", err)
		}
	}
	for i, acc := range c.Genesis {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(acc.Address)); err != nil {
			return fmt.Errorf("config: Genesis[%d]: %w", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(acc.Balance), 10)
		if !ok || balance.Sign() <= 0 {
			return fmt.Errorf("config: Genesis[%d]: balance must be a positive base-10 integer", i)
		}
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("config: Telemetry.OTLPEndpoint required when telemetry is enabled")
	}
	return nil
}

// DefaultArbitratorAddress returns the configured fallback arbitrator, or
// nil when none is set.
func (c *Config) DefaultArbitratorAddress() (*[20]byte, error) {
	trimmed := strings.TrimSpace(c.DefaultArbitrator)
	if trimmed == "" {
		return nil, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return nil, fmt.Errorf("config: DefaultArbitrator: %w", err)
	}
	raw := addr.Raw()
	return &raw, nil
}

// GenesisBalances parses the genesis allocations into raw address/amount
// pairs. Call Validate first; parse failures here are reported as errors all
// the same.
func (c *Config) GenesisBalances() (map[[20]byte]*big.Int, error) {
	out := make(map[[20]byte]*big.Int, len(c.Genesis))
	for i, acc := range c.Genesis {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(acc.Address))
		if err != nil {
			return nil, fmt.Errorf("config: Genesis[%d]: %w", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(acc.Balance), 10)
		if !ok || balance.Sign() <= 0 {
			return nil, fmt.Errorf("config: Genesis[%d]: balance must be a positive base-10 integer", i)
		}
		raw := addr.Raw()
		if existing, dup := out[raw]; dup {
			out[raw] = new(big.Int).Add(existing, balance)
			continue
		}
		out[raw] = balance
	}
	return out, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "escrowd-local"
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = 1024
	}
	if cfg.Genesis == nil {
		cfg.Genesis = []GenesisAccount{}
	}
	if strings.TrimSpace(cfg.Telemetry.Environment) == "" {
		cfg.Telemetry.Environment = "local"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
