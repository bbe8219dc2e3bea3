package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EndpointConfig holds per-network endpoint overrides.
type EndpointConfig struct {
	Mainnet string `yaml:"mainnet,omitempty"`
	Testnet string `yaml:"testnet,omitempty"`
}

// For returns the endpoint for a network name, empty when unset.
func (e *EndpointConfig) For(network string) string {
	if network == "testnet" {
		return e.Testnet
	}
	return e.Mainnet
}

// FileConfig is the optional YAML configuration file. Everything in it has a
// built-in default; the file only overrides.
type FileConfig struct {
	Bitcoin   EndpointConfig `yaml:"bitcoin,omitempty"`
	Bitshares EndpointConfig `yaml:"bitshares,omitempty"`

	// BitcoinBackend selects "esplora" (default) or "mempool".
	BitcoinBackend string `yaml:"bitcoin_backend,omitempty"`

	// CheckAPIInterval in seconds between polling iterations.
	CheckAPIInterval int `yaml:"check_api_interval,omitempty"`

	// ConfirmationHorizon is the timelock target in Bitcoin blocks.
	ConfirmationHorizon uint32 `yaml:"confirmation_horizon,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
}

// LoadFile reads a YAML configuration file. A missing path returns an empty
// config, not an error.
func LoadFile(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: config file: %v", ErrInput, err)
	}

	return cfg, nil
}

// Apply copies the file overrides onto a validated SwapConfig.
func (fc *FileConfig) Apply(cfg *SwapConfig) {
	if url := fc.Bitcoin.For(string(cfg.Network)); url != "" {
		cfg.BitcoinAPI = url
	}
	if url := fc.Bitshares.For(string(cfg.Network)); url != "" {
		cfg.BitsharesAPI = url
	}
	if fc.CheckAPIInterval > 0 {
		cfg.CheckAPIInterval = time.Duration(fc.CheckAPIInterval) * time.Second
	}
	if fc.ConfirmationHorizon > 0 {
		cfg.ConfirmationHorizon = fc.ConfirmationHorizon
	}
}
