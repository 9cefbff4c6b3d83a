package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// TokenConfig declares a fungible value source the service will track. The
// decimals drive the protocol fee thresholds for escrows denominated in it.
type TokenConfig struct {
	Address  string `toml:"Address"`
	Decimals uint8  `toml:"Decimals"`
}

// FeeConfig overrides the protocol fee schedule. Zero values fall back to the
// platform defaults.
type FeeConfig struct {
	NoFeeDivisor  uint64 `toml:"NoFeeDivisor"`
	MinFeePercent uint64 `toml:"MinFeePercent"`
	FeePercent    uint64 `toml:"FeePercent"`
}

// TelemetryConfig wires the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
}

type Config struct {
	ListenAddress      string          `toml:"ListenAddress"`
	DataDir            string          `toml:"DataDir"`
	Environment        string          `toml:"Environment"`
	Mediator           string          `toml:"Mediator"`
	RateLimitPerMinute int             `toml:"RateLimitPerMinute"`
	Tokens             []TokenConfig   `toml:"Tokens"`
	Fees               FeeConfig       `toml:"Fees"`
	Telemetry          TelemetryConfig `toml:"Telemetry"`
}

// Load loads the configuration from the given path, creating a default file if
// none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 120
	}
}

// Validate checks the configuration for hard errors. Absent required input
// fails rather than being coerced to a default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	mediator, err := ParseAddress(cfg.Mediator)
	if err != nil {
		return fmt.Errorf("config: mediator: %w", err)
	}
	if mediator == (common.Address{}) {
		return fmt.Errorf("config: mediator must not be the zero address")
	}
	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("config: at least one token must be configured")
	}
	seen := make(map[common.Address]struct{}, len(cfg.Tokens))
	for i, token := range cfg.Tokens {
		addr, err := ParseAddress(token.Address)
		if err != nil {
			return fmt.Errorf("config: token %d: %w", i, err)
		}
		if addr == (common.Address{}) {
			return fmt.Errorf("config: token %d: zero address", i)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("config: token %d: duplicate address %s", i, addr.Hex())
		}
		seen[addr] = struct{}{}
		if token.Decimals > 36 {
			return fmt.Errorf("config: token %d: decimals out of range", i)
		}
	}
	if cfg.Fees.MinFeePercent >= 100 {
		return fmt.Errorf("config: fee minimum must be below one unit")
	}
	if cfg.Fees.FeePercent >= 100 {
		return fmt.Errorf("config: fee rate must be below 100%%")
	}
	return nil
}

// ParseAddress normalises a 0x-prefixed hex identity.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("address required")
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

const defaultConfig = `# escrowd configuration
ListenAddress = ":8645"
DataDir = "./escrowd-data"
Environment = "local"
# The platform identity that creates escrows, collects fees and resolves
# disputes. Must be set before the service will start.
Mediator = ""
RateLimitPerMinute = 120

[[Tokens]]
Address = "0x00000000000000000000000000000000000000AA"
Decimals = 6

[Fees]
# Zero values fall back to platform defaults (1/1000 cutoff, 30% minimum, 1%).
NoFeeDivisor = 0
MinFeePercent = 0
FeePercent = 0

[Telemetry]
Enabled = false
Endpoint = "localhost:4318"
Insecure = true
`

func createDefault(path string) (*Config, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("config: wrote default config to %s; set Mediator and restart", path)
}
