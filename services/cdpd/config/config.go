package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for cdpd.
type Config struct {
	ListenAddress   string            `yaml:"listen"`
	DatabasePath    string            `yaml:"database"`
	Environment     string            `yaml:"environment"`
	ModuleAddress   string            `yaml:"module_address"`
	Synthetic       SyntheticConfig   `yaml:"synthetic"`
	Collateral      []CollateralAsset `yaml:"collateral"`
	Balances        []SeedBalance     `yaml:"balances"`
	Paused          []string          `yaml:"paused"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
}

// SyntheticConfig names the unit-pegged token the engine mints and burns.
type SyntheticConfig struct {
	Symbol string `yaml:"symbol"`
	Token  string `yaml:"token"`
}

// CollateralAsset pairs a collateral token with its price feed. InitialPrice
// is an 8-decimal fixed-point quote posted at startup so the daemon is
// serviceable before the first operator update.
type CollateralAsset struct {
	Symbol       string `yaml:"symbol"`
	Token        string `yaml:"token"`
	Feed         string `yaml:"feed"`
	InitialPrice string `yaml:"initial_price"`
}

// SeedBalance credits an account with collateral tokens at startup. Amounts
// are 18-decimal base units encoded as decimal strings.
type SeedBalance struct {
	Account string `yaml:"account"`
	Token   string `yaml:"token"`
	Amount  string `yaml:"amount"`
}

// RateLimitConfig throttles the operator price endpoint per client.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/cdpd.sqlite"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
}

func validate(cfg Config) error {
	if !common.IsHexAddress(cfg.ModuleAddress) {
		return fmt.Errorf("module_address must be a hex address")
	}
	if !common.IsHexAddress(cfg.Synthetic.Token) {
		return fmt.Errorf("synthetic.token must be a hex address")
	}
	if len(cfg.Collateral) == 0 {
		return fmt.Errorf("at least one collateral asset must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Collateral))
	for i, asset := range cfg.Collateral {
		if !common.IsHexAddress(asset.Token) {
			return fmt.Errorf("collateral[%d].token must be a hex address", i)
		}
		if !common.IsHexAddress(asset.Feed) {
			return fmt.Errorf("collateral[%d].feed must be a hex address", i)
		}
		key := common.HexToAddress(asset.Token).Hex()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("collateral[%d].token %s configured twice", i, asset.Token)
		}
		seen[key] = struct{}{}
		if asset.InitialPrice != "" {
			price, ok := new(big.Int).SetString(asset.InitialPrice, 10)
			if !ok || price.Sign() <= 0 {
				return fmt.Errorf("collateral[%d].initial_price must be a positive integer", i)
			}
		}
	}
	for i, seed := range cfg.Balances {
		if !common.IsHexAddress(seed.Account) {
			return fmt.Errorf("balances[%d].account must be a hex address", i)
		}
		if !common.IsHexAddress(seed.Token) {
			return fmt.Errorf("balances[%d].token must be a hex address", i)
		}
		amount, ok := new(big.Int).SetString(seed.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("balances[%d].amount must be a positive integer", i)
		}
	}
	return nil
}
