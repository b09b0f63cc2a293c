// Package config loads and validates the pearld configuration file.
// Config is read once at startup; the running daemon never re-reads it
// (see watcher.go for how on-disk edits are surfaced).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pearlops/pearld/pkg/types"
)

// Config is the root configuration for pearld.
type Config struct {
	Daemon      DaemonConfig           `yaml:"daemon"`
	Middleware  MiddlewareConfig       `yaml:"middleware"`
	Chains      map[string]ChainConfig `yaml:"chains"`
	Staking     StakingConfig          `yaml:"staking"`
	Wallets     []string               `yaml:"wallets"`
	Funding     []FundingRequirement   `yaml:"funding"`
	Aggregation AggregationConfig      `yaml:"aggregation"`
	API         APIConfig              `yaml:"api"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Local API bind address (default: 127.0.0.1:8716)
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string `yaml:"log_format"`  // json or text
	DataDir    string `yaml:"data_dir"`    // State directory (default: ~/.pearl)
}

// MiddlewareConfig points at the Pearl middleware that owns wallets and
// services. pearld only reads from it.
type MiddlewareConfig struct {
	BaseURL     string `yaml:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// Timeout returns the middleware HTTP timeout as a duration.
func (m MiddlewareConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSecs) * time.Second
}

// ChainConfig is the per-chain operator configuration, keyed in the config
// file by canonical chain name (gnosis, ethereum, base, optimism, mode).
type ChainConfig struct {
	RPCURLs     []string `yaml:"rpc_urls"`
	SubgraphURL string   `yaml:"subgraph_url,omitempty"`
	Required    bool     `yaml:"required"`
}

// StakingConfig selects the staking program and service the reward
// aggregator tracks.
type StakingConfig struct {
	SelectedProgram string `yaml:"selected_program"`
	ServiceID       uint64 `yaml:"service_id"`
}

// FundingRequirement is a minimum balance threshold for one (chain, asset)
// pair, in human units ("5", "0.05"). Parsed against the asset's decimals
// when the registry is built.
type FundingRequirement struct {
	Chain  string `yaml:"chain"`
	Symbol string `yaml:"symbol"`
	Min    string `yaml:"min"`
}

// AggregationConfig tunes the poll loops.
type AggregationConfig struct {
	BalanceIntervalSecs int     `yaml:"balance_interval_secs"` // Default: 15
	RewardsIntervalSecs int     `yaml:"rewards_interval_secs"` // Default: 60
	DisableMulticall    bool    `yaml:"disable_multicall"`     // Sequential eth_call fallback
	RPCRateLimit        float64 `yaml:"rpc_rate_limit"`        // Requests/sec per chain (default: 10)
	RPCRateBurst        int     `yaml:"rpc_rate_burst"`        // Default: 20
	ParamCacheTTLSecs   int     `yaml:"param_cache_ttl_secs"`  // Immutable staking param memo (default: 600)
}

// BalanceInterval returns the balance poll interval as a duration.
func (a AggregationConfig) BalanceInterval() time.Duration {
	return time.Duration(a.BalanceIntervalSecs) * time.Second
}

// RewardsInterval returns the rewards poll interval as a duration.
func (a AggregationConfig) RewardsInterval() time.Duration {
	return time.Duration(a.RewardsIntervalSecs) * time.Second
}

// ParamCacheTTL returns the staking-parameter cache TTL as a duration.
func (a AggregationConfig) ParamCacheTTL() time.Duration {
	return time.Duration(a.ParamCacheTTLSecs) * time.Second
}

// APIConfig tunes the local API server.
type APIConfig struct {
	RateLimit       float64 `yaml:"rate_limit"`       // Requests/sec per client IP (default: 10)
	RateLimitBurst  int     `yaml:"rate_limit_burst"` // Default: 20
	EnableWebSocket bool    `yaml:"enable_websocket"`
}

// DefaultConfig returns the configuration used when no file exists yet.
// Only gnosis carries default endpoints; other chains are opt-in.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Daemon: DaemonConfig{
			ListenAddr: "127.0.0.1:8716",
			LogLevel:   "info",
			LogFormat:  "json",
			DataDir:    filepath.Join(homeDir, ".pearl"),
		},
		Middleware: MiddlewareConfig{
			BaseURL:     "http://localhost:8000",
			TimeoutSecs: 10,
		},
		Chains: map[string]ChainConfig{
			"gnosis": {
				RPCURLs:     []string{"https://rpc.gnosischain.com"},
				SubgraphURL: "https://subgraph.autonolas.tech/subgraphs/name/autonolas-staking-gnosis",
				Required:    true,
			},
		},
		Staking: StakingConfig{
			SelectedProgram: string(types.ProgramPearlBeta),
			ServiceID:       0,
		},
		Aggregation: AggregationConfig{
			BalanceIntervalSecs: 15,
			RewardsIntervalSecs: 60,
			RPCRateLimit:        10,
			RPCRateBurst:        20,
			ParamCacheTTLSecs:   600,
		},
		API: APIConfig{
			RateLimit:       10,
			RateLimitBurst:  20,
			EnableWebSocket: true,
		},
	}
}

// Load reads configuration from the given path. A missing file yields the
// defaults; a present but malformed or invalid file is an error. Environment
// variables (PEARL_LISTEN_ADDR, PEARL_LOG_LEVEL, PEARL_MIDDLEWARE_URL,
// PEARL_SELECTED_PROGRAM) override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PEARL_LISTEN_ADDR"); v != "" {
		c.Daemon.ListenAddr = v
	}
	if v := os.Getenv("PEARL_LOG_LEVEL"); v != "" {
		c.Daemon.LogLevel = v
	}
	if v := os.Getenv("PEARL_MIDDLEWARE_URL"); v != "" {
		c.Middleware.BaseURL = v
	}
	if v := os.Getenv("PEARL_SELECTED_PROGRAM"); v != "" {
		c.Staking.SelectedProgram = v
	}
}

func (c *Config) expandPaths() {
	c.Daemon.DataDir = expandPath(c.Daemon.DataDir)
}

var ethAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Validate checks the fatal startup conditions. A config that passes Validate
// is safe to build registries from.
func (c *Config) Validate() error {
	switch c.Daemon.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (must be debug, info, warn or error)", c.Daemon.LogLevel)
	}

	switch c.Daemon.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q (must be json or text)", c.Daemon.LogFormat)
	}

	if c.Daemon.ListenAddr == "" {
		return fmt.Errorf("daemon.listen_addr must not be empty")
	}

	for name, chain := range c.Chains {
		if _, ok := types.ParseChainID(name); !ok {
			return fmt.Errorf("unknown chain %q in config", name)
		}
		if chain.Required && len(chain.RPCURLs) == 0 {
			return fmt.Errorf("chain %q is required but has no rpc_urls", name)
		}
		for _, u := range chain.RPCURLs {
			if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") &&
				!strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
				return fmt.Errorf("chain %q: rpc url %q must be http(s) or ws(s)", name, u)
			}
		}
	}

	for _, w := range c.Wallets {
		if err := validateEthAddress(w); err != nil {
			return fmt.Errorf("invalid wallet address %q: %w", w, err)
		}
	}

	for _, f := range c.Funding {
		if _, ok := types.ParseChainID(f.Chain); !ok {
			return fmt.Errorf("funding requirement references unknown chain %q", f.Chain)
		}
		if f.Symbol == "" {
			return fmt.Errorf("funding requirement on %q has empty symbol", f.Chain)
		}
		if f.Min == "" {
			return fmt.Errorf("funding requirement for %s on %s has empty min", f.Symbol, f.Chain)
		}
	}

	if c.Aggregation.BalanceIntervalSecs <= 0 {
		return fmt.Errorf("balance_interval_secs must be positive, got %d", c.Aggregation.BalanceIntervalSecs)
	}
	if c.Aggregation.RewardsIntervalSecs <= 0 {
		return fmt.Errorf("rewards_interval_secs must be positive, got %d", c.Aggregation.RewardsIntervalSecs)
	}
	if c.Aggregation.RPCRateLimit <= 0 {
		return fmt.Errorf("rpc_rate_limit must be positive, got %v", c.Aggregation.RPCRateLimit)
	}

	if c.Staking.SelectedProgram == "" {
		return fmt.Errorf("staking.selected_program must not be empty")
	}

	return nil
}

func validateEthAddress(addr string) error {
	if !ethAddressPattern.MatchString(addr) {
		return fmt.Errorf("must be 0x followed by 40 hex characters")
	}
	if addr == "0x0000000000000000000000000000000000000000" {
		return fmt.Errorf("must not be the zero address")
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the standard config file location
// (~/.pearl/config.yaml).
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(homeDir, ".pearl", "config.yaml")
}
