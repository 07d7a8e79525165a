package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/extensiond/internal/otel"
)

type MarketplaceConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LocksConfig selects the lock store. The file backend assumes a single
// node; the redis backend stores leases that expire after LeaseTTLSeconds.
type LocksConfig struct {
	Backend         string `yaml:"backend"`
	RedisURL        string `yaml:"redis_url"`
	LeaseTTLSeconds int    `yaml:"lease_ttl_seconds"`
	ConfigAttempts  int    `yaml:"config_attempts"`
	ConfigDelayMS   int    `yaml:"config_delay_ms"`
}

type RestartConfig struct {
	DebounceMS     int      `yaml:"debounce_ms"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
	MaxWaitSeconds int      `yaml:"max_wait_seconds"`
	Command        []string `yaml:"command"`
}

type UpgradeConfig struct {
	PreservedPaths []string `yaml:"preserved_paths"`
	AtomicSwap     *bool    `yaml:"atomic_swap,omitempty"`
}

type JanitorConfig struct {
	Schedule      string `yaml:"schedule"`
	MaxAgeMinutes int    `yaml:"max_age_minutes"`
}

type Config struct {
	HomeDir     string            `yaml:"-"`
	BindAddr    string            `yaml:"bind_addr"`
	LogLevel    string            `yaml:"log_level"`
	AuthToken   string            `yaml:"auth_token"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Locks       LocksConfig       `yaml:"locks"`
	Restart     RestartConfig     `yaml:"restart"`
	Upgrade     UpgradeConfig     `yaml:"upgrade"`
	Janitor     JanitorConfig     `yaml:"janitor"`
	Telemetry   otel.Config       `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) ExtensionsDir() string { return filepath.Join(c.HomeDir, "extensions") }
func (c Config) LocksDir() string      { return filepath.Join(c.HomeDir, "locks") }
func (c Config) TmpDir() string        { return filepath.Join(c.HomeDir, "tmp") }
func (c Config) SchemasDir() string    { return filepath.Join(c.HomeDir, "schemas") }
func (c Config) RegistryPath() string  { return filepath.Join(c.HomeDir, "extensions.json") }
func (c Config) DBPath() string        { return filepath.Join(c.HomeDir, "extensiond.db") }

// AtomicSwapEnabled reports whether upgrades stage the new tree and swap it
// in by rename. Defaults to true.
func (c Config) AtomicSwapEnabled() bool {
	if c.Upgrade.AtomicSwap == nil {
		return true
	}
	return *c.Upgrade.AtomicSwap
}

// Fingerprint returns a stable hash of the settings that change behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|market=%s|locks=%s|debounce=%d|wait=%d|preserve=%v|swap=%t",
		c.BindAddr, c.LogLevel, c.Marketplace.BaseURL, c.Locks.Backend,
		c.Restart.DebounceMS, c.Restart.MaxWaitSeconds, c.Upgrade.PreservedPaths, c.AtomicSwapEnabled())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Marketplace: MarketplaceConfig{
			TimeoutSeconds: 60,
		},
		Locks: LocksConfig{
			Backend:         "file",
			LeaseTTLSeconds: 3600,
			ConfigAttempts:  50,
			ConfigDelayMS:   100,
		},
		Restart: RestartConfig{
			DebounceMS:     3000,
			PollIntervalMS: 1000,
			MaxWaitSeconds: 300,
		},
		Upgrade: UpgradeConfig{
			PreservedPaths: []string{"data", "storage"},
		},
		Janitor: JanitorConfig{
			Schedule:      "@every 1h",
			MaxAgeMinutes: 60,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("EXTENSIOND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".extensiond")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create extensiond home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	cfg.Marketplace.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Marketplace.BaseURL), "/")
	if cfg.Marketplace.TimeoutSeconds <= 0 {
		cfg.Marketplace.TimeoutSeconds = d.Marketplace.TimeoutSeconds
	}
	cfg.Locks.Backend = strings.ToLower(strings.TrimSpace(cfg.Locks.Backend))
	if cfg.Locks.Backend == "" {
		cfg.Locks.Backend = d.Locks.Backend
	}
	if cfg.Locks.LeaseTTLSeconds <= 0 {
		cfg.Locks.LeaseTTLSeconds = d.Locks.LeaseTTLSeconds
	}
	if cfg.Locks.ConfigAttempts <= 0 {
		cfg.Locks.ConfigAttempts = d.Locks.ConfigAttempts
	}
	if cfg.Locks.ConfigDelayMS <= 0 {
		cfg.Locks.ConfigDelayMS = d.Locks.ConfigDelayMS
	}
	if cfg.Restart.DebounceMS <= 0 {
		cfg.Restart.DebounceMS = d.Restart.DebounceMS
	}
	if cfg.Restart.PollIntervalMS <= 0 {
		cfg.Restart.PollIntervalMS = d.Restart.PollIntervalMS
	}
	if cfg.Restart.MaxWaitSeconds <= 0 {
		cfg.Restart.MaxWaitSeconds = d.Restart.MaxWaitSeconds
	}
	if cfg.Upgrade.PreservedPaths == nil {
		cfg.Upgrade.PreservedPaths = d.Upgrade.PreservedPaths
	}
	if strings.TrimSpace(cfg.Janitor.Schedule) == "" {
		cfg.Janitor.Schedule = d.Janitor.Schedule
	}
	if cfg.Janitor.MaxAgeMinutes <= 0 {
		cfg.Janitor.MaxAgeMinutes = d.Janitor.MaxAgeMinutes
	}
}

func validate(cfg Config) error {
	switch cfg.Locks.Backend {
	case "file":
	case "redis":
		if strings.TrimSpace(cfg.Locks.RedisURL) == "" {
			return fmt.Errorf("locks.redis_url is required when locks.backend is redis")
		}
	default:
		return fmt.Errorf("unknown locks.backend %q (supported: file, redis)", cfg.Locks.Backend)
	}
	for _, p := range cfg.Upgrade.PreservedPaths {
		clean := filepath.Clean(p)
		if p == "" || filepath.IsAbs(p) || clean == "." || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("upgrade.preserved_paths: invalid relative path %q", p)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("EXTENSIOND_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("EXTENSIOND_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("EXTENSIOND_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("EXTENSIOND_MARKETPLACE_URL"); raw != "" {
		cfg.Marketplace.BaseURL = raw
	}
	if raw := os.Getenv("EXTENSIOND_MARKETPLACE_API_KEY"); raw != "" {
		cfg.Marketplace.APIKey = raw
	}
	if raw := os.Getenv("EXTENSIOND_LOCK_BACKEND"); raw != "" {
		cfg.Locks.Backend = raw
	}
	if raw := os.Getenv("EXTENSIOND_REDIS_URL"); raw != "" {
		cfg.Locks.RedisURL = raw
	}
	if raw := os.Getenv("EXTENSIOND_RESTART_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Restart.DebounceMS = v
		}
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetValue updates one dotted key (e.g. "marketplace.base_url") in
// config.yaml, preserving everything else.
func SetValue(homeDir, key, value string) error {
	parts := strings.Split(strings.TrimSpace(key), ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	node := raw
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = parseScalar(value)
	return saveRawConfig(path, raw)
}

func parseScalar(v string) any {
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}
