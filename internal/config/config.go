// Package config loads and hot-reloads the supervisor's YAML configuration.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RepoConfig describes one watched repository.
type RepoConfig struct {
	Path         string `yaml:"path"`
	Primary      bool   `yaml:"primary"`
	ManualMerge  bool   `yaml:"manual_merge"`
	BuildCommand string `yaml:"build_command"`
	TestCommand  string `yaml:"test_command"`
	PromptSuffix string `yaml:"prompt_suffix"`
}

// TelegramConfig configures the Telegram notifier/chat transport.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig groups chat transport configs.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// SandboxConfig configures the agent execution container.
type SandboxConfig struct {
	Image          string `yaml:"image"`
	ContainerMemMB int64  `yaml:"container_memory_mb"`
	Network        string `yaml:"network"`
}

// TelemetryConfig configures internal/observe's tracer and metrics
// endpoint; kept as a plain struct here (rather than importing
// internal/observe) so config stays a leaf package.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	MetricsAddr string  `yaml:"metrics_addr"`
}

// Config is the supervisor's full runtime configuration (spec.md §6's
// settings allow-list plus the ambient fields Load/normalize need).
type Config struct {
	HomeDir      string `yaml:"-"`
	NeedsGenesis bool   `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// Pipeline tuning. Names match the dashboard settings allow-list
	// (spec.md §6) so a PUT /settings key maps 1:1 onto a struct field.
	ContinuousMode         bool   `yaml:"continuous_mode"`
	ReleaseIntervalMins    int    `yaml:"release_interval_mins"`
	PipelineMaxBacklog     int    `yaml:"pipeline_max_backlog"`
	AgentTimeoutSeconds    int    `yaml:"agent_timeout_s"`
	SeedCooldownSeconds    int    `yaml:"pipeline_seed_cooldown_s"`
	TickIntervalSeconds    int    `yaml:"pipeline_tick_s"`
	Model                  string `yaml:"model"`
	ContainerMemMB         int64  `yaml:"container_memory_mb"`
	AssistantName          string `yaml:"assistant_name"`
	MaxAgents              int    `yaml:"pipeline_max_agents"`
	RemoteCheckIntervalSec int    `yaml:"remote_check_interval_s"`
	HealthCheckIntervalMin int    `yaml:"health_check_interval_min"`

	Repos     []RepoConfig    `yaml:"repos"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// AllowOrigins enables github.com/go-chi/cors on internal/dashboard when
	// non-empty.
	AllowOrigins []string `yaml:"allow_origins"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// SettingsAllowList is the exact set of keys PUT/POST /settings may mutate
// (spec.md §6). Anything else is rejected by internal/dashboard.
var SettingsAllowList = map[string]bool{
	"continuous_mode":          true,
	"release_interval_mins":    true,
	"pipeline_max_backlog":     true,
	"agent_timeout_s":          true,
	"pipeline_seed_cooldown_s": true,
	"pipeline_tick_s":          true,
	"model":                    true,
	"container_memory_mb":      true,
	"assistant_name":           true,
	"pipeline_max_agents":      true,
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:8900",
		LogLevel:               "info",
		ContinuousMode:         false,
		ReleaseIntervalMins:    60,
		PipelineMaxBacklog:     50,
		AgentTimeoutSeconds:    int((20 * time.Minute).Seconds()),
		SeedCooldownSeconds:    1800,
		TickIntervalSeconds:    15,
		Model:                  "claude-sonnet-4-5-20250929",
		ContainerMemMB:         4096,
		AssistantName:          "sepiped",
		MaxAgents:              4,
		RemoteCheckIntervalSec: 300,
		HealthCheckIntervalMin: 30,
		Sandbox: SandboxConfig{
			Image:          "sepiped-sandbox:latest",
			ContainerMemMB: 4096,
			Network:        "none",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "sepiped",
			SampleRate:  1.0,
			MetricsAddr: "127.0.0.1:9100",
		},
	}
}

// HomeDir returns the supervisor's state directory, overridable by env.
func HomeDir() string {
	if override := os.Getenv("SEPIPED_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sepiped")
}

// Load reads config.yaml from the home dir (creating the dir if absent),
// applies env overrides, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sepiped home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.TickIntervalSeconds <= 0 {
		cfg.TickIntervalSeconds = 15
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 4
	}
	if cfg.AgentTimeoutSeconds <= 0 {
		cfg.AgentTimeoutSeconds = int((20 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8900"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.ContainerMemMB <= 0 {
		cfg.ContainerMemMB = 4096
	}
	// Seed cooldown in continuous mode is hard-coded regardless of the
	// configured value (spec.md §9 Open Question, resolved: not unified).
	if cfg.ContinuousMode {
		cfg.SeedCooldownSeconds = 1800
	} else if cfg.SeedCooldownSeconds <= 0 {
		cfg.SeedCooldownSeconds = 1800
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SEPIPED_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SEPIPED_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SEPIPED_MAX_AGENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAgents = v
		}
	}
	if raw := os.Getenv("SEPIPED_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TickIntervalSeconds = v
		}
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		cfg.AnthropicAPIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// ApplySetting mutates cfg in place for a single allow-listed key; callers
// (internal/dashboard) must check SettingsAllowList before calling this.
func ApplySetting(cfg *Config, key, value string) error {
	switch key {
	case "continuous_mode":
		cfg.ContinuousMode = value == "true"
	case "release_interval_mins":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("release_interval_mins: %w", err)
		}
		cfg.ReleaseIntervalMins = v
	case "pipeline_max_backlog":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("pipeline_max_backlog: %w", err)
		}
		cfg.PipelineMaxBacklog = v
	case "agent_timeout_s":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("agent_timeout_s: %w", err)
		}
		cfg.AgentTimeoutSeconds = v
	case "pipeline_seed_cooldown_s":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("pipeline_seed_cooldown_s: %w", err)
		}
		cfg.SeedCooldownSeconds = v
	case "pipeline_tick_s":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("pipeline_tick_s: %w", err)
		}
		cfg.TickIntervalSeconds = v
	case "model":
		cfg.Model = value
	case "container_memory_mb":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("container_memory_mb: %w", err)
		}
		cfg.ContainerMemMB = v
	case "assistant_name":
		cfg.AssistantName = value
	case "pipeline_max_agents":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("pipeline_max_agents: %w", err)
		}
		cfg.MaxAgents = v
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// Fingerprint returns a stable hash of the tuning knobs that change scheduler
// behavior, useful for detecting whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tick=%d|agents=%d|timeout=%d|model=%s|mem=%d|bind=%s",
		c.TickIntervalSeconds, c.MaxAgents, c.AgentTimeoutSeconds, c.Model, c.ContainerMemMB, c.BindAddr)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// PrimaryRepo returns the repo marked primary, or the zero value and false.
func (c Config) PrimaryRepo() (RepoConfig, bool) {
	for _, r := range c.Repos {
		if r.Primary {
			return r, true
		}
	}
	return RepoConfig{}, false
}
