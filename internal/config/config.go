package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	WorkspaceRoot string                   `mapstructure:"workspace_root"`
	DBPath        string                   `mapstructure:"db_path"`
	CheckpointDir string                   `mapstructure:"checkpoint_dir"`
	Server        ServerConfig             `mapstructure:"server"`
	Profiles      map[string]ProfileConfig `mapstructure:"profiles"`
	Resilience    ResilienceConfig         `mapstructure:"resilience"`
	LLM           LLMConfig                `mapstructure:"llm"`
	Tools         map[string]ToolOverride  `mapstructure:"tools"`
	Notify        NotifyConfig             `mapstructure:"notify"`
	Logging       LoggingConfig            `mapstructure:"logging"`
}

// ServerConfig configures the HTTP control surface
type ServerConfig struct {
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ProfileConfig is the closed per-profile tuning shape. Stage enablement
// and the iteration caps live here rather than in code.
type ProfileConfig struct {
	RateLimit        int             `mapstructure:"rate_limit"`
	RequestTimeout   time.Duration   `mapstructure:"request_timeout"`
	ProcessTimeout   time.Duration   `mapstructure:"process_timeout"`
	Concurrency      int             `mapstructure:"concurrency"`
	TopPorts         []int           `mapstructure:"top_ports"`
	NucleiSeverities []string        `mapstructure:"nuclei_severities"`
	MaxWaybackURLs   int             `mapstructure:"max_wayback_urls"`
	MaxFuzzTargets   int             `mapstructure:"max_fuzz_targets"`
	MaxJSFiles       int             `mapstructure:"max_js_files"`
	Stages           map[string]bool `mapstructure:"stages"`
}

// StageEnabled reports whether a stage should run under this profile.
// Stages absent from the map default to enabled.
func (p ProfileConfig) StageEnabled(name string) bool {
	if p.Stages == nil {
		return true
	}
	enabled, ok := p.Stages[name]
	if !ok {
		return true
	}
	return enabled
}

// ResilienceConfig tunes the connectivity monitor
type ResilienceConfig struct {
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	OfflinePauseAfter time.Duration `mapstructure:"offline_pause_after"`
	ResumeDelay       time.Duration `mapstructure:"resume_delay"`
	ProbeHosts        []string      `mapstructure:"probe_hosts"`
	PauseOnBattery    bool          `mapstructure:"pause_on_battery"`
	BatteryThreshold  int           `mapstructure:"battery_threshold"`
	PauseOnTemp       bool          `mapstructure:"pause_on_temp"`
	TempThresholdC    float64       `mapstructure:"temp_threshold_c"`
	TunnelURL         string        `mapstructure:"tunnel_url"`
	TunnelService     string        `mapstructure:"tunnel_service"`
}

// LLMConfig configures the finding-triage adapter
type LLMConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Endpoint   string        `mapstructure:"endpoint"`
	AutoScale  bool          `mapstructure:"auto_scale"`
	IdleUnload time.Duration `mapstructure:"idle_unload"`
	// ModelThresholds maps minimum available memory in MB to the model
	// that fits it; auto-scaling picks the largest qualifying entry.
	ModelThresholds map[string]uint64 `mapstructure:"model_thresholds"`
}

// ToolOverride adjusts a single registry entry from configuration
type ToolOverride struct {
	Binary  string `mapstructure:"binary"`
	Install string `mapstructure:"install"`
	Enabled *bool  `mapstructure:"enabled"`
}

// NotifyConfig configures the completion webhook
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// LoggingConfig selects log verbosity and encoding
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads and parses configuration from a YAML file.
// If path is empty, searches for scanward.yaml in the current directory,
// ./configs, and ~/.config/scanward/.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SCANWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("scanward")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".config", "scanward"))
		}
	}

	cfg := DefaultConfig()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when no explicit path was given: the
		// defaults cover a fresh install.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandPaths resolves ~ prefixes and fills derived paths from the
// workspace root when they were left empty.
func (c *Config) expandPaths() {
	c.WorkspaceRoot = ExpandHome(c.WorkspaceRoot)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.WorkspaceRoot, "data", "scanward.db")
	} else {
		c.DBPath = ExpandHome(c.DBPath)
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = filepath.Join(c.WorkspaceRoot, "data", "state")
	} else {
		c.CheckpointDir = ExpandHome(c.CheckpointDir)
	}
}

// LogsDir returns the workspace logs directory
func (c *Config) LogsDir() string { return filepath.Join(c.WorkspaceRoot, "logs") }

// ReportsDir returns the workspace reports directory
func (c *Config) ReportsDir() string { return filepath.Join(c.WorkspaceRoot, "reports") }

// WordlistsDir returns the workspace wordlists directory
func (c *Config) WordlistsDir() string { return filepath.Join(c.WorkspaceRoot, "wordlists") }

// ProfileFor returns the tuning bundle for a named profile, falling back
// to the normal profile when the name is unknown.
func (c *Config) ProfileFor(name string) ProfileConfig {
	if p, ok := c.Profiles[name]; ok {
		return p
	}
	return c.Profiles["normal"]
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.WorkspaceRoot == "" {
		errs = append(errs, errors.New("workspace_root cannot be empty"))
	}

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen cannot be empty"))
	}

	for name, p := range c.Profiles {
		if p.RateLimit <= 0 {
			errs = append(errs, fmt.Errorf("profiles.%s.rate_limit must be positive", name))
		}
		if p.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("profiles.%s.concurrency must be positive", name))
		}
		if p.ProcessTimeout <= 0 {
			errs = append(errs, fmt.Errorf("profiles.%s.process_timeout must be positive", name))
		}
	}

	if c.Resilience.ProbeInterval <= 0 {
		errs = append(errs, errors.New("resilience.probe_interval must be positive"))
	}

	if c.Resilience.OfflinePauseAfter <= 0 {
		errs = append(errs, errors.New("resilience.offline_pause_after must be positive"))
	}

	if len(c.Resilience.ProbeHosts) == 0 {
		errs = append(errs, errors.New("resilience.probe_hosts cannot be empty"))
	}

	if c.LLM.Enabled && c.LLM.Endpoint == "" {
		errs = append(errs, errors.New("llm.endpoint cannot be empty when llm is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ExpandHome resolves a leading ~ to the user's home directory
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
