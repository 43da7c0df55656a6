package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/runfleet/runfleet/internal/logger"
)

// Config is the top-level TOML structure loaded by the CLI.
type Config struct {
	BaseDir         string `toml:"base_dir" mapstructure:"base_dir"`
	ControlPlaneURL string `toml:"control_plane_url" mapstructure:"control_plane_url"`
	Token           string `toml:"token" mapstructure:"token"`
	TokenEnv        string `toml:"token_env" mapstructure:"token_env"`

	// Hooks performing first-run provisioning and de-registration. They
	// receive RUNFLEET_GROUP, RUNFLEET_RUNNER_ID, RUNFLEET_RUNNER_DIR and
	// RUNFLEET_TOKEN in the environment.
	ProvisionCommand  string `toml:"provision_command" mapstructure:"provision_command"`
	DeregisterCommand string `toml:"deregister_command" mapstructure:"deregister_command"`

	Log     logger.Config `toml:"log" mapstructure:"log"`
	Retry   RetryConfig   `toml:"retry" mapstructure:"retry"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Stop    StopConfig    `toml:"stop" mapstructure:"stop"`
	Groups  []GroupConfig `toml:"groups" mapstructure:"groups"`
}

// RetryConfig overrides the control-plane retry policy.
type RetryConfig struct {
	MaxAttempts  int           `toml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `toml:"initial_delay" mapstructure:"initial_delay"`
	Multiplier   float64       `toml:"multiplier" mapstructure:"multiplier"`
}

// HistoryConfig selects an optional fleet-event sink.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// StopConfig overrides the shutdown escalation timeouts.
type StopConfig struct {
	GracefulTimeout  time.Duration `toml:"graceful_timeout" mapstructure:"graceful_timeout"`
	TerminateTimeout time.Duration `toml:"terminate_timeout" mapstructure:"terminate_timeout"`
	KillTimeout      time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
}

// GroupConfig declares one managed group and its target replica count.
type GroupConfig struct {
	Owner  string   `toml:"owner" mapstructure:"owner"`
	Repo   string   `toml:"repo" mapstructure:"repo"`
	Labels []string `toml:"labels" mapstructure:"labels"`
	Count  int      `toml:"count" mapstructure:"count"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() error {
	if c.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("base_dir unset and no home directory: %w", err)
		}
		c.BaseDir = filepath.Join(home, ".runfleet")
	}
	if strings.HasPrefix(c.BaseDir, "~"+string(os.PathSeparator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand base_dir: %w", err)
		}
		c.BaseDir = filepath.Join(home, c.BaseDir[2:])
	}
	if c.Token == "" && c.TokenEnv != "" {
		c.Token = os.Getenv(c.TokenEnv)
	}
	for i, g := range c.Groups {
		if g.Owner == "" || g.Repo == "" {
			return fmt.Errorf("groups[%d]: owner and repo are required", i)
		}
		if g.Count < 0 {
			return fmt.Errorf("groups[%d]: negative count %d", i, g.Count)
		}
	}
	return nil
}
