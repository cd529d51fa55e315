package nickel

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds daemon settings. Values come from an optional YAML file and
// are then overridden by NCL_* environment variables.
type Config struct {
	Sock        string `yaml:"sock" json:"sock"`
	Dir         string `yaml:"dir" json:"dir"`
	LogLevel    string `yaml:"log_level" json:"log_level"` // debug | info | warn | error
	MetricsAddr string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
	TraceDB     string `yaml:"trace_db,omitempty" json:"trace_db,omitempty"`
	MaxTraces   int    `yaml:"max_traces" json:"max_traces"`
}

func DefaultConfig() Config {
	return Config{
		Sock:      "/tmp/ncl.sock",
		Dir:       ".",
		LogLevel:  "info",
		MaxTraces: 1000,
	}
}

// LoadConfig reads path (skipped when empty or missing) on top of the
// defaults, then applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %q: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("NCL_SOCK"); v != "" {
		c.Sock = v
	}
	if v := getenv("NCL_DIR"); v != "" {
		c.Dir = v
	}
	if v := getenv("NCL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("NCL_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := getenv("NCL_TRACE_DB"); v != "" {
		c.TraceDB = v
	}
	if v := getenv("NCL_MAX_TRACES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NCL_MAX_TRACES: %w", err)
		}
		c.MaxTraces = n
	}
	return nil
}

func (c Config) Validate() error {
	if c.Sock == "" {
		return fmt.Errorf("config: sock is required")
	}
	if c.MaxTraces <= 0 {
		return fmt.Errorf("config: max_traces must be positive, got %d", c.MaxTraces)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log_level %q", c.LogLevel)
}
