package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/user/mcdock/configs"
)

type Config struct {
	Listen           string        `yaml:"listen"`
	Runtime          string        `yaml:"runtime"`
	DockerHost       string        `yaml:"docker_host"`
	Image            string        `yaml:"image"`
	Entrypoint       []string      `yaml:"entrypoint"`
	Label            string        `yaml:"label"`
	NamePrefix       string        `yaml:"name_prefix"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ReadBuffer       int           `yaml:"read_buffer"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	Framing          string        `yaml:"framing"`
	DBPath           string        `yaml:"db_path"`
	LogLevel         string        `yaml:"log_level"`

	// ConfigPath is the file the configuration was read from, if any.
	ConfigPath string `yaml:"-"`
}

// Load builds the configuration from the embedded defaults, the user's
// config file and then args, each layer overriding the previous one.
func Load(args []string) (*Config, error) {
	cfg, err := defaults()
	if err != nil {
		return nil, err
	}

	flags := *cfg
	var configPath string
	fs := pflag.NewFlagSet("mcdock", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "config file (default ~/.config/mcdock/config.yaml)")
	fs.StringVar(&flags.Listen, "listen", cfg.Listen, "listen address (host:port)")
	fs.StringVar(&flags.Runtime, "runtime", cfg.Runtime, "workload runtime: docker or local")
	fs.StringVar(&flags.DockerHost, "docker-host", cfg.DockerHost, "docker daemon address")
	fs.StringVar(&flags.Image, "image", cfg.Image, "image for new workloads")
	fs.StringSliceVar(&flags.Entrypoint, "entrypoint", cfg.Entrypoint, "entrypoint for new workloads")
	fs.StringVar(&flags.Label, "label", cfg.Label, "label marking managed workloads")
	fs.StringVar(&flags.NamePrefix, "name-prefix", cfg.NamePrefix, "name prefix for new workloads")
	fs.DurationVar(&flags.StopTimeout, "stop-timeout", cfg.StopTimeout, "grace period before a stopped workload is killed")
	fs.DurationVar(&flags.PollInterval, "poll-interval", cfg.PollInterval, "console loop wait bound")
	fs.IntVar(&flags.ReadBuffer, "read-buffer", cfg.ReadBuffer, "console read buffer in bytes")
	fs.IntVar(&flags.SubscriberBuffer, "subscriber-buffer", cfg.SubscriberBuffer, "queued messages per console connection")
	fs.StringVar(&flags.Framing, "framing", cfg.Framing, "output framing: demux or legacy")
	fs.StringVar(&flags.DBPath, "db", cfg.DBPath, "event database path")
	fs.StringVar(&flags.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := configPath != ""
	if !explicit {
		configPath, err = defaultConfigPath()
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.loadFromFile(configPath); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg.ConfigPath = configPath
	}

	fs.Visit(func(f *pflag.Flag) {
		cfg.applyFlag(f.Name, &flags)
	})

	if cfg.DBPath, err = expandHome(cfg.DBPath); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(configs.Defaults, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded defaults: %w", err)
	}
	return cfg, nil
}

func defaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "mcdock", "config.yaml"), nil
}

// loadFromFile overlays the keys present in path onto c.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyFlag(name string, from *Config) {
	switch name {
	case "listen":
		c.Listen = from.Listen
	case "runtime":
		c.Runtime = from.Runtime
	case "docker-host":
		c.DockerHost = from.DockerHost
	case "image":
		c.Image = from.Image
	case "entrypoint":
		c.Entrypoint = from.Entrypoint
	case "label":
		c.Label = from.Label
	case "name-prefix":
		c.NamePrefix = from.NamePrefix
	case "stop-timeout":
		c.StopTimeout = from.StopTimeout
	case "poll-interval":
		c.PollInterval = from.PollInterval
	case "read-buffer":
		c.ReadBuffer = from.ReadBuffer
	case "subscriber-buffer":
		c.SubscriberBuffer = from.SubscriberBuffer
	case "framing":
		c.Framing = from.Framing
	case "db":
		c.DBPath = from.DBPath
	case "log-level":
		c.LogLevel = from.LogLevel
	}
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	switch c.Runtime {
	case "docker", "local":
	default:
		return fmt.Errorf("invalid runtime %q: must be docker or local", c.Runtime)
	}
	if strings.TrimSpace(c.Image) == "" && c.Runtime == "docker" {
		return errors.New("image must not be empty")
	}
	if len(c.Entrypoint) == 0 && c.Runtime == "local" {
		return errors.New("entrypoint must not be empty for the local runtime")
	}
	if strings.TrimSpace(c.Label) == "" {
		return errors.New("label must not be empty")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("invalid stop_timeout %s: must be positive", c.StopTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll_interval %s: must be positive", c.PollInterval)
	}
	if c.ReadBuffer <= 0 {
		return fmt.Errorf("invalid read_buffer %d: must be positive", c.ReadBuffer)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("invalid subscriber_buffer %d: must be positive", c.SubscriberBuffer)
	}
	switch c.Framing {
	case "demux", "legacy":
	default:
		return fmt.Errorf("invalid framing %q: must be demux or legacy", c.Framing)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}
