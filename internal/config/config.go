// Package config loads the horde server configuration.
//
// Values come from Default, are overridden by an optional YAML file, and then by
// HORDE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/horde/internal/core/observability/log"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "HORDE_"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Registry RegistryConfig `yaml:"registry" envPrefix:"REGISTRY_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Journal  JournalConfig  `yaml:"journal" envPrefix:"JOURNAL_"`
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LEVEL"`
	Encoding string `yaml:"encoding" env:"ENCODING"`
}

type RegistryConfig struct {
	Cooldown           time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	VictoryProbability int           `yaml:"victory_probability" env:"VICTORY_PROBABILITY"`
	LevelBonus         int           `yaml:"level_bonus" env:"LEVEL_BONUS"`
	// Seed feeds the battle roller. Zero draws a random seed at startup.
	Seed uint64 `yaml:"seed" env:"SEED"`
}

type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	ListenAddr   string        `yaml:"listen_addr" env:"LISTEN_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// MaxSessions caps concurrent websocket sessions.
	MaxSessions int `yaml:"max_sessions" env:"MAX_SESSIONS"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns default configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Registry: RegistryConfig{
			Cooldown:           24 * time.Hour,
			VictoryProbability: 70,
			LevelBonus:         5,
		},
		Server: ServerConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1:8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			MaxSessions:  1000,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "horde-events.db",
		},
	}
}

// Load reads path (skipped when empty), applies the environment and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err = Decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges YAML from r into cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from the environment. A nil environment reads the process's.
func ApplyEnv(cfg *Config, environment map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log.encoding must be json or console, got %q", ErrInvalidConfig, c.Log.Encoding)
	}
	if c.Registry.Cooldown < 0 {
		return fmt.Errorf("%w: registry.cooldown must not be negative", ErrInvalidConfig)
	}
	if c.Registry.VictoryProbability < 0 || c.Registry.VictoryProbability > 100 {
		return fmt.Errorf("%w: registry.victory_probability must be within [0, 100]", ErrInvalidConfig)
	}
	// The registry reads an all-zero battle formula as "use the defaults".
	if c.Registry.VictoryProbability == 0 && c.Registry.LevelBonus == 0 {
		return fmt.Errorf("%w: registry.victory_probability and registry.level_bonus cannot both be 0", ErrInvalidConfig)
	}
	if c.Server.Enabled {
		if c.Server.ListenAddr == "" {
			return fmt.Errorf("%w: server.listen_addr is required", ErrInvalidConfig)
		}
		if c.Server.MaxSessions <= 0 {
			return fmt.Errorf("%w: server.max_sessions must be positive", ErrInvalidConfig)
		}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("%w: journal.path is required when the journal is enabled", ErrInvalidConfig)
	}
	return nil
}

// LoggerConfig converts the log section for log.New. Validate first.
func (c Config) LoggerConfig() log.Config {
	level, _ := log.ParseLevel(c.Log.Level)
	out := log.DefaultConfig()
	out.Level = level
	out.Encoding = c.Log.Encoding
	return out
}
