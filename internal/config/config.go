package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost            = "localhost"
	DefaultPort            = 9066
	DefaultShutdownTimeout = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second

	envPrefix = "BRIDGE_"
)

// Config is the bridge configuration, loaded from an optional config.toml
// or config.yaml and overridden by BRIDGE_* environment variables.
type Config struct {
	Listen          ListenConfig  `toml:"listen" yaml:"listen"`
	ShutdownTimeout Duration      `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	WriteTimeout    Duration      `toml:"write_timeout" yaml:"write_timeout"`
	Log             LogConfig     `toml:"log" yaml:"log"`
	Mirror          MirrorConfig  `toml:"mirror" yaml:"mirror"`
	Journal         JournalConfig `toml:"journal" yaml:"journal"`
	Metrics         MetricsConfig `toml:"metrics" yaml:"metrics"`
	// Pipeline files loaded into the store before the listener opens.
	Preload []string `toml:"preload" yaml:"preload"`
}

type ListenConfig struct {
	Host string `toml:"host" yaml:"host"`
	Port int    `toml:"port" yaml:"port"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // console or json
}

// MirrorConfig controls writing submitted pipelines back to the local file
// they name. Relative paths resolve against Root when it is set.
type MirrorConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Root    string `toml:"root" yaml:"root"`
}

// JournalConfig enables the Postgres submission journal when DSN is set.
type JournalConfig struct {
	DSN    string `toml:"dsn" yaml:"dsn"`
	Driver string `toml:"driver" yaml:"driver"` // pgx or postgres
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// Duration is a time.Duration that decodes from strings like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		Listen:          ListenConfig{Host: DefaultHost, Port: DefaultPort},
		ShutdownTimeout: Duration{DefaultShutdownTimeout},
		WriteTimeout:    Duration{DefaultWriteTimeout},
		Log:             LogConfig{Level: "info", Format: "console"},
		Mirror:          MirrorConfig{Enabled: true},
		Journal:         JournalConfig{Driver: "pgx"},
		Metrics:         MetricsConfig{Enabled: true},
	}
}

// Load applies defaults, then the file at path (if non-empty), then .env
// in the working directory, then BRIDGE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		return v, ok && v != ""
	}

	if v, ok := get("HOST"); ok {
		c.Listen.Host = v
	}
	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		c.Listen.Port = port
	}
	if v, ok := get("SHUTDOWN_TIMEOUT"); ok {
		if err := c.ShutdownTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sSHUTDOWN_TIMEOUT: %w", envPrefix, err)
		}
	}
	if v, ok := get("WRITE_TIMEOUT"); ok {
		if err := c.WriteTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sWRITE_TIMEOUT: %w", envPrefix, err)
		}
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := get("MIRROR"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMIRROR: %w", envPrefix, err)
		}
		c.Mirror.Enabled = b
	}
	if v, ok := get("MIRROR_ROOT"); ok {
		c.Mirror.Root = v
	}
	if v, ok := get("JOURNAL_DSN"); ok {
		c.Journal.DSN = v
	}
	if v, ok := get("JOURNAL_DRIVER"); ok {
		c.Journal.Driver = v
	}
	if v, ok := get("PRELOAD"); ok {
		c.Preload = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.ShutdownTimeout.Duration < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	if c.WriteTimeout.Duration < 0 {
		return errors.New("write_timeout must not be negative")
	}
	switch c.Journal.Driver {
	case "", "pgx", "postgres":
	default:
		return fmt.Errorf("journal.driver must be pgx or postgres, got %q", c.Journal.Driver)
	}
	if c.Mirror.Root != "" {
		info, err := os.Stat(c.Mirror.Root)
		if err != nil {
			return fmt.Errorf("mirror.root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("mirror.root is not a directory: %s", c.Mirror.Root)
		}
	}
	return nil
}
