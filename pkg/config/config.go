// Package config loads the YAML server configuration and validates it
// before anything is wired. Invalid configuration is a startup error,
// never a runtime surprise.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openscience-archive/osa/pkg/runner"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// DatabaseConfig is the relational store. The DSN is required unless the
// process runs in dev mode, which replaces the database with in-memory
// state.
type DatabaseConfig struct {
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int      `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// FilesConfig is the archive file tree.
type FilesConfig struct {
	BasePath string `yaml:"base_path" validate:"required"`
}

// RunnerConfig is the OCI runner. Dev mode substitutes a fake runner and
// ignores these fields.
type RunnerConfig struct {
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
}

// RedisConfig is the optional Redis keyword index backend. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// IndexConfig selects the configured index backends.
type IndexConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// WorkerConfig tunes the pool's background loops.
type WorkerConfig struct {
	PollInterval        Duration `yaml:"poll_interval"`
	JanitorInterval     Duration `yaml:"janitor_interval"`
	SchedulerResolution Duration `yaml:"scheduler_resolution"`
}

// LogConfig is the zerolog setup.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Files    FilesConfig    `yaml:"files"`
	Runner   RunnerConfig   `yaml:"runner"`
	Index    IndexConfig    `yaml:"index"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`

	// Dev replaces Postgres and containerd with in-memory substitutes.
	Dev bool `yaml:"dev"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
		Files:  FilesConfig{BasePath: "/var/lib/osa"},
		Runner: RunnerConfig{
			ContainerdSocket: runner.DefaultSocketPath,
			Namespace:        runner.DefaultNamespace,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := unmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate runs the struct tags plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Dev && c.Database.DSN == "" {
		return fmt.Errorf("invalid configuration: database.dsn is required outside dev mode")
	}
	return nil
}
