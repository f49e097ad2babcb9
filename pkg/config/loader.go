package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the EnvLoader reads, so
// storage.dsn is read from ACKPINE_STORAGE_DSN.
const EnvPrefix = "ACKPINE"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files or
// environment variables.
type Loader interface {
	// Load retrieves, parses and validates the configuration from the
	// underlying source.
	Load(ctx context.Context) (*Config, error)
}

// FileLoader loads configuration from a YAML file on disk. Keys missing from
// the file keep their Default values.
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file specified in FileLoader.path.
func (l *FileLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnvLoader overlays ACKPINE_* environment variables on a base
// configuration. Nested keys join with an underscore and lists are comma
// separated.
type EnvLoader struct {
	base   Loader
	lookup func(string) (string, bool)
}

// NewEnvLoader creates an EnvLoader over base. A nil base starts from
// Default.
func NewEnvLoader(base Loader) *EnvLoader {
	return &EnvLoader{base: base, lookup: os.LookupEnv}
}

// Load resolves the base configuration and applies environment overrides.
func (l *EnvLoader) Load(ctx context.Context) (*Config, error) {
	base := Default()
	if l.base != nil {
		var err error
		if base, err = l.base.Load(ctx); err != nil {
			return nil, err
		}
	}

	// Seeding viper with the base document registers every key that an
	// environment variable may override.
	data, err := yaml.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode base config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read base config: %w", err)
	}
	for _, key := range v.AllKeys() {
		if val, ok := l.lookup(envName(key)); ok {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
