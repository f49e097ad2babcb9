// Package config defines the library and CLI configuration and the loaders
// that read it from files and the environment.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// StorageDriver selects the session repository implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StoragePostgres StorageDriver = "postgres"
)

// Config represents the top-level configuration.
type Config struct {
	Executor      ExecutorConfig     `yaml:"executor" mapstructure:"executor"`
	Notifications NotificationConfig `yaml:"notifications" mapstructure:"notifications"`
	Storage       StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Kafka         KafkaConfig        `yaml:"kafka" mapstructure:"kafka"`
	ADB           ADBConfig          `yaml:"adb" mapstructure:"adb"`
	Log           LogConfig          `yaml:"log" mapstructure:"log"`
	Telemetry     TelemetryConfig    `yaml:"telemetry" mapstructure:"telemetry"`

	// StagingDir holds APKs copied from non-file URIs before an intent-based
	// install. Empty means the OS temp dir.
	StagingDir string `yaml:"staging_dir" mapstructure:"staging_dir"`
}

// ExecutorConfig sizes the shared worker pool. Zero picks a size from the
// CPU count.
type ExecutorConfig struct {
	PoolSize int `yaml:"pool_size" mapstructure:"pool_size" validate:"gte=0"`
}

// NotificationConfig throttles deferred-confirmation notifications. It is
// the only section the Watcher applies at runtime.
type NotificationConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second" validate:"gt=0"`
	Burst         int     `yaml:"burst" mapstructure:"burst" validate:"gte=1"`
}

// StorageConfig selects where sessions are persisted.
type StorageConfig struct {
	Driver        StorageDriver `yaml:"driver" mapstructure:"driver" validate:"oneof=memory postgres"`
	DSN           string        `yaml:"dsn" mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MigrationsDir string        `yaml:"migrations_dir" mapstructure:"migrations_dir"`
	MaxConns      int32         `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
}

// KafkaConfig enables publishing session lifecycle events.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers  []string `yaml:"brokers" mapstructure:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
	Topic    string   `yaml:"topic" mapstructure:"topic" validate:"required_if=Enabled true"`
}

// ADBConfig enables the privileged backend through adb.
type ADBConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
	Serial  string `yaml:"serial" mapstructure:"serial"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	Probability float64 `yaml:"probability" mapstructure:"probability" validate:"gte=0,lte=1"`
	MetricsAddr string  `yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Notifications: NotificationConfig{RatePerSecond: 5, Burst: 10},
		Storage:       StorageConfig{Driver: StorageMemory},
		Kafka:         KafkaConfig{ClientID: "ackpine", Topic: "ackpine.session-events"},
		ADB:           ADBConfig{Path: "adb"},
		Log:           LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28},
		Telemetry:     TelemetryConfig{Probability: 1, MetricsAddr: ":9090"},
	}
}

// ValidationError reports configuration constraint violations keyed by field
// namespace.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, e.Fields[f])
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

var (
	validatorOnce sync.Once
	validate      *validator.Validate
	translator    ut.Translator
)

// Validate checks c against its field constraints.
func (c *Config) Validate() error {
	validatorOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		english := en.New()
		translator, _ = ut.New(english, english).GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(validate, translator)
	})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Translate(translator)
	}
	return &ValidationError{Fields: fields}
}
