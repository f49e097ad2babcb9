package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/ackpine/pkg/common/logger"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "ackpine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Default().Validate())
}

func TestFileLoader_Load(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), `
executor:
  pool_size: 4
notifications:
  rate_per_second: 2.5
storage:
  driver: postgres
  dsn: postgres://localhost/ackpine
kafka:
  enabled: true
  brokers: ["localhost:9092"]
`)

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Executor.PoolSize)
	assert.Equal(t, 2.5, cfg.Notifications.RatePerSecond)
	assert.Equal(t, 10, cfg.Notifications.Burst, "unset keys keep defaults")
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "ackpine.session-events", cfg.Kafka.Topic)
}

func TestFileLoader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantFields []string
	}{
		{
			name:       "postgres without dsn",
			body:       "storage:\n  driver: postgres\n",
			wantFields: []string{"Config.Storage.DSN"},
		},
		{
			name:       "unknown driver",
			body:       "storage:\n  driver: sqlite\n",
			wantFields: []string{"Config.Storage.Driver"},
		},
		{
			name:       "kafka enabled without brokers",
			body:       "kafka:\n  enabled: true\n",
			wantFields: []string{"Config.Kafka.Brokers"},
		},
		{
			name:       "bad broker address and zero rate",
			body:       "kafka:\n  brokers: [\"no-port\"]\nnotifications:\n  rate_per_second: 0\n",
			wantFields: []string{"Config.Kafka.Brokers[0]", "Config.Notifications.RatePerSecond"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := NewFileLoader(path).Load(context.Background())

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			for _, f := range tt.wantFields {
				assert.Contains(t, verr.Fields, f)
			}
			assert.Len(t, verr.Fields, len(tt.wantFields))
		})
	}
}

func TestFileLoader_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileLoader_MalformedYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "executor: [")
	_, err := NewFileLoader(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func envLoader(base Loader, env map[string]string) *EnvLoader {
	l := NewEnvLoader(base)
	l.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func TestEnvLoader_Overrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "executor:\n  pool_size: 4\nlog:\n  level: debug\n")
	l := envLoader(NewFileLoader(path), map[string]string{
		"ACKPINE_EXECUTOR_POOL_SIZE":            "8",
		"ACKPINE_NOTIFICATIONS_RATE_PER_SECOND": "0.5",
		"ACKPINE_KAFKA_ENABLED":                 "true",
		"ACKPINE_KAFKA_BROKERS":                 "a:9092,b:9092",
		"ACKPINE_ADB_SERIAL":                    "emulator-5554",
	})

	cfg, err := l.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Executor.PoolSize)
	assert.Equal(t, 0.5, cfg.Notifications.RatePerSecond)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "emulator-5554", cfg.ADB.Serial)
	assert.Equal(t, "debug", cfg.Log.Level, "file value survives")
	assert.Equal(t, "adb", cfg.ADB.Path, "default survives")
}

func TestEnvLoader_InvalidOverride(t *testing.T) {
	t.Parallel()

	l := envLoader(nil, map[string]string{"ACKPINE_LOG_LEVEL": "loud"})
	_, err := l.Load(context.Background())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "Config.Log.Level")
}

func TestWatcher_AppliesValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "notifications:\n  rate_per_second: 1\n")

	var (
		mu  sync.Mutex
		got []float64
	)
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	w := NewWatcher(path, NewFileLoader(path), func(c *Config) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c.Notifications.RatePerSecond)
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rates := func() []float64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]float64(nil), got...)
	}

	last := func() float64 {
		r := rates()
		if len(r) == 0 {
			return 0
		}
		return r[len(r)-1]
	}

	// The watcher starts asynchronously, so keep rewriting until it sees one.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("notifications:\n  rate_per_second: 7\n"), 0o600)
		return last() == 7
	}, 5*time.Second, 50*time.Millisecond)

	writeConfig(t, dir, "notifications:\n  rate_per_second: -1\n")
	writeConfig(t, dir, "notifications:\n  rate_per_second: 3\n")
	require.Eventually(t, func() bool { return last() == 3 }, 5*time.Second, 20*time.Millisecond)
	assert.NotContains(t, rates(), -1.0)
}
