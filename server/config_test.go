package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rest/api"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Scheduler.Threads)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.ReportInterval)
	assert.True(t, cfg.Scheduler.ReuseAddress)
	assert.Equal(t, []string{DefaultEndpoint}, cfg.HTTP.Endpoints)
	assert.Equal(t, 4, cfg.dispatcherConfig().Queues[api.StandardQueue])
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("RESTD_SCHEDULER_THREADS", "3")
	t.Setenv("RESTD_SCHEDULER_REPORT_INTERVAL", "2s")
	t.Setenv("RESTD_HTTP_ENDPOINTS", "127.0.0.1:9001,127.0.0.1:9002")
	t.Setenv("RESTD_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.Threads)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.ReportInterval)
	assert.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002"}, cfg.HTTP.Endpoints)
	assert.Equal(t, "debug", cfg.Log.Level)

	sc := cfg.schedulerConfig(false)
	assert.Equal(t, 3, sc.Threads)
	assert.False(t, sc.MultiSchedulerAllowed)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  backend: 2
  report_interval: 5s
  descriptor_minimum: 1024
http:
  endpoints: ["127.0.0.1:7000"]
  max_header_bytes: 4096
dispatcher:
  queues:
    bulk: 2
`), 0o600))

	cfg, err := LoadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cfg.Scheduler.Backend)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.ReportInterval)
	assert.EqualValues(t, 1024, cfg.Scheduler.DescriptorMinimum)
	assert.Equal(t, []string{"127.0.0.1:7000"}, cfg.HTTP.Endpoints)
	assert.Equal(t, 4096, cfg.HTTP.MaxHeaderBytes)
	assert.Equal(t, 2, cfg.dispatcherConfig().Queues["BULK"])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, api.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"threads":  func(c *Config) { c.Scheduler.Threads = 0 },
		"interval": func(c *Config) { c.Scheduler.ReportInterval = 0 },
		"endpoint": func(c *Config) { c.HTTP.Endpoints = []string{"no-port"} },
		"none":     func(c *Config) { c.HTTP.Endpoints = nil },
		"limits":   func(c *Config) { c.HTTP.MaxBodyBytes = -1 },
		"queue":    func(c *Config) { c.Dispatcher.Queues = map[string]int{"X": 0} },
		"level":    func(c *Config) { c.Log.Level = "loud" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), api.ErrConfiguration)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestHangupReloadsSettings(t *testing.T) {
	calls := 0
	s := New(nil, nil, nil, WithReloader(func() (map[string]any, error) {
		calls++
		return map[string]any{"feature": calls > 1}, nil
	}))
	s.hangup()
	s.hangup()
	assert.Equal(t, map[string]any{"feature": true}, s.Settings().GetSnapshot())
	assert.EqualValues(t, 2, s.Metrics().Counter("server.reloads"))

	New(nil, nil, nil).hangup()
}
