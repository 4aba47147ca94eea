// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server configuration. Values come from viper: defaults, then an optional
// config file, then RESTD_* environment variables, then bound CLI flags.

package server

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/momentics/hioload-rest/api"
	"github.com/momentics/hioload-rest/dispatcher"
	"github.com/momentics/hioload-rest/internal/logging"
	"github.com/momentics/hioload-rest/scheduler"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// RESTD_SCHEDULER_THREADS.
const EnvPrefix = "RESTD"

// DefaultEndpoint is used when no endpoint is configured.
const DefaultEndpoint = "127.0.0.1:8529"

// Config is the complete server configuration.
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Log        LogConfig        `mapstructure:"log"`
}

// SchedulerConfig holds the scheduler options.
type SchedulerConfig struct {
	Backend           uint32        `mapstructure:"backend"`
	Threads           int           `mapstructure:"threads"`
	ReportInterval    time.Duration `mapstructure:"report_interval"`
	DescriptorMinimum uint64        `mapstructure:"descriptor_minimum"`
	ReuseAddress      bool          `mapstructure:"reuse_address"`
	PinThreads        bool          `mapstructure:"pin_threads"`
}

// HTTPConfig holds the listener options. Size limits of 0 are unlimited.
type HTTPConfig struct {
	Endpoints      []string `mapstructure:"endpoints"`
	MaxHeaderBytes int      `mapstructure:"max_header_bytes"`
	MaxBodyBytes   int      `mapstructure:"max_body_bytes"`
}

// DispatcherConfig maps queue names to worker counts. Queue names are
// case-insensitive in configuration sources and are upper-cased on use.
type DispatcherConfig struct {
	Queues map[string]int `mapstructure:"queues"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	sc := scheduler.DefaultConfig()
	return &Config{
		Scheduler: SchedulerConfig{
			Backend:        sc.Backend,
			Threads:        sc.Threads,
			ReportInterval: sc.ReportInterval,
			ReuseAddress:   sc.ReuseAddress,
		},
		HTTP: HTTPConfig{
			Endpoints:      []string{DefaultEndpoint},
			MaxHeaderBytes: 1 << 20,
			MaxBodyBytes:   512 << 20,
		},
		Dispatcher: DispatcherConfig{
			Queues: map[string]int{api.StandardQueue: dispatcher.DefaultWorkers},
		},
		Log: LogConfig{Level: "info"},
	}
}

// SetDefaults registers the defaults on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("scheduler.backend", d.Scheduler.Backend)
	v.SetDefault("scheduler.threads", d.Scheduler.Threads)
	v.SetDefault("scheduler.report_interval", d.Scheduler.ReportInterval)
	v.SetDefault("scheduler.descriptor_minimum", d.Scheduler.DescriptorMinimum)
	v.SetDefault("scheduler.reuse_address", d.Scheduler.ReuseAddress)
	v.SetDefault("scheduler.pin_threads", d.Scheduler.PinThreads)
	v.SetDefault("http.endpoints", d.HTTP.Endpoints)
	v.SetDefault("http.max_header_bytes", d.HTTP.MaxHeaderBytes)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	v.SetDefault("dispatcher.queues", d.Dispatcher.Queues)
	v.SetDefault("log.level", d.Log.Level)
}

// LoadConfig reads the configuration from v. file may be empty; a missing
// file at an explicit path is an error.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, api.ErrConfiguration.WithContext("file", file).Wrap(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, api.ErrConfiguration.Wrap(err)
	}
	// a comma separated env value arrives as one element
	if len(cfg.HTTP.Endpoints) == 1 && strings.Contains(cfg.HTTP.Endpoints[0], ",") {
		cfg.HTTP.Endpoints = strings.Split(cfg.HTTP.Endpoints[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Scheduler.Threads < 1 {
		return api.ErrConfiguration.WithContext("scheduler.threads", c.Scheduler.Threads).
			Wrap(errors.New("at least one scheduler thread is required"))
	}
	if c.Scheduler.ReportInterval <= 0 {
		return api.ErrConfiguration.WithContext("scheduler.report_interval", c.Scheduler.ReportInterval.String()).
			Wrap(errors.New("report interval must be positive"))
	}
	if c.HTTP.MaxHeaderBytes < 0 || c.HTTP.MaxBodyBytes < 0 {
		return api.ErrConfiguration.Wrap(errors.New("size restrictions must not be negative"))
	}
	if len(c.HTTP.Endpoints) == 0 {
		return api.ErrConfiguration.Wrap(errors.New("no endpoint configured"))
	}
	for i, ep := range c.HTTP.Endpoints {
		ep = strings.TrimSpace(ep)
		c.HTTP.Endpoints[i] = ep
		if _, _, err := net.SplitHostPort(ep); err != nil {
			return api.ErrConfiguration.WithContext("http.endpoints", ep).Wrap(err)
		}
	}
	for name, n := range c.Dispatcher.Queues {
		if n < 1 {
			return api.ErrConfiguration.WithContext("dispatcher.queues."+name, n).
				Wrap(errors.New("queue needs at least one worker"))
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return api.ErrConfiguration.WithContext("log.level", c.Log.Level).Wrap(err)
	}
	return nil
}

// schedulerConfig converts the options for scheduler.Build.
func (c *Config) schedulerConfig(multi bool) scheduler.Config {
	return scheduler.Config{
		Threads:               c.Scheduler.Threads,
		Backend:               c.Scheduler.Backend,
		MultiSchedulerAllowed: multi,
		ReportInterval:        c.Scheduler.ReportInterval,
		DescriptorMinimum:     c.Scheduler.DescriptorMinimum,
		ReuseAddress:          c.Scheduler.ReuseAddress,
		PinThreads:            c.Scheduler.PinThreads,
	}
}

func (c *Config) dispatcherConfig() dispatcher.Config {
	out := dispatcher.Config{Queues: make(map[string]int, len(c.Dispatcher.Queues))}
	for name, n := range c.Dispatcher.Queues {
		out.Queues[strings.ToUpper(name)] = n
	}
	return out
}
