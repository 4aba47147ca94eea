// File: cmd/restd/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// restd runs the REST application server with the bundled admin and echo
// routes.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/momentics/hioload-rest/internal/logging"
	"github.com/momentics/hioload-rest/server"
)

// version is overridden at link time.
var version = "0.1.0-dev"

var (
	configFile string
	settings   = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "restd",
	Short: "restd - event-driven REST application server",
	Long: `restd serves HTTP requests from a fixed set of event loops, one per
scheduler thread, and executes handlers on named dispatcher queues.

Options are read from --config, RESTD_* environment variables and flags.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.SetVersionTemplate("restd version {{.Version}}\n")
	f := rootCmd.Flags()
	f.StringVar(&configFile, "config", "", "configuration file (yaml, json or toml)")
	f.Int("scheduler.threads", 1, "number of scheduler threads")
	f.Uint32("scheduler.backend", 0, "event backend: 0 auto, 2 poll, 4 epoll")
	f.StringSlice("server.endpoint", nil, "listen endpoint host:port, repeatable")
	f.String("log.level", "info", "log level: trace, debug, info, notice, warning, err")

	for key, flag := range map[string]string{
		"scheduler.threads": "scheduler.threads",
		"scheduler.backend": "scheduler.backend",
		"http.endpoints":    "server.endpoint",
		"log.level":         "log.level",
	} {
		if err := settings.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func run(*cobra.Command, []string) error {
	cfg, err := server.LoadConfig(settings, configFile)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, level)

	srv := server.New(cfg, newExtensions(version), log, server.WithReloader(reloader(configFile)))
	if err := srv.Startup(); err != nil {
		log.Crit().Err(err).Log("startup failed")
		return err
	}
	if err := srv.Wait(); err != nil {
		log.Err().Err(err).Log("scheduler stopped with error")
	}
	return srv.Shutdown()
}

// reloader re-reads the configuration file for SIGHUP.
func reloader(file string) server.Reloader {
	return func() (map[string]any, error) {
		if file == "" {
			return nil, fmt.Errorf("no configuration file to reload")
		}
		v := viper.New()
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		return v.AllSettings(), nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
