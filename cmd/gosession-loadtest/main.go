// Command gosession-loadtest drives many sessions against an in-process finance API, expires
// every access token between rounds and checks that each session refreshed exactly once per
// round with no refresh token replayed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	version = "0.1.0"
	appName = "gosession-loadtest"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		overrides  LoadConfig
		redisAddr  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          appName,
		Short:        "Concurrent refresh load test for goSession",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("sessions") {
				cfg.Load.Sessions = overrides.Sessions
			}
			if flags.Changed("workers") {
				cfg.Load.Workers = overrides.Workers
			}
			if flags.Changed("requests") {
				cfg.Load.Requests = overrides.Requests
			}
			if flags.Changed("rounds") {
				cfg.Load.Rounds = overrides.Rounds
			}
			if flags.Changed("refresh-latency") {
				cfg.Load.Latency = overrides.Latency
			}
			if flags.Changed("redis-addr") {
				cfg.Redis.Addr = redisAddr
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	f.IntVar(&overrides.Sessions, "sessions", 20, "number of concurrent sessions")
	f.IntVar(&overrides.Workers, "workers", 16, "concurrent requesters per session")
	f.IntVar(&overrides.Requests, "requests", 10, "requests per worker per round")
	f.IntVar(&overrides.Rounds, "rounds", 3, "token expiry rounds")
	f.DurationVar(&overrides.Latency, "refresh-latency", 0, "artificial latency of the refresh endpoint")
	f.StringVar(&redisAddr, "redis-addr", "", "redis address; empty starts miniredis")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
		},
	})

	return cmd
}
