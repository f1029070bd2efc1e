package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the load test configuration. Sources, highest priority first:
//  1. the --config flag;
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. environment variables.
//
// Environment variables are overlaid on whichever file was read.
type Config struct {
	LogLevel string      `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Load     LoadConfig  `yaml:"load"`
	Redis    RedisConfig `yaml:"redis"`
}

// LoadConfig shapes the traffic.
type LoadConfig struct {
	Sessions int           `yaml:"sessions" env:"LOADTEST_SESSIONS" env-default:"20"`
	Workers  int           `yaml:"workers" env:"LOADTEST_WORKERS" env-default:"16"`
	Requests int           `yaml:"requests" env:"LOADTEST_REQUESTS" env-default:"10"`
	Rounds   int           `yaml:"rounds" env:"LOADTEST_ROUNDS" env-default:"3"`
	Latency  time.Duration `yaml:"refresh_latency" env:"LOADTEST_REFRESH_LATENCY" env-default:"20ms"`
}

// RedisConfig locates the credential store. An empty Addr starts miniredis.
type RedisConfig struct {
	Addr   string        `yaml:"addr" env:"REDIS_ADDR"`
	Prefix string        `yaml:"prefix" env:"REDIS_PREFIX" env-default:"gs-loadtest"`
	TTL    time.Duration `yaml:"ttl" env:"REDIS_TTL" env-default:"1h"`
}

func (c *Config) validate() error {
	if c.Load.Sessions <= 0 || c.Load.Workers <= 0 || c.Load.Requests <= 0 || c.Load.Rounds <= 0 {
		return errors.New("sessions, workers, requests and rounds must be > 0")
	}
	if c.Load.Latency < 0 {
		return errors.New("refresh latency must be >= 0")
	}
	return nil
}

// loadConfig reads the configuration in priority order.
func loadConfig(path string) (*Config, error) {
	var cfg Config

	read := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("overlay env: %w", err)
		}
		return &cfg, nil
	}

	if path != "" {
		return read(path)
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return read(envPath)
	}
	if _, err := os.Stat("local.yaml"); err == nil {
		return read("local.yaml")
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return &cfg, nil
}
