// Package config loads certwatch settings from YAML, .env and the environment.
package config

/*
certwatch - periodic TLS, DNS, WHOIS and CT monitoring for large host sets
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/x-stp/certwatch/internal/logger"
)

// Environment variables consulted after the YAML file.
const (
	EnvDSN           = "CERTWATCH_DATABASE_DSN"
	EnvRedisAddress  = "CERTWATCH_REDIS_ADDRESS"
	EnvRedisPassword = "CERTWATCH_REDIS_PASSWORD"
	EnvLogLevel      = "CERTWATCH_LOG_LEVEL"
	EnvMetricsAddr   = "CERTWATCH_METRICS_ADDR"
	EnvWorkers       = "CERTWATCH_WORKERS"
)

// Config is the full daemon configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Checks    ChecksConfig    `yaml:"checks"`
	Scan      ScanConfig      `yaml:"scan"`
	Provision ProvisionConfig `yaml:"provision"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   logger.Config   `yaml:"logging"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

// SchedulerConfig sizes the queue, the worker pool and the feeder cadence.
type SchedulerConfig struct {
	Workers            int           `yaml:"workers"`
	QueueLimit         int           `yaml:"queue_limit"`
	Jitter             float64       `yaml:"jitter"`
	FeederTick         time.Duration `yaml:"feeder_tick"`
	FeederInterval     time.Duration `yaml:"feeder_interval"`
	FeederFastInterval time.Duration `yaml:"feeder_fast_interval"`
	FeederPageSize     int           `yaml:"feeder_page_size"`
	DequeueTimeout     time.Duration `yaml:"dequeue_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	PinWorkers         bool          `yaml:"pin_workers"`
	BlacklistRefresh   time.Duration `yaml:"blacklist_refresh"`
}

// ChecksConfig holds the minimum interval between two scans of one check.
type ChecksConfig struct {
	DNS      time.Duration `yaml:"dns"`
	TLS      time.Duration `yaml:"tls"`
	CrtSh    time.Duration `yaml:"crtsh"`
	Whois    time.Duration `yaml:"whois"`
	Wildcard time.Duration `yaml:"wildcard"`
	IPScan   time.Duration `yaml:"ip_scan"`
}

// TargetDelta is the smallest per-check interval of a watch target.
func (c ChecksConfig) TargetDelta() time.Duration {
	d := c.DNS
	for _, v := range []time.Duration{c.TLS, c.CrtSh, c.Whois} {
		if v < d {
			d = v
		}
	}
	return d
}

type ScanConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	Retries               int           `yaml:"retries"`
	CrtShURL              string        `yaml:"crtsh_url"`
	CrtShBatch            int           `yaml:"crtsh_batch"`
	CrtShBatchInteractive int           `yaml:"crtsh_batch_interactive"`
	CrtShRate             float64       `yaml:"crtsh_rate"`
	WhoisRate             float64       `yaml:"whois_rate"`
	DNSServers            []string      `yaml:"dns_servers"`
	MaxIPRange            int           `yaml:"max_ip_range"`
	ProbeConcurrency      int           `yaml:"probe_concurrency"`
}

type ProvisionConfig struct {
	MaxServersPerOwner int `yaml:"max_servers_per_owner"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    32,
			MaxIdleConns:    8,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Stream:  "certwatch:scans",
		},
		Scheduler: SchedulerConfig{
			Workers:            50,
			QueueLimit:         512,
			Jitter:             0.25,
			FeederTick:         500 * time.Millisecond,
			FeederInterval:     5 * time.Second,
			FeederFastInterval: 2 * time.Second,
			FeederPageSize:     100,
			DequeueTimeout:     time.Second,
			MaxRetries:         3,
			BlacklistRefresh:   60 * time.Second,
		},
		Checks: ChecksConfig{
			DNS:      10 * time.Minute,
			TLS:      2 * time.Hour,
			CrtSh:    8 * time.Hour,
			Whois:    48 * time.Hour,
			Wildcard: 48 * time.Hour,
			IPScan:   4 * time.Hour,
		},
		Scan: ScanConfig{
			Timeout:               10 * time.Second,
			Retries:               3,
			CrtShURL:              "https://crt.sh",
			CrtShBatch:            100,
			CrtShBatchInteractive: 25,
			CrtShRate:             1,
			WhoisRate:             2,
			DNSServers:            []string{"1.1.1.1:53", "8.8.8.8:53"},
			MaxIPRange:            16384,
			ProbeConcurrency:      16,
		},
		Provision: ProvisionConfig{MaxServersPerOwner: 100},
		Metrics:   MetricsConfig{Addr: ":9102"},
		Logging:   logger.Config{Level: "info"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes over the defaults. Environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisAddress); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Scheduler.Workers = n
	}
	return nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.Workers < 1 {
		errs = append(errs, errors.New("scheduler.workers must be >= 1"))
	}
	if c.Scheduler.QueueLimit < 1 {
		errs = append(errs, errors.New("scheduler.queue_limit must be >= 1"))
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 1 {
		errs = append(errs, errors.New("scheduler.jitter must be in [0, 1)"))
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_retries must be >= 0"))
	}
	if c.Scheduler.FeederTick <= 0 || c.Scheduler.DequeueTimeout <= 0 {
		errs = append(errs, errors.New("scheduler feeder_tick and dequeue_timeout must be positive"))
	}
	if c.Scheduler.FeederPageSize < 1 {
		errs = append(errs, errors.New("scheduler.feeder_page_size must be >= 1"))
	}
	for name, d := range map[string]time.Duration{
		"dns": c.Checks.DNS, "tls": c.Checks.TLS, "crtsh": c.Checks.CrtSh,
		"whois": c.Checks.Whois, "wildcard": c.Checks.Wildcard, "ip_scan": c.Checks.IPScan,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("checks.%s must be positive", name))
		}
	}
	if c.Scan.CrtShBatch < 1 || c.Scan.CrtShBatchInteractive < 1 {
		errs = append(errs, errors.New("scan crtsh batches must be >= 1"))
	}
	if c.Scan.MaxIPRange < 1 {
		errs = append(errs, errors.New("scan.max_ip_range must be >= 1"))
	}
	if c.Provision.MaxServersPerOwner < 0 {
		errs = append(errs, errors.New("provision.max_servers_per_owner must be >= 0"))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address required when redis is enabled"))
	}
	return errors.Join(errs...)
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	out := *c
	if out.Database.DSN != "" {
		out.Database.DSN = "<redacted>"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "<redacted>"
	}
	return yaml.Marshal(&out)
}
