package config

/*
tilerq — asynchronous retrieval scheduler in Go for map tile services
Copyright (C) 2025  Pepijn van der Stap <tilerq@vanderstap.info>

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

// Package config loads the tilerq configuration file. Configuration is read
// once at service construction; there is no hot reload.

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied for absent values.
const (
	DefaultPoolSize         = 8
	DefaultQueueSize        = 1024
	DefaultStaleThresholdMs = 750

	DefaultConnectTimeoutMs = 8000
	DefaultReadTimeoutMs    = 20000

	DefaultFailureThreshold = 3
	DefaultProbeIntervalMs  = 30000

	DefaultMetricsAddr = ":9090"
)

// Config is the root of the tilerq configuration file.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Health    HealthConfig    `yaml:"health"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SchedulerConfig tunes the retrieval service's pool and queue.
type SchedulerConfig struct {
	// PoolSize is the number of worker goroutines draining the ready queue.
	PoolSize int `yaml:"pool_size"`
	// QueueSize bounds the ready queue. 0 selects the default; -1 makes the
	// queue unbounded, in which case submission never reports backpressure.
	QueueSize int `yaml:"queue_size"`
	// StaleThresholdMs is the submission-epoch granularity in milliseconds.
	// Requests submitted within the same window compare by priority alone;
	// a strictly later window always wins, bounding starvation.
	StaleThresholdMs int `yaml:"stale_threshold_ms"`
}

// RetrieverConfig carries the per-attempt timeouts owned by each retriever.
type RetrieverConfig struct {
	ConnectTimeoutMs int  `yaml:"connect_timeout_ms"`
	ReadTimeoutMs    int  `yaml:"read_timeout_ms"`
	Turbo            bool `yaml:"turbo"`
}

// HealthConfig tunes the network-health tracker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures after which a
	// host is considered unavailable.
	FailureThreshold int `yaml:"failure_threshold"`
	// ProbeIntervalMs is the minimum spacing between probe attempts let
	// through to a host currently marked unavailable.
	ProbeIntervalMs int `yaml:"probe_interval_ms"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config populated with all defaults.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and parses the YAML configuration at path, applying defaults
// for absent values. A missing file is not an error; the defaults are
// returned so a bare `tilerq fetch` works without any setup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.PoolSize == 0 {
		c.Scheduler.PoolSize = DefaultPoolSize
	}
	if c.Scheduler.QueueSize == 0 {
		c.Scheduler.QueueSize = DefaultQueueSize
	}
	if c.Scheduler.StaleThresholdMs == 0 {
		c.Scheduler.StaleThresholdMs = DefaultStaleThresholdMs
	}
	if c.Retriever.ConnectTimeoutMs == 0 {
		c.Retriever.ConnectTimeoutMs = DefaultConnectTimeoutMs
	}
	if c.Retriever.ReadTimeoutMs == 0 {
		c.Retriever.ReadTimeoutMs = DefaultReadTimeoutMs
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = DefaultFailureThreshold
	}
	if c.Health.ProbeIntervalMs == 0 {
		c.Health.ProbeIntervalMs = DefaultProbeIntervalMs
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}

func (c *Config) validate() error {
	if c.Scheduler.PoolSize < 0 {
		return fmt.Errorf("scheduler.pool_size must be >= 0, got %d", c.Scheduler.PoolSize)
	}
	if c.Scheduler.QueueSize < -1 {
		return fmt.Errorf("scheduler.queue_size must be >= -1, got %d", c.Scheduler.QueueSize)
	}
	if c.Scheduler.StaleThresholdMs < 0 {
		return fmt.Errorf("scheduler.stale_threshold_ms must be >= 0, got %d", c.Scheduler.StaleThresholdMs)
	}
	return nil
}

// StaleThreshold returns the epoch granularity as a duration.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Scheduler.StaleThresholdMs) * time.Millisecond
}

// ConnectTimeout returns the retriever connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Retriever.ConnectTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the retriever read timeout as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Retriever.ReadTimeoutMs) * time.Millisecond
}

// ProbeInterval returns the health probe spacing as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Health.ProbeIntervalMs) * time.Millisecond
}
