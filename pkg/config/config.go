// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type GlobalConfig struct {
	NatsURL       string `mapstructure:"nats_url"`
	NodeName      string `mapstructure:"node_name"`
	InstanceID    string `mapstructure:"instance_id"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// EmbeddedNATSConfig runs an in-process server instead of dialing NatsURL.
type EmbeddedNATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	StoreDir string `mapstructure:"store_dir"`
}

type TableConfig struct {
	// Source is "default", a file path or nats-kv://<bucket>/<key>.
	Source string `mapstructure:"source"`
	Watch  bool   `mapstructure:"watch"`
}

// EngineConfig timings override the table parameters when non-zero.
type EngineConfig struct {
	ServiceTimeLimitMs int `mapstructure:"service_time_limit_ms"`
	CoalesceWindowMs   int `mapstructure:"coalesce_window_ms"`
	ActionSettleTimeMs int `mapstructure:"action_settle_time_ms"`
	SweepIntervalMs    int `mapstructure:"sweep_interval_ms"`
	Workers            int `mapstructure:"workers"`
}

func (e EngineConfig) ServiceTimeLimit() time.Duration { return ms(e.ServiceTimeLimitMs) }
func (e EngineConfig) CoalesceWindow() time.Duration   { return ms(e.CoalesceWindowMs) }
func (e EngineConfig) ActionSettleTime() time.Duration { return ms(e.ActionSettleTimeMs) }
func (e EngineConfig) SweepInterval() time.Duration    { return ms(e.SweepIntervalMs) }

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type ProbeConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Remote publishes probe requests instead of running smartctl locally.
	Remote      bool `mapstructure:"remote"`
	TimeoutMs   int  `mapstructure:"timeout_ms"`
	Concurrency int  `mapstructure:"concurrency"`

	// ResultTimeoutMs bounds the wait for a result; 0 is twice the service
	// time limit.
	ResultTimeoutMs int `mapstructure:"result_timeout_ms"`
}

func (p ProbeConfig) Timeout() time.Duration       { return ms(p.TimeoutMs) }
func (p ProbeConfig) ResultTimeout() time.Duration { return ms(p.ResultTimeoutMs) }

// DriveConfig registers a drive up front, for hosts without smartctl.
type DriveConfig struct {
	ID         string `mapstructure:"id"`
	Device     string `mapstructure:"device"`
	Type       string `mapstructure:"type"`
	Vendor     string `mapstructure:"vendor"`
	PartNumber string `mapstructure:"part_number"`
	Firmware   string `mapstructure:"firmware"`
	Serial     string `mapstructure:"serial"`
}

type Config struct {
	Global         GlobalConfig       `mapstructure:"global"`
	EmbeddedNATS   EmbeddedNATSConfig `mapstructure:"embedded_nats"`
	Table          TableConfig        `mapstructure:"table"`
	Engine         EngineConfig       `mapstructure:"engine"`
	Policies       map[string]bool    `mapstructure:"policies"`
	Prometheus     PrometheusConfig   `mapstructure:"prometheus"`
	Probe          ProbeConfig        `mapstructure:"probe"`
	DiscoverDrives bool               `mapstructure:"discover_drives"`
	Drives         []DriveConfig      `mapstructure:"drives"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.subject_prefix", "dieh")
	v.SetDefault("embedded_nats.port", -1)
	v.SetDefault("table.source", "default")
	v.SetDefault("engine.sweep_interval_ms", 1000)
	v.SetDefault("engine.workers", 8)
	v.SetDefault("prometheus.port", 8080)
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout_ms", 10000)
	v.SetDefault("probe.concurrency", 4)
}

// Default is the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// only defaults are set, decoding cannot fail
	_ = v.Unmarshal(&config)
	return &config
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	err := v.Unmarshal(&config)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Global.NatsURL == "" && !c.EmbeddedNATS.Enabled {
		return fmt.Errorf("global.nats_url is required unless embedded_nats is enabled")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.ServiceTimeLimitMs < 0 || c.Engine.CoalesceWindowMs < 0 || c.Engine.ActionSettleTimeMs < 0 {
		return fmt.Errorf("engine timings must not be negative")
	}
	if c.Probe.Enabled && c.Engine.SweepIntervalMs <= 0 {
		return fmt.Errorf("engine.sweep_interval_ms must be positive when probes are enabled")
	}
	if c.Prometheus.Enabled && (c.Prometheus.Port <= 0 || c.Prometheus.Port > 65535) {
		return fmt.Errorf("prometheus.port %d out of range", c.Prometheus.Port)
	}
	for i, d := range c.Drives {
		if d.ID == "" {
			return fmt.Errorf("drives[%d]: id is required", i)
		}
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
