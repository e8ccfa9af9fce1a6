// Package config loads and validates the gridctl YAML configuration.
// Secrets (MQTT credentials) are not part of the file; they come from the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryansname/gridctl/microgrid"
)

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MQTTConfig points at the broker. Username and password are read from the
// MQTT_USERNAME and MQTT_PASSWORD environment variables.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
}

// MetricsConfig configures the Prometheus endpoint. An empty listen address
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// InverterWiring describes one inverter and the batteries it feeds.
type InverterWiring struct {
	Inverter  int   `yaml:"inverter"`
	Batteries []int `yaml:"batteries"`
}

// DistributorConfig tunes the power distributor.
type DistributorConfig struct {
	// Exponent determines how fast batteries strive to the equal SoC level.
	Exponent float64 `yaml:"exponent"`
	// WaitForDataSec delays the first request so device data can arrive.
	WaitForDataSec float64 `yaml:"wait_for_data_sec"`
	// BlockingDurationSec is how long a failed battery stays excluded.
	BlockingDurationSec float64 `yaml:"blocking_duration_sec"`
	// MaxDataAgeSec is how old cached telemetry may be for a battery to
	// still count as working.
	MaxDataAgeSec float64 `yaml:"max_data_age_sec"`
}

// TimeseriesConfig names one sensor topic to resample.
type TimeseriesConfig struct {
	Name  string `yaml:"name"`
	Topic string `yaml:"topic"`
}

// ResamplerConfig tunes the timeseries resampler.
type ResamplerConfig struct {
	PeriodSec           float64            `yaml:"period_sec"`
	MaxDataAgeInPeriods float64            `yaml:"max_data_age_in_periods"`
	InitialBufferLen    int                `yaml:"initial_buffer_len"`
	WarnBufferLen       int                `yaml:"warn_buffer_len"`
	MaxBufferLen        int                `yaml:"max_buffer_len"`
	Timeseries          []TimeseriesConfig `yaml:"timeseries"`
}

// Config is the whole gridctl configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Topology    []InverterWiring  `yaml:"topology"`
	Distributor DistributorConfig `yaml:"distributor"`
	Resampler   ResamplerConfig   `yaml:"resampler"`
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(payload, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		MQTT:    MQTTConfig{Broker: "localhost:1883", ClientID: "gridctl"},
		Distributor: DistributorConfig{
			Exponent:            1.0,
			WaitForDataSec:      2,
			BlockingDurationSec: 30,
			MaxDataAgeSec:       10,
		},
		Resampler: ResamplerConfig{
			PeriodSec:           1,
			MaxDataAgeInPeriods: 3,
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must be set")
	}
	if len(c.Topology) == 0 {
		return fmt.Errorf("topology must list at least one inverter")
	}
	seen := make(map[int]struct{})
	for _, w := range c.Topology {
		if _, dup := seen[w.Inverter]; dup {
			return fmt.Errorf("topology lists inverter %d twice", w.Inverter)
		}
		seen[w.Inverter] = struct{}{}
		if len(w.Batteries) == 0 {
			return fmt.Errorf("inverter %d feeds no batteries", w.Inverter)
		}
	}
	if c.Distributor.WaitForDataSec < 0 {
		return fmt.Errorf("distributor.wait_for_data_sec must not be negative")
	}
	if c.Distributor.BlockingDurationSec <= 0 {
		return fmt.Errorf("distributor.blocking_duration_sec must be positive")
	}
	if c.Resampler.PeriodSec <= 0 {
		return fmt.Errorf("resampler.period_sec must be positive")
	}
	if c.Resampler.MaxDataAgeInPeriods < 1 {
		return fmt.Errorf("resampler.max_data_age_in_periods must be at least 1")
	}
	names := make(map[string]struct{})
	for _, ts := range c.Resampler.Timeseries {
		if ts.Name == "" || ts.Topic == "" {
			return fmt.Errorf("resampler timeseries entries need both name and topic")
		}
		if _, dup := names[ts.Name]; dup {
			return fmt.Errorf("resampler timeseries %q listed twice", ts.Name)
		}
		names[ts.Name] = struct{}{}
	}
	return nil
}

// Wiring returns the topology as an inverter-to-batteries map.
func (c *Config) Wiring() map[microgrid.InverterID][]microgrid.BatteryID {
	wiring := make(map[microgrid.InverterID][]microgrid.BatteryID, len(c.Topology))
	for _, w := range c.Topology {
		batteries := make([]microgrid.BatteryID, len(w.Batteries))
		for i, b := range w.Batteries {
			batteries[i] = microgrid.BatteryID(b)
		}
		wiring[microgrid.InverterID(w.Inverter)] = batteries
	}
	return wiring
}

// Batteries returns all battery IDs mentioned in the topology.
func (c *Config) Batteries() []microgrid.BatteryID {
	seen := make(map[microgrid.BatteryID]struct{})
	var batteries []microgrid.BatteryID
	for _, w := range c.Topology {
		for _, b := range w.Batteries {
			id := microgrid.BatteryID(b)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			batteries = append(batteries, id)
		}
	}
	return batteries
}

// seconds converts a float seconds value to a duration.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// WaitForData returns the distributor startup delay.
func (c *Config) WaitForData() time.Duration { return seconds(c.Distributor.WaitForDataSec) }

// BlockingDuration returns how long failed batteries stay blocked.
func (c *Config) BlockingDuration() time.Duration {
	return seconds(c.Distributor.BlockingDurationSec)
}

// MaxDataAge returns the telemetry freshness limit.
func (c *Config) MaxDataAge() time.Duration { return seconds(c.Distributor.MaxDataAgeSec) }

// ResamplingPeriod returns the resampler output period.
func (c *Config) ResamplingPeriod() time.Duration { return seconds(c.Resampler.PeriodSec) }
