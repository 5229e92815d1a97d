// Package config loads the host daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BusBridge = "bridge"
	BusSPIDev = "spidev"
)

type Config struct {
	Bus    BusConfig     `yaml:"bus"`
	DRDY   *DRDYConfig   `yaml:"drdy"`
	IMU    IMUConfig     `yaml:"imu"`
	Sink   SinkConfig    `yaml:"sink"`
	Status *StatusConfig `yaml:"status"`
	Log    LogConfig     `yaml:"log"`
}

// ---- BUS ----

type BusConfig struct {
	Kind string `yaml:"kind"` // bridge | spidev

	// serial device for bridge, device node for spidev
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	// bridge only
	OID    uint8  `yaml:"oid"`
	SPIBus string `yaml:"spi_bus"`

	Mode         *uint8 `yaml:"mode"`
	RateHz       uint32 `yaml:"rate_hz"`
	CSPin        string `yaml:"cs_pin"`
	CSActiveHigh bool   `yaml:"cs_active_high"`
}

// SPIMode returns the configured mode, 3 when unset
func (b *BusConfig) SPIMode() uint8 {
	if b.Mode == nil {
		return 3
	}
	return *b.Mode
}

// ---- DATA READY (optional) ----

type DRDYConfig struct {
	Chip   string `yaml:"chip"`
	Offset int    `yaml:"offset"`
}

// ---- IMU ----

type IMUConfig struct {
	SampleRateHz int `yaml:"sample_rate_hz"`

	// gyro and accel output data rate
	ODRHz int `yaml:"odr_hz"`
}

// ---- SINK ----

type SinkConfig struct {
	Buffer   int `yaml:"buffer"`
	LogEvery int `yaml:"log_every"`
}

// ---- STATUS (optional) ----

type StatusConfig struct {
	Endpoint   string `yaml:"endpoint"`
	UnitID     uint8  `yaml:"unit_id"`
	Address    uint16 `yaml:"address"`
	IntervalMs int    `yaml:"interval_ms"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

func (s *StatusConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

func (s *StatusConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ---- LOG ----

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, defaults and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown keys
func Parse(data []byte) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in missing values
func applyDefaults(cfg *Config) {
	if cfg.Bus.Kind == "" {
		cfg.Bus.Kind = BusBridge
	}
	if cfg.Bus.Kind == BusBridge {
		if cfg.Bus.Baud == 0 {
			cfg.Bus.Baud = 250000
		}
		if cfg.Bus.SPIBus == "" {
			cfg.Bus.SPIBus = "spi0a"
		}
	}
	if cfg.Bus.Mode == nil {
		mode := uint8(3)
		cfg.Bus.Mode = &mode
	}
	if cfg.Bus.RateHz == 0 {
		cfg.Bus.RateHz = 10_000_000
	}

	// the serial bridge carries three packets per transfer, so it runs the
	// sensor slower than a local bus
	if cfg.IMU.ODRHz == 0 {
		cfg.IMU.ODRHz = 8000
		if cfg.Bus.Kind == BusBridge {
			cfg.IMU.ODRHz = 200
		}
	}
	if cfg.IMU.SampleRateHz == 0 {
		cfg.IMU.SampleRateHz = min(800, cfg.IMU.ODRHz)
	}

	if cfg.Sink.Buffer == 0 {
		cfg.Sink.Buffer = 4096
	}
	if cfg.Sink.LogEvery == 0 {
		cfg.Sink.LogEvery = cfg.IMU.SampleRateHz
	}

	if cfg.Status != nil {
		if cfg.Status.IntervalMs == 0 {
			cfg.Status.IntervalMs = 1000
		}
		if cfg.Status.TimeoutMs == 0 {
			cfg.Status.TimeoutMs = 1000
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
