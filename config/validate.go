package config

import (
	"fmt"
	"time"

	"imufifo/bridge"
	"imufifo/core"
	"imufifo/icm42688p"
)

// MaxBridgeLoad is the largest share of the serial link streaming may use,
// leaving room for acknowledgements and host latency
const MaxBridgeLoad = 0.5

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	b := cfg.Bus

	switch b.Kind {
	case BusBridge:
		if b.Device == "" {
			return fmt.Errorf("bus: bridge requires a serial device")
		}
		if b.SPIBus == "" {
			return fmt.Errorf("bus: bridge requires spi_bus")
		}
	case BusSPIDev:
		if b.Device == "" {
			return fmt.Errorf("bus: spidev requires a device node")
		}
		if b.CSPin != "" {
			return fmt.Errorf("bus: cs_pin is not supported for spidev, the kernel drives chip select")
		}
	default:
		return fmt.Errorf("bus: unknown kind %q", b.Kind)
	}

	if b.SPIMode() > 3 {
		return fmt.Errorf("bus: mode %d out of range 0-3", b.SPIMode())
	}
	// 24 MHz is the sensor's SPI limit
	if b.RateHz > 24_000_000 {
		return fmt.Errorf("bus: rate %d Hz above 24 MHz", b.RateHz)
	}

	if cfg.DRDY != nil {
		if cfg.DRDY.Chip == "" {
			return fmt.Errorf("drdy: chip required")
		}
		if cfg.DRDY.Offset < 0 {
			return fmt.Errorf("drdy: negative offset %d", cfg.DRDY.Offset)
		}
	}

	if cfg.IMU.SampleRateHz < 0 {
		return fmt.Errorf("imu: negative sample rate %d", cfg.IMU.SampleRateHz)
	}
	if !icm42688p.ValidOutputDataRate(cfg.IMU.ODRHz) {
		return fmt.Errorf("imu: unsupported odr_hz %d", cfg.IMU.ODRHz)
	}
	if cfg.IMU.SampleRateHz > cfg.IMU.ODRHz {
		return fmt.Errorf("imu: sample rate %d Hz above odr_hz %d", cfg.IMU.SampleRateHz, cfg.IMU.ODRHz)
	}
	if b.Kind == BusBridge {
		if b.Baud <= 0 {
			return fmt.Errorf("bus: bridge requires a baud rate")
		}
		if load := BridgeLoad(cfg); load > MaxBridgeLoad {
			return fmt.Errorf("imu: odr_hz %d at %d Hz needs %.0f%% of a %d baud link (max %.0f%%), lower the rates",
				cfg.IMU.ODRHz, cfg.IMU.SampleRateHz, 100*load, b.Baud, 100*MaxBridgeLoad)
		}
	}

	if cfg.Sink.Buffer < 0 || cfg.Sink.LogEvery < 0 {
		return fmt.Errorf("sink: negative buffer or log_every")
	}

	if s := cfg.Status; s != nil {
		if s.Endpoint == "" {
			return fmt.Errorf("status: endpoint required")
		}
		if s.IntervalMs < 0 || s.TimeoutMs < 0 {
			return fmt.Errorf("status: negative interval or timeout")
		}
	}

	if _, err := core.ParseLogLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if _, err := core.ParseLogFormat(cfg.Log.Format); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// BridgeLoad estimates the share of the bridge's serial link the configured
// rates use while streaming
func BridgeLoad(cfg *Config) float64 {
	capacity := icm42688p.CapacityFor(bridge.NominalMaxTransfer)
	return icm42688p.BusLoad(cfg.IMU.ODRHz, cfg.IMU.SampleRateHz, capacity, func(n int) time.Duration {
		return bridge.TransferTime(cfg.Bus.Baud, n)
	})
}
