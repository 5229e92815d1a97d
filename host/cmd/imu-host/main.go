// imu-host streams ICM-42688-P samples from a sensor on a Klipper MCU's SPI
// bus or a local spidev node.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"tinygo.org/x/drivers"

	"imufifo/bridge"
	"imufifo/config"
	"imufifo/core"
	"imufifo/gpioline"
	"imufifo/host/mcu"
	"imufifo/host/serial"
	"imufifo/icm42688p"
	"imufifo/sensor"
	"imufifo/spidev"
	"imufifo/status"
)

var (
	configPath = flag.String("config", "imu.yaml", "Configuration file")
	csvOut     = flag.Bool("csv", false, "Write samples to stdout as CSV")
	dictOnly   = flag.Bool("dict", false, "Print the MCU dictionary and exit (bridge only)")
	infoEvery  = flag.Duration("info", 0, "Print driver info at this interval (0 = on exit only)")
)

const (
	initTimeout = 5 * time.Second
	stopTimeout = 2 * time.Second
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	logger := core.Log(core.ComponentHost)

	spi, closeBus, err := openBus(cfg.Bus)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeBus()) }()
	if spi == nil {
		return nil
	}

	clock := core.NewSystemClock()
	wq := core.NewWorkQueue("imu", clock)

	var dev *icm42688p.Device
	item := wq.NewItem("icm42688p", func() { dev.Run() })

	opts := []icm42688p.Option{
		icm42688p.WithClock(clock),
		icm42688p.WithLogger(core.Log(core.ComponentIMU)),
	}
	if cfg.DRDY != nil {
		line := gpioline.New(gpioline.Config{Chip: cfg.DRDY.Chip, Offset: cfg.DRDY.Offset}, clock)
		opts = append(opts, icm42688p.WithDataReadyLine(line))
	}

	sink := sensor.NewChannelSink(cfg.Sink.Buffer)
	pub := sensor.Tee{sink, sensor.NewLogSink(core.Log(core.ComponentSensor), cfg.Sink.LogEvery)}

	dev, err = icm42688p.New(icm42688p.Config{
		SampleRateHz: cfg.IMU.SampleRateHz,
		ODRHz:        cfg.IMU.ODRHz,
	}, core.NewSPIBus(spi), item, pub, opts...)
	if err != nil {
		return err
	}

	// the queue outlives the signal context so Stop can drain the FIFO
	queueCtx, stopQueue := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := wq.Run(queueCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("work queue stopped", "error", err)
		}
	}()
	defer func() {
		stopQueue()
		<-queueDone
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var out io.Writer = io.Discard
	if *csvOut {
		w := bufio.NewWriter(os.Stdout)
		defer w.Flush()
		out = w
	}
	// runs until after Stop so the samples flushed from the FIFO get written
	stopConsumer := startConsumer(sink, out)
	defer stopConsumer()

	initCtx, cancelInit := context.WithTimeout(ctx, initTimeout)
	err = dev.Init(initCtx)
	cancelInit()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	logger.Info("streaming", "rate_hz", cfg.IMU.SampleRateHz, "odr_hz", cfg.IMU.ODRHz, "capacity", dev.Capacity())

	if cfg.Status != nil {
		exp, dialErr := status.Dial(status.Config{
			Endpoint: cfg.Status.Endpoint,
			UnitID:   cfg.Status.UnitID,
			Address:  cfg.Status.Address,
			Interval: cfg.Status.Interval(),
			Timeout:  cfg.Status.Timeout(),
		}, func() status.Snapshot {
			return status.Snapshot{State: uint16(dev.State()), Counters: dev.Perf().Snapshot()}
		})
		if dialErr != nil {
			// monitoring is optional, keep streaming
			logger.Warn("status export disabled", "error", dialErr)
		} else {
			defer func() { err = multierr.Append(err, exp.Close()) }()
			go exp.Run(ctx)
		}
	}

	if *infoEvery > 0 {
		go func() {
			ticker := time.NewTicker(*infoEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					dev.PrintInfo(os.Stderr)
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info("stopping")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	err = dev.Stop(stopCtx)

	dev.PrintInfo(os.Stderr)
	fmt.Fprintf(os.Stderr, "sink: %d dropped, %d errors\n", sink.Dropped(), sink.Errors())
	return err
}

func setupLogging(cfg config.LogConfig) error {
	level, err := core.ParseLogLevel(cfg.Level)
	if err != nil {
		return err
	}
	format, err := core.ParseLogFormat(cfg.Format)
	if err != nil {
		return err
	}
	core.SetLogLevel(level)
	core.SetLogOutput(os.Stderr, format)
	return nil
}

// openBus opens the configured transport. A nil SPI with a nil error means
// there is nothing more to do (-dict).
func openBus(cfg config.BusConfig) (drivers.SPI, func() error, error) {
	switch cfg.Kind {
	case config.BusSPIDev:
		if *dictOnly {
			return nil, nil, errors.New("-dict needs a bridge bus")
		}
		dev, err := spidev.Open(spidev.Config{Dev: cfg.Device, Mode: core.SPIMode(cfg.SPIMode()), Rate: cfg.RateHz})
		if err != nil {
			return nil, nil, err
		}
		return dev, dev.Close, nil

	case config.BusBridge:
		scfg := serial.DefaultConfig(cfg.Device)
		scfg.Baud = cfg.Baud

		m, err := mcu.Connect(scfg, core.Log(core.ComponentBridge))
		if err != nil {
			return nil, nil, err
		}
		if *dictOnly {
			m.PrintDictionary(os.Stdout)
			return nil, m.Close, nil
		}

		b, err := bridge.Open(m, bridge.Config{
			OID:          cfg.OID,
			Bus:          cfg.SPIBus,
			Mode:         core.SPIMode(cfg.SPIMode()),
			Rate:         cfg.RateHz,
			CSPin:        cfg.CSPin,
			CSActiveHigh: cfg.CSActiveHigh,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
}

// startConsumer writes sink samples to w on its own goroutine. stop returns
// once everything already in the sink has been written.
func startConsumer(sink *sensor.ChannelSink, w io.Writer) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consume(ctx, sink, w)
	}()
	return func() {
		cancel()
		<-done
	}
}

// consume writes samples until ctx ends, then writes what is left in the sink
func consume(ctx context.Context, sink *sensor.ChannelSink, w io.Writer) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case s := <-sink.C:
					writeSample(w, s)
				default:
					return
				}
			}
		case s := <-sink.C:
			writeSample(w, s)
		}
	}
}

func writeSample(w io.Writer, s sensor.Sample) {
	switch s.Kind {
	case sensor.KindTemperature:
		fmt.Fprintf(w, "%s,%d,%.2f,,\n", s.Kind, s.Temp.Timestamp, s.Temp.Celsius)
	default:
		v := s.Vector
		fmt.Fprintf(w, "%s,%d,%.5f,%.5f,%.5f\n", s.Kind, v.Timestamp, v.X, v.Y, v.Z)
	}
}
