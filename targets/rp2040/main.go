//go:build rp2040 || rp2350

// Firmware that runs the IMU driver on the MCU itself and streams samples
// over USB CDC.
package main

import (
	"machine"
	"time"

	"imufifo/core"
	"imufifo/icm42688p"
)

const (
	imuBus       = "spi0a"
	imuMode      = 3
	imuRate      = 10_000_000
	imuCS        = machine.GPIO1
	imuDRDY      = machine.GPIO5
	sampleRateHz = 800

	infoInterval = 10 * time.Second
)

func main() {
	// Disable watchdog left over from a previous reset
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}
	machine.Serial.Configure(machine.UARTConfig{})

	clock := hwClock{}
	core.SetLogOutput(machine.Serial, core.LogFormatText)
	logger := core.Log(core.ComponentHost)

	spi, err := configureSPI(imuBus, imuMode, imuRate)
	if err != nil {
		halt(logger.Error, "spi", err)
	}
	bus, err := core.NewSPIBus(spi).WithChipSelect(gpioCS{}, core.GPIOPin(imuCS), false)
	if err != nil {
		halt(logger.Error, "chip select", err)
	}

	wq := core.NewWorkQueue("imu", clock)
	var dev *icm42688p.Device
	item := wq.NewItem("icm42688p", func() { dev.Run() })

	line := newPinLine(imuDRDY, clock)
	dev, err = icm42688p.New(icm42688p.Config{SampleRateHz: sampleRateHz}, bus, item,
		newSerialSink(machine.Serial, sampleRateHz/10),
		icm42688p.WithClock(clock),
		icm42688p.WithDataReadyLine(line))
	if err != nil {
		halt(logger.Error, "imu", err)
	}
	dev.Start()

	lastInfo := clock.Now()
	for {
		line.poll()
		wq.RunPending()

		if core.Elapsed(clock, lastInfo) >= uint64(infoInterval/time.Microsecond) {
			dev.PrintInfo(machine.Serial)
			lastInfo = clock.Now()
		}

		// yield to the USB stack
		time.Sleep(50 * time.Microsecond)
	}
}

func halt(log func(string, ...any), what string, err error) {
	for {
		log("startup failed", "stage", what, "error", err)
		time.Sleep(time.Second)
	}
}
