//go:build rp2040 || rp2350

package main

import (
	"errors"
	"machine"

	"imufifo/core"
)

// spiBusConfig is one pin mapping of a SPI controller, named the way the
// Klipper rp2040 firmware names them
type spiBusConfig struct {
	spi  *machine.SPI
	sck  machine.Pin
	mosi machine.Pin
	miso machine.Pin
}

var rp2040SPIBuses = map[string]spiBusConfig{
	"spi0a": {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO0},
	"spi0b": {spi: machine.SPI0, sck: machine.GPIO6, mosi: machine.GPIO7, miso: machine.GPIO4},
	"spi0c": {spi: machine.SPI0, sck: machine.GPIO18, mosi: machine.GPIO19, miso: machine.GPIO16},
	"spi0d": {spi: machine.SPI0, sck: machine.GPIO22, mosi: machine.GPIO23, miso: machine.GPIO20},
	"spi1a": {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO8},
	"spi1b": {spi: machine.SPI1, sck: machine.GPIO14, mosi: machine.GPIO15, miso: machine.GPIO12},
	"spi1c": {spi: machine.SPI1, sck: machine.GPIO26, mosi: machine.GPIO27, miso: machine.GPIO24},
}

// configureSPI sets up a controller for the IMU. The returned *machine.SPI
// implements drivers.SPI.
func configureSPI(bus string, mode uint8, rate uint32) (*machine.SPI, error) {
	cfg, ok := rp2040SPIBuses[bus]
	if !ok {
		return nil, errors.New("invalid SPI bus " + bus)
	}
	if mode > 3 {
		return nil, errors.New("invalid SPI mode")
	}

	err := cfg.spi.Configure(machine.SPIConfig{
		Frequency: rate,
		SCK:       cfg.sck,
		SDO:       cfg.mosi,
		SDI:       cfg.miso,
		Mode:      mode,
	})
	if err != nil {
		return nil, err
	}
	return cfg.spi, nil
}

// gpioCS drives a chip select pin for core.SPIBus
type gpioCS struct{}

func (gpioCS) ConfigureOutput(pin core.GPIOPin) error {
	machine.Pin(pin).Configure(machine.PinConfig{Mode: machine.PinOutput})
	return nil
}

func (gpioCS) SetPin(pin core.GPIOPin, value bool) error {
	machine.Pin(pin).Set(value)
	return nil
}
