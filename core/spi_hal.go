package core

import (
	"errors"
	"fmt"

	"tinygo.org/x/drivers"
)

// SPIMode represents SPI clock polarity and phase (0-3)
// Mode 0: CPOL=0, CPHA=0 (clock idle low, sample on rising edge)
// Mode 1: CPOL=0, CPHA=1 (clock idle low, sample on falling edge)
// Mode 2: CPOL=1, CPHA=0 (clock idle high, sample on falling edge)
// Mode 3: CPOL=1, CPHA=1 (clock idle high, sample on rising edge)
type SPIMode uint8

// ErrBusClosed is returned by transports that have been shut down
var ErrBusClosed = errors.New("bus closed")

// BusTransport is the register-addressed, synchronous command/response
// capability a sensor driver uses. Each call is one atomic bus transaction.
type BusTransport interface {
	// WriteRegister writes a single register
	WriteRegister(reg, value uint8) error

	// ReadRegister reads a single register
	ReadRegister(reg uint8) (uint8, error)

	// Transfer performs a full duplex transfer in place: buf is sent and
	// overwritten with the received bytes
	Transfer(buf []byte) error
}

// TransferLimiter is implemented by transports that cannot carry arbitrarily
// long bursts in one transaction.
type TransferLimiter interface {
	MaxTransfer() int
}

// readFlag is set in the address byte for register reads
const readFlag = 0x80

// SPIBus adapts a drivers.SPI to BusTransport. Chip select is driven around
// every transaction when a GPIO driver is attached; buses that handle CS
// themselves (spidev, MCU bridge) leave it unset.
type SPIBus struct {
	spi drivers.SPI

	gpio       GPIODriver
	csPin      GPIOPin
	csActiveHi bool

	scratch []byte
}

// NewSPIBus wraps spi as a register transport
func NewSPIBus(spi drivers.SPI) *SPIBus {
	return &SPIBus{spi: spi}
}

// WithChipSelect configures a GPIO chip select line, deasserting it
func (b *SPIBus) WithChipSelect(gpio GPIODriver, pin GPIOPin, activeHigh bool) (*SPIBus, error) {
	if err := gpio.ConfigureOutput(pin); err != nil {
		return nil, fmt.Errorf("configure cs pin %d: %w", pin, err)
	}
	if err := gpio.SetPin(pin, !activeHigh); err != nil {
		return nil, fmt.Errorf("deassert cs pin %d: %w", pin, err)
	}
	b.gpio = gpio
	b.csPin = pin
	b.csActiveHi = activeHigh
	return b, nil
}

// MaxTransfer forwards the limit of the underlying bus, if any
func (b *SPIBus) MaxTransfer() int {
	if l, ok := b.spi.(TransferLimiter); ok {
		return l.MaxTransfer()
	}
	return 0
}

// WriteRegister implements BusTransport
func (b *SPIBus) WriteRegister(reg, value uint8) error {
	buf := [2]byte{reg &^ readFlag, value}
	return b.Transfer(buf[:])
}

// ReadRegister implements BusTransport
func (b *SPIBus) ReadRegister(reg uint8) (uint8, error) {
	buf := [2]byte{reg | readFlag, 0}
	if err := b.Transfer(buf[:]); err != nil {
		return 0, err
	}
	return buf[1], nil
}

// Transfer implements BusTransport
func (b *SPIBus) Transfer(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	// drivers.SPI needs distinct tx and rx buffers
	if cap(b.scratch) < len(buf) {
		b.scratch = make([]byte, len(buf))
	}
	tx := b.scratch[:len(buf)]
	copy(tx, buf)

	if b.gpio != nil {
		if err := b.gpio.SetPin(b.csPin, b.csActiveHi); err != nil {
			return fmt.Errorf("assert cs: %w", err)
		}
	}

	err := b.spi.Tx(tx, buf)

	if b.gpio != nil {
		if csErr := b.gpio.SetPin(b.csPin, !b.csActiveHi); csErr != nil && err == nil {
			err = fmt.Errorf("deassert cs: %w", csErr)
		}
	}
	return err
}
