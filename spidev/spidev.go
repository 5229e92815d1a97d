// Package spidev opens a Linux spidev character device as a drivers.SPI.
package spidev

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/io/spi"
	"tinygo.org/x/drivers"

	"imufifo/core"
)

// ErrClosed is returned by transfers on a closed device
var ErrClosed = core.ErrBusClosed

// MaxTransfer is the default spidev buffer size (bufsiz module parameter)
const MaxTransfer = 4096

// Config selects the device node and bus settings
type Config struct {
	// Dev is the device node, e.g. /dev/spidev0.0
	Dev string

	Mode core.SPIMode

	// Rate is the maximum clock rate in Hz
	Rate uint32
}

// tx is the subset of *spi.Device the driver uses
type tx interface {
	Tx(w, r []byte) error
	Close() error
}

// Device is a spidev node. Chip select is driven by the kernel for the
// duration of each Tx.
type Device struct {
	mu  sync.Mutex
	dev tx
	cfg Config
}

var _ drivers.SPI = (*Device)(nil)

// Open opens and configures the device node
func Open(cfg Config) (*Device, error) {
	if cfg.Dev == "" {
		return nil, errors.New("spidev: no device")
	}
	mode, err := spiMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	dev, err := spi.Open(&spi.Devfs{
		Dev:      cfg.Dev,
		Mode:     mode,
		MaxSpeed: int64(cfg.Rate),
	})
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", cfg.Dev, err)
	}

	core.Log(core.ComponentHost).Info("spidev opened", "dev", cfg.Dev, "mode", cfg.Mode, "rate", cfg.Rate)
	return &Device{dev: dev, cfg: cfg}, nil
}

func spiMode(m core.SPIMode) (spi.Mode, error) {
	switch m {
	case 0:
		return spi.Mode0, nil
	case 1:
		return spi.Mode1, nil
	case 2:
		return spi.Mode2, nil
	case 3:
		return spi.Mode3, nil
	}
	return 0, fmt.Errorf("spidev: invalid mode %d", m)
}

// Tx runs one full duplex transaction. r may be nil for writes.
func (d *Device) Tx(w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev == nil {
		return ErrClosed
	}
	if len(w) > MaxTransfer {
		return fmt.Errorf("spidev: %d byte transfer exceeds %d", len(w), MaxTransfer)
	}
	if r == nil {
		r = make([]byte, len(w))
	}
	return d.dev.Tx(w, r)
}

// Transfer writes and reads a single byte
func (d *Device) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := d.Tx([]byte{b}, r[:])
	return r[0], err
}

// MaxTransfer implements core.TransferLimiter
func (d *Device) MaxTransfer() int {
	return MaxTransfer
}

// Close releases the device node
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev == nil {
		return ErrClosed
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}

func (d *Device) String() string {
	return d.cfg.Dev
}
