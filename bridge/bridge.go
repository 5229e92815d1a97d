// Package bridge tunnels SPI transfers through an MCU running
// Klipper-compatible firmware. A Bridge implements drivers.SPI, so a sensor
// driver on the host talks to a chip wired to the MCU as if it were local.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"tinygo.org/x/drivers"

	"imufifo/core"
	"imufifo/host/mcu"
	"imufifo/protocol"
)

var (
	ErrTooLong        = errors.New("transfer exceeds message size")
	ErrLengthMismatch = errors.New("tx and rx lengths differ")
	ErrShortResponse  = errors.New("short spi_transfer_response")
)

// Config selects the MCU side SPI device
type Config struct {
	// OID is the object id the bridge allocates for the device
	OID uint8

	// Bus is the spi_bus enumeration name, e.g. "spi0a"
	Bus string

	// Mode is the SPI mode (0-3)
	Mode core.SPIMode

	// Rate is the clock rate in Hz
	Rate uint32

	// CSPin is the MCU pin name used as chip select; empty when the bus
	// hardware drives CS
	CSPin string

	// CSActiveHigh inverts the chip select
	CSActiveHigh bool
}

// Bridge is a drivers.SPI whose transfers run on the MCU
type Bridge struct {
	mcu    *mcu.MCU
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	maxTransfer int
	owned       bool
	closed      bool
}

var _ drivers.SPI = (*Bridge)(nil)

// New configures the SPI device on an MCU whose dictionary is loaded. If
// the MCU is already configured the existing object is reused.
func New(m *mcu.MCU, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = core.Log(core.ComponentBridge)
	}
	d := m.Dictionary()
	if d == nil {
		return nil, mcu.ErrNoDictionary
	}

	b := &Bridge{mcu: m, cfg: cfg, logger: logger}

	transferID, err := d.CommandID("spi_transfer")
	if err != nil {
		return nil, err
	}
	responseID, err := d.ResponseID("spi_transfer_response")
	if err != nil {
		return nil, err
	}
	b.maxTransfer = maxData(transferID, responseID, cfg.OID)

	configured, err := b.isConfigured()
	if err != nil {
		return nil, err
	}
	if configured {
		logger.Info("MCU already configured, reusing oid", "oid", cfg.OID)
		return b, nil
	}

	if err := b.configure(); err != nil {
		return nil, err
	}
	logger.Info("spi bridge ready", "oid", cfg.OID, "bus", cfg.Bus, "rate", cfg.Rate, "max_transfer", b.maxTransfer)
	return b, nil
}

// Open is New for a bridge that takes ownership of m: m is closed when
// configuration fails and when the bridge is closed.
func Open(m *mcu.MCU, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b, err := New(m, cfg, logger)
	if err != nil {
		return nil, multierr.Append(err, m.Close())
	}
	b.owned = true
	return b, nil
}

// isConfigured asks the MCU whether finalize_config already ran
func (b *Bridge) isConfigured() (bool, error) {
	args, err := b.mcu.Query("get_config", nil, "config", nil)
	if err != nil {
		return false, fmt.Errorf("get_config: %w", err)
	}
	isConfig, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		return false, fmt.Errorf("config response: %w", err)
	}
	return isConfig != 0, nil
}

// step is one configuration command
type step struct {
	name string
	args func(output protocol.OutputBuffer)
}

func (b *Bridge) configure() error {
	d := b.mcu.Dictionary()
	cfg := b.cfg
	oid := uint32(cfg.OID)

	spiBus, err := d.Enumeration("spi_bus", cfg.Bus)
	if err != nil {
		return err
	}

	steps := []step{
		{"allocate_oids", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, oid+1)
		}},
	}

	if cfg.CSPin == "" {
		steps = append(steps, step{"config_spi_without_cs", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, oid)
		}})
	} else {
		pin, err := d.Enumeration("pin", cfg.CSPin)
		if err != nil {
			return err
		}
		steps = append(steps, step{"config_spi", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, oid)
			protocol.EncodeVLQUint(output, pin)
			protocol.EncodeVLQUint(output, boolArg(cfg.CSActiveHigh))
		}})
	}

	steps = append(steps,
		step{"spi_set_bus", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, oid)
			protocol.EncodeVLQUint(output, spiBus)
			protocol.EncodeVLQUint(output, uint32(cfg.Mode))
			protocol.EncodeVLQUint(output, cfg.Rate)
		}},
		step{"finalize_config", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, 0) // crc
		}},
	)

	for _, s := range steps {
		if err := b.mcu.SendCommand(s.name, s.args); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func boolArg(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// maxData returns the largest transfer whose command and response both
// fit in one message block
func maxData(transferID, responseID uint16, oid uint8) int {
	size := func(v uint32) int {
		s := protocol.NewScratchOutput()
		protocol.EncodeVLQUint(s, v)
		return s.Len()
	}
	// id, oid, byte string length prefix
	overhead := max(size(uint32(transferID)), size(uint32(responseID))) + size(uint32(oid)) + 1
	return protocol.MessagePayloadMax - overhead
}

// NominalMaxTransfer is the transfer limit with single byte command ids and
// oid, the usual case for a small dictionary
const NominalMaxTransfer = protocol.MessagePayloadMax - 3

// transferOverhead bounds the command id, oid and length prefix of a transfer
// block
const transferOverhead = 4

// TransferTime estimates the serial time of one n byte transfer at baud with
// 10 bits per byte on the wire. Command and response travel in opposite
// directions, so the transaction takes about one block.
func TransferTime(baud, n int) time.Duration {
	block := protocol.MessageLengthMin + transferOverhead + n
	return time.Duration(block*10) * time.Second / time.Duration(baud)
}

// MaxTransfer returns the longest transfer one message can carry
func (b *Bridge) MaxTransfer() int {
	return b.maxTransfer
}

// Tx runs one SPI transaction on the MCU. w and r must be the same length;
// r may be nil.
func (b *Bridge) Tx(w, r []byte) error {
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("%w: %d and %d", ErrLengthMismatch, len(w), len(r))
	}
	if len(w) > b.maxTransfer {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLong, len(w), b.maxTransfer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return core.ErrBusClosed
	}

	oid := uint32(b.cfg.OID)
	args, err := b.mcu.Query("spi_transfer", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQBytes(output, w)
	}, "spi_transfer_response", func(args []byte) bool {
		respOID, err := protocol.DecodeVLQUint(&args)
		return err == nil && respOID == oid
	})
	if err != nil {
		return fmt.Errorf("spi_transfer: %w", err)
	}

	if _, err := protocol.DecodeVLQUint(&args); err != nil {
		return err
	}
	resp, err := protocol.DecodeVLQBytes(&args)
	if err != nil {
		return fmt.Errorf("spi_transfer_response: %w", err)
	}
	if len(resp) != len(w) {
		b.logger.Debug("short transfer response", "got", len(resp), "want", len(w))
		return fmt.Errorf("%w: %d of %d bytes", ErrShortResponse, len(resp), len(w))
	}

	if r != nil {
		copy(r, resp)
	}
	return nil
}

// Transfer writes and reads a single byte
func (b *Bridge) Transfer(w byte) (byte, error) {
	var r [1]byte
	err := b.Tx([]byte{w}, r[:])
	return r[0], err
}

// Close ends transfers through the bridge and releases the MCU connection
// when the bridge owns it
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if !b.owned {
		return nil
	}
	return b.mcu.Close()
}
