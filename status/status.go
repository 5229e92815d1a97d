// Package status exports the driver's health and perf counters to a block
// of Modbus holding registers, for monitoring by a PLC or SCADA poller.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"imufifo/core"
)

// Block layout, one register per field:
//
//	0      state
//	1      counter count N
//	2+4i   counter i events, high word
//	3+4i   counter i events, low word
//	4+4i   counter i average (us, saturated)
//	5+4i   counter i max (us, saturated)
const (
	headerRegs      = 2
	regsPerCounter  = 4
	MaxRegisters    = 123 // FC16 limit
	DefaultInterval = time.Second
)

// Snapshot is one export of driver status
type Snapshot struct {
	State    uint16
	Counters []core.PerfSnapshot
}

// Encode lays a snapshot out as registers. Counters that do not fit in one
// write are dropped.
func Encode(s Snapshot) []uint16 {
	n := min(len(s.Counters), (MaxRegisters-headerRegs)/regsPerCounter)

	regs := make([]uint16, headerRegs+n*regsPerCounter)
	regs[0] = s.State
	regs[1] = uint16(n)
	for i, c := range s.Counters[:n] {
		base := headerRegs + i*regsPerCounter
		events := min(c.Events, uint64(^uint32(0)))
		regs[base] = uint16(events >> 16)
		regs[base+1] = uint16(events)
		regs[base+2] = core.Saturate16(c.Avg)
		regs[base+3] = core.Saturate16(c.Max)
	}
	return regs
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}

// Config addresses the register block
type Config struct {
	Endpoint string // host:port
	UnitID   uint8
	Address  uint16
	Interval time.Duration
	Timeout  time.Duration
}

// registerWriter is the part of modbus.Client the exporter uses
type registerWriter interface {
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Exporter periodically writes snapshots from source
type Exporter struct {
	cfg    Config
	source func() Snapshot
	logger *slog.Logger

	mu     sync.Mutex
	client registerWriter
	conn   io.Closer
	writes uint64
	errors uint64
}

// Dial connects to the Modbus TCP endpoint
func Dial(cfg Config, source func() Snapshot) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("status: endpoint required")
	}
	if source == nil {
		return nil, errors.New("status: no source")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("status: connect %s: %w", cfg.Endpoint, err)
	}

	return newExporter(cfg, source, modbus.NewClient(h), h), nil
}

func newExporter(cfg Config, source func() Snapshot, client registerWriter, conn io.Closer) *Exporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Exporter{
		cfg:    cfg,
		source: source,
		logger: core.Log(core.ComponentStatus),
		client: client,
		conn:   conn,
	}
}

// Export writes one snapshot
func (e *Exporter) Export() error {
	regs := Encode(e.source())

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.client.WriteMultipleRegisters(e.cfg.Address, uint16(len(regs)), packRegisters(regs)); err != nil {
		e.errors++
		return fmt.Errorf("status: write %d registers at %d: %w", len(regs), e.cfg.Address, err)
	}
	e.writes++
	return nil
}

// Run exports on every interval until ctx is done. Write failures are
// logged and retried on the next tick.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Export(); err != nil {
				e.logger.Warn("status export failed", "error", err)
			}
		}
	}
}

// Stats returns the number of successful and failed writes
func (e *Exporter) Stats() (writes, failed uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writes, e.errors
}

// Close drops the connection
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}
