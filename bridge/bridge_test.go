package bridge

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"imufifo/core"
	"imufifo/host/mcu"
	"imufifo/host/mcu/mcutest"
	"imufifo/protocol"
)

var bridgeDictionary = mcutest.Dictionary{
	Version: "v0.12.0-imufifo",
	Config:  map[string]any{"MCU": "rp2040", "CLOCK_FREQ": 12000000},
	Commands: []string{
		"get_config",
		"allocate_oids count=%c",
		"config_spi oid=%c pin=%u cs_active_high=%c",
		"config_spi_without_cs oid=%c",
		"spi_set_bus oid=%c spi_bus=%u mode=%u rate=%u",
		"finalize_config crc=%u",
		"spi_transfer oid=%c data=%*s",
	},
	Responses: []string{
		"config is_config=%c crc=%u is_shutdown=%c move_count=%hu",
		"spi_transfer_response oid=%c response=%*s",
	},
	Enumerations: map[string]map[string]any{
		"pin":     {"gpio0": []int{0, 30}},
		"spi_bus": {"spi0a": 0, "spi1a": 2},
	},
}

// chip is a register file behind the MCU's SPI bus: the first byte
// addresses a register, bit 7 selects a read, the address auto-increments
type chip struct {
	mu   sync.Mutex
	regs [128]byte
}

func (c *chip) transfer(w []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := make([]byte, len(w))
	if len(w) == 0 {
		return r
	}
	addr := int(w[0] & 0x7F)
	read := w[0]&0x80 != 0
	for i := 1; i < len(w); i++ {
		reg := (addr + i - 1) % len(c.regs)
		if read {
			r[i] = c.regs[reg]
		} else {
			c.regs[reg] = w[i]
		}
	}
	return r
}

func (c *chip) reg(i int) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[i]
}

func (c *chip) setReg(i int, v byte) {
	c.mu.Lock()
	c.regs[i] = v
	c.mu.Unlock()
}

type testMCU struct {
	fw   *mcutest.Firmware
	chip *chip

	mu        sync.Mutex
	isConfig  bool
	setBus    []uint32
	configSPI []uint32
	oids      uint32
}

func newTestMCU(t *testing.T) (*mcu.MCU, *testMCU) {
	t.Helper()
	host, dev := net.Pipe()

	fw, err := mcutest.New(dev, bridgeDictionary)
	if err != nil {
		t.Fatalf("mcutest.New: %v", err)
	}
	tm := &testMCU{fw: fw, chip: &chip{}}

	decode := func(args []byte, n int) []uint32 {
		out := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			v, err := protocol.DecodeVLQUint(&args)
			if err != nil {
				break
			}
			out = append(out, v)
		}
		return out
	}

	fw.Handle("get_config", func(args []byte, reply mcutest.Reply) {
		tm.mu.Lock()
		isConfig := tm.isConfig
		tm.mu.Unlock()
		reply("config", func(output protocol.OutputBuffer) {
			if isConfig {
				protocol.EncodeVLQUint(output, 1)
			} else {
				protocol.EncodeVLQUint(output, 0)
			}
			protocol.EncodeVLQUint(output, 0)
			protocol.EncodeVLQUint(output, 0)
			protocol.EncodeVLQUint(output, 0)
		})
	})
	fw.Handle("allocate_oids", func(args []byte, reply mcutest.Reply) {
		tm.mu.Lock()
		tm.oids = decode(args, 1)[0]
		tm.mu.Unlock()
	})
	fw.Handle("config_spi", func(args []byte, reply mcutest.Reply) {
		tm.mu.Lock()
		tm.configSPI = decode(args, 3)
		tm.mu.Unlock()
	})
	fw.Handle("spi_set_bus", func(args []byte, reply mcutest.Reply) {
		tm.mu.Lock()
		tm.setBus = decode(args, 4)
		tm.mu.Unlock()
	})
	fw.Handle("finalize_config", func(args []byte, reply mcutest.Reply) {
		tm.mu.Lock()
		tm.isConfig = true
		tm.mu.Unlock()
	})
	fw.Handle("spi_transfer", func(args []byte, reply mcutest.Reply) {
		oid, err := protocol.DecodeVLQUint(&args)
		if err != nil {
			return
		}
		data, err := protocol.DecodeVLQBytes(&args)
		if err != nil {
			return
		}
		resp := tm.chip.transfer(data)
		reply("spi_transfer_response", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, oid)
			protocol.EncodeVLQBytes(output, resp)
		})
	})
	go fw.Serve()

	m := mcu.New(protocol.NewHostTransport(host, nil), nil)
	t.Cleanup(func() {
		m.Close()
		dev.Close()
	})
	if err := m.RetrieveDictionary(); err != nil {
		t.Fatalf("RetrieveDictionary: %v", err)
	}
	return m, tm
}

func configCommands(fw *mcutest.Firmware) []string {
	var out []string
	for _, name := range fw.Received() {
		if name != "identify" {
			out = append(out, name)
		}
	}
	return out
}

func TestNewConfiguresDevice(t *testing.T) {
	m, tm := newTestMCU(t)

	b, err := New(m, Config{OID: 2, Bus: "spi1a", Mode: 3, Rate: 10_000_000}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []string{"get_config", "allocate_oids", "config_spi_without_cs", "spi_set_bus", "finalize_config"}
	got := configCommands(tm.fw)
	if len(got) != len(want) {
		t.Fatalf("Expected commands %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Command %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.oids != 3 {
		t.Errorf("Expected 3 oids allocated, got %d", tm.oids)
	}
	wantBus := []uint32{2, 2, 3, 10_000_000}
	for i := range wantBus {
		if i >= len(tm.setBus) || tm.setBus[i] != wantBus[i] {
			t.Fatalf("Expected spi_set_bus %v, got %v", wantBus, tm.setBus)
		}
	}

	// id, oid and length prefix each take one byte
	if b.MaxTransfer() != protocol.MessagePayloadMax-3 {
		t.Errorf("Expected max transfer %d, got %d", protocol.MessagePayloadMax-3, b.MaxTransfer())
	}
}

func TestNewWithChipSelect(t *testing.T) {
	m, tm := newTestMCU(t)

	_, err := New(m, Config{OID: 0, Bus: "spi0a", Rate: 1_000_000, CSPin: "gpio17", CSActiveHigh: true}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	want := []uint32{0, 17, 1}
	for i := range want {
		if i >= len(tm.configSPI) || tm.configSPI[i] != want[i] {
			t.Fatalf("Expected config_spi %v, got %v", want, tm.configSPI)
		}
	}
}

func TestNewReusesConfiguredMCU(t *testing.T) {
	m, tm := newTestMCU(t)
	tm.mu.Lock()
	tm.isConfig = true
	tm.mu.Unlock()

	if _, err := New(m, Config{Bus: "spi0a"}, nil); err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := tm.fw.Count("allocate_oids"); n != 0 {
		t.Errorf("Expected no reconfiguration, got %d allocate_oids", n)
	}
}

func TestNewUnknownBus(t *testing.T) {
	m, _ := newTestMCU(t)

	_, err := New(m, Config{Bus: "spi7z"}, nil)
	if !errors.Is(err, mcu.ErrUnknownEnumeration) {
		t.Errorf("Expected ErrUnknownEnumeration, got %v", err)
	}
}

func TestTx(t *testing.T) {
	m, tm := newTestMCU(t)
	b, err := New(m, Config{Bus: "spi0a", Rate: 1_000_000}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// write three registers, read them back in one burst
	if err := b.Tx([]byte{0x10, 0xAA, 0xBB, 0xCC}, nil); err != nil {
		t.Fatalf("Tx write: %v", err)
	}
	r := make([]byte, 4)
	if err := b.Tx([]byte{0x90, 0, 0, 0}, r); err != nil {
		t.Fatalf("Tx read: %v", err)
	}
	if r[1] != 0xAA || r[2] != 0xBB || r[3] != 0xCC {
		t.Errorf("Expected AA BB CC, got % X", r[1:])
	}

	if n := tm.fw.Count("spi_transfer"); n != 2 {
		t.Errorf("Expected 2 spi_transfer, got %d", n)
	}

	if _, err := b.Transfer(0x90); err != nil {
		t.Errorf("Transfer: %v", err)
	}
}

func TestTxLimits(t *testing.T) {
	m, _ := newTestMCU(t)
	b, err := New(m, Config{Bus: "spi0a"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if b.MaxTransfer() != NominalMaxTransfer {
		t.Errorf("Expected max transfer %d with one byte ids, got %d", NominalMaxTransfer, b.MaxTransfer())
	}

	long := make([]byte, b.MaxTransfer()+1)
	if err := b.Tx(long, nil); !errors.Is(err, ErrTooLong) {
		t.Errorf("Expected ErrTooLong, got %v", err)
	}
	if err := b.Tx(make([]byte, 4), make([]byte, 3)); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Expected ErrLengthMismatch, got %v", err)
	}

	full := make([]byte, b.MaxTransfer())
	if err := b.Tx(full, make([]byte, len(full))); err != nil {
		t.Errorf("Expected a maximum length transfer to fit, got %v", err)
	}
}

func TestTransferTime(t *testing.T) {
	tests := []struct {
		baud int
		n    int
		want time.Duration
	}{
		// 5 framing + 4 transfer overhead + n bytes, 40 us per byte
		{250000, 2, 440 * time.Microsecond},
		{250000, 49, 2320 * time.Microsecond},
		{250000, NominalMaxTransfer, 2600 * time.Microsecond},
		{1000000, 2, 110 * time.Microsecond},
	}
	for _, tt := range tests {
		if got := TransferTime(tt.baud, tt.n); got != tt.want {
			t.Errorf("%d baud, %d bytes: expected %v, got %v", tt.baud, tt.n, tt.want, got)
		}
	}
}

func TestRegisterBusOverBridge(t *testing.T) {
	m, tm := newTestMCU(t)
	b, err := New(m, Config{Bus: "spi0a"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bus := core.NewSPIBus(b)
	if bus.MaxTransfer() != b.MaxTransfer() {
		t.Errorf("Expected register bus to report the bridge limit %d, got %d", b.MaxTransfer(), bus.MaxTransfer())
	}

	tm.chip.setReg(0x75, 0x47)
	v, err := bus.ReadRegister(0x75)
	if err != nil || v != 0x47 {
		t.Errorf("Expected 0x47, got 0x%02X (%v)", v, err)
	}

	if err := bus.WriteRegister(0x4E, 0x0F); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	if got := tm.chip.reg(0x4E); got != 0x0F {
		t.Errorf("Expected register written, got 0x%02X", got)
	}
}

func TestCloseOwnership(t *testing.T) {
	m, _ := newTestMCU(t)

	b, err := New(m, Config{Bus: "spi0a"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close of a borrowed MCU: %v", err)
	}
	if err := b.Tx([]byte{0x90, 0}, make([]byte, 2)); !errors.Is(err, core.ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	// the MCU outlives a borrowing bridge
	again, err := New(m, Config{Bus: "spi0a"}, nil)
	if err != nil {
		t.Fatalf("New after Close: %v", err)
	}
	if err := again.Tx([]byte{0x90, 0}, make([]byte, 2)); err != nil {
		t.Errorf("Expected MCU open after closing a borrowing bridge, got %v", err)
	}

	owner, err := Open(m, Config{Bus: "spi0a"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := owner.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := again.Tx([]byte{0x90, 0}, make([]byte, 2)); err == nil {
		t.Error("Expected the MCU closed with its owning bridge")
	}
}
