package icm42688p

import (
	"testing"
	"time"

	"imufifo/bridge"
	"imufifo/core"
	"imufifo/sensor"
)

func tableEntry(t *testing.T, d *Device, reg Register) RegisterConfig {
	t.Helper()
	for _, r := range d.registerCfg {
		if r.Reg == reg {
			return r
		}
	}
	t.Fatalf("%v not in register table", reg)
	return RegisterConfig{}
}

func TestDefaultRegisterTable(t *testing.T) {
	table := defaultRegisterTable()

	if err := validateRegisterTable(table[:]); err != nil {
		t.Fatalf("Default table invalid: %v", err)
	}

	seen := map[Register]bool{}
	for _, r := range table {
		if seen[r.Reg] {
			t.Errorf("Register %v listed twice", r.Reg)
		}
		seen[r.Reg] = true
	}

	bad := []RegisterConfig{{PWR_MGMT0, Bit0 | Bit1, Bit1}}
	if err := validateRegisterTable(bad); err == nil {
		t.Error("Expected overlapping set and clear bits to be rejected")
	}
}

func TestConfigureSampleRate(t *testing.T) {
	tests := []struct {
		rate     int
		interval uint64
		samples  uint32
		wmLow    uint8
		wmHigh   uint8
	}{
		{0, 1250, 10, 0xA0, 0x00},
		{800, 1250, 10, 0xA0, 0x00},
		{2000, 500, 4, 0x40, 0x00},
		{8000, 125, 1, 0x10, 0x00},
		{20000, 125, 1, 0x10, 0x00},
		{100, 4000, 32, 0x00, 0x02},
	}

	for _, tt := range tests {
		h, err := newHarness(Config{SampleRateHz: tt.rate})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		d := h.dev

		if d.fifoEmptyInterval != tt.interval {
			t.Errorf("%d Hz: expected interval %d us, got %d", tt.rate, tt.interval, d.fifoEmptyInterval)
		}
		if d.fifoSamples != tt.samples {
			t.Errorf("%d Hz: expected %d samples, got %d", tt.rate, tt.samples, d.fifoSamples)
		}
		if d.fifoEmptyInterval%h.dev.sampleDT != 0 {
			t.Errorf("%d Hz: interval %d not a multiple of %d", tt.rate, d.fifoEmptyInterval, h.dev.sampleDT)
		}

		low := tableEntry(t, d, FIFO_CONFIG2)
		if low.SetBits != tt.wmLow || low.ClearBits != ^tt.wmLow {
			t.Errorf("%d Hz: FIFO_CONFIG2 expected set 0x%02X clear 0x%02X, got set 0x%02X clear 0x%02X",
				tt.rate, tt.wmLow, ^tt.wmLow, low.SetBits, low.ClearBits)
		}
		high := tableEntry(t, d, FIFO_CONFIG3)
		if high.SetBits != tt.wmHigh || high.ClearBits != ^tt.wmHigh&FIFO_WM_HI_MSK {
			t.Errorf("%d Hz: FIFO_CONFIG3 expected set 0x%02X, got set 0x%02X clear 0x%02X",
				tt.rate, tt.wmHigh, high.SetBits, high.ClearBits)
		}
	}
}

func TestOutputDataRate(t *testing.T) {
	tests := []struct {
		odr      int
		rate     int
		bits     uint8
		dt       uint64
		interval uint64
		samples  uint32
	}{
		{0, 800, ODR_8kHz, 125, 1250, 10},
		{1000, 800, ODR_1kHz, 1000, 1000, 1},
		{1000, 100, ODR_1kHz, 1000, 10000, 10},
		{500, 0, ODR_500Hz, 2000, 2000, 1},
		{200, 50, ODR_200Hz, 5000, 20000, 4},
		{25, 800, ODR_25Hz, 40000, 40000, 1},
	}

	for _, tt := range tests {
		h, err := newHarness(Config{ODRHz: tt.odr, SampleRateHz: tt.rate})
		if err != nil {
			t.Fatalf("%d Hz: New: %v", tt.odr, err)
		}
		d := h.dev

		if d.sampleDT != tt.dt {
			t.Errorf("%d Hz: expected sample period %d us, got %d", tt.odr, tt.dt, d.sampleDT)
		}
		if d.fifoEmptyInterval != tt.interval || d.fifoSamples != tt.samples {
			t.Errorf("%d Hz at %d Hz: expected %d samples every %d us, got %d every %d",
				tt.odr, tt.rate, tt.samples, tt.interval, d.fifoSamples, d.fifoEmptyInterval)
		}

		for _, reg := range []Register{GYRO_CONFIG0, ACCEL_CONFIG0} {
			r := tableEntry(t, d, reg)
			if r.SetBits != tt.bits || r.ClearBits != FS_SEL_MASK|(ODR_MASK&^tt.bits) {
				t.Errorf("%d Hz: %v expected set 0x%02X, got set 0x%02X clear 0x%02X",
					tt.odr, reg, tt.bits, r.SetBits, r.ClearBits)
			}
		}

		if !d.Configure() {
			t.Fatalf("%d Hz: Configure failed", tt.odr)
		}
		for _, reg := range []Register{GYRO_CONFIG0, ACCEL_CONFIG0} {
			if got := h.fake.reg(reg); got != tt.bits {
				t.Errorf("%d Hz: expected %v 0x%02X, got 0x%02X", tt.odr, reg, tt.bits, got)
			}
		}
	}

	if _, err := newHarness(Config{ODRHz: 300}); err == nil {
		t.Error("Expected an unsupported data rate to be rejected")
	}
}

func TestCapacityFor(t *testing.T) {
	tests := []struct{ max, want int }{
		{0, FIFOMaxSamples},
		{bridge.NominalMaxTransfer, 3},
		{1 + 2*PacketSize, 2},
		{PacketSize, 0},
		{1 << 16, FIFOMaxSamples},
	}
	for _, tt := range tests {
		if got := CapacityFor(tt.max); got != tt.want {
			t.Errorf("%d bytes: expected %d packets, got %d", tt.max, tt.want, got)
		}
	}
}

func TestBusLoad(t *testing.T) {
	serial := func(n int) time.Duration { return bridge.TransferTime(250000, n) }
	capacity := CapacityFor(bridge.NominalMaxTransfer)

	// 8 kHz through three packet bursts is far beyond a 250000 baud link
	if load := BusLoad(DefaultOutputDataRate, DefaultSampleRate, capacity, serial); load < 5 {
		t.Errorf("Expected 8 kHz over the bridge to overload the link, got load %.2f", load)
	}

	// 200 cycles of 1960 us plus 100 register checks of 440 us
	if load := BusLoad(200, 200, capacity, serial); load < 0.435 || load > 0.437 {
		t.Errorf("Expected load 0.436 at 200 Hz, got %.3f", load)
	}

	// direct SPI at 10 MHz spends about a tenth of its time at 8 kHz
	spi := func(n int) time.Duration { return time.Duration(n*800) * time.Nanosecond }
	if load := BusLoad(DefaultOutputDataRate, DefaultSampleRate, FIFOMaxSamples, spi); load > 0.2 {
		t.Errorf("Expected a light load on direct SPI, got %.3f", load)
	}
}

func TestCapacityFollowsTransport(t *testing.T) {
	clock := &core.ManualClock{}
	wq := core.NewWorkQueue("test", clock)
	item := wq.NewItem("icm42688p", func() {})

	bus := core.NewSPIBus(limitedSPI{fakeICM: newFakeICM(), max: 55})
	d, err := New(Config{}, bus, item, &sensor.Recorder{}, WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Capacity() != 3 {
		t.Errorf("Expected capacity 3, got %d", d.Capacity())
	}
	// 800 Hz at the default 8 kHz wants 10 packets per transfer, the bridge
	// carries 3
	if d.fifoSamples != 3 {
		t.Errorf("Expected 3 samples per transfer, got %d", d.fifoSamples)
	}
	if d.fifoEmptyInterval != 375 {
		t.Errorf("Expected interval 375 us, got %d", d.fifoEmptyInterval)
	}

	tiny := core.NewSPIBus(limitedSPI{fakeICM: newFakeICM(), max: PacketSize})
	if _, err := New(Config{}, tiny, item, &sensor.Recorder{}, WithClock(clock)); err == nil {
		t.Error("Expected transport too small for one packet to be rejected")
	}

	if _, err := New(Config{}, nil, item, &sensor.Recorder{}); err == nil {
		t.Error("Expected nil bus to be rejected")
	}
}

func TestConfigureWritesTable(t *testing.T) {
	h, err := newHarness(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := h.fake.snapshot()
	if !h.dev.Configure() {
		t.Fatal("Configure failed on a healthy device")
	}
	after := h.fake.snapshot()

	for _, r := range h.dev.registerCfg {
		want := (before[r.Reg] &^ r.ClearBits) | r.SetBits
		if after[r.Reg] != want {
			t.Errorf("%v: expected 0x%02X, got 0x%02X", r.Reg, want, after[r.Reg])
		}
	}

	if n := h.dev.badRegisterPerf.Events(); n != 0 {
		t.Errorf("Expected no bad registers, got %d", n)
	}
	if h.rec.Errors() != 0 {
		t.Errorf("Expected no publisher errors, got %d", h.rec.Errors())
	}
}

func TestConfigureIdempotent(t *testing.T) {
	h, err := newHarness(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !h.dev.Configure() {
		t.Fatal("First Configure failed")
	}
	first := h.fake.snapshot()
	_, writes, _, _ := h.fake.stats()

	if !h.dev.Configure() {
		t.Fatal("Second Configure failed")
	}
	second := h.fake.snapshot()
	_, writes2, _, _ := h.fake.stats()

	if first != second {
		t.Error("Expected registers unchanged by a second Configure")
	}
	// only the bank select is rewritten
	if writes2-writes != 1 {
		t.Errorf("Expected 1 write on reconfigure, got %d", writes2-writes)
	}
}

func TestConfigureStuckBit(t *testing.T) {
	h, err := newHarness(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.fake.set(func(f *fakeICM) { f.stuckLow[PWR_MGMT0] = Bit3 })

	if h.dev.Configure() {
		t.Fatal("Expected Configure to fail with a stuck bit")
	}
	if n := h.dev.badRegisterPerf.Events(); n != 1 {
		t.Errorf("Expected 1 bad register, got %d", n)
	}
	if h.rec.Errors() != 1 {
		t.Errorf("Expected 1 publisher error, got %d", h.rec.Errors())
	}
}

func TestRegisterCheckRestores(t *testing.T) {
	h, err := newHarness(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !h.dev.Configure() {
		t.Fatal("Configure failed")
	}

	entry := tableEntry(t, h.dev, PWR_MGMT0)
	h.fake.setReg(PWR_MGMT0, 0)

	if h.dev.RegisterCheck(entry, true) {
		t.Fatal("Expected check of a corrupted register to fail")
	}
	if got := h.fake.reg(PWR_MGMT0); got != entry.SetBits {
		t.Errorf("Expected register rewritten to 0x%02X, got 0x%02X", entry.SetBits, got)
	}
	if n := h.dev.badRegisterPerf.Events(); n != 1 {
		t.Errorf("Expected 1 bad register, got %d", n)
	}
	if !h.dev.RegisterCheck(entry, true) {
		t.Error("Expected check to pass after the rewrite")
	}

	// without notify the failure is repaired but not counted
	h.fake.setReg(PWR_MGMT0, 0)
	if h.dev.RegisterCheck(entry, false) {
		t.Error("Expected check to fail")
	}
	if n := h.dev.badRegisterPerf.Events(); n != 1 {
		t.Errorf("Expected bad register count to stay 1, got %d", n)
	}
	if h.rec.Errors() != 1 {
		t.Errorf("Expected 1 publisher error, got %d", h.rec.Errors())
	}
}

func TestRegisterCheckReadError(t *testing.T) {
	h, err := newHarness(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h.fake.set(func(f *fakeICM) { f.failNext = 1 })
	if h.dev.RegisterCheck(tableEntry(t, h.dev, PWR_MGMT0), true) {
		t.Error("Expected check to fail on a bus error")
	}
	if n := h.dev.badTransferPerf.Events(); n != 1 {
		t.Errorf("Expected 1 bad transfer, got %d", n)
	}
	if n := h.dev.badRegisterPerf.Events(); n != 0 {
		t.Errorf("Expected no bad register, got %d", n)
	}
}

func TestRegisterSetAndClearSkipsUnchanged(t *testing.T) {
	h, err := newHarness(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h.fake.setReg(INT_CONFIG, INT1_DRIVE_CIRCUIT)
	_, writes, _, _ := h.fake.stats()

	h.dev.RegisterSetBits(INT_CONFIG, INT1_DRIVE_CIRCUIT)
	if _, w, _, _ := h.fake.stats(); w != writes {
		t.Errorf("Expected no write, got %d", w-writes)
	}

	h.dev.RegisterClearBits(INT_CONFIG, INT1_DRIVE_CIRCUIT)
	if got := h.fake.reg(INT_CONFIG); got != 0 {
		t.Errorf("Expected 0x00, got 0x%02X", got)
	}
}
