package icm42688p

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"imufifo/bridge"
	"imufifo/core"
	"imufifo/sensor"
)

var errInjected = errors.New("injected bus error")

// fakeICM is a register model of the sensor behind a drivers.SPI
type fakeICM struct {
	mu sync.Mutex

	regs [128]uint8
	fifo []byte

	// stuck bits: forced low / high on every register write
	stuckLow  map[Register]uint8
	stuckHigh map[Register]uint8

	noResetDone bool // soft reset never completes
	failNext    int  // fail the next n transactions
	failFIFO    bool // fail FIFO_DATA bursts only

	txCount    int
	writes     int
	softResets int
	flushes    int
}

func newFakeICM() *fakeICM {
	f := &fakeICM{
		stuckLow:  map[Register]uint8{},
		stuckHigh: map[Register]uint8{},
	}
	f.powerOn()
	return f
}

// powerOn loads the datasheet reset values. Must be called with mu held or
// before the fake is shared.
func (f *fakeICM) powerOn() {
	f.regs = [128]uint8{}
	f.regs[WHO_AM_I] = WHOAMI
	f.regs[GYRO_CONFIG0] = 0x06
	f.regs[ACCEL_CONFIG0] = 0x06
	f.regs[INT_CONFIG1] = 0x10
	f.regs[INT_SOURCE0] = 0x10
	f.regs[FIFO_CONFIG2] = 0x00
	f.regs[FIFO_CONFIG3] = 0x00
	if !f.noResetDone {
		f.regs[INT_STATUS] = RESET_DONE_INT
	}
	f.fifo = nil
}

func (f *fakeICM) Tx(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.txCount++
	if f.failNext > 0 {
		f.failNext--
		return errInjected
	}
	if len(w) == 0 {
		return nil
	}

	addr := Register(w[0] &^ DIR_READ)
	if f.failFIFO && addr == FIFO_DATA {
		return errInjected
	}

	if w[0]&DIR_READ != 0 {
		if len(r) > 0 {
			r[0] = 0
		}
		for i := 1; i < len(w) && i < len(r); i++ {
			reg := addr
			if addr != FIFO_DATA {
				reg = addr + Register(i-1)
			}
			r[i] = f.readByte(reg)
		}
		return nil
	}

	for i := 1; i < len(w); i++ {
		f.writeByte(addr+Register(i-1), w[i])
	}
	for i := range r {
		r[i] = 0
	}
	return nil
}

func (f *fakeICM) Transfer(b byte) (byte, error) {
	r := []byte{0}
	err := f.Tx([]byte{b}, r)
	return r[0], err
}

func (f *fakeICM) readByte(reg Register) uint8 {
	switch reg {
	case FIFO_DATA:
		if len(f.fifo) == 0 {
			return 0xFF
		}
		b := f.fifo[0]
		f.fifo = f.fifo[1:]
		return b
	case FIFO_COUNTH:
		return uint8(len(f.fifo) >> 8)
	case FIFO_COUNTL:
		return uint8(len(f.fifo))
	case INT_STATUS:
		// clear on read
		v := f.regs[INT_STATUS]
		f.regs[INT_STATUS] = 0
		return v
	}
	return f.regs[reg&0x7F]
}

func (f *fakeICM) writeByte(reg Register, v uint8) {
	f.writes++

	switch reg {
	case DEVICE_CONFIG:
		if v&SOFT_RESET_CONFIG != 0 {
			f.softResets++
			f.powerOn()
		}
		return
	case SIGNAL_PATH_RESET:
		if v&FIFO_FLUSH != 0 {
			f.flushes++
			f.fifo = nil
		}
		return
	}

	f.regs[reg&0x7F] = (v &^ f.stuckLow[reg]) | f.stuckHigh[reg]
}

// push appends packets to the FIFO, raising FIFO_FULL_INT when it fills
func (f *fakeICM) push(packets ...FIFOPacket) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range packets {
		if len(f.fifo)+PacketSize > FIFOSize {
			f.regs[INT_STATUS] |= FIFO_FULL_INT
			return
		}
		f.fifo = append(f.fifo, encodePacket(p)...)
	}
}

func (f *fakeICM) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fifo) / PacketSize
}

func (f *fakeICM) reg(r Register) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[r]
}

func (f *fakeICM) setReg(r Register, v uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[r] = v
}

func (f *fakeICM) stats() (tx, writes, softResets, flushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txCount, f.writes, f.softResets, f.flushes
}

func (f *fakeICM) snapshot() [128]uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs
}

func (f *fakeICM) set(fn func(f *fakeICM)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func encodePacket(p FIFOPacket) []byte {
	b := make([]byte, PacketSize)
	b[0] = p.Header
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint16(b[1+2*i:], uint16(p.Accel[i]))
		binary.BigEndian.PutUint16(b[7+2*i:], uint16(p.Gyro[i]))
	}
	b[13] = uint8(p.Temperature)
	binary.BigEndian.PutUint16(b[14:], p.Timestamp)
	return b
}

const validHeaderBits = HEADER_ACCEL | HEADER_GYRO | HEADER_ODR_ACCEL | HEADER_ODR_GYRO

func samplePacket(i int) FIFOPacket {
	return FIFOPacket{
		Header: validHeaderBits,
		Accel:  [3]int16{int16(i), 0, 2048},
		Gyro:   [3]int16{int16(i), 164, -164},
	}
}

func samplePackets(n int) []FIFOPacket {
	out := make([]FIFOPacket, n)
	for i := range out {
		out[i] = samplePacket(i)
	}
	return out
}

// fakeLine is a DataReadyLine the test fires by hand
type fakeLine struct {
	mu        sync.Mutex
	handler   func(uint64)
	enableErr error
	enables   int
	disables  int
}

func (l *fakeLine) EnableInterrupt(h func(uint64)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enableErr != nil {
		return l.enableErr
	}
	l.enables++
	l.handler = h
	return nil
}

func (l *fakeLine) DisableInterrupt() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disables++
	l.handler = nil
	return nil
}

func (l *fakeLine) fire(ts uint64) bool {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(ts)
	return true
}

// limitedSPI caps the burst size like the serial bridge does
type limitedSPI struct {
	*fakeICM
	max int
}

func (s limitedSPI) MaxTransfer() int { return s.max }

// serialLink charges the manual clock for every transaction with the serial
// time the MCU bridge needs for it at baud
type serialLink struct {
	limitedSPI
	clock *core.ManualClock
	baud  int
	busy  *uint64 // us spent in transactions
}

func (l serialLink) Tx(w, r []byte) error {
	cost := uint64(bridge.TransferTime(l.baud, len(w)) / time.Microsecond)
	l.clock.Advance(cost)
	*l.busy += cost
	return l.fakeICM.Tx(w, r)
}

// harness drives a Device through a real work queue on a manual clock
type harness struct {
	clock *core.ManualClock
	wq    *core.WorkQueue
	item  *core.WorkItem
	fake  *fakeICM
	rec   *sensor.Recorder
	dev   *Device

	// stream pushes one packet into the FIFO per elapsed sample period
	stream   bool
	counter  int
	produced uint64 // time of the last pushed packet
	// line fires when the FIFO reaches the watermark
	line *fakeLine
}

func newHarness(cfg Config, opts ...Option) (*harness, error) {
	return newHarnessOn(cfg, func(h *harness) drivers.SPI { return h.fake }, opts...)
}

// newHarnessOn builds the device on the bus spi returns for the harness
func newHarnessOn(cfg Config, spi func(h *harness) drivers.SPI, opts ...Option) (*harness, error) {
	h := &harness{
		clock: &core.ManualClock{},
		fake:  newFakeICM(),
		rec:   &sensor.Recorder{},
	}
	h.clock.Set(1_000_000)
	h.produced = h.clock.Now()
	h.wq = core.NewWorkQueue("test", h.clock)

	var dev *Device
	h.item = h.wq.NewItem("icm42688p", func() { dev.Run() })

	opts = append([]Option{WithClock(h.clock)}, opts...)
	dev, err := New(cfg, core.NewSPIBus(spi(h)), h.item, h.rec, opts...)
	if err != nil {
		return nil, err
	}
	h.dev = dev
	return h, nil
}

// runFor advances time in sample period steps, running due work. Time spent
// inside bus transactions counts too.
func (h *harness) runFor(us uint64) {
	end := h.clock.Now() + us
	for h.clock.Now() < end {
		h.clock.Advance(h.dev.sampleDT)
		h.produce()
		h.wq.RunPending()
	}
}

// produce pushes one packet per sample period since the last one while
// streaming, firing the line when the FIFO reaches the watermark
func (h *harness) produce() {
	now := h.clock.Now()
	if !h.stream {
		h.produced = now
		return
	}
	for h.produced+h.dev.sampleDT <= now {
		h.produced += h.dev.sampleDT
		h.fake.push(samplePacket(h.counter))
		h.counter++
		if h.line != nil && h.fake.pending() == int(h.dev.fifoSamples) {
			h.line.fire(h.produced)
		}
	}
}

// bringUp resets the device and runs until it streams
func (h *harness) bringUp() {
	h.dev.Start()
	h.runFor(ResetPollDelay + ConfigureDelay + 2*h.dev.sampleDT)
}
