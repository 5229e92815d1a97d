// Package icm42688p drives an InvenSense ICM-42688-P accelerometer and
// gyroscope over SPI: it configures and continuously verifies the device,
// drains its FIFO in single bursts and publishes timestamped samples.
package icm42688p

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"imufifo/core"
	"imufifo/sensor"
)

// State is the driver state machine state
type State uint32

const (
	StateReset State = iota
	StateWaitForReset
	StateConfigure
	StateFIFORead
	StateRequestStop
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateWaitForReset:
		return "WAIT_FOR_RESET"
	case StateConfigure:
		return "CONFIGURE"
	case StateFIFORead:
		return "FIFO_READ"
	case StateRequestStop:
		return "REQUEST_STOP"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Timing of the state machine, all in us
const (
	ResetPollDelay      = 2 * core.Millisecond  // soft reset settle time
	ResetTimeout        = 50 * core.Millisecond // give up waiting for reset
	ConfigureDelay      = 10 * core.Millisecond // sensor startup after reset, configure retry
	ConfigCheckInterval = 10 * core.Millisecond // one register re-check per interval
	InitialWatchdog     = 100 * core.Millisecond
	WatchdogInterval    = 10 * core.Millisecond // backup run when data ready edges stop
	TemperatureInterval = core.Second

	MaxResetRetries     = 3
	MaxConfigureRetries = 5
	MaxFIFOFailures     = 10

	DefaultSampleRate = 800 // Hz
)

// timing ring events
const (
	eventStateChange  uint8 = core.EvtStateChange
	eventFIFOOverflow uint8 = core.EvtFIFOOverflow
	eventFIFOReset    uint8 = core.EvtFIFOReset
	eventBadRegister  uint8 = core.EvtBadRegister
	eventBadTransfer  uint8 = core.EvtBadTransfer
	eventSoftReset    uint8 = core.EvtSoftReset
	eventDRDYMissed   uint8 = core.EvtDRDYMissed
)

// Config holds per-instance settings
type Config struct {
	// SampleRateHz is the publish rate the FIFO watermark is derived from
	SampleRateHz int

	// ODRHz is the gyro and accel output data rate, 0 selects 8 kHz. Slow
	// transports need a low rate so that one transfer per few samples keeps
	// up with the FIFO.
	ODRHz int

	// ID tags timing ring events when several devices share a process
	ID uint8
}

// Option customizes a Device
type Option func(*Device)

// WithClock sets the time source (default: system clock)
func WithClock(c core.Clock) Option {
	return func(d *Device) { d.clock = c }
}

// WithPerf registers the counters in a shared registry
func WithPerf(p *core.Perf) Option {
	return func(d *Device) { d.perf = p }
}

// WithDataReadyLine attaches the INT1 data-ready line
func WithDataReadyLine(l core.DataReadyLine) Option {
	return func(d *Device) { d.drdy = l }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// Device is one ICM-42688-P instance. Run must only be called by the
// scheduler it was created with; all other methods are safe to call from
// any goroutine unless noted.
type Device struct {
	cfg    Config
	id     uint8
	bus    core.BusTransport
	sched  core.Scheduler
	pub    sensor.Publisher
	clock  core.Clock
	drdy   core.DataReadyLine
	logger *slog.Logger
	perf   *core.Perf

	buf      TransferBuffer
	capacity int

	transferPerf     *core.PerfCounter
	badRegisterPerf  *core.PerfCounter
	badTransferPerf  *core.PerfCounter
	fifoEmptyPerf    *core.PerfCounter
	fifoOverflowPerf *core.PerfCounter
	fifoResetPerf    *core.PerfCounter
	drdyIntervalPerf *core.PerfCounter
	drdyMissedPerf   *core.PerfCounter

	// owned by Run
	resetTimestamp             uint64
	lastConfigCheckTimestamp   uint64
	temperatureUpdateTimestamp uint64
	checkedRegister            int
	resetRetries               int
	configureRetries           int
	fifoFailures               int
	lastCycleFailed            bool
	streaming                  bool

	// written by the interrupt path
	fifoWatermarkInterruptTimestamp atomic.Uint64
	dataReadyCount                  atomic.Uint32
	fifoReadSamples                 atomic.Uint32
	dataReadyInterruptEnabled       atomic.Bool

	lastTemperature atomic.Uint32 // float32 bits

	state          atomic.Uint32
	resetRequested atomic.Bool

	// fixed after New
	odrHz             int
	sampleDT          uint64 // us between FIFO samples
	fifoEmptyInterval uint64 // us
	fifoSamples       uint32
	accelScale        float64
	accelRange        float64
	gyroScale         float64
	gyroRange         float64

	registerCfg [RegisterTableSize]RegisterConfig

	// state change broadcast for Init and Stop
	mu        sync.Mutex
	changed   chan struct{}
	fatalErr  error
	lastFault error
}

// New creates a driver. Nothing touches the bus until Init or Start.
func New(cfg Config, bus core.BusTransport, sched core.Scheduler, pub sensor.Publisher, opts ...Option) (*Device, error) {
	if bus == nil || sched == nil || pub == nil {
		return nil, fmt.Errorf("icm42688p: bus, scheduler and publisher are required")
	}

	odr := cfg.ODRHz
	if odr == 0 {
		odr = DefaultOutputDataRate
	}
	if !ValidOutputDataRate(odr) {
		return nil, fmt.Errorf("icm42688p: unsupported output data rate %d Hz", odr)
	}

	d := &Device{
		cfg:         cfg,
		odrHz:       odr,
		id:          cfg.ID,
		bus:         bus,
		sched:       sched,
		pub:         pub,
		capacity:    FIFOMaxSamples,
		registerCfg: defaultRegisterTable(),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = core.NewSystemClock()
	}
	if d.logger == nil {
		d.logger = core.Log(core.ComponentIMU)
	}
	if d.perf == nil {
		d.perf = core.NewPerf(d.clock)
	}

	// transports with a short maximum transfer bound the burst size
	if l, ok := bus.(core.TransferLimiter); ok {
		d.capacity = CapacityFor(l.MaxTransfer())
	}
	if d.capacity < 1 {
		return nil, fmt.Errorf("icm42688p: transport cannot carry a single FIFO packet")
	}

	d.transferPerf = d.perf.Counter("transfer", core.PerfElapsed)
	d.badRegisterPerf = d.perf.Counter("bad register", core.PerfCount)
	d.badTransferPerf = d.perf.Counter("bad transfer", core.PerfCount)
	d.fifoEmptyPerf = d.perf.Counter("FIFO empty", core.PerfCount)
	d.fifoOverflowPerf = d.perf.Counter("FIFO overflow", core.PerfCount)
	d.fifoResetPerf = d.perf.Counter("FIFO reset", core.PerfCount)
	d.drdyIntervalPerf = d.perf.Counter("DRDY interval", core.PerfInterval)
	d.drdyMissedPerf = d.perf.Counter("DRDY missed", core.PerfCount)

	d.ConfigureSampleRate(cfg.SampleRateHz)
	d.ConfigureAccel()
	d.ConfigureGyro()

	if err := validateRegisterTable(d.registerCfg[:]); err != nil {
		return nil, fmt.Errorf("icm42688p: %w", err)
	}

	d.state.Store(uint32(StateStopped))
	return d, nil
}

// State returns the current state
func (d *Device) State() State {
	return State(d.state.Load())
}

// setState moves to s. A stopped driver only leaves STOPPED through RESET.
func (d *Device) setState(s State) bool {
	for {
		cur := d.State()
		if cur == StateStopped && s != StateReset {
			return false
		}
		if d.state.CompareAndSwap(uint32(cur), uint32(s)) {
			d.stateChanged(cur, s)
			return true
		}
	}
}

// transition moves from one state to another only if no other path changed
// the state in the meantime
func (d *Device) transition(from, to State) bool {
	if from == StateStopped && to != StateReset {
		return false
	}
	if !d.state.CompareAndSwap(uint32(from), uint32(to)) {
		return false
	}
	d.stateChanged(from, to)
	return true
}

func (d *Device) stateChanged(from, to State) {
	if from != to {
		d.recordEvent(eventStateChange, uint32(from), uint32(to))
		d.logger.Debug("state", "from", from, "to", to)
	}

	d.mu.Lock()
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
}

// waitState blocks until done accepts the current state or ctx ends
func (d *Device) waitState(ctx context.Context, done func(State) bool) (State, error) {
	for {
		d.mu.Lock()
		ch := d.changed
		d.mu.Unlock()

		s := d.State()
		if done(s) {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

func (d *Device) fail(err error) {
	d.mu.Lock()
	d.fatalErr = err
	d.mu.Unlock()

	d.logger.Error("driver stopped", "err", err)
	core.DumpTimingRing(d.logger)
	d.DataReadyInterruptDisable()
	d.sched.ScheduleClear()
	d.setState(StateStopped)
}

// Err returns the fatal error that stopped the driver, if any
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatalErr
}

// LastFault returns the most recent fault the driver recovered from by
// resetting the FIFO or the device, nil if there was none. It wraps
// ErrConfigVerification or ErrFIFOOverflow.
func (d *Device) LastFault() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFault
}

func (d *Device) fault(err error) {
	d.mu.Lock()
	d.lastFault = err
	d.mu.Unlock()
}

// probe checks the device identity
func (d *Device) probe() error {
	whoami, err := d.RegisterRead(WHO_AM_I)
	if err != nil {
		return err
	}
	if whoami != WHOAMI {
		return fmt.Errorf("%w: 0x%02X (expected 0x%02X)", ErrWhoAmI, whoami, WHOAMI)
	}
	return nil
}

// Init probes the device, resets it and blocks until it is streaming, the
// reset gives up, or ctx ends. The scheduler must be running.
func (d *Device) Init(ctx context.Context) error {
	if err := d.probe(); err != nil {
		return err
	}

	d.Reset()

	s, err := d.waitState(ctx, func(s State) bool {
		return s == StateFIFORead || s == StateStopped
	})
	if err != nil {
		return err
	}
	if s == StateStopped {
		if ferr := d.Err(); ferr != nil {
			return ferr
		}
		return ErrStopped
	}
	return nil
}

// Start resets the device without waiting for it to come up
func (d *Device) Start() {
	d.Reset()
}

// Reset restarts the device from a soft reset. It is the only way out of
// STOPPED. The reset runs on the scheduler; a device that never comes back
// ends in STOPPED with Err reporting ErrResetTimeout, which Init returns.
func (d *Device) Reset() {
	d.resetRequested.Store(true)

	d.mu.Lock()
	d.fatalErr = nil
	d.mu.Unlock()

	d.setState(StateReset)

	d.DataReadyInterruptDisable()
	d.dataReadyInterruptEnabled.Store(false)
	d.sched.ScheduleClear()
	d.sched.ScheduleNow()
}

// Stop requests a stop and waits until the driver has flushed the FIFO and
// reached STOPPED. The scheduler must be running.
func (d *Device) Stop(ctx context.Context) error {
	for {
		d.mu.Lock()
		ch := d.changed
		d.mu.Unlock()

		s := d.State()
		switch s {
		case StateStopped:
			return nil
		case StateRequestStop:
		default:
			if d.transition(s, StateRequestStop) {
				d.sched.ScheduleNow()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Run executes one step of the state machine. It is invoked by the
// scheduler and never runs concurrently with itself.
func (d *Device) Run() {
	now := d.clock.Now()

	switch d.State() {
	case StateReset:
		d.runReset(now)

	case StateWaitForReset:
		d.runWaitForReset(now)

	case StateConfigure:
		d.runConfigure()

	case StateFIFORead:
		d.runFIFORead(now)

	case StateRequestStop:
		d.runRequestStop(now)

	case StateStopped:
		// nothing to do
	}
}

func (d *Device) runReset(now uint64) {
	if d.resetRequested.Swap(false) {
		d.resetRetries = 0
		d.configureRetries = 0
	}
	d.fifoFailures = 0
	d.lastCycleFailed = false
	d.streaming = false

	d.recordEvent(eventSoftReset, uint32(d.resetRetries), 0)

	// DEVICE_CONFIG: Software reset
	if err := d.RegisterWrite(DEVICE_CONFIG, SOFT_RESET_CONFIG); err != nil {
		d.badTransferPerf.Count()
	}
	d.resetTimestamp = now

	if d.transition(StateReset, StateWaitForReset) {
		d.sched.ScheduleDelayed(ResetPollDelay)
	}
}

func (d *Device) resetReady() bool {
	whoami, err := d.RegisterRead(WHO_AM_I)
	if err != nil || whoami != WHOAMI {
		return false
	}
	config, err := d.RegisterRead(DEVICE_CONFIG)
	if err != nil || config != 0x00 {
		return false
	}
	status, err := d.RegisterRead(INT_STATUS)
	if err != nil {
		return false
	}
	return status&RESET_DONE_INT != 0
}

// retryReset starts another soft reset or gives up for good. cause, if not
// nil, is what kept the device from coming up.
func (d *Device) retryReset(cause error) {
	if d.resetRetries >= MaxResetRetries {
		err := fmt.Errorf("icm42688p: %w after %d attempts", ErrResetTimeout, d.resetRetries+1)
		if cause != nil {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		d.fail(err)
		return
	}
	d.resetRetries++
	d.configureRetries = 0

	if d.transition(d.State(), StateReset) {
		d.sched.ScheduleNow()
	}
}

func (d *Device) runWaitForReset(now uint64) {
	if d.resetReady() {
		if d.transition(StateWaitForReset, StateConfigure) {
			// sensor startup time
			d.sched.ScheduleDelayed(ConfigureDelay)
		}
		return
	}

	if now-d.resetTimestamp > ResetTimeout {
		d.logger.Debug("reset not complete, retrying", "attempt", d.resetRetries+1)
		d.retryReset(nil)
		return
	}

	d.sched.ScheduleDelayed(ResetPollDelay)
}

func (d *Device) runConfigure() {
	if !d.Configure() {
		d.configureRetries++
		if d.configureRetries >= MaxConfigureRetries {
			err := fmt.Errorf("configure: %w", ErrConfigVerification)
			d.fault(err)
			d.logger.Warn("configure failed, resetting", "attempts", d.configureRetries)
			d.retryReset(err)
			return
		}
		d.sched.ScheduleDelayed(ConfigureDelay)
		return
	}

	if !d.transition(StateConfigure, StateFIFORead) {
		return
	}
	d.configureRetries = 0
	d.streaming = true
	d.lastConfigCheckTimestamp = d.clock.Now()

	if d.DataReadyInterruptConfigure() {
		d.dataReadyInterruptEnabled.Store(true)
		// backup schedule as a watchdog
		d.sched.ScheduleDelayed(InitialWatchdog)
	} else {
		d.dataReadyInterruptEnabled.Store(false)
		d.sched.ScheduleOnInterval(d.fifoEmptyInterval, d.fifoEmptyInterval)
	}

	d.FIFOReset()
	d.logger.Info("streaming",
		"interval_us", d.fifoEmptyInterval,
		"samples", d.fifoSamples,
		"drdy", d.dataReadyInterruptEnabled.Load())
}

func (d *Device) runFIFORead(now uint64) {
	// re-check one register periodically or right after a failed cycle
	if d.lastCycleFailed || core.Elapsed(d.clock, d.lastConfigCheckTimestamp) >= ConfigCheckInterval {
		if d.RegisterCheck(d.registerCfg[d.checkedRegister], true) {
			d.lastConfigCheckTimestamp = now
			d.checkedRegister = (d.checkedRegister + 1) % len(d.registerCfg)
		}
	} else if core.Elapsed(d.clock, d.temperatureUpdateTimestamp) >= TemperatureInterval {
		d.UpdateTemperature()
		d.temperatureUpdateTimestamp = now
	}

	timestamp := now
	var samples uint16
	countOK := true

	if d.dataReadyInterruptEnabled.Load() {
		// push the watchdog back
		d.sched.ScheduleDelayed(WatchdogInterval)

		events := d.dataReadyCount.Swap(0)
		signalled := d.fifoReadSamples.Swap(0)
		if events > 1 {
			d.drdyMissedPerf.Count()
			d.recordEvent(eventDRDYMissed, events, signalled)
		}

		watermark := d.fifoWatermarkInterruptTimestamp.Load()
		if events == 1 && signalled > 0 && core.Elapsed(d.clock, watermark) <= d.fifoEmptyInterval/2 {
			samples = uint16(signalled)
			timestamp = watermark
		}
	}

	if samples == 0 {
		count, ok := d.FIFOReadCount()
		switch {
		case !ok:
			countOK = false
		case count >= FIFOSizeSamples:
			d.fifoOverflowPerf.Count()
			d.recordEvent(eventFIFOOverflow, uint32(count), 0)
			d.fault(fmt.Errorf("%w: %d samples waiting", ErrFIFOOverflow, count))
			d.FIFOReset()
			countOK = false
		default:
			samples = count
		}
	}

	success := countOK && d.FIFORead(timestamp, samples)
	d.lastCycleFailed = !success

	if success {
		d.fifoFailures = 0
		return
	}

	d.fifoFailures++
	if d.fifoFailures > MaxFIFOFailures {
		// full reset if things are failing consistently
		d.logger.Warn("FIFO failing, resetting", "failures", d.fifoFailures, "fault", d.LastFault())
		d.Reset()
	}
}

func (d *Device) runRequestStop(now uint64) {
	d.DataReadyInterruptDisable()
	d.dataReadyInterruptEnabled.Store(false)
	d.sched.ScheduleClear()

	// deliver whatever is still buffered
	if d.streaming {
		if count, ok := d.FIFOReadCount(); ok && count > 0 && count < FIFOSizeSamples {
			d.FIFORead(now, count)
		}
		d.streaming = false
	}

	d.transition(StateRequestStop, StateStopped)
}

// PrintInfo writes driver status and counters
func (d *Device) PrintInfo(w io.Writer) {
	fmt.Fprintf(w, "icm42688p[%d]: state %v\n", d.id, d.State())
	fmt.Fprintf(w, "FIFO empty interval: %d us (%.1f Hz)\n", d.fifoEmptyInterval, 1e6/float64(d.fifoEmptyInterval))
	fmt.Fprintf(w, "output data rate: %d Hz (%d us)\n", d.odrHz, d.sampleDT)
	fmt.Fprintf(w, "FIFO samples per transfer: %d (capacity %d)\n", d.fifoSamples, d.capacity)
	fmt.Fprintf(w, "accel range: +-%.1f m/s^2, gyro range: +-%.2f rad/s\n", d.accelRange, d.gyroRange)
	fmt.Fprintf(w, "data ready interrupt: %v\n", d.dataReadyInterruptEnabled.Load())
	if bits := d.lastTemperature.Load(); bits != 0 {
		fmt.Fprintf(w, "temperature: %.2f C\n", math.Float32frombits(bits))
	}
	if err := d.Err(); err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	if err := d.LastFault(); err != nil {
		fmt.Fprintf(w, "last fault: %v\n", err)
	}

	for _, c := range []*core.PerfCounter{
		d.transferPerf,
		d.badRegisterPerf,
		d.badTransferPerf,
		d.fifoEmptyPerf,
		d.fifoOverflowPerf,
		d.fifoResetPerf,
		d.drdyIntervalPerf,
		d.drdyMissedPerf,
	} {
		fmt.Fprintln(w, c.Snapshot().String())
	}
}

// Perf returns the registry the counters live in
func (d *Device) Perf() *core.Perf {
	return d.perf
}
