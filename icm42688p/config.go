package icm42688p

import (
	"fmt"
	"math"
	"time"
)

const gravity = 9.80665 // m/s^2

// RegisterConfig is one verified register: after configuration every bit in
// SetBits reads back as 1 and every bit in ClearBits as 0
type RegisterConfig struct {
	Reg       Register
	SetBits   uint8
	ClearBits uint8
}

// defaultRegisterTable returns the bank 0 configuration. The data rate and
// FIFO watermark entries are filled in by ConfigureSampleRate.
func defaultRegisterTable() [RegisterTableSize]RegisterConfig {
	return [RegisterTableSize]RegisterConfig{
		// Register      | Set bits, Clear bits
		{INT_CONFIG, INT1_DRIVE_CIRCUIT, 0},
		{FIFO_CONFIG, FIFO_MODE_STOP_ON_FULL, 0},
		{PWR_MGMT0, GYRO_MODE_LOW_NOISE | ACCEL_MODE_LOW_NOISE, 0},
		{GYRO_CONFIG0, ODR_8kHz, FS_SEL_MASK | (ODR_MASK &^ ODR_8kHz)},
		{ACCEL_CONFIG0, ODR_8kHz, FS_SEL_MASK | (ODR_MASK &^ ODR_8kHz)},
		{FIFO_CONFIG1, FIFO_WM_GT_TH | FIFO_GYRO_EN | FIFO_ACCEL_EN, 0},
		{FIFO_CONFIG2, 0, 0}, // FIFO_WM[7:0]
		{FIFO_CONFIG3, 0, 0}, // FIFO_WM[11:8]
		{INT_CONFIG0, CLEAR_ON_FIFO_READ, 0},
		{INT_CONFIG1, INT_TPULSE_DURATION, 0},
		{INT_SOURCE0, FIFO_THS_INT1_EN, 0},
	}
}

func validateRegisterTable(table []RegisterConfig) error {
	for _, r := range table {
		if r.SetBits&r.ClearBits != 0 {
			return fmt.Errorf("%v: set bits 0x%02X overlap clear bits 0x%02X", r.Reg, r.SetBits, r.ClearBits)
		}
	}
	return nil
}

// Configure writes every table entry and then verifies them all. Returns
// true only if every register read back as configured.
func (d *Device) Configure() bool {
	// all table registers live in bank 0
	if err := d.RegisterWrite(REG_BANK_SEL, BANK_0); err != nil {
		d.badTransferPerf.Count()
		return false
	}

	for _, r := range d.registerCfg {
		d.RegisterSetAndClearBits(r.Reg, r.SetBits, r.ClearBits)
	}

	success := true
	for _, r := range d.registerCfg {
		if !d.RegisterCheck(r, true) {
			success = false
		}
	}

	d.ConfigureAccel()
	d.ConfigureGyro()

	return success
}

// ConfigureAccel sets the accelerometer scale for the configured +-16 g range
func (d *Device) ConfigureAccel() {
	d.accelScale = gravity / 2048
	d.accelRange = 16 * gravity
}

// ConfigureGyro sets the gyroscope scale for the configured +-2000 dps range
func (d *Device) ConfigureGyro() {
	d.gyroScale = (math.Pi / 180) / 16.4
	d.gyroRange = 2000 * math.Pi / 180
}

// ConfigureSampleRate programs the output data rate and derives the
// transfer interval and FIFO watermark from the requested publish rate.
// 0 selects 800 Hz.
func (d *Device) ConfigureSampleRate(sampleRate int) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	d.configureOutputDataRate(d.odrHz)

	d.fifoSamples, d.fifoEmptyInterval = TransferSchedule(d.odrHz, sampleRate, d.capacity)
	d.configureFIFOWatermark(d.fifoSamples)
}

func (d *Device) configureOutputDataRate(hz int) {
	odr := outputDataRates[hz]
	d.sampleDT = uint64(1_000_000 / hz)

	for i := range d.registerCfg {
		r := &d.registerCfg[i]
		switch r.Reg {
		case GYRO_CONFIG0, ACCEL_CONFIG0:
			r.SetBits = odr
			r.ClearBits = FS_SEL_MASK | (ODR_MASK &^ odr)
		}
	}
}

// CapacityFor returns the FIFO packets one burst carries when a transport
// moves at most maxTransfer bytes per transaction. 0 means unlimited.
func CapacityFor(maxTransfer int) int {
	if maxTransfer <= 0 {
		return FIFOMaxSamples
	}
	return min(FIFOMaxSamples, (maxTransfer-1)/PacketSize)
}

// TransferSchedule returns the packets drained per transfer and the transfer
// interval in us for a data rate, a requested publish rate and a burst
// capacity. The interval is a whole number of sample periods.
func TransferSchedule(odrHz, sampleRateHz, capacity int) (samples uint32, interval uint64) {
	if sampleRateHz <= 0 {
		sampleRateHz = DefaultSampleRate
	}
	dt := float64(1_000_000 / odrHz)

	// round to a whole number of FIFO samples
	want := math.Max(math.Round((1e6/float64(sampleRateHz))/dt)*dt, dt)
	samples = uint32(math.Round(math.Min(want/dt, float64(capacity))))

	// recompute with the sample limit applied
	return samples, uint64(samples) * uint64(dt)
}

// BusLoad returns the fraction of each second the bus is busy while
// streaming, given the time one transaction of n bytes takes. Every polled
// cycle reads the FIFO count and INT_STATUS and then bursts the FIFO, and one
// register is re-checked per ConfigCheckInterval.
func BusLoad(odrHz, sampleRateHz, capacity int, txTime func(n int) time.Duration) float64 {
	samples, interval := TransferSchedule(odrHz, sampleRateHz, capacity)

	cycle := txTime(3) + txTime(2) + txTime(1+int(samples)*PacketSize)
	busy := float64(cycle)*(1e6/float64(interval)) +
		float64(txTime(2))*(1e6/float64(ConfigCheckInterval))

	return busy / float64(time.Second)
}

func (d *Device) configureFIFOWatermark(samples uint32) {
	// watermark threshold in bytes
	threshold := samples * PacketSize

	for i := range d.registerCfg {
		r := &d.registerCfg[i]
		switch r.Reg {
		case FIFO_CONFIG2:
			r.SetBits = uint8(threshold & 0xFF)
			r.ClearBits = ^r.SetBits
		case FIFO_CONFIG3:
			r.SetBits = uint8(threshold>>8) & FIFO_WM_HI_MSK
			r.ClearBits = ^r.SetBits & FIFO_WM_HI_MSK
		}
	}
}

// RegisterCheck reads a register and compares it against its entry. On a
// mismatch the register is rewritten; with notify the failure is counted as
// a bad register and reported to the publisher.
func (d *Device) RegisterCheck(r RegisterConfig, notify bool) bool {
	value, err := d.RegisterRead(r.Reg)
	if err != nil {
		d.badTransferPerf.Count()
		d.recordEvent(eventBadTransfer, uint32(r.Reg), 0)
		return false
	}

	success := true
	if r.SetBits != 0 && value&r.SetBits != r.SetBits {
		d.logger.Debug("register bits not set", "reg", r.Reg, "value", value, "set", r.SetBits)
		success = false
	}
	if r.ClearBits != 0 && value&r.ClearBits != 0 {
		d.logger.Debug("register bits not cleared", "reg", r.Reg, "value", value, "clear", r.ClearBits)
		success = false
	}

	if !success {
		d.RegisterSetAndClearBits(r.Reg, r.SetBits, r.ClearBits)

		if notify {
			d.badRegisterPerf.Count()
			d.recordEvent(eventBadRegister, uint32(r.Reg), uint32(value))
			d.pub.IncreaseErrorCount()
		}
	}
	return success
}

// RegisterRead reads a single register
func (d *Device) RegisterRead(reg Register) (uint8, error) {
	v, err := d.bus.ReadRegister(uint8(reg))
	if err != nil {
		return 0, fmt.Errorf("read %v: %w: %w", reg, ErrTransfer, err)
	}
	return v, nil
}

// RegisterWrite writes a single register
func (d *Device) RegisterWrite(reg Register, value uint8) error {
	if err := d.bus.WriteRegister(uint8(reg), value); err != nil {
		return fmt.Errorf("write %v: %w: %w", reg, ErrTransfer, err)
	}
	return nil
}

// RegisterSetAndClearBits read-modify-writes a register, skipping the write
// when nothing changes
func (d *Device) RegisterSetAndClearBits(reg Register, setBits, clearBits uint8) {
	orig, err := d.RegisterRead(reg)
	if err != nil {
		d.badTransferPerf.Count()
		return
	}

	val := (orig &^ clearBits) | setBits
	if orig != val {
		if err := d.RegisterWrite(reg, val); err != nil {
			d.badTransferPerf.Count()
		}
	}
}

// RegisterSetBits sets bits in a register
func (d *Device) RegisterSetBits(reg Register, setBits uint8) {
	d.RegisterSetAndClearBits(reg, setBits, 0)
}

// RegisterClearBits clears bits in a register
func (d *Device) RegisterClearBits(reg Register, clearBits uint8) {
	d.RegisterSetAndClearBits(reg, 0, clearBits)
}
