package icm42688p

import (
	"encoding/binary"
	"math"

	"imufifo/sensor"
)

// flip negates an axis for the body frame change, mapping INT16_MIN to
// INT16_MAX instead of overflowing
func flip(v int16) int16 {
	if v == math.MinInt16 {
		return math.MaxInt16
	}
	return -v
}

// sampleTimestamp back-dates packet i of a batch of n from the batch time
func (d *Device) sampleTimestamp(timestamp uint64, i, n int) uint64 {
	back := uint64(n-1-i) * d.sampleDT
	if back > timestamp {
		return 0
	}
	return timestamp - back
}

// ProcessAccel publishes the accelerometer channel of the valid packets in
// buf. Returns false if any valid packet carried invalid accel data.
func (d *Device) ProcessAccel(timestamp uint64, buf *TransferBuffer, samples int) bool {
	n := countValid(buf, samples)
	good := true

	i := 0
	for s := 0; s < samples; s++ {
		raw := packet(buf, s)
		if !validHeader(raw[0]) {
			continue
		}
		p := decodePacket(raw)
		ts := d.sampleTimestamp(timestamp, i, n)
		i++

		// -32768 marks accel data the sensor did not produce
		if p.Accel[0] == math.MinInt16 || p.Accel[1] == math.MinInt16 || p.Accel[2] == math.MinInt16 {
			good = false
			continue
		}

		// sensor frame (+x forward, +y left, +z up) to (+x forward, +y right, +z down)
		d.pub.PublishAccel(sensor.Vector3{
			Timestamp: ts,
			X:         float32(float64(p.Accel[0]) * d.accelScale),
			Y:         float32(float64(flip(p.Accel[1])) * d.accelScale),
			Z:         float32(float64(flip(p.Accel[2])) * d.accelScale),
			Dt:        uint32(d.sampleDT),
		})
	}
	return good
}

// ProcessGyro publishes the gyroscope channel of the valid packets in buf
func (d *Device) ProcessGyro(timestamp uint64, buf *TransferBuffer, samples int) {
	n := countValid(buf, samples)

	i := 0
	for s := 0; s < samples; s++ {
		raw := packet(buf, s)
		if !validHeader(raw[0]) {
			continue
		}
		p := decodePacket(raw)

		d.pub.PublishGyro(sensor.Vector3{
			Timestamp: d.sampleTimestamp(timestamp, i, n),
			X:         float32(float64(p.Gyro[0]) * d.gyroScale),
			Y:         float32(float64(flip(p.Gyro[1])) * d.gyroScale),
			Z:         float32(float64(flip(p.Gyro[2])) * d.gyroScale),
			Dt:        uint32(d.sampleDT),
		})
		i++
	}
}

func countValid(buf *TransferBuffer, samples int) int {
	n := 0
	for s := 0; s < samples; s++ {
		if validHeader(packet(buf, s)[0]) {
			n++
		}
	}
	return n
}

// Temperature conversion for the TEMP_DATA registers
const (
	temperatureSensitivity = 132.48 // LSB/C
	temperatureOffset      = 25     // C
)

// UpdateTemperature reads the die temperature and publishes it
func (d *Device) UpdateTemperature() {
	// TEMP_DATA1 and TEMP_DATA0 in one burst
	buf := [3]byte{uint8(TEMP_DATA1) | DIR_READ}
	if err := d.bus.Transfer(buf[:]); err != nil {
		d.badTransferPerf.Count()
		d.recordEvent(eventBadTransfer, uint32(TEMP_DATA1), 0)
		return
	}

	raw := int16(binary.BigEndian.Uint16(buf[1:]))
	celsius := float64(raw)/temperatureSensitivity + temperatureOffset

	// outside the operating range the reading is not plausible
	if celsius <= -40 || celsius >= 85 {
		d.logger.Debug("ignoring temperature", "celsius", celsius)
		return
	}

	d.lastTemperature.Store(math.Float32bits(float32(celsius)))
	d.pub.PublishTemperature(sensor.Temperature{
		Timestamp: d.clock.Now(),
		Celsius:   float32(celsius),
	})
}
