package icm42688p

import (
	"encoding/binary"
	"fmt"

	"imufifo/core"
	"imufifo/sensor"
)

// FIFOMaxSamples is the most packets read in one burst: one more than the
// FIFO holds, bounded by what a publisher accepts per transfer
const FIFOMaxSamples = min(FIFOSize/PacketSize+1, sensor.MaxFIFOSamples)

// TransferBuffer is the FIFO burst: the FIFO_DATA read command followed by
// packed 16 byte packets
type TransferBuffer [1 + FIFOMaxSamples*PacketSize]byte

// FIFOPacket is FIFO packet 3 as laid out on the wire (big endian fields)
type FIFOPacket struct {
	Header      uint8
	Accel       [3]int16
	Gyro        [3]int16
	Temperature int8
	Timestamp   uint16
}

// Valid reports whether the packet carries both accel and gyro data
func (p *FIFOPacket) Valid() bool {
	return validHeader(p.Header)
}

func validHeader(h uint8) bool {
	return h&HEADER_MSG == 0 && h&HEADER_ACCEL != 0 && h&HEADER_GYRO != 0
}

// packet returns the raw bytes of packet i in a transfer buffer
func packet(buf *TransferBuffer, i int) []byte {
	off := 1 + i*PacketSize
	return buf[off : off+PacketSize]
}

func decodePacket(b []byte) FIFOPacket {
	p := FIFOPacket{
		Header:      b[0],
		Temperature: int8(b[13]),
		Timestamp:   binary.BigEndian.Uint16(b[14:]),
	}
	for i := 0; i < 3; i++ {
		p.Accel[i] = int16(binary.BigEndian.Uint16(b[1+2*i:]))
		p.Gyro[i] = int16(binary.BigEndian.Uint16(b[7+2*i:]))
	}
	return p
}

// Capacity returns the number of packets one FIFORead can transfer
func (d *Device) Capacity() int {
	return d.capacity
}

// FIFOReadCount returns the number of complete packets waiting in the FIFO.
// ok is false when the count could not be read.
func (d *Device) FIFOReadCount() (samples uint16, ok bool) {
	// FIFO_COUNTH and FIFO_COUNTL in one burst
	buf := [3]byte{uint8(FIFO_COUNTH) | DIR_READ}
	if err := d.bus.Transfer(buf[:]); err != nil {
		d.badTransferPerf.Count()
		d.recordEvent(eventBadTransfer, uint32(FIFO_COUNTH), 0)
		return 0, false
	}

	count := binary.BigEndian.Uint16(buf[1:])
	return count / PacketSize, true
}

// FIFORead drains up to count packets in a single burst and publishes the
// valid ones. timestamp is the time of the newest packet.
func (d *Device) FIFORead(timestamp uint64, count uint16) bool {
	if count == 0 {
		d.fifoEmptyPerf.Count()
		return false
	}

	samples := min(int(count), d.capacity)

	status, err := d.RegisterRead(INT_STATUS)
	if err != nil {
		d.badTransferPerf.Count()
		d.recordEvent(eventBadTransfer, uint32(INT_STATUS), 0)
		return false
	}
	if status&FIFO_FULL_INT != 0 {
		// the batch is incomplete, drop it
		d.fifoOverflowPerf.Count()
		d.recordEvent(eventFIFOOverflow, uint32(count), uint32(status))
		d.fault(fmt.Errorf("%w: INT_STATUS 0x%02X", ErrFIFOOverflow, status))
		d.FIFOReset()
		return false
	}

	clear(d.buf[:])
	d.buf[0] = uint8(FIFO_DATA) | DIR_READ
	transferSize := 1 + samples*PacketSize

	start := d.transferPerf.Begin()
	err = d.bus.Transfer(d.buf[:transferSize])
	d.transferPerf.End(start)

	if err != nil {
		d.badTransferPerf.Count()
		d.recordEvent(eventBadTransfer, uint32(FIFO_DATA), uint32(samples))
		return false
	}

	valid := 0
	for i := 0; i < samples; i++ {
		if validHeader(packet(&d.buf, i)[0]) {
			valid++
		}
	}

	if valid < samples {
		// marker or corrupt packets in the batch
		d.badTransferPerf.Count()
		d.recordEvent(eventBadTransfer, uint32(samples), uint32(valid))
	}
	if valid == 0 {
		return false
	}

	d.ProcessGyro(timestamp, &d.buf, samples)
	if !d.ProcessAccel(timestamp, &d.buf, samples) {
		d.pub.IncreaseErrorCount()
	}
	return true
}

// FIFOReset flushes the device FIFO and discards pending data-ready events
func (d *Device) FIFOReset() {
	d.fifoResetPerf.Count()
	d.recordEvent(eventFIFOReset, 0, 0)

	// SIGNAL_PATH_RESET: FIFO flush
	d.RegisterSetBits(SIGNAL_PATH_RESET, FIFO_FLUSH)

	d.fifoWatermarkInterruptTimestamp.Store(0)
	d.dataReadyCount.Store(0)
	d.fifoReadSamples.Store(0)
}

func (d *Device) recordEvent(evt uint8, v1, v2 uint32) {
	core.RecordTiming(evt, d.id, d.clock.Now(), v1, v2)
}
