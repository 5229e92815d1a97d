//go:build rp2040 || rp2350

package main

import (
	"io"
	"strconv"

	"imufifo/sensor"
)

// serialSink writes one in every n samples as a compact text line. It
// formats with strconv to stay clear of fmt on the MCU.
type serialSink struct {
	w     io.Writer
	every uint32
	seen  uint32
	buf   []byte
}

func newSerialSink(w io.Writer, every uint32) *serialSink {
	if every == 0 {
		every = 1
	}
	return &serialSink{w: w, every: every, buf: make([]byte, 0, 64)}
}

func (s *serialSink) vector(tag string, v sensor.Vector3) {
	s.seen++
	if s.seen%s.every != 0 {
		return
	}
	b := append(s.buf[:0], tag...)
	b = append(b, ' ')
	b = strconv.AppendUint(b, v.Timestamp, 10)
	for _, c := range [3]float32{v.X, v.Y, v.Z} {
		b = append(b, ' ')
		b = strconv.AppendFloat(b, float64(c), 'f', 4, 32)
	}
	b = append(b, '\r', '\n')
	s.w.Write(b)
}

func (s *serialSink) PublishAccel(v sensor.Vector3) { s.vector("A", v) }

func (s *serialSink) PublishGyro(v sensor.Vector3) { s.vector("G", v) }

func (s *serialSink) PublishTemperature(t sensor.Temperature) {
	b := append(s.buf[:0], "T "...)
	b = strconv.AppendUint(b, t.Timestamp, 10)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, float64(t.Celsius), 'f', 2, 32)
	b = append(b, '\r', '\n')
	s.w.Write(b)
}

func (s *serialSink) IncreaseErrorCount() {
	s.w.Write([]byte("E\r\n"))
}
