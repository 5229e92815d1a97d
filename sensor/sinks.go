package sensor

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind tags a Sample from a ChannelSink
type Kind uint8

const (
	KindAccel Kind = iota
	KindGyro
	KindTemperature
)

func (k Kind) String() string {
	switch k {
	case KindAccel:
		return "accel"
	case KindGyro:
		return "gyro"
	case KindTemperature:
		return "temp"
	default:
		return "unknown"
	}
}

// Sample is a tagged union carried by ChannelSink
type Sample struct {
	Kind   Kind
	Vector Vector3     // accel, gyro
	Temp   Temperature // temperature
}

// ChannelSink forwards samples to a buffered channel. When the consumer
// falls behind samples are dropped and counted, never blocking the driver.
type ChannelSink struct {
	C chan Sample

	dropped atomic.Uint64
	errors  atomic.Uint64
}

// NewChannelSink creates a sink with the given channel capacity
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{C: make(chan Sample, capacity)}
}

func (s *ChannelSink) push(sample Sample) {
	select {
	case s.C <- sample:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) PublishAccel(v Vector3) {
	s.push(Sample{Kind: KindAccel, Vector: v})
}

func (s *ChannelSink) PublishGyro(v Vector3) {
	s.push(Sample{Kind: KindGyro, Vector: v})
}

func (s *ChannelSink) PublishTemperature(t Temperature) {
	s.push(Sample{Kind: KindTemperature, Temp: t})
}

func (s *ChannelSink) IncreaseErrorCount() {
	s.errors.Add(1)
}

// Dropped returns how many samples did not fit in the channel
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

// Errors returns the publisher error count
func (s *ChannelSink) Errors() uint64 { return s.errors.Load() }

// Recorder keeps every sample in memory
type Recorder struct {
	mu     sync.Mutex
	accel  []Vector3
	gyro   []Vector3
	temp   []Temperature
	errors int
}

func (r *Recorder) PublishAccel(v Vector3) {
	r.mu.Lock()
	r.accel = append(r.accel, v)
	r.mu.Unlock()
}

func (r *Recorder) PublishGyro(v Vector3) {
	r.mu.Lock()
	r.gyro = append(r.gyro, v)
	r.mu.Unlock()
}

func (r *Recorder) PublishTemperature(t Temperature) {
	r.mu.Lock()
	r.temp = append(r.temp, t)
	r.mu.Unlock()
}

func (r *Recorder) IncreaseErrorCount() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

// Accel returns a copy of the recorded accelerometer samples
func (r *Recorder) Accel() []Vector3 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Vector3(nil), r.accel...)
}

// Gyro returns a copy of the recorded gyroscope samples
func (r *Recorder) Gyro() []Vector3 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Vector3(nil), r.gyro...)
}

// Temperatures returns a copy of the recorded temperatures
func (r *Recorder) Temperatures() []Temperature {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Temperature(nil), r.temp...)
}

// Errors returns the publisher error count
func (r *Recorder) Errors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors
}

// Reset discards everything recorded
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.accel, r.gyro, r.temp, r.errors = nil, nil, nil, 0
	r.mu.Unlock()
}

// LogSink logs one in every N vector samples at debug level and every
// temperature at info level
type LogSink struct {
	logger *slog.Logger
	every  uint64

	accelSeen atomic.Uint64
	gyroSeen  atomic.Uint64
}

// NewLogSink creates a log sink; every < 1 is treated as 1
func NewLogSink(logger *slog.Logger, every int) *LogSink {
	if every < 1 {
		every = 1
	}
	return &LogSink{logger: logger, every: uint64(every)}
}

func (s *LogSink) PublishAccel(v Vector3) {
	if s.accelSeen.Add(1)%s.every == 0 {
		s.logger.Debug("accel", "ts", v.Timestamp, "x", v.X, "y", v.Y, "z", v.Z)
	}
}

func (s *LogSink) PublishGyro(v Vector3) {
	if s.gyroSeen.Add(1)%s.every == 0 {
		s.logger.Debug("gyro", "ts", v.Timestamp, "x", v.X, "y", v.Y, "z", v.Z)
	}
}

func (s *LogSink) PublishTemperature(t Temperature) {
	s.logger.Info("temperature", "ts", t.Timestamp, "celsius", t.Celsius)
}

func (s *LogSink) IncreaseErrorCount() {
	s.logger.Debug("publisher error count increased")
}
