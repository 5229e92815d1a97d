// Package sensor defines the sample types IMU drivers publish and a few
// publishers for them.
package sensor

// MaxFIFOSamples is the most samples a publisher accepts from one FIFO
// transfer
const MaxFIFOSamples = 32

// Vector3 is one accelerometer (m/s^2) or gyroscope (rad/s) sample in the
// body frame: +x forward, +y right, +z down
type Vector3 struct {
	Timestamp uint64 // us
	X, Y, Z   float32
	Dt        uint32 // sample period in us
}

// Temperature is a die temperature reading
type Temperature struct {
	Timestamp uint64 // us
	Celsius   float32
}

// Publisher receives decoded samples. Calls are fire-and-forget and must not
// block the caller.
type Publisher interface {
	PublishAccel(v Vector3)
	PublishGyro(v Vector3)
	PublishTemperature(t Temperature)
	IncreaseErrorCount()
}

// Tee fans every call out to several publishers
type Tee []Publisher

func (t Tee) PublishAccel(v Vector3) {
	for _, p := range t {
		p.PublishAccel(v)
	}
}

func (t Tee) PublishGyro(v Vector3) {
	for _, p := range t {
		p.PublishGyro(v)
	}
}

func (t Tee) PublishTemperature(temp Temperature) {
	for _, p := range t {
		p.PublishTemperature(temp)
	}
}

func (t Tee) IncreaseErrorCount() {
	for _, p := range t {
		p.IncreaseErrorCount()
	}
}
