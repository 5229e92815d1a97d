package core

// GPIOPin identifies a hardware GPIO pin number
type GPIOPin uint32

// GPIODriver is the abstract GPIO output interface used for chip select.
// Platform-specific implementations handle actual hardware control.
type GPIODriver interface {
	// ConfigureOutput configures a pin as a digital output
	// Returns error if pin is invalid or already in use
	ConfigureOutput(pin GPIOPin) error

	// SetPin sets the pin to high (true) or low (false)
	SetPin(pin GPIOPin, value bool) error
}

// DataReadyLine delivers the sensor's data-ready (FIFO watermark) edge.
// The handler runs in interrupt or event-reader context and must not block.
type DataReadyLine interface {
	// EnableInterrupt starts delivering edges to handler with the time of
	// the edge in microseconds
	EnableInterrupt(handler func(timestampUS uint64)) error

	// DisableInterrupt stops delivery; a disabled line may be re-enabled
	DisableInterrupt() error
}
