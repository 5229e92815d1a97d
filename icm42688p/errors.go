package icm42688p

import "errors"

var (
	// ErrConfigVerification: a register did not read back as configured
	ErrConfigVerification = errors.New("register verification failed")

	// ErrTransfer: the bus transport reported an error
	ErrTransfer = errors.New("bus transfer failed")

	// ErrFIFOOverflow: the FIFO filled before it was drained
	ErrFIFOOverflow = errors.New("FIFO overflow")

	// ErrResetTimeout: the device did not come out of soft reset after all retries
	ErrResetTimeout = errors.New("reset timeout")

	// ErrWhoAmI: the device identity register did not match
	ErrWhoAmI = errors.New("unexpected WHO_AM_I")

	// ErrStopped: the driver is stopped
	ErrStopped = errors.New("driver stopped")
)
