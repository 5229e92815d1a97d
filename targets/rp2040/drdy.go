//go:build rp2040 || rp2350

package main

import (
	"machine"
	"sync/atomic"

	"imufifo/core"
)

// pinLine is core.DataReadyLine on a GPIO pin. The ISR only latches the
// edge time; poll hands it to the driver from the main loop.
type pinLine struct {
	pin   machine.Pin
	clock core.Clock

	handler atomic.Pointer[func(uint64)]
	edge    atomic.Uint64 // 0 = none pending
}

func newPinLine(pin machine.Pin, clock core.Clock) *pinLine {
	pin.Configure(machine.PinConfig{Mode: machine.PinInput})
	return &pinLine{pin: pin, clock: clock}
}

func (l *pinLine) EnableInterrupt(handler func(uint64)) error {
	l.handler.Store(&handler)
	return l.pin.SetInterrupt(machine.PinRising, func(machine.Pin) {
		l.edge.Store(l.clock.Now())
	})
}

func (l *pinLine) DisableInterrupt() error {
	err := l.pin.SetInterrupt(0, nil)
	l.handler.Store(nil)
	l.edge.Store(0)
	return err
}

// poll delivers a latched edge
func (l *pinLine) poll() {
	ts := l.edge.Swap(0)
	if ts == 0 {
		return
	}
	if h := l.handler.Load(); h != nil {
		(*h)(ts)
	}
}
