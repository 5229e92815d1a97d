// Package gpioline delivers a GPIO rising edge, such as the IMU's data-ready
// pin, to a handler with a core.Clock timestamp.
package gpioline

import (
	"errors"
	"io"
	"sync"

	"imufifo/core"
)

var (
	ErrUnsupported = errors.New("gpioline: edge events not supported on this platform")
	ErrEnabled     = errors.New("gpioline: already enabled")
)

// Config names the line
type Config struct {
	Chip   string // e.g. gpiochip0
	Offset int
}

// edgeFunc receives an edge with its age in microseconds, when known
type edgeFunc func(ageUS uint64, known bool)

// requestFunc claims the line and starts delivering rising edges
type requestFunc func(cfg Config, consumer string, fn edgeFunc) (io.Closer, error)

// Line implements core.DataReadyLine on a GPIO chip line
type Line struct {
	cfg     Config
	clock   core.Clock
	request requestFunc

	mu     sync.Mutex
	closer io.Closer
}

var _ core.DataReadyLine = (*Line)(nil)

// New describes the line; nothing is claimed until EnableInterrupt
func New(cfg Config, clock core.Clock) *Line {
	return &Line{cfg: cfg, clock: clock, request: requestLine}
}

// EnableInterrupt claims the line and starts delivering edges
func (l *Line) EnableInterrupt(handler func(timestampUS uint64)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer != nil {
		return ErrEnabled
	}

	c, err := l.request(l.cfg, "imufifo-drdy", func(ageUS uint64, known bool) {
		now := l.clock.Now()
		if known && ageUS <= now {
			now -= ageUS
		}
		handler(now)
	})
	if err != nil {
		return err
	}
	l.closer = c
	core.Log(core.ComponentHost).Debug("data ready line enabled", "chip", l.cfg.Chip, "offset", l.cfg.Offset)
	return nil
}

// DisableInterrupt releases the line
func (l *Line) DisableInterrupt() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
