//go:build linux

package gpioline

import (
	"fmt"
	"io"
	"time"

	"github.com/warthog618/gpiod"
	"golang.org/x/sys/unix"
)

// maxEdgeAge bounds the backdating of an edge; older kernel timestamps
// are assumed to come from another clock
const maxEdgeAge = 100 * time.Millisecond

func requestLine(cfg Config, consumer string, fn edgeFunc) (io.Closer, error) {
	line, err := gpiod.RequestLine(cfg.Chip, cfg.Offset,
		gpiod.AsInput,
		gpiod.WithRisingEdge,
		gpiod.WithConsumer(consumer),
		gpiod.WithEventHandler(func(evt gpiod.LineEvent) {
			fn(edgeAge(evt.Timestamp))
		}))
	if err != nil {
		return nil, fmt.Errorf("gpioline: request %s:%d: %w", cfg.Chip, cfg.Offset, err)
	}
	return line, nil
}

// edgeAge converts the kernel's CLOCK_MONOTONIC event stamp into the time
// since the edge
func edgeAge(stamp time.Duration) (uint64, bool) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, false
	}
	age := time.Duration(ts.Nano()) - stamp
	if age < 0 || age > maxEdgeAge {
		return 0, false
	}
	return uint64(age / time.Microsecond), true
}
