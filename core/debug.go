package core

import (
	"log/slog"
	"sync"
)

// TimingEvent captures a driver event for post-mortem analysis
type TimingEvent struct {
	EventType uint8  // Event type code
	ID        uint8  // Device instance
	Clock     uint64 // Clock at event (us)
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtStateChange  = 1 // state transition, v1=from v2=to
	EvtFIFOOverflow = 2 // overflow detected, v1=count in samples
	EvtFIFOReset    = 3 // FIFO flushed
	EvtBadRegister  = 4 // register check failed, v1=reg v2=value read
	EvtBadTransfer  = 5 // bus transfer failed or returned garbage
	EvtSoftReset    = 6 // device soft reset, v1=attempt
	EvtDRDYMissed   = 7 // several data-ready edges per cycle, v1=edges
)

const (
	TimingRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	timingMu       sync.Mutex
	timingRing     [TimingRingSize]TimingEvent
	timingRingHead uint8 // Next write position
)

// RecordTiming captures an event in the ring buffer, overwriting the oldest
func RecordTiming(eventType, id uint8, clock uint64, value1, value2 uint32) {
	timingMu.Lock()
	idx := timingRingHead
	timingRing[idx] = TimingEvent{
		EventType: eventType,
		ID:        id,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	timingRingHead = (idx + 1) % TimingRingSize
	timingMu.Unlock()
}

// TimingEvents returns the recorded events from oldest to newest
func TimingEvents() []TimingEvent {
	timingMu.Lock()
	defer timingMu.Unlock()

	var out []TimingEvent
	start := timingRingHead
	for i := uint8(0); i < TimingRingSize; i++ {
		evt := timingRing[(start+i)%TimingRingSize]
		if evt.EventType == 0 {
			continue // Empty slot
		}
		out = append(out, evt)
	}
	return out
}

// EventName returns a printable name for an event type
func EventName(eventType uint8) string {
	switch eventType {
	case EvtStateChange:
		return "STATE"
	case EvtFIFOOverflow:
		return "FIFO_OVERFLOW"
	case EvtFIFOReset:
		return "FIFO_RESET"
	case EvtBadRegister:
		return "BAD_REGISTER"
	case EvtBadTransfer:
		return "BAD_TRANSFER"
	case EvtSoftReset:
		return "SOFT_RESET"
	case EvtDRDYMissed:
		return "DRDY_MISSED"
	default:
		return "UNKNOWN"
	}
}

// DumpTimingRing logs the ring buffer (call on shutdown/error)
func DumpTimingRing(logger *slog.Logger) {
	events := TimingEvents()
	logger.Info("timing ring dump", "events", len(events))
	for _, evt := range events {
		logger.Info("timing",
			"event", EventName(evt.EventType),
			"id", evt.ID,
			"clock", evt.Clock,
			"v1", evt.Value1,
			"v2", evt.Value2)
	}
}

// ClearTimingRing clears the timing buffer
func ClearTimingRing() {
	timingMu.Lock()
	defer timingMu.Unlock()
	for i := range timingRing {
		timingRing[i] = TimingEvent{}
	}
	timingRingHead = 0
}
