package core

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// PerfType selects how a PerfCounter interprets its samples
type PerfType uint8

const (
	PerfCount    PerfType = iota // plain event count
	PerfElapsed                  // duration of a section (Begin/End)
	PerfInterval                 // time between successive Tick calls
)

func (t PerfType) String() string {
	switch t {
	case PerfCount:
		return "count"
	case PerfElapsed:
		return "elapsed"
	case PerfInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// PerfCounter is an advisory metric. Each counter has a single writer
// (the state machine or the interrupt path); readers may run concurrently.
type PerfCounter struct {
	name  string
	typ   PerfType
	clock Clock

	events atomic.Uint64
	total  atomic.Uint64 // sum of durations in us
	min    atomic.Uint64
	max    atomic.Uint64
	last   atomic.Uint64 // previous Tick time
}

// PerfSnapshot is a point-in-time copy of a counter
type PerfSnapshot struct {
	Name   string
	Type   PerfType
	Events uint64
	Avg    uint64 // us, elapsed/interval only
	Min    uint64
	Max    uint64
}

// Name returns the counter name
func (p *PerfCounter) Name() string { return p.name }

// Count increments an event counter
func (p *PerfCounter) Count() {
	p.events.Add(1)
}

// Events returns the number of recorded events
func (p *PerfCounter) Events() uint64 {
	return p.events.Load()
}

// Begin starts timing a section and returns the start time for End
func (p *PerfCounter) Begin() uint64 {
	return p.clock.Now()
}

// End records the duration since start
func (p *PerfCounter) End(start uint64) {
	p.record(Elapsed(p.clock, start))
}

// Tick records the interval since the previous tick at time now
func (p *PerfCounter) Tick(now uint64) {
	prev := p.last.Swap(now)
	if prev == 0 || now < prev {
		// first tick only establishes the reference
		return
	}
	p.record(now - prev)
}

func (p *PerfCounter) record(us uint64) {
	n := p.events.Add(1)
	p.total.Add(us)
	if n == 1 || us < p.min.Load() {
		p.min.Store(us)
	}
	if us > p.max.Load() {
		p.max.Store(us)
	}
}

// Reset clears all recorded data
func (p *PerfCounter) Reset() {
	p.events.Store(0)
	p.total.Store(0)
	p.min.Store(0)
	p.max.Store(0)
	p.last.Store(0)
}

// Snapshot copies the counter
func (p *PerfCounter) Snapshot() PerfSnapshot {
	s := PerfSnapshot{
		Name:   p.name,
		Type:   p.typ,
		Events: p.events.Load(),
	}
	if p.typ != PerfCount && s.Events > 0 {
		s.Avg = p.total.Load() / s.Events
		s.Min = p.min.Load()
		s.Max = p.max.Load()
	}
	return s
}

func (s PerfSnapshot) String() string {
	if s.Type == PerfCount || s.Events == 0 {
		return fmt.Sprintf("%s: %d events", s.Name, s.Events)
	}
	return fmt.Sprintf("%s: %d events, %dus avg, min %dus max %dus", s.Name, s.Events, s.Avg, s.Min, s.Max)
}

// Perf is a registry of named counters
type Perf struct {
	mu       sync.Mutex
	clock    Clock
	counters []*PerfCounter
}

// NewPerf creates a registry; elapsed counters are timed with clock
func NewPerf(clock Clock) *Perf {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Perf{clock: clock}
}

// Counter returns the counter called name, creating it if needed. The type
// is fixed by the first call.
func (r *Perf) Counter(name string, typ PerfType) *PerfCounter {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.counters {
		if c.name == name {
			return c
		}
	}
	c := &PerfCounter{name: name, typ: typ, clock: r.clock}
	r.counters = append(r.counters, c)
	return c
}

// Lookup returns a registered counter or nil
func (r *Perf) Lookup(name string) *PerfCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.counters {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Snapshot returns all counters sorted by name
func (r *Perf) Snapshot() []PerfSnapshot {
	r.mu.Lock()
	out := make([]PerfSnapshot, 0, len(r.counters))
	for _, c := range r.counters {
		out = append(out, c.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Print writes one line per counter
func (r *Perf) Print(w io.Writer) {
	for _, s := range r.Snapshot() {
		fmt.Fprintln(w, s.String())
	}
}

// Saturate16 clamps a counter value into a 16-bit register
func Saturate16(v uint64) uint16 {
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
