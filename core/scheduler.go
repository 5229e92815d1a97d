package core

import (
	"context"
	"sync"
	"time"
)

// Scheduler is the scheduling capability a periodic driver depends on.
// All delays are in microseconds.
type Scheduler interface {
	// ScheduleNow queues the item to run as soon as possible
	ScheduleNow()

	// ScheduleDelayed runs the item once after delay, cancelling any interval
	ScheduleDelayed(delay uint64)

	// ScheduleOnInterval runs the item every interval, first after delay
	ScheduleOnInterval(interval, delay uint64)

	// ScheduleClear removes any pending run
	ScheduleClear()
}

// WorkItem is a unit of work attached to a WorkQueue. It implements
// Scheduler; its schedule methods are safe to call from any goroutine.
type WorkItem struct {
	Name string

	wq       *WorkQueue
	run      func()
	wakeTime uint64
	interval uint64
	queued   bool
	next     *WorkItem
}

// WorkQueue runs its items one at a time on a single goroutine, ordered by
// wake time. Items never run concurrently with each other.
type WorkQueue struct {
	Name string

	mu    sync.Mutex
	clock Clock
	list  *WorkItem // sorted by wakeTime
	wake  chan struct{}
}

// NewWorkQueue creates an empty work queue using clock for wake times
func NewWorkQueue(name string, clock Clock) *WorkQueue {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &WorkQueue{
		Name:  name,
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the queue's time source
func (wq *WorkQueue) Clock() Clock {
	return wq.clock
}

// NewItem creates a work item bound to this queue. run executes on the
// queue goroutine.
func (wq *WorkQueue) NewItem(name string, run func()) *WorkItem {
	return &WorkItem{Name: name, wq: wq, run: run}
}

// ScheduleNow implements Scheduler
func (w *WorkItem) ScheduleNow() {
	w.ScheduleDelayed(0)
}

// ScheduleDelayed implements Scheduler
func (w *WorkItem) ScheduleDelayed(delay uint64) {
	w.wq.schedule(w, w.wq.clock.Now()+delay, 0)
}

// ScheduleOnInterval implements Scheduler
func (w *WorkItem) ScheduleOnInterval(interval, delay uint64) {
	w.wq.schedule(w, w.wq.clock.Now()+delay, interval)
}

// ScheduleClear implements Scheduler
func (w *WorkItem) ScheduleClear() {
	wq := w.wq
	wq.mu.Lock()
	wq.remove(w)
	w.interval = 0
	wq.mu.Unlock()
}

// Scheduled reports whether the item has a pending run
func (w *WorkItem) Scheduled() bool {
	w.wq.mu.Lock()
	defer w.wq.mu.Unlock()
	return w.queued
}

func (wq *WorkQueue) schedule(w *WorkItem, wakeTime, interval uint64) {
	wq.mu.Lock()
	wq.remove(w)
	w.wakeTime = wakeTime
	w.interval = interval
	wq.insert(w)
	wq.mu.Unlock()

	// Wake the runner so it can recompute its sleep
	select {
	case wq.wake <- struct{}{}:
	default:
	}
}

// insert inserts an item in sorted order by wakeTime.
// Must be called with lock held.
func (wq *WorkQueue) insert(w *WorkItem) {
	w.queued = true
	if wq.list == nil || w.wakeTime < wq.list.wakeTime {
		w.next = wq.list
		wq.list = w
		return
	}

	current := wq.list
	for current.next != nil && current.next.wakeTime <= w.wakeTime {
		current = current.next
	}

	w.next = current.next
	current.next = w
}

// remove unlinks an item if it is queued.
// Must be called with lock held.
func (wq *WorkQueue) remove(w *WorkItem) {
	if !w.queued {
		return
	}
	w.queued = false

	if wq.list == w {
		wq.list = w.next
		w.next = nil
		return
	}
	for current := wq.list; current != nil; current = current.next {
		if current.next == w {
			current.next = w.next
			break
		}
	}
	w.next = nil
}

// RunPending runs every item whose wake time has passed and returns how many
// ran. Interval items are re-queued before they run, so an item that
// reschedules itself from run overrides its interval.
func (wq *WorkQueue) RunPending() int {
	wq.mu.Lock()
	now := wq.clock.Now()

	var due []*WorkItem
	for wq.list != nil && wq.list.wakeTime <= now {
		w := wq.list
		wq.list = w.next
		w.next = nil
		w.queued = false

		if w.interval > 0 {
			w.wakeTime += w.interval
			if w.wakeTime <= now {
				// fell behind, don't burst to catch up
				w.wakeTime = now + w.interval
			}
			wq.insert(w)
		}
		due = append(due, w)
	}
	wq.mu.Unlock()

	for _, w := range due {
		w.run()
	}
	return len(due)
}

// NextWake returns the wake time of the earliest queued item
func (wq *WorkQueue) NextWake() (uint64, bool) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.list == nil {
		return 0, false
	}
	return wq.list.wakeTime, true
}

// Run dispatches items until ctx is cancelled. It is the only goroutine
// that executes item run functions.
func (wq *WorkQueue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wq.RunPending()

		sleep := time.Hour
		if wake, ok := wq.NextWake(); ok {
			sleep = DurationFromUS(wake - min(wake, wq.clock.Now()))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wq.wake:
		case <-timer.C:
		}
	}
}
