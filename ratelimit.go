package teamchat

import (
	"sync"
	"time"
)

// ============================================================================
// Debouncer
// ============================================================================

// Debouncer runs fn once wait has elapsed since the most recent Trigger.
//
// The timer is owned by the Debouncer: Cancel guarantees fn will not run for
// any Trigger issued before it, even if the underlying timer already fired.
type Debouncer struct {
	wait time.Duration
	fn   func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
}

// NewDebouncer creates a debouncer for fn.
func NewDebouncer(wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{wait: wait, fn: fn}
}

// Trigger (re)starts the wait window.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = true
	d.timer = time.AfterFunc(d.wait, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Cancel drops a pending invocation. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

func (d *Debouncer) cancelLocked() bool {
	wasPending := d.pending
	d.gen++
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return wasPending
}

// Flush runs a pending invocation immediately on the caller's goroutine.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.cancelLocked() {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	d.fn()
	return true
}

// Pending reports whether an invocation is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// ============================================================================
// Throttler
// ============================================================================

// Throttler limits work to one run per interval. Do also keeps the latest
// suppressed call and runs it at the end of the window, so the final state
// is never dropped.
type Throttler struct {
	interval time.Duration

	mu       sync.Mutex
	last     time.Time
	trailing func()
	timer    *time.Timer
	stopped  bool
}

// NewThrottler creates a throttler with the given interval.
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{interval: interval}
}

// Allow reports whether a leading-edge call may run now and records it if so.
func (t *Throttler) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	return t.allowLocked(time.Now())
}

func (t *Throttler) allowLocked(now time.Time) bool {
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Do runs fn now if the window is open. Otherwise fn replaces any previously
// deferred call and runs when the window closes. It reports whether fn ran
// synchronously.
func (t *Throttler) Do(fn func()) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	now := time.Now()
	if t.allowLocked(now) {
		t.mu.Unlock()
		fn()
		return true
	}
	t.trailing = fn
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval-now.Sub(t.last), t.runTrailing)
	}
	t.mu.Unlock()
	return false
}

func (t *Throttler) runTrailing() {
	t.mu.Lock()
	fn := t.trailing
	t.trailing = nil
	t.timer = nil
	if t.stopped || fn == nil {
		t.mu.Unlock()
		return
	}
	t.last = time.Now()
	t.mu.Unlock()

	fn()
}

// Stop discards any deferred call. The throttler rejects all work afterwards.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.trailing = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
