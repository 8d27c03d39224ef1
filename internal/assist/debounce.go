package assist

import (
	"sync"
	"time"
)

// DefaultDebounce is the trailing quiet period applied to description
// edits before recommended bindings are re-derived.
const DefaultDebounce = 600 * time.Millisecond

// Debouncer coalesces bursts of triggers per key into one callback after
// a fixed trailing delay. Each new trigger for a key resets its timer, so
// only the last edit of a burst propagates.
type Debouncer struct {
	delay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewDebouncer creates a Debouncer with the given trailing delay.
// A non-positive delay falls back to DefaultDebounce.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{
		delay:  delay,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger schedules fn to run after the quiet period, replacing any
// pending callback for the same key.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending callback for the key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// Stop cancels all pending callbacks.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}
