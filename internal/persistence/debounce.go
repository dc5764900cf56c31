package persistence

import "time"

// Debouncer decides when a dirty document should be saved: delay after the
// last change, but never later than maxWait after the first unsaved change.
// It holds no timers; the owner asks Next and arms its own.
type Debouncer struct {
	delay   time.Duration
	maxWait time.Duration

	first   time.Time
	last    time.Time
	dirty   bool
	version uint64
}

// NewDebouncer creates a debouncer. maxWait below delay is raised to delay.
func NewDebouncer(delay, maxWait time.Duration) *Debouncer {
	if maxWait < delay {
		maxWait = delay
	}
	return &Debouncer{delay: delay, maxWait: maxWait}
}

// Touch records a change at now
func (d *Debouncer) Touch(now time.Time) {
	d.version++
	if !d.dirty {
		d.first = now
		d.dirty = true
	}
	d.last = now
}

// Version identifies the latest recorded change. Capture it together with
// the snapshot handed to a save.
func (d *Debouncer) Version() uint64 {
	return d.version
}

// Dirty reports whether there are unsaved changes
func (d *Debouncer) Dirty() bool {
	return d.dirty
}

// Next returns how long until a save is due. It is 0 when due now and
// negative when nothing is dirty.
func (d *Debouncer) Next(now time.Time) time.Duration {
	if !d.dirty {
		return -1
	}
	due := d.last.Add(d.delay)
	if hard := d.first.Add(d.maxWait); hard.Before(due) {
		due = hard
	}
	if wait := due.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Saved clears the dirty state if no change was recorded after version.
// Otherwise the window for the newer changes restarts at now.
func (d *Debouncer) Saved(version uint64, now time.Time) {
	if !d.dirty {
		return
	}
	if version < d.version {
		d.first = now
		return
	}
	d.dirty = false
	d.first, d.last = time.Time{}, time.Time{}
}

// Retry keeps the state dirty and restarts the window from now, so a failed
// save is tried again on the next debounce window
func (d *Debouncer) Retry(now time.Time) {
	d.dirty = true
	d.first = now
	d.last = now
}
