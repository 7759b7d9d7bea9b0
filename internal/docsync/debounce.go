package docsync

import (
	"sync"
	"time"
)

// Debouncer coalesces a burst of edits into one commit of the final value
// once quiet has elapsed with no further edit. A value equal to the last
// committed one is never committed. Commits are delivered one at a time.
type Debouncer struct {
	quiet  time.Duration
	commit func(value string)

	commitMu sync.Mutex

	mu         sync.Mutex
	timer      *time.Timer
	gen        uint64
	pending    string
	hasPending bool
	last       string
	hasLast    bool
	stopped    bool
}

func NewDebouncer(quiet time.Duration, commit func(value string)) *Debouncer {
	return &Debouncer{quiet: quiet, commit: commit}
}

// Reset sets the committed baseline and drops any pending edit.
func (d *Debouncer) Reset(value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.last = value
	d.hasLast = true
}

func (d *Debouncer) Edit(value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.cancelLocked()
	d.pending = value
	d.hasPending = true
	gen := d.gen
	d.timer = time.AfterFunc(d.quiet, func() { d.fire(gen) })
}

// Pending returns the edit waiting for its quiet period, if any.
func (d *Debouncer) Pending() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending, d.hasPending
}

// Flush commits a pending edit immediately.
func (d *Debouncer) Flush() {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	d.mu.Lock()
	d.cancelTimerLocked()
	value, ok := d.takeLocked()
	d.mu.Unlock()
	if ok {
		d.commit(value)
	}
}

// Cancel drops a pending edit without committing it.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Stop cancels any pending edit; later edits are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

func (d *Debouncer) fire(gen uint64) {
	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	value, ok := d.takeLocked()
	d.mu.Unlock()
	if ok {
		d.commit(value)
	}
}

func (d *Debouncer) takeLocked() (string, bool) {
	if d.stopped || !d.hasPending {
		return "", false
	}
	value := d.pending
	d.pending = ""
	d.hasPending = false
	if d.hasLast && value == d.last {
		return "", false
	}
	d.last = value
	d.hasLast = true
	return value, true
}

func (d *Debouncer) cancelLocked() {
	d.cancelTimerLocked()
	d.pending = ""
	d.hasPending = false
}

func (d *Debouncer) cancelTimerLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
