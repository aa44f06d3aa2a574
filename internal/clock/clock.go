// Package clock abstracts wall time and one-shot timers so schedulers can be
// driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already fired
	// or was stopped.
	Stop() bool
}

// Clock provides the current time and one-shot callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced Clock. Timers fire synchronously on the
// goroutine calling Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	seq    int
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	seq      int
	fn       func()
	active   bool
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers f to run once the fake time reaches now+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), seq: f.seq, fn: fn, active: true}
	f.timers = append(f.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

// Pending returns the number of timers that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if t.active {
			n++
		}
	}
	return n
}

// NextDeadline returns the earliest pending deadline, or false if none.
func (f *Fake) NextDeadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range f.timers {
		if t.active && (!found || t.deadline.Before(next)) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

// Advance moves time forward by d, firing every timer whose deadline falls
// inside the window. Timers scheduled by fired callbacks also fire if they
// fall inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		due := f.dueLocked(target)
		if due == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		due.active = false
		if due.deadline.After(f.now) {
			f.now = due.deadline
		}
		fn := due.fn
		f.mu.Unlock()

		fn()
	}
}

func (f *Fake) dueLocked(target time.Time) *fakeTimer {
	var active []*fakeTimer
	for _, t := range f.timers {
		if t.active {
			active = append(active, t)
		}
	}
	f.timers = active
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].deadline.Equal(active[j].deadline) {
			return active[i].seq < active[j].seq
		}
		return active[i].deadline.Before(active[j].deadline)
	})
	if len(active) == 0 || active[0].deadline.After(target) {
		return nil
	}
	return active[0]
}
