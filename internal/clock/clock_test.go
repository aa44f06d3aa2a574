package clock

import (
	"testing"
	"time"
)

var start = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(start)
	var order []string
	var firedAt []time.Time

	record := func(name string) func() {
		return func() {
			order = append(order, name)
			firedAt = append(firedAt, c.Now())
		}
	}
	c.AfterFunc(3*time.Minute, record("c"))
	c.AfterFunc(time.Minute, record("a"))
	c.AfterFunc(time.Minute, record("b"))
	c.AfterFunc(time.Hour, record("late"))

	c.Advance(5 * time.Minute)

	if got := len(order); got != 3 {
		t.Fatalf("Fired count mismatch: got %d, want 3", got)
	}
	for i, want := range []string{"a", "b", "c"} {
		if order[i] != want {
			t.Errorf("Order[%d] mismatch: got %s, want %s", i, order[i], want)
		}
	}
	if !firedAt[2].Equal(start.Add(3 * time.Minute)) {
		t.Errorf("Callback time mismatch: got %v, want %v", firedAt[2], start.Add(3*time.Minute))
	}
	if !c.Now().Equal(start.Add(5 * time.Minute)) {
		t.Errorf("Now mismatch: got %v", c.Now())
	}
	if c.Pending() != 1 {
		t.Errorf("Pending mismatch: got %d, want 1", c.Pending())
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(start)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("First Stop should report an active timer")
	}
	if timer.Stop() {
		t.Error("Second Stop should report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("Stopped timer fired")
	}
	if _, ok := c.NextDeadline(); ok {
		t.Error("Expected no pending deadline")
	}
}

func TestFakeChainedTimersInsideWindow(t *testing.T) {
	c := NewFake(start)
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Minute, tick)
	}
	c.AfterFunc(time.Minute, tick)

	c.Advance(5*time.Minute + 30*time.Second)
	if count != 5 {
		t.Errorf("Tick count mismatch: got %d, want 5", count)
	}
	next, ok := c.NextDeadline()
	if !ok || !next.Equal(start.Add(6*time.Minute)) {
		t.Errorf("Next deadline mismatch: got %v", next)
	}
}
