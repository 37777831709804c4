package clock

import (
	"testing"
	"time"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []int
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	m.AfterFunc(10*time.Millisecond, func() {
		order = append(order, 1)
		m.AfterFunc(5*time.Millisecond, func() { order = append(order, 2) })
	})

	m.Advance(20 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected order after 20ms: %v", order)
	}
	m.Advance(20 * time.Millisecond)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("unexpected order after 40ms: %v", order)
	}
	if got := m.Now(); !got.Equal(time.Unix(0, 0).Add(40 * time.Millisecond)) {
		t.Fatalf("unexpected now %v", got)
	}
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Millisecond, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected stop to succeed")
	}
	if timer.Stop() {
		t.Fatal("second stop should report false")
	}
	m.Advance(time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}
