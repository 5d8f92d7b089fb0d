package lib

import (
	"testing"
	"time"
)

func TestVirtualClockFiresInDeadlineOrder(t *testing.T) {
	vc := NewVirtualClock()
	var order []int

	vc.Schedule(30*time.Millisecond, func() { order = append(order, 3) })
	vc.Schedule(10*time.Millisecond, func() { order = append(order, 1) })
	vc.Schedule(20*time.Millisecond, func() { order = append(order, 2) })

	vc.Advance(25 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("fired %v, want [1 2]", order)
	}
	if vc.PendingTimers() != 1 {
		t.Errorf("pending = %d, want 1", vc.PendingTimers())
	}

	vc.Advance(5 * time.Millisecond)
	if len(order) != 3 {
		t.Fatalf("fired %v, want all three", order)
	}
}

func TestVirtualClockNowAtFiringTime(t *testing.T) {
	vc := NewVirtualClock()
	start := vc.Now()

	var observed time.Time
	vc.Schedule(10*time.Millisecond, func() { observed = vc.Now() })

	vc.Advance(time.Hour)
	if got := observed.Sub(start); got != 10*time.Millisecond {
		t.Errorf("callback observed t=%v, want exactly its deadline", got)
	}
	if got := vc.Now().Sub(start); got != time.Hour {
		t.Errorf("clock ended at %v, want the full advance", got)
	}
}

func TestVirtualClockCancel(t *testing.T) {
	vc := NewVirtualClock()
	fired := false
	token := vc.Schedule(time.Second, func() { fired = true })

	vc.Cancel(token)
	vc.Advance(2 * time.Second)
	if fired {
		t.Error("cancelled timer fired")
	}
	// cancelling again, or after the window passed, is a no-op
	vc.Cancel(token)
}

func TestVirtualClockTiesFireInScheduleOrder(t *testing.T) {
	vc := NewVirtualClock()
	var order []int
	for i := 0; i < 4; i++ {
		i := i
		vc.Schedule(time.Second, func() { order = append(order, i) })
	}

	vc.Advance(time.Second)
	for i, got := range order {
		if got != i {
			t.Fatalf("tied timers fired as %v, want schedule order", order)
		}
	}
}

func TestVirtualClockNestedSchedule(t *testing.T) {
	vc := NewVirtualClock()
	var order []string
	vc.Schedule(time.Second, func() {
		order = append(order, "outer")
		vc.Schedule(time.Second, func() { order = append(order, "inner") })
	})

	// the nested timer falls inside the advanced window, so it fires too
	vc.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("fired %v, want [outer inner]", order)
	}
}

func TestSystemSchedulerFiresThroughRunner(t *testing.T) {
	done := make(chan struct{})
	ss := NewSystemScheduler(func(fn func()) { fn() })

	ss.Schedule(5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestSystemSchedulerCancel(t *testing.T) {
	fired := make(chan struct{}, 1)
	ss := NewSystemScheduler(func(fn func()) { fn() })

	token := ss.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })
	ss.Cancel(token)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}
