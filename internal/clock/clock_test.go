package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	clk := NewFake(0)

	var fired []int64
	clk.AfterFunc(200*time.Millisecond, func() { fired = append(fired, clk.Now()) })
	clk.AfterFunc(100*time.Millisecond, func() { fired = append(fired, clk.Now()) })
	clk.AfterFunc(500*time.Millisecond, func() { fired = append(fired, clk.Now()) })

	clk.Advance(250 * time.Millisecond)

	if len(fired) != 2 {
		t.Fatalf("fired %d timers, want 2", len(fired))
	}
	if fired[0] != 100 || fired[1] != 200 {
		t.Errorf("fired at %v, want [100 200]", fired)
	}
	if clk.Now() != 250 {
		t.Errorf("Now() = %d, want 250", clk.Now())
	}
	if clk.PendingTimers() != 1 {
		t.Errorf("PendingTimers() = %d, want 1", clk.PendingTimers())
	}
}

func TestFake_Stop(t *testing.T) {
	clk := NewFake(1000)

	called := false
	timer := clk.AfterFunc(10*time.Millisecond, func() { called = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false on pending timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	clk.Advance(time.Second)
	if called {
		t.Error("stopped timer fired")
	}
}

func TestFake_CallbackSchedulesWithinWindow(t *testing.T) {
	clk := NewFake(0)

	count := 0
	var tick func()
	tick = func() {
		count++
		clk.AfterFunc(100*time.Millisecond, tick)
	}
	clk.AfterFunc(100*time.Millisecond, tick)

	clk.Advance(350 * time.Millisecond)

	if count != 3 {
		t.Errorf("tick count = %d, want 3", count)
	}
}

func TestFake_ZeroDelayFiresOnNextAdvance(t *testing.T) {
	clk := NewFake(500)

	called := false
	clk.AfterFunc(0, func() { called = true })
	if called {
		t.Fatal("timer fired before Advance")
	}

	clk.Advance(0)
	if !called {
		t.Error("zero-delay timer did not fire on Advance(0)")
	}
}

func TestSystem_Now(t *testing.T) {
	before := time.Now().UnixMilli()
	got := NewSystem().Now()
	after := time.Now().UnixMilli()

	if got < before || got > after {
		t.Errorf("Now() = %d, want within [%d, %d]", got, before, after)
	}
}

func TestToTime(t *testing.T) {
	got := ToTime(1500)
	if got.UnixMilli() != 1500 {
		t.Errorf("ToTime(1500).UnixMilli() = %d", got.UnixMilli())
	}
	if got.Location() != time.UTC {
		t.Errorf("ToTime location = %v, want UTC", got.Location())
	}
}
