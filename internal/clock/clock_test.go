package clock_test

import (
	"testing"
	"time"

	"pkt.systems/xatm/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	if loc := (clock.Real{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}

func TestManualFiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewManual(start)
	late := clk.After(3 * time.Second)
	early := clk.After(time.Second)
	if clk.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", clk.Pending())
	}
	if next, ok := clk.Next(); !ok || !next.Equal(start.Add(time.Second)) {
		t.Fatalf("unexpected next timer %v %v", next, ok)
	}

	clk.Advance(2 * time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("early fired at %v", got)
		}
	default:
		t.Fatalf("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatalf("late timer fired too soon")
	default:
	}

	clk.AdvanceTo(start.Add(time.Second))
	if !clk.Now().Equal(start.Add(2 * time.Second)) {
		t.Fatalf("AdvanceTo moved the clock backwards")
	}
	clk.AdvanceTo(start.Add(3 * time.Second))
	select {
	case <-late:
	default:
		t.Fatalf("late timer did not fire")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestAtAndExpired(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewManual(start)
	select {
	case <-clock.At(clk, start.Add(-time.Second)):
	default:
		t.Fatalf("past deadline should fire immediately")
	}
	ch := clock.At(clk, start.Add(5*time.Second))
	clk.Advance(5 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatalf("deadline timer did not fire")
	}

	if clock.Expired(time.Time{}, start) {
		t.Fatalf("zero deadline never expires")
	}
	if !clock.Expired(start, start) || clock.Expired(start.Add(time.Nanosecond), start) {
		t.Fatalf("unexpected Expired result")
	}
}
