package clock_test

import (
	"testing"
	"time"

	"pkt.systems/voicelease/internal/clock"
)

func TestManualAfterFuncFiresInDeadlineOrder(t *testing.T) {
	clk := clock.NewManual(time.Unix(100, 0))
	var order []string
	clk.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	clk.AfterFunc(time.Second, func() { order = append(order, "a") })
	clk.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	clk.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected firing order %v", order)
	}
	if got := clk.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer, got %d", got)
	}
}

func TestManualAfterFuncSeesDeadlineAsNow(t *testing.T) {
	start := time.Unix(100, 0).UTC()
	clk := clock.NewManual(start)
	var seen time.Time
	clk.AfterFunc(1500*time.Millisecond, func() { seen = clk.Now() })
	clk.Advance(10 * time.Second)
	if want := start.Add(1500 * time.Millisecond); !seen.Equal(want) {
		t.Fatalf("callback saw %v, want %v", seen, want)
	}
	if now := clk.Now(); !now.Equal(start.Add(10 * time.Second)) {
		t.Fatalf("unexpected final time %v", now)
	}
}

func TestManualChainedCallbacksWithinWindow(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	fired := 0
	clk.AfterFunc(500*time.Millisecond, func() {
		clk.AfterFunc(300*time.Millisecond, func() { fired++ })
	})
	clk.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("expected chained callback to fire once, got %d", fired)
	}
}

func TestManualStop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected first Stop to report true")
	}
	if timer.Stop() {
		t.Fatal("expected second Stop to report false")
	}
	clk.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestManualNonPositiveDelayWaitsForAdvance(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	fired := false
	clk.AfterFunc(-time.Second, func() { fired = true })
	if fired {
		t.Fatal("fired before Advance")
	}
	clk.Advance(0)
	if !fired {
		t.Fatal("did not fire on Advance(0)")
	}
}
