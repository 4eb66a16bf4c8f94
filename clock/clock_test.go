package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c := Fake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("expected %v, got %v", start, got)
	}

	c.Advance(90 * time.Minute)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("expected advanced time, got %v", got)
	}
}

func TestFakeClockTicker(t *testing.T) {
	c := Fake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	tk := c.NewTicker(time.Minute)
	defer tk.Stop()

	select {
	case <-tk.C:
		t.Fatal("ticker fired before any time passed")
	default:
	}

	c.Advance(time.Minute)
	select {
	case <-tk.C:
	default:
		t.Fatal("expected tick after advancing past interval")
	}
}

func TestFakeClockStoppedTickerDoesNotFire(t *testing.T) {
	c := Fake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	tk := c.NewTicker(time.Minute)
	tk.Stop()

	c.Advance(5 * time.Minute)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
