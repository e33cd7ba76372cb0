package clock

import (
	"testing"
	"time"
)

func TestMockClockAfter(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	fired := <-c.After(3 * time.Second)
	if !fired.Equal(start.Add(3 * time.Second)) {
		t.Errorf("Expected After to fire at %v, got %v", start.Add(3*time.Second), fired)
	}

	<-c.After(time.Second)
	if got := c.Since(start); got != 4*time.Second {
		t.Errorf("Expected 4s elapsed, got %v", got)
	}

	waits := c.Waits()
	if len(waits) != 2 || waits[0] != 3*time.Second || waits[1] != time.Second {
		t.Errorf("Unexpected recorded waits: %v", waits)
	}

	c.Advance(time.Minute)
	if len(c.Waits()) != 2 {
		t.Error("Advance should not record a wait")
	}
}

func TestRealClockAfter(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()
	<-c.After(5 * time.Millisecond)
	if c.Since(start) < 5*time.Millisecond {
		t.Error("RealClock.After fired early")
	}
}
