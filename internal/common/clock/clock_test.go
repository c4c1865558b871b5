package clock

import (
	"testing"
	"time"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMockClock_AdvanceFiresDueTimersInOrder(t *testing.T) {
	c := NewMockClock(base)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "late") })

	c.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("expected [a b], got %v", fired)
	}
	if c.PendingTimers() != 1 {
		t.Errorf("expected 1 pending timer, got %d", c.PendingTimers())
	}
	next, ok := c.NextDeadline()
	if !ok || !next.Equal(base.Add(time.Minute)) {
		t.Errorf("expected next deadline %v, got %v (%v)", base.Add(time.Minute), next, ok)
	}
}

func TestMockClock_StoppedTimerDoesNotFire(t *testing.T) {
	c := NewMockClock(base)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected Stop to report an armed timer")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}

	c.Advance(time.Hour)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestMockClock_NonPositiveDelayFiresImmediately(t *testing.T) {
	c := NewMockClock(base)

	fired := false
	c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Error("expected immediate callback")
	}
	if c.PendingTimers() != 0 {
		t.Errorf("expected no pending timers, got %d", c.PendingTimers())
	}
}

func TestMockClock_CallbackMayRearm(t *testing.T) {
	c := NewMockClock(base)

	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(time.Second)
	c.Advance(time.Second)

	if count != 2 {
		t.Errorf("expected 2 ticks, got %d", count)
	}
	if c.Since(base) != 2*time.Second {
		t.Errorf("expected 2s elapsed, got %s", c.Since(base))
	}
}

func TestMockClock_SetTime(t *testing.T) {
	c := NewMockClock(base)

	fired := false
	c.AfterFunc(time.Hour, func() { fired = true })
	c.SetTime(base.Add(2 * time.Hour))

	if !fired {
		t.Error("expected timer to fire after SetTime")
	}
	if !c.Now().Equal(base.Add(2 * time.Hour)) {
		t.Errorf("unexpected now %v", c.Now())
	}
}
