package health

import (
	"testing"
	"time"
)

func TestHeartbeatWatchdogAgeResetsOnTouch(t *testing.T) {
	w := NewHeartbeatWatchdog(nil)
	time.Sleep(10 * time.Millisecond)
	if w.Age() < 10*time.Millisecond {
		t.Fatal("expected age to have grown")
	}
	w.Touch()
	if w.Age() > 5*time.Millisecond {
		t.Fatalf("expected age reset after Touch, got %s", w.Age())
	}
}

func TestHeartbeatWatchdogFiresOnStale(t *testing.T) {
	w := NewHeartbeatWatchdog(nil)
	w.lastSeen.Store(time.Now().Add(-HeartbeatTriggerThreshold - time.Second).UnixNano())

	fired := make(chan time.Duration, 1)
	w.OnStale = func(age time.Duration) { fired <- age }

	// Exercise the poll tick directly rather than waiting out the real
	// interval: Start()'s ticker cadence is a production concern, not
	// something a unit test should wait on in real time.
	w.checkOnce()

	select {
	case age := <-fired:
		if age < HeartbeatTriggerThreshold {
			t.Fatalf("expected age >= trigger threshold, got %s", age)
		}
	default:
		t.Fatal("expected OnStale to fire")
	}
}

func TestHeartbeatWatchdogWarnsOnce(t *testing.T) {
	w := NewHeartbeatWatchdog(nil)
	w.lastSeen.Store(time.Now().Add(-HeartbeatWarnThreshold - time.Second).UnixNano())

	warns := 0
	w.OnWarn = func(time.Duration) { warns++ }

	w.checkOnce()
	w.checkOnce()

	if warns != 1 {
		t.Fatalf("expected exactly one warning, got %d", warns)
	}
}
