package jogarm

import "time"

// Watchdog classifies the command stream as fresh or stale from the newest arrival of either
// command kind.
type Watchdog struct {
	timeout time.Duration
}

// NewWatchdog returns a watchdog with the given stale timeout.
func NewWatchdog(timeout time.Duration) Watchdog {
	return Watchdog{timeout: timeout}
}

// Check returns Fresh iff a command has arrived and now - lastArrival <= timeout.
func (w Watchdog) Check(now, lastArrival time.Time, arrived bool) WatchdogStatus {
	if !arrived {
		return Stale
	}
	if now.Sub(lastArrival) <= w.timeout {
		return Fresh
	}
	return Stale
}

// CheckSnapshot applies Check to the newest arrival in snap.
func (w Watchdog) CheckSnapshot(now time.Time, snap Snapshot) WatchdogStatus {
	last, ok := snap.LastArrival()
	return w.Check(now, last, ok)
}
