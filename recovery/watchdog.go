package recovery

import (
	"context"
	"sync"
	"time"
)

// Watchdog fires OnTimeout if Kick is not called again within Period. One
// Watchdog guards one liveness-bearing unit (typically one vCPU's exit
// loop); the vm package's scheduler owns one per vCPU (§4.6, §8 "watchdog
// termination" property).
type Watchdog struct {
	period   time.Duration
	onTimeout func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewWatchdog starts a watchdog that calls onTimeout if it is not Kicked
// again within period.
func NewWatchdog(period time.Duration, onTimeout func()) *Watchdog {
	w := &Watchdog{period: period, onTimeout: onTimeout}
	w.timer = time.AfterFunc(period, w.fire)

	return w
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()

	if !stopped {
		w.onTimeout()
	}
}

// Kick resets the deadline. The vm package calls it each time a vCPU's
// EnterGuest returns, before the exit is handled.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}

	w.timer.Reset(w.period)
}

// Stop disables the watchdog permanently.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.timer.Stop()
}

// WaitWithBackoff blocks for base*2^attempt (capped) or until ctx is
// cancelled, implementing the exponential-backoff retry delay the recovery
// core's escalation policy uses between retries of the same source.
func WaitWithBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << uint(minInt(attempt, 16))

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
