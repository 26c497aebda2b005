package dispatch

import (
	"sync"
	"time"
)

// afterFunc is time.AfterFunc by default; tests override it with a fake
// clock so scenarios like "execution timeout fires at t=2s" run instantly
// instead of burning wall-clock seconds.
var afterFunc = time.AfterFunc

// TimerManager owns every deferred callback armed for a single task. Timers
// are independent of one another; CancelTimers is the only operation that
// touches more than one at a time, and it is idempotent.
type TimerManager struct {
	mu     sync.Mutex
	timers []*timerHandle
}

type timerHandle struct {
	stop func() bool
}

// NewTimerManager returns an empty manager ready to have timers armed on it.
func NewTimerManager() *TimerManager {
	return &TimerManager{}
}

// StartTimer arms callback to fire after timeout elapses. A zero or negative
// timeout means "no timer" and StartTimer does nothing, matching the
// specification's "if timeout is absent, do nothing" rule. StartTimer is
// safe to call after CancelTimers; the newly armed timer is simply tracked
// going forward.
func (tm *TimerManager) StartTimer(timeout time.Duration, callback func()) {
	if timeout <= 0 || callback == nil {
		return
	}

	t := afterFunc(timeout, callback)

	tm.mu.Lock()
	tm.timers = append(tm.timers, &timerHandle{stop: t.Stop})
	tm.mu.Unlock()
}

// CancelTimers cancels every timer armed on this manager and empties the
// set. Idempotent: calling it twice, or calling it when nothing was ever
// armed, is a no-op. After it returns, no recorded callback that had not
// already started running will ever fire.
func (tm *TimerManager) CancelTimers() {
	tm.mu.Lock()
	timers := tm.timers
	tm.timers = nil
	tm.mu.Unlock()

	for _, h := range timers {
		h.stop()
	}
}
