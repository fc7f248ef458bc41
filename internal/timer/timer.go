// Package timer wraps time.AfterFunc into a cancelable, idempotent handle.
//
// The session store and playback scheduler both schedule one-shot
// work and need to cancel it from a different goroutine than the one that
// eventually fires it; time.Timer.Stop alone doesn't guarantee the fire
// callback hasn't already started, so every handle guards its own firing
// with a flag checked under lock.
package timer

import (
	"sync"
	"time"
)

// Handle is a cancelable one-shot schedule. The zero value is not usable;
// create one with After.
type Handle struct {
	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
}

// After schedules fn to run after d and returns a handle that can cancel it.
// Cancel is idempotent and safe to call from any goroutine, including
// concurrently with the timer firing.
func After(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.t = time.AfterFunc(d, func() {
		h.mu.Lock()
		cancelled := h.cancelled
		h.mu.Unlock()
		if !cancelled {
			fn()
		}
	})
	return h
}

// Cancel stops the timer if it hasn't fired yet. Safe to call on a nil
// handle and safe to call more than once.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	if h.t != nil {
		h.t.Stop()
	}
}
