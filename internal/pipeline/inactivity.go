package pipeline

import (
	"sync"
	"time"
)

// inactivityWatchdog implements the "if no request is intercepted within T
// seconds, the proxy initiates shutdown" rule (design doc Section 4.5).
// Each intercepted request resets the timer via Touch.
type inactivityWatchdog struct {
	timeout time.Duration
	onFire  func()

	mu     sync.Mutex
	timer  *time.Timer
	fired  bool
	stopCh chan struct{}
}

func newInactivityWatchdog(timeout time.Duration, onFire func()) *inactivityWatchdog {
	w := &inactivityWatchdog{
		timeout: timeout,
		onFire:  onFire,
		stopCh:  make(chan struct{}),
	}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, w.fire)
	}
	return w
}

func (w *inactivityWatchdog) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
		return
	default:
	}
	w.fired = true
	if w.onFire != nil {
		w.onFire()
	}
}

// Touch resets the timer; called on every intercepted request.
func (w *inactivityWatchdog) Touch() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired {
		return
	}
	w.timer.Reset(w.timeout)
}

// Stop permanently disarms the watchdog, e.g. on graceful shutdown.
func (w *inactivityWatchdog) Stop() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.stopCh)
	w.timer.Stop()
}
