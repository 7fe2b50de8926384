package segment

import (
	"sync"
	"time"
)

const (
	maxRequestDelay = 200 * time.Millisecond
	delayNudge      = 25 * time.Millisecond
	delayDecay      = 10 * time.Millisecond
	forbiddenFuse   = 10
)

// RateController is the single shared throttle state for all workers:
// a global inter-request delay and a consecutive-403 counter. Every 403
// past the fuse nudges the delay upward (capped); every success decays
// the counter and, below the fuse, the delay.
type RateController struct {
	mu             sync.Mutex
	delay          time.Duration
	consecutive403 int
}

func NewRateController() *RateController {
	return &RateController{}
}

// Wait sleeps for the current inter-request delay.
func (rc *RateController) Wait() {
	rc.mu.Lock()
	delay := rc.delay
	rc.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (rc *RateController) Record403() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.consecutive403++
	if rc.consecutive403 > forbiddenFuse {
		rc.delay = min(rc.delay+delayNudge, maxRequestDelay)
	}
}

func (rc *RateController) RecordSuccess() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.consecutive403 > 0 {
		rc.consecutive403--
	}
	if rc.consecutive403 <= forbiddenFuse && rc.delay > 0 {
		rc.delay = max(rc.delay-delayDecay, 0)
	}
}

func (rc *RateController) Delay() time.Duration {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.delay
}

func (rc *RateController) Consecutive403() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.consecutive403
}
