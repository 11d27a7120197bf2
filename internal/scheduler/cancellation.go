package scheduler

import (
	"sync"
	"time"

	"github.com/swarmguard/taskforge/internal/clock"
)

// runState tracks the cooperative cancellation of one Scheduler.Run call.
type runState struct {
	mu        sync.Mutex
	cancelled bool
	cancelFn  func()
	started   time.Time
	clock     clock.Clock
}

func newRunState(cl clock.Clock, cancelFn func()) *runState {
	return &runState{clock: cl, cancelFn: cancelFn, started: cl.Now()}
}

func (r *runState) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	r.cancelFn()
}

func (r *runState) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// GracePeriod bounds how long a running task gets to honour a cancel
// request before the Scheduler marks it failed with a "did not honour
// cancel" reason.
const GracePeriod = 30 * time.Second
