package balance

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Interval runs fn periodically with a period that can change while it runs.
// After Change the next run happens one new period after the previous run,
// or immediately if that moment has already passed.
type Interval struct {
	clock clockwork.Clock
	fn    func()

	mu      sync.Mutex
	period  time.Duration
	lastRun time.Time
	timer   clockwork.Timer
	seq     uint64
	stopped bool
}

// NewInterval schedules fn to run every period, the first run one period
// from now.
func NewInterval(clock clockwork.Clock, period time.Duration, fn func()) *Interval {
	i := &Interval{clock: clock, fn: fn, period: period, lastRun: clock.Now()}
	i.mu.Lock()
	i.scheduleLocked(period)
	i.mu.Unlock()
	return i
}

func (i *Interval) scheduleLocked(d time.Duration) {
	if i.timer != nil {
		i.timer.Stop()
	}
	i.seq++
	seq := i.seq
	i.timer = i.clock.AfterFunc(d, func() { i.execute(seq) })
}

func (i *Interval) execute(seq uint64) {
	i.mu.Lock()
	if i.stopped || seq != i.seq {
		i.mu.Unlock()
		return
	}
	i.lastRun = i.clock.Now()
	i.scheduleLocked(i.period)
	i.mu.Unlock()

	i.fn()
}

// Change sets a new period.
func (i *Interval) Change(period time.Duration) {
	i.mu.Lock()
	if i.stopped || period == i.period {
		i.mu.Unlock()
		return
	}
	i.period = period
	// Overdue runs go through the timer, never on the caller's goroutine.
	i.scheduleLocked(max(period-i.clock.Since(i.lastRun), 0))
	i.mu.Unlock()
}

// Period returns the current period.
func (i *Interval) Period() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.period
}

// Stop cancels all future runs.
func (i *Interval) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopped = true
	if i.timer != nil {
		i.timer.Stop()
	}
}
