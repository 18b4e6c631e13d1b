package balance

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestIntervalRunsEveryPeriod(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var runs atomic.Int32
	iv := NewInterval(fc, 10*time.Second, func() { runs.Add(1) })
	defer iv.Stop()

	fc.Advance(9 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, runs.Load())

	fc.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)

	fc.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, waitFor, tick)
}

func TestIntervalChangeToShorterPeriodRunsImmediatelyWhenOverdue(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var runs atomic.Int32
	iv := NewInterval(fc, 90*time.Second, func() { runs.Add(1) })
	defer iv.Stop()

	fc.Advance(30 * time.Second)
	iv.Change(10 * time.Second)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)
	assert.Equal(t, 10*time.Second, iv.Period())
}

func TestIntervalChangeDoesNotRunOnCallerGoroutine(t *testing.T) {
	fc := clockwork.NewFakeClock()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	iv := NewInterval(fc, 90*time.Second, func() {
		started <- struct{}{}
		<-release
	})
	defer iv.Stop()
	defer close(release)

	fc.Advance(30 * time.Second)

	done := make(chan struct{})
	go func() {
		iv.Change(10 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Change blocked on the overdue run")
	}

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("overdue run never started")
	}
}

func TestIntervalChangeKeepsElapsedTime(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var runs atomic.Int32
	iv := NewInterval(fc, 10*time.Second, func() { runs.Add(1) })
	defer iv.Stop()

	fc.Advance(4 * time.Second)
	iv.Change(90 * time.Second)

	// 86s remain until the next run.
	fc.Advance(85 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, runs.Load())

	fc.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)
}

func TestIntervalStop(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var runs atomic.Int32
	iv := NewInterval(fc, time.Second, func() { runs.Add(1) })
	iv.Stop()

	fc.Advance(5 * time.Second)
	iv.Change(time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, runs.Load())
}
