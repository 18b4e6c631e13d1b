package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

type fakePoller struct {
	mu    sync.Mutex
	value int64
	err   error
	calls int
}

func (p *fakePoller) GetBalance(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.value, p.err
}

func (p *fakePoller) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePoller) set(v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = v
}

type recorder struct {
	mu      sync.Mutex
	changes []domain.BalanceChange
}

func (r *recorder) add(c domain.BalanceChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []domain.BalanceChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.BalanceChange(nil), r.changes...)
}

func newTestTracker(p Poller, clock clockwork.Clock) (*Tracker, *recorder) {
	tr := NewTracker(p, Config{
		FastPoll: 10 * time.Second,
		SlowPoll: 90 * time.Second,
		Currency: "RUB",
	}, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	tr.OnChange(rec.add)
	return tr, rec
}

func TestTrackerUnknownUntilFirstValue(t *testing.T) {
	tr, rec := newTestTracker(&fakePoller{}, clockwork.NewFakeClock())

	_, known := tr.Balance()
	assert.False(t, known)
	assert.Equal(t, "RUB", tr.Wallet().Currency)

	assert.True(t, tr.Set(1000))
	v, known := tr.Balance()
	assert.True(t, known)
	assert.EqualValues(t, 1000, v)
	assert.Equal(t, []domain.BalanceChange{{Balance: 1000, Delta: 1000, Initial: true}}, rec.all())
}

func TestTrackerPushEqualToBelievedIsNoop(t *testing.T) {
	tr, rec := newTestTracker(&fakePoller{}, clockwork.NewFakeClock())
	tr.Set(1200)

	tr.ApplyPush(1200)
	assert.Len(t, rec.all(), 1)

	tr.ApplyPush(900)
	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, domain.BalanceChange{Balance: 900, Delta: -300}, changes[1])
}

func TestTrackerZeroPushForcesPoll(t *testing.T) {
	p := &fakePoller{value: 500}
	tr, rec := newTestTracker(p, clockwork.NewFakeClock())
	defer tr.Stop()
	tr.Set(700)

	tr.ApplyPush(0)

	require.Eventually(t, func() bool { return p.Calls() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, waitFor, tick)
	v, _ := tr.Balance()
	assert.EqualValues(t, 500, v)
}

func TestTrackerTrustedZeroPushApplies(t *testing.T) {
	p := &fakePoller{}
	tr := NewTracker(p, Config{TrustZeroPush: true}, clockwork.NewFakeClock(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr.Set(700)

	tr.ApplyPush(0)

	v, _ := tr.Balance()
	assert.EqualValues(t, 0, v)
	assert.Equal(t, 0, p.Calls())
}

func TestTrackerChangeBalanceOnlyWhenChannelDown(t *testing.T) {
	tr, rec := newTestTracker(&fakePoller{}, clockwork.NewFakeClock())
	tr.Set(1000)

	tr.ChangeBalance(-100)
	v, _ := tr.Balance()
	assert.EqualValues(t, 900, v)

	tr.SetChannelAvailable(true)
	tr.ChangeBalance(-100)
	v, _ = tr.Balance()
	assert.EqualValues(t, 900, v)

	assert.Len(t, rec.all(), 2)
}

func TestTrackerPollsFastThenSlow(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := &fakePoller{value: 100}
	tr, _ := newTestTracker(p, fc)
	defer tr.Stop()

	tr.Start(context.Background())
	assert.Equal(t, 1, p.Calls())

	fc.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return p.Calls() == 2 }, waitFor, tick)

	tr.SetChannelAvailable(true)
	p.set(150)

	fc.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, p.Calls())

	fc.Advance(80 * time.Second)
	require.Eventually(t, func() bool { return p.Calls() == 3 }, waitFor, tick)
	require.Eventually(t, func() bool {
		v, _ := tr.Balance()
		return v == 150
	}, waitFor, tick)
}

func TestTrackerRefreshError(t *testing.T) {
	tr, rec := newTestTracker(&fakePoller{err: errors.New("502")}, clockwork.NewFakeClock())

	err := tr.Refresh(context.Background())
	require.Error(t, err)
	assert.Empty(t, rec.all())
}

// gatedPoller answers immediately until blocked, then holds every call until
// released or cancelled.
type gatedPoller struct {
	fakePoller
	blocked atomic.Bool
	release chan struct{}
}

func (p *gatedPoller) GetBalance(ctx context.Context) (int64, error) {
	v, err := p.fakePoller.GetBalance(ctx)
	if !p.blocked.Load() {
		return v, err
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return v, err
}

func TestTrackerChannelDownDoesNotWaitForPoll(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := &gatedPoller{fakePoller: fakePoller{value: 100}, release: make(chan struct{})}
	tr, _ := newTestTracker(p, fc)
	defer tr.Stop()
	defer close(p.release)

	tr.Start(context.Background())
	tr.SetChannelAvailable(true)
	fc.Advance(30 * time.Second)
	p.blocked.Store(true)

	done := make(chan struct{})
	go func() {
		tr.SetChannelAvailable(false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("SetChannelAvailable waited for the balance request")
	}

	// The overdue fast poll still happens, off the caller's goroutine.
	require.Eventually(t, func() bool { return p.Calls() == 2 }, waitFor, tick)
}

func TestTrackerZeroPushAfterStopDoesNotPoll(t *testing.T) {
	p := &fakePoller{value: 500}
	tr, rec := newTestTracker(p, clockwork.NewFakeClock())
	tr.Set(700)
	tr.Stop()

	tr.ApplyPush(0)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, p.Calls())
	assert.Len(t, rec.all(), 1)
}

func TestTrackerStartAfterStopDoesNotSchedule(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := &fakePoller{value: 500}
	tr, _ := newTestTracker(p, fc)
	tr.Stop()

	tr.Start(context.Background())
	fc.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	// Only the initial refresh.
	assert.Equal(t, 1, p.Calls())
}
