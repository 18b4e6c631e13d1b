package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// authenticated connects s and waits for the handshake to finish.
func authenticated(t *testing.T, s *Session, tr *fakeTransport) *fakeConn {
	t.Helper()
	s.Connect()
	require.Eventually(t, s.Authenticated, waitFor, tick)
	return tr.last()
}

func TestSessionHandshake(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	var connected, authed atomic.Int32
	s.OnConnected(func() { connected.Add(1) })
	s.OnAuth(func() { authed.Add(1) })

	conn := authenticated(t, s, tr)

	assert.Equal(t, []string{"key-123", tokenPing}, conn.Sent())
	assert.EqualValues(t, 1, connected.Load())
	assert.EqualValues(t, 1, authed.Load())
}

func TestSessionConnectIsIdempotent(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	authenticated(t, s, tr)
	s.Connect()
	s.Connect()

	assert.Equal(t, 1, tr.Dials())
}

func TestSessionAuthRetriesUntilKeyArrives(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	auth := &fakeAuth{failures: 2}
	s := newTestSession(testConfig(), tr, auth, fc)
	defer s.Close()

	s.Connect()
	require.Eventually(t, func() bool {
		fc.Advance(testConfig().AuthRetryDelay)
		return s.Authenticated()
	}, waitFor, tick)

	assert.Equal(t, []string{"key-123", tokenPing}, tr.last().Sent())
}

func TestSessionBuffersSendUntilOpen(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	s.Send([]byte("first"))
	s.Send([]byte("second"))

	conn := authenticated(t, s, tr)
	assert.Equal(t, []string{"first", "second", "key-123", tokenPing}, conn.Sent())
}

func TestSessionPingOnlyWhenAuthenticated(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	s.Ping()

	conn := authenticated(t, s, tr)
	s.Ping()
	assert.Equal(t, []string{"key-123", tokenPing, tokenPing}, conn.Sent())
}

func TestSessionDoubleReconnectSchedulesOneConnect(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	var scheduled atomic.Int32
	s.OnReconnecting(func(ReconnectInfo) { scheduled.Add(1) })

	s.Reconnect("first")
	s.Reconnect("second")
	s.Connect()

	assert.EqualValues(t, 1, scheduled.Load())
	assert.Equal(t, domain.StateReconnecting, s.State())

	fc.Advance(testConfig().MaxReconnectDelay)
	require.Eventually(t, s.Authenticated, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.Dials())
}

func TestSessionReconnectsAfterAbnormalClose(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	var disconnected atomic.Int32
	s.OnDisconnected(func() { disconnected.Add(1) })

	first := authenticated(t, s, tr)
	first.drop(domain.ErrWSDisconnect)

	assert.Equal(t, domain.StateReconnecting, s.State())
	assert.EqualValues(t, 1, disconnected.Load())

	fc.Advance(testConfig().MaxReconnectDelay)
	require.Eventually(t, s.Authenticated, waitFor, tick)
	assert.Equal(t, 2, tr.Dials())
	assert.NotSame(t, first, tr.last())

	// Frames from the abandoned connection are ignored.
	var balances atomic.Int32
	s.OnBalance(func(int64) { balances.Add(1) })
	first.deliver(`{"type":"money","data":"10.00"}`)
	assert.EqualValues(t, 0, balances.Load())
}

func TestSessionNormalCloseDoesNotReconnect(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	var scheduled atomic.Int32
	s.OnReconnecting(func(ReconnectInfo) { scheduled.Add(1) })

	conn := authenticated(t, s, tr)
	conn.drop(domain.ErrClosedNormally)

	assert.Equal(t, domain.StateDisconnected, s.State())
	fc.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, scheduled.Load())
	assert.Equal(t, 1, tr.Dials())
}

func TestSessionConnectTimeoutSchedulesReconnect(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{block: true}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	reasons := make(chan string, 4)
	s.OnReconnecting(func(info ReconnectInfo) { reasons <- info.Reason })

	s.Connect()
	require.Eventually(t, func() bool { return tr.Dials() == 1 }, waitFor, tick)

	fc.Advance(testConfig().ConnectTimeout)

	select {
	case r := <-reasons:
		assert.Equal(t, "connect timeout", r)
	case <-time.After(waitFor):
		t.Fatal("no reconnect after connect timeout")
	}
}

func TestSessionReconnectDelaysAreCappedAndNonDecreasing(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{fail: true}
	cfg := testConfig()
	s := newTestSession(cfg, tr, &fakeAuth{}, fc)
	defer s.Close()

	delays := make(chan time.Duration, 64)
	s.OnReconnecting(func(info ReconnectInfo) { delays <- info.Delay })

	s.Connect()

	var got []time.Duration
	for len(got) < 8 {
		select {
		case d := <-delays:
			got = append(got, d)
			fc.Advance(d)
		case <-time.After(waitFor):
			t.Fatalf("only %d reconnects observed", len(got))
		}
	}

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1])
	}
	for _, d := range got {
		assert.LessOrEqual(t, d, cfg.MaxReconnectDelay)
	}
	assert.Equal(t, cfg.MaxReconnectDelay, got[len(got)-1])
}

func TestSessionGivesUpAfterMaxRetries(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{fail: true}
	cfg := testConfig()
	cfg.MaxRetries = 2
	s := newTestSession(cfg, tr, &fakeAuth{}, fc)
	defer s.Close()

	gaveUp := make(chan error, 1)
	s.OnGaveUp(func(err error) { gaveUp <- err })

	s.Connect()
	for {
		select {
		case err := <-gaveUp:
			assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
			assert.Equal(t, domain.StateDisconnected, s.State())
			assert.Equal(t, 3, tr.Dials())
			return
		case <-time.After(tick):
			fc.Advance(cfg.MaxReconnectDelay)
		}
	}
}

func TestSessionIsStuck(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	var stuck atomic.Int32
	s.OnStuck(func() { stuck.Add(1) })

	conn := authenticated(t, s, tr)
	assert.False(t, s.IsStuck())

	fc.Advance(59 * time.Second)
	conn.deliver(tokenPong)
	assert.False(t, s.IsStuck())

	fc.Advance(60 * time.Second)
	assert.False(t, s.IsStuck())
	s.checkWatchdog()
	assert.EqualValues(t, 0, stuck.Load())

	fc.Advance(time.Second)
	assert.True(t, s.IsStuck())
	s.checkWatchdog()
	assert.EqualValues(t, 1, stuck.Load())

	conn.deliver(`{"type":"onlinecheck","data":"1"}`)
	assert.False(t, s.IsStuck())
}

func TestSessionAuthRejectedReauthenticates(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	auth := &fakeAuth{}
	s := newTestSession(testConfig(), tr, auth, fc)
	defer s.Close()

	var deauth atomic.Int32
	s.OnDeAuth(func() { deauth.Add(1) })

	conn := authenticated(t, s, tr)
	conn.deliver(tokenAuthFailed)

	assert.EqualValues(t, 1, deauth.Load())
	require.Eventually(t, func() bool {
		return len(conn.Sent()) == 4 && s.Authenticated()
	}, waitFor, tick)
	assert.Equal(t, 2, auth.Calls())
}

func TestSessionDispatchesPushes(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	defer s.Close()

	var (
		balance atomic.Int64
		items   atomic.Int32
		status  atomic.Int32
		pongs   atomic.Int32
	)
	s.OnBalance(func(v int64) { balance.Store(v) })
	s.OnItemAdded(func(domain.ItemEvent) { items.Add(1) })
	s.OnItemStatus(func(domain.ItemEvent) { status.Add(1) })
	s.OnPong(func() { pongs.Add(1) })

	conn := authenticated(t, s, tr)

	conn.deliver(tokenPong)
	conn.deliver(`{"type":"money","data":"152.30 <small>RUB</small>"}`)
	conn.deliver(`{"type":"additem_go","data":"{\"ui_id\":\"1\",\"ui_status\":\"3\",\"ui_price\":\"1.00\"}"}`)
	conn.deliver(`{"type":"itemstatus_go","data":"{\"id\":\"1\",\"status\":\"4\"}"}`)
	conn.deliver(`{"type":"newitems_go","data":"{}"}`)
	conn.deliver(`{"type":"something_new","data":"{}"}`)
	conn.deliver(`garbage`)

	assert.EqualValues(t, 1, pongs.Load())
	assert.EqualValues(t, 15230, balance.Load())
	assert.EqualValues(t, 1, items.Load())
	assert.EqualValues(t, 1, status.Load())
	assert.True(t, s.Authenticated())
}

func TestSessionCloseStopsEverything(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)

	conn := authenticated(t, s, tr)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.True(t, conn.isClosed())
	assert.Equal(t, domain.StateDisconnected, s.State())

	s.Connect()
	s.Reconnect("after close")
	assert.Equal(t, 1, tr.Dials())
}

func TestSessionAttemptsResetAfterMinUptime(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	cfg := testConfig()
	s := newTestSession(cfg, tr, &fakeAuth{}, fc)
	defer s.Close()

	attempts := make(chan int, 8)
	s.OnReconnecting(func(info ReconnectInfo) { attempts <- info.Attempt })

	dropAndReconnect := func() int {
		t.Helper()
		tr.last().drop(domain.ErrWSDisconnect)
		var n int
		select {
		case n = <-attempts:
		case <-time.After(waitFor):
			t.Fatal("no reconnect scheduled")
		}
		fc.Advance(cfg.MaxReconnectDelay)
		require.Eventually(t, s.Authenticated, waitFor, tick)
		return n
	}

	authenticated(t, s, tr)
	first := dropAndReconnect()
	second := dropAndReconnect()

	fc.Advance(cfg.MinUptime)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.attempts == 0
	}, waitFor, tick)

	third := dropAndReconnect()

	assert.Equal(t, []int{1, 2, 1}, []int{first, second, third})
	assert.Equal(t, 4, tr.Dials())
}

func TestSessionClosedIgnoresStartAndLateConnections(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := &fakeTransport{}
	s := newTestSession(testConfig(), tr, &fakeAuth{}, fc)
	require.NoError(t, s.Close())

	s.Start(context.Background())
	assert.Equal(t, 0, tr.Dials())

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	late := &fakeConn{}
	s.onOpen(gen, late)

	assert.True(t, late.isClosed())
	assert.Equal(t, domain.StateDisconnected, s.State())

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(waitFor):
		t.Fatal("late connection registered a goroutine after Close")
	}
}
