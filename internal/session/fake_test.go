package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu        sync.Mutex
	sent      []string
	onMessage func([]byte)
	onClose   func(error)
	closed    bool
	sendErr   error
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, string(payload))
	return nil
}

func (c *fakeConn) Listen(onMessage func([]byte), onClose func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage, c.onClose = onMessage, onClose
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) deliver(msg string) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn([]byte(msg))
}

func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	fn(err)
}

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	fail  bool
	block bool
}

func (t *fakeTransport) Dial(ctx context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	fail, block := t.fail, t.block
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	c := &fakeConn{}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) setFail(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = v
}

type fakeAuth struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (a *fakeAuth) GetAuthKey(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failures > 0 {
		a.failures--
		return "", errors.New("auth endpoint unavailable")
	}
	return "key-123", nil
}

func testConfig() Config {
	return Config{
		URL:               "wss://example.invalid/wsn/",
		ConnectTimeout:    5 * time.Second,
		MinUptime:         5 * time.Second,
		MinReconnectDelay: time.Second,
		MaxReconnectDelay: 7500 * time.Millisecond,
		GrowthFactor:      1.5,
		PingInterval:      20 * time.Second,
		WatchdogWindow:    60 * time.Second,
		WatchdogInterval:  5 * time.Second,
		AuthRetryDelay:    2 * time.Second,
	}
}

func newTestSession(cfg Config, tr *fakeTransport, auth *fakeAuth, clock clockwork.Clock) *Session {
	return New(cfg, tr, auth, clock, discardLogger(),
		WithBackoff(Backoff{Min: cfg.MinReconnectDelay, Max: cfg.MaxReconnectDelay, Growth: cfg.GrowthFactor}))
}

func (a *fakeAuth) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
