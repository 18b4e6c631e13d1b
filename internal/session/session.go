// Package session owns the marketplace push channel: it connects,
// authenticates, watches liveness and reconnects with backoff for as long as
// the process runs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alanyoungcy/tmbot/internal/domain"
	"github.com/alanyoungcy/tmbot/internal/event"
	"github.com/alanyoungcy/tmbot/internal/metrics"
)

// Config holds session timings.
type Config struct {
	URL               string
	ConnectTimeout    time.Duration
	MinUptime         time.Duration // connection age after which the attempt counter resets
	MinReconnectDelay time.Duration // base, jittered once at construction
	MaxReconnectDelay time.Duration
	GrowthFactor      float64
	MaxRetries        int // 0 means retry forever
	PingInterval      time.Duration
	WatchdogWindow    time.Duration
	WatchdogInterval  time.Duration
	AuthRetryDelay    time.Duration
}

// AuthKeySource issues one-time keys for the push channel handshake.
type AuthKeySource interface {
	GetAuthKey(ctx context.Context) (string, error)
}

// ReconnectInfo describes a scheduled reconnect.
type ReconnectInfo struct {
	Reason  string
	Attempt int
	Delay   time.Duration
}

// Session is one logical push-channel connection. All methods are safe for
// concurrent use.
type Session struct {
	cfg       Config
	transport Transport
	auth      AuthKeySource
	clock     clockwork.Clock
	backoff   Backoff
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu           sync.Mutex
	state        domain.ConnectionState
	gen          uint64 // bumped whenever the current connection is abandoned
	conn         Conn
	pending      [][]byte
	attempts     int
	reconnecting bool
	closed       bool
	lastMessage  time.Time
	dialCancel   context.CancelFunc
	connectTimer clockwork.Timer
	uptimeTimer  clockwork.Timer
	retryTimer   clockwork.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected    event.Signal
	authed       event.Signal
	deauthed     event.Signal
	disconnected event.Signal
	stuck        event.Signal
	pong         event.Signal
	reconnect    event.Feed[ReconnectInfo]
	gaveUp       event.Feed[error]
	errs         event.Feed[error]
	balance      event.Feed[int64]
	itemAdded    event.Feed[domain.ItemEvent]
	itemStatus   event.Feed[domain.ItemEvent]
	notification event.Feed[domain.Notification]
}

// Option customizes a Session.
type Option func(*Session)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBackoff replaces the jittered default backoff.
func WithBackoff(b Backoff) Option {
	return func(s *Session) { s.backoff = b }
}

// New creates a disconnected Session. Call Start to connect.
func New(cfg Config, transport Transport, auth AuthKeySource, clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		transport: transport,
		auth:      auth,
		clock:     clock,
		backoff:   NewBackoff(cfg.MinReconnectDelay, cfg.MaxReconnectDelay, cfg.GrowthFactor),
		logger:    logger.With(slog.String("component", "session")),
		state:     domain.StateDisconnected,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscriptions. Handlers run synchronously on the goroutine that produced
// the event and must not block.

func (s *Session) OnConnected(fn func())                       { s.connected.Subscribe(fn) }
func (s *Session) OnAuth(fn func())                            { s.authed.Subscribe(fn) }
func (s *Session) OnDeAuth(fn func())                          { s.deauthed.Subscribe(fn) }
func (s *Session) OnDisconnected(fn func())                    { s.disconnected.Subscribe(fn) }
func (s *Session) OnStuck(fn func())                           { s.stuck.Subscribe(fn) }
func (s *Session) OnPong(fn func())                            { s.pong.Subscribe(fn) }
func (s *Session) OnReconnecting(fn func(ReconnectInfo))       { s.reconnect.Subscribe(fn) }
func (s *Session) OnGaveUp(fn func(error))                     { s.gaveUp.Subscribe(fn) }
func (s *Session) OnError(fn func(error))                      { s.errs.Subscribe(fn) }
func (s *Session) OnBalance(fn func(int64))                    { s.balance.Subscribe(fn) }
func (s *Session) OnItemAdded(fn func(domain.ItemEvent))       { s.itemAdded.Subscribe(fn) }
func (s *Session) OnItemStatus(fn func(domain.ItemEvent))      { s.itemStatus.Subscribe(fn) }
func (s *Session) OnNotification(fn func(domain.Notification)) { s.notification.Subscribe(fn) }

// Start connects and launches the watchdog and ping loops. The loops stop
// when ctx is done or Close is called.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastMessage = s.clock.Now()
	s.wg.Add(2)
	s.mu.Unlock()

	go s.watchdogLoop(ctx)
	go s.pingLoop(ctx)

	s.Connect()
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether pushes are currently being delivered.
func (s *Session) Authenticated() bool {
	return s.State() == domain.StateAuthenticated
}

// Connect opens the transport unless a connection is already in progress,
// open, or scheduled.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case domain.StateConnecting, domain.StateOpen, domain.StateAuthenticated:
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.setStateLocked(domain.StateConnecting)
	dialCtx, cancel := context.WithCancel(s.ctx)
	s.dialCancel = cancel
	s.connectTimer = s.clock.AfterFunc(s.cfg.ConnectTimeout, func() { s.onConnectTimeout(gen) })
	s.mu.Unlock()

	s.logger.Info("connecting", slog.String("url", s.cfg.URL))

	go s.dial(dialCtx, gen)
}

func (s *Session) dial(ctx context.Context, gen uint64) {
	conn, err := s.transport.Dial(ctx, s.cfg.URL)
	if err != nil {
		s.mu.Lock()
		current := gen == s.gen && s.state == domain.StateConnecting
		s.mu.Unlock()
		if current {
			s.errs.Emit(err)
			s.Reconnect("dial failed: " + err.Error())
		}
		return
	}
	s.onOpen(gen, conn)
}

func (s *Session) onConnectTimeout(gen uint64) {
	s.mu.Lock()
	current := gen == s.gen && s.state == domain.StateConnecting
	s.mu.Unlock()
	if current {
		s.logger.Warn("connect timed out", slog.Duration("timeout", s.cfg.ConnectTimeout))
		s.Reconnect("connect timeout")
	}
}

func (s *Session) onOpen(gen uint64, conn Conn) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	stopTimer(s.connectTimer)
	s.connectTimer = nil
	s.conn = conn
	s.setStateLocked(domain.StateOpen)
	s.lastMessage = s.clock.Now()
	s.uptimeTimer = s.clock.AfterFunc(s.cfg.MinUptime, func() { s.onUptime(gen) })
	pending := s.pending
	s.pending = nil
	// Add under mu so it cannot race the Wait in Close.
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("connected")

	for _, p := range pending {
		if err := conn.Send(p); err != nil {
			s.errs.Emit(err)
		}
	}

	s.connected.Fire()

	conn.Listen(
		func(raw []byte) { s.onMessage(gen, raw) },
		func(err error) { s.onClose(gen, err) },
	)

	go func() {
		defer s.wg.Done()
		s.authenticate(gen)
	}()
}

func (s *Session) onUptime(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.attempts = 0
	}
}

// authenticate obtains an auth key, sends it, then sends a liveness ping.
// Key failures are retried after AuthRetryDelay while the connection stays
// current.
func (s *Session) authenticate(gen uint64) {
	for {
		if !s.isCurrent(gen) {
			return
		}

		key, err := s.auth.GetAuthKey(s.ctx)
		if err == nil {
			if err = s.sendOn(gen, []byte(key)); err == nil {
				err = s.sendOn(gen, []byte(tokenPing))
			}
			if err == nil {
				s.mu.Lock()
				if gen != s.gen || s.state != domain.StateOpen {
					s.mu.Unlock()
					return
				}
				s.setStateLocked(domain.StateAuthenticated)
				s.mu.Unlock()

				s.logger.Info("authenticated")
				s.authed.Fire()
				return
			}
		}

		s.logger.Error("authentication failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", s.cfg.AuthRetryDelay),
		)
		s.errs.Emit(fmt.Errorf("session: auth: %w", err))

		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(s.cfg.AuthRetryDelay):
		}
	}
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && !s.closed
}

// sendOn writes to the connection of generation gen.
func (s *Session) sendOn(gen uint64, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	if gen != s.gen || conn == nil {
		s.mu.Unlock()
		return domain.ErrWSDisconnect
	}
	s.mu.Unlock()
	return conn.Send(payload)
}

func (s *Session) onMessage(gen uint64, raw []byte) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastMessage = s.clock.Now()
	s.mu.Unlock()

	switch string(raw) {
	case tokenPong:
		s.metrics.IncMessage(tokenPong)
		s.pong.Fire()
		return
	case tokenAuthFailed:
		s.metrics.IncMessage(tokenAuthFailed)
		s.logger.Error("auth rejected, authenticating again")
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if gen == s.gen && s.state == domain.StateAuthenticated {
			s.setStateLocked(domain.StateOpen)
		}
		s.wg.Add(1)
		s.mu.Unlock()
		s.deauthed.Fire()
		go func() {
			defer s.wg.Done()
			s.authenticate(gen)
		}()
		return
	}

	kind, data, err := decodeEnvelope(raw)
	if err != nil {
		s.metrics.IncMessage("malformed")
		s.logger.Warn("dropping malformed message",
			slog.String("error", err.Error()),
			slog.String("raw", truncate(string(raw), 256)),
		)
		return
	}
	s.metrics.IncMessage(kindLabel(kind))
	s.dispatch(kind, data)
}

func (s *Session) dispatch(kind string, data json.RawMessage) {
	switch kind {
	case typeBalance:
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			var n json.Number
			if err := json.Unmarshal(data, &n); err != nil {
				s.logger.Warn("dropping balance push", slog.String("data", truncate(string(data), 256)))
				return
			}
			text = n.String()
		}
		amount, err := parseMoney(text)
		if err != nil {
			s.logger.Warn("dropping balance push", slog.String("error", err.Error()))
			return
		}
		s.balance.Emit(amount)

	case typeItemAdd:
		ev, err := decodeItemAdd(data)
		if err != nil {
			s.logger.Warn("dropping item push", slog.String("error", err.Error()))
			return
		}
		s.itemAdded.Emit(ev)

	case typeItemStatus:
		ev, err := decodeItemStatus(data)
		if err != nil {
			s.logger.Warn("dropping item status push", slog.String("error", err.Error()))
			return
		}
		s.itemStatus.Emit(ev)

	case typeNotification, typeImportant:
		n, err := decodeNotification(kind, data)
		if err != nil {
			s.logger.Warn("dropping notification", slog.String("error", err.Error()))
			return
		}
		if !routine(n) {
			s.logger.Warn("notification from marketplace", slog.String("type", n.Type), slog.String("text", n.Text))
		}
		s.notification.Emit(n)

	default:
		if _, ok := ignoredTypes[kind]; ok {
			return
		}
		s.logger.Warn("unsupported message type", slog.String("type", kind))
	}
}

func (s *Session) onClose(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	stopTimer(s.uptimeTimer)
	s.uptimeTimer = nil
	normal := errors.Is(err, domain.ErrClosedNormally)
	if normal {
		s.gen++
		s.setStateLocked(domain.StateDisconnected)
	}
	s.mu.Unlock()

	s.disconnected.Fire()

	if normal {
		s.logger.Info("connection closed by server")
		return
	}
	s.errs.Emit(err)
	s.Reconnect("connection lost: " + err.Error())
}

// Reconnect abandons the current connection and schedules a new one after a
// backoff delay. It is a no-op while a reconnect is already scheduled.
func (s *Session) Reconnect(reason string) {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}

	conn := s.abandonLocked()

	if s.cfg.MaxRetries > 0 && s.attempts >= s.cfg.MaxRetries {
		s.setStateLocked(domain.StateDisconnected)
		attempts := s.attempts
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		s.logger.Error("giving up reconnecting",
			slog.String("reason", reason),
			slog.Int("attempts", attempts),
		)
		s.gaveUp.Emit(domain.ErrRetriesExhausted)
		return
	}

	s.reconnecting = true
	s.attempts++
	info := ReconnectInfo{
		Reason:  reason,
		Attempt: s.attempts,
		Delay:   s.backoff.Delay(s.attempts),
	}
	s.setStateLocked(domain.StateReconnecting)
	s.retryTimer = s.clock.AfterFunc(info.Delay, s.fireReconnect)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	s.logger.Warn("reconnecting",
		slog.String("reason", reason),
		slog.Int("attempt", info.Attempt),
		slog.Duration("delay", info.Delay),
	)
	s.metrics.IncReconnect(reasonLabel(reason))
	s.reconnect.Emit(info)
}

// abandonLocked invalidates the current connection and its timers and
// returns the connection for the caller to close outside the lock.
func (s *Session) abandonLocked() Conn {
	s.gen++
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	stopTimer(s.connectTimer)
	stopTimer(s.uptimeTimer)
	s.connectTimer, s.uptimeTimer = nil, nil
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *Session) fireReconnect() {
	s.mu.Lock()
	s.reconnecting = false
	s.retryTimer = nil
	s.mu.Unlock()
	s.Connect()
}

// Send writes payload to the open connection, or queues it until the next
// connection opens. Send errors are reported through OnError.
func (s *Session) Send(payload []byte) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.pending = append(s.pending, payload)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := conn.Send(payload); err != nil {
		s.errs.Emit(err)
	}
}

// Ping sends the liveness token if authenticated and does nothing otherwise.
func (s *Session) Ping() {
	s.mu.Lock()
	conn := s.conn
	ok := s.state == domain.StateAuthenticated && conn != nil
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Send([]byte(tokenPing)); err != nil {
		s.errs.Emit(err)
	}
}

// IsStuck reports whether the session believes it is authenticated yet has
// received nothing for longer than the watchdog window.
func (s *Session) IsStuck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == domain.StateAuthenticated &&
		s.clock.Since(s.lastMessage) > s.cfg.WatchdogWindow
}

// checkWatchdog fires Stuck when IsStuck holds.
func (s *Session) checkWatchdog() {
	if s.IsStuck() {
		s.logger.Warn("no messages within watchdog window", slog.Duration("window", s.cfg.WatchdogWindow))
		s.stuck.Fire()
	}
}

func (s *Session) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()
	t := s.clock.NewTicker(s.cfg.WatchdogInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-t.Chan():
			s.checkWatchdog()
		}
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	t := s.clock.NewTicker(s.cfg.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-t.Chan():
			s.Ping()
		}
	}
}

// Close stops all timers and loops and closes the connection. The session
// cannot be restarted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.abandonLocked()
	stopTimer(s.retryTimer)
	s.retryTimer = nil
	s.reconnecting = false
	s.setStateLocked(domain.StateDisconnected)
	s.mu.Unlock()

	s.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("session closed")
	return err
}

func (s *Session) setStateLocked(st domain.ConnectionState) {
	s.state = st
	s.metrics.SetSessionState(st)
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

// reasonLabel keeps the reconnect metric's label set small.
func reasonLabel(reason string) string {
	switch {
	case reason == "connect timeout":
		return "timeout"
	case strings.HasPrefix(reason, "dial failed"):
		return "dial"
	case strings.HasPrefix(reason, "connection lost"):
		return "lost"
	case reason == "stuck":
		return "stuck"
	default:
		return "other"
	}
}

// kindLabel maps a push type to a metric label, folding unknown types.
func kindLabel(kind string) string {
	switch kind {
	case typeBalance, typeItemAdd, typeItemStatus, typeNotification, typeImportant:
		return kind
	}
	if _, ok := ignoredTypes[kind]; ok {
		return "ignored"
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
