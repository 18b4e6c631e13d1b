// Package manager wires the push session, balance tracker, purchase
// orchestrator and reputation cache together and republishes their events
// to subscribers, operator alerts and the event bus.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tmbot/internal/balance"
	"github.com/alanyoungcy/tmbot/internal/domain"
	"github.com/alanyoungcy/tmbot/internal/event"
	"github.com/alanyoungcy/tmbot/internal/notify"
	"github.com/alanyoungcy/tmbot/internal/reputation"
	"github.com/alanyoungcy/tmbot/internal/session"
)

// Session is the push channel as seen by the manager.
type Session interface {
	Start(ctx context.Context)
	Close() error
	Reconnect(reason string)
	State() domain.ConnectionState

	OnConnected(fn func())
	OnAuth(fn func())
	OnDeAuth(fn func())
	OnDisconnected(fn func())
	OnStuck(fn func())
	OnReconnecting(fn func(session.ReconnectInfo))
	OnGaveUp(fn func(error))
	OnError(fn func(error))
	OnBalance(fn func(int64))
	OnItemAdded(fn func(domain.ItemEvent))
	OnItemStatus(fn func(domain.ItemEvent))
	OnNotification(fn func(domain.Notification))
}

// Buyer executes purchases.
type Buyer interface {
	Buy(ctx context.Context, hashName string, targetPrice int64, dest *domain.TradeDestination) (domain.BoughtItem, error)
}

// Config holds the manager's own timings.
type Config struct {
	APIPingInterval      time.Duration // 0 disables the keep-alive loop
	HistoryWindow        time.Duration // half-width of the ItemState lookup window
	TokenAttempts        int
	TokenRetryDelay      time.Duration
	InventoryClosedDelay time.Duration
	AlertTimeout         time.Duration
	BusTimeout           time.Duration
	BusBacklog           int
}

// DefaultConfig returns the timings the marketplace tolerates.
func DefaultConfig() Config {
	return Config{
		APIPingInterval:      3*time.Minute + 5*time.Second,
		HistoryWindow:        10 * time.Minute,
		TokenAttempts:        3,
		TokenRetryDelay:      1500 * time.Millisecond,
		InventoryClosedDelay: 10 * time.Second,
		AlertTimeout:         10 * time.Second,
		BusTimeout:           5 * time.Second,
		BusBacklog:           256,
	}
}

// Deps are the components the manager coordinates. Account, Buyer,
// Reputation, Notifier and Bus are optional.
type Deps struct {
	API        domain.TradeAPI
	Account    domain.AccountAPI
	Session    Session
	Balance    *balance.Tracker
	Buyer      Buyer
	Reputation *reputation.Cache
	Notifier   *notify.Notifier
	Bus        domain.EventBus
}

// Manager is the trading bot's coordinator.
type Manager struct {
	api        domain.TradeAPI
	account    domain.AccountAPI
	session    Session
	balance    *balance.Tracker
	buyer      Buyer
	reputation *reputation.Cache
	notifier   *notify.Notifier
	bus        domain.EventBus
	cfg        Config
	clock      clockwork.Clock
	logger     *slog.Logger

	events     event.Feed[Event]
	balanceChg event.Feed[domain.BalanceChange]
	itemAdded  event.Feed[domain.ItemEvent]
	itemStatus event.Feed[domain.ItemEvent]
	purchases  event.Feed[domain.BoughtItem]

	busCh  chan Event
	alerts sync.WaitGroup
}

// New creates a Manager and subscribes it to its components.
func New(deps Deps, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if cfg.BusBacklog <= 0 {
		cfg.BusBacklog = 256
	}
	m := &Manager{
		api:        deps.API,
		account:    deps.Account,
		session:    deps.Session,
		balance:    deps.Balance,
		buyer:      deps.Buyer,
		reputation: deps.Reputation,
		notifier:   deps.Notifier,
		bus:        deps.Bus,
		cfg:        cfg,
		clock:      clock,
		logger:     logger.With(slog.String("component", "manager")),
	}
	if m.bus != nil {
		m.busCh = make(chan Event, cfg.BusBacklog)
	}
	m.subscribe()
	return m
}

// OnEvent registers fn for every republished event.
func (m *Manager) OnEvent(fn func(Event)) { m.events.Subscribe(fn) }

// OnBalanceChanged registers fn for every balance change.
func (m *Manager) OnBalanceChanged(fn func(domain.BalanceChange)) { m.balanceChg.Subscribe(fn) }

// OnItemAdded registers fn for items appearing in the market inventory.
func (m *Manager) OnItemAdded(fn func(domain.ItemEvent)) { m.itemAdded.Subscribe(fn) }

// OnItemStatus registers fn for item status changes.
func (m *Manager) OnItemStatus(fn func(domain.ItemEvent)) { m.itemStatus.Subscribe(fn) }

// OnPurchase registers fn for every successful purchase.
func (m *Manager) OnPurchase(fn func(domain.BoughtItem)) { m.purchases.Subscribe(fn) }

func (m *Manager) subscribe() {
	s := m.session

	s.OnConnected(func() { m.publish(EventConnected, nil) })
	s.OnAuth(func() {
		m.balance.SetChannelAvailable(true)
		m.publish(EventAuth, nil)
	})
	s.OnDeAuth(func() {
		m.balance.SetChannelAvailable(false)
		m.publish(EventDeAuth, nil)
	})
	s.OnDisconnected(func() {
		m.balance.SetChannelAvailable(false)
		m.publish(EventDisconnected, nil)
	})
	s.OnReconnecting(func(session.ReconnectInfo) {
		m.balance.SetChannelAvailable(false)
	})
	s.OnStuck(func() {
		m.logger.Warn("push channel stuck, reconnecting")
		m.alert(notify.Stuck())
		m.publish(EventStuck, nil)
		s.Reconnect("stuck")
	})
	s.OnGaveUp(func(err error) {
		m.balance.SetChannelAvailable(false)
		m.logger.Error("push channel gave up", slog.String("error", err.Error()))
		m.alert(notify.GaveUp(err))
		m.publish(EventGaveUp, messagePayload{Text: err.Error()})
	})
	s.OnError(func(err error) {
		m.logger.Warn("push channel error", slog.String("error", err.Error()))
	})
	s.OnBalance(m.balance.ApplyPush)
	s.OnItemAdded(func(ev domain.ItemEvent) {
		m.itemAdded.Emit(ev)
		m.publish(EventItemAdded, newItemPayload(ev))
	})
	s.OnItemStatus(func(ev domain.ItemEvent) {
		if ev.Status == domain.ItemNeedToTake {
			m.logger.Info("item ready to take", slog.String("market_id", ev.MarketID))
		}
		m.itemStatus.Emit(ev)
		m.publish(EventItemStatus, newItemPayload(ev))
	})
	s.OnNotification(func(n domain.Notification) {
		m.publish(EventNotification, messagePayload{Kind: n.Type, Text: n.Text})
	})

	m.balance.OnChange(func(c domain.BalanceChange) {
		m.balanceChg.Emit(c)
		m.publish(EventBalance, balancePayload{Balance: c.Balance, Delta: c.Delta, Initial: c.Initial})
	})
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// them down.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if m.busCh != nil {
		g.Go(func() error {
			m.publishLoop(ctx)
			return nil
		})
	}
	if m.reputation != nil {
		g.Go(func() error { return m.reputation.Run(ctx) })
	}
	if m.account != nil && m.cfg.APIPingInterval > 0 {
		g.Go(func() error { return m.pingLoop(ctx) })
	}

	m.session.Start(ctx)
	m.balance.Start(ctx)
	m.logger.InfoContext(ctx, "manager started")

	<-ctx.Done()
	m.shutdown()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("manager: %w", err)
	}
	return nil
}

func (m *Manager) shutdown() {
	if err := m.session.Close(); err != nil {
		m.logger.Warn("session close failed", slog.String("error", err.Error()))
	}
	m.balance.Stop()
	m.alerts.Wait()
	m.logger.Info("manager stopped")
}

// Buy purchases hashName for at most the tolerance ceiling of targetPrice.
// Failures that need a human are forwarded to the operator.
func (m *Manager) Buy(ctx context.Context, hashName string, targetPrice int64, dest *domain.TradeDestination) (domain.BoughtItem, error) {
	if m.buyer == nil {
		return domain.BoughtItem{}, fmt.Errorf("manager: buy: %w", domain.ErrPurchasesDisabled)
	}

	item, err := m.buyer.Buy(ctx, hashName, targetPrice, dest)
	if err != nil {
		m.purchaseFailed(hashName, targetPrice, err)
		return domain.BoughtItem{}, err
	}

	m.purchases.Emit(item)
	m.publish(EventPurchase, purchasePayload{
		HashName:  item.HashName,
		MarketID:  item.MarketID,
		ClassID:   item.Signature.ClassID,
		Instance:  item.Signature.InstanceID,
		PaidPrice: item.PaidPrice,
	})
	return item, nil
}

func (m *Manager) purchaseFailed(hashName string, targetPrice int64, err error) {
	p := failurePayload{HashName: hashName, TargetPrice: targetPrice, Error: err.Error()}
	if pe, ok := domain.AsPurchaseError(err); ok {
		p.Category = string(pe.Category)
		p.Source = string(pe.Source)
		p.NeededAmount = pe.NeededAmount
		p.LowestPrice = pe.LowestPrice
		p.Retryable = pe.Retryable()
		if ev, ok := notify.ForPurchaseError(hashName, pe); ok {
			m.alert(ev)
		}
	}
	m.publish(EventPurchaseFailed, p)
}

// ItemState looks up the history stage of the purchase with marketID. A
// zero boughtAt falls back to the purchase time of a recently bought item,
// and searches the whole history when the item is not cached.
func (m *Manager) ItemState(ctx context.Context, marketID string, boughtAt time.Time) (domain.EventStage, error) {
	if boughtAt.IsZero() && m.reputation != nil {
		if item, ok := m.reputation.FindBought(marketID); ok {
			boughtAt = item.BoughtAt
		}
	}

	start, end := time.Unix(0, 0), m.clock.Now()
	if !boughtAt.IsZero() {
		start = boughtAt.Add(-m.cfg.HistoryWindow)
		end = boughtAt.Add(m.cfg.HistoryWindow)
	}

	res, err := m.api.GetOperationHistory(ctx, start, end)
	if err != nil || !res.Success {
		attrs := []any{slog.String("market_id", marketID)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		m.logger.DebugContext(ctx, "operation history unavailable", attrs...)
		return 0, domain.NewPurchaseError(domain.CategoryHistoryFailed, domain.SourceMarket, "failed to get history")
	}

	for _, ev := range res.Events {
		if ev.Type != domain.HistoryBuyGo || ev.MarketID != marketID {
			continue
		}
		stage := domain.EventStage(ev.Stage)
		if !stage.Valid() {
			return 0, domain.NewPurchaseError(domain.CategoryUnknownStage, domain.SourceMarket,
				fmt.Sprintf("unknown operation stage %d", ev.Stage))
		}
		return stage, nil
	}
	return 0, domain.NewPurchaseError(domain.CategoryNotFound, domain.SourceMarket,
		fmt.Sprintf("event for item %s not found", marketID))
}

// MarkAsBad records a failure for item's signature and price.
func (m *Manager) MarkAsBad(ctx context.Context, item domain.BoughtItem) error {
	if m.reputation == nil {
		return nil
	}
	if err := m.reputation.RecordFailure(ctx, item.Signature, item.PaidPrice); err != nil {
		return fmt.Errorf("manager: mark as bad: %w", err)
	}
	return nil
}

// MarkAsBadByMarketID records a failure for a recently bought item, falling
// back to the caller's description when the id is no longer cached.
func (m *Manager) MarkAsBadByMarketID(ctx context.Context, marketID string, fallback *domain.BoughtItem) error {
	if m.reputation == nil {
		return nil
	}
	if err := m.reputation.MarkBadByMarketID(ctx, marketID, fallback); err != nil {
		return fmt.Errorf("manager: mark as bad: %w", err)
	}
	return nil
}

// SetTradeToken registers token on the account unless it is already set.
func (m *Manager) SetTradeToken(ctx context.Context, token string) error {
	if m.account == nil {
		return fmt.Errorf("manager: set trade token: %w", domain.ErrPurchasesDisabled)
	}

	current, err := m.account.GetTradeToken(ctx)
	if err != nil {
		return fmt.Errorf("manager: set trade token: %w", err)
	}
	if current == token {
		return nil
	}

	for attempt := 1; ; attempt++ {
		err := m.account.SetTradeToken(ctx, token)
		if err == nil {
			m.logger.InfoContext(ctx, "trade token updated")
			return nil
		}
		m.logger.WarnContext(ctx, "trade token update failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt >= m.cfg.TokenAttempts {
			return fmt.Errorf("manager: set trade token: %w", err)
		}

		pause := m.cfg.TokenRetryDelay
		if errors.Is(err, domain.ErrInventoryClosed) {
			pause = m.cfg.InventoryClosedDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(pause):
		}
	}
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	State           string `json:"state"`
	Authenticated   bool   `json:"authenticated"`
	Balance         *int64 `json:"balance"`
	Currency        string `json:"currency,omitempty"`
	CommonCounters  int    `json:"common_counters"`
	PreciseCounters int    `json:"precise_counters"`
	Purchases       bool   `json:"purchases_enabled"`
}

// Status reports session, wallet and reputation state.
func (m *Manager) Status(ctx context.Context) Status {
	state := m.session.State()
	w := m.balance.Wallet()

	st := Status{
		State:         state.String(),
		Authenticated: state == domain.StateAuthenticated,
		Currency:      w.Currency,
		Purchases:     m.buyer != nil,
	}
	if w.Known {
		b := w.Balance
		st.Balance = &b
	}
	if m.reputation != nil {
		common, precise, err := m.reputation.Stats(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "reputation stats failed", slog.String("error", err.Error()))
		}
		st.CommonCounters, st.PreciseCounters = common, precise
	}
	return st
}

// pingLoop keeps the account listed as online.
func (m *Manager) pingLoop(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.APIPingInterval)
	defer ticker.Stop()

	m.pingAPI(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.pingAPI(ctx)
		}
	}
}

func (m *Manager) pingAPI(ctx context.Context) {
	res, err := m.account.PingPong(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WarnContext(ctx, "api ping failed", slog.String("error", err.Error()))
		}
		return
	}

	switch res.Status {
	case domain.PingOK, domain.PingTooEarly:
		m.logger.DebugContext(ctx, "api ping", slog.String("status", string(res.Status)))
	case domain.PingNeedsAuthenticator:
		m.logger.ErrorContext(ctx, "api ping refused, check trade token or mobile authenticator",
			slog.String("message", res.Message))
		m.alert(notify.APIError("PingPong", res.Message))
		m.publish(EventAPIError, messagePayload{Kind: "ping", Text: res.Message})
	default:
		m.logger.WarnContext(ctx, "api ping rejected", slog.String("message", res.Message))
	}
}

// publish hands ev to subscribers and queues it for the bus. A full backlog
// drops the event rather than stalling the session.
func (m *Manager) publish(typ string, data any) {
	ev := Event{Type: typ, Time: m.clock.Now().UTC(), Data: data}
	m.events.Emit(ev)

	if m.busCh == nil {
		return
	}
	select {
	case m.busCh <- ev:
	default:
		m.logger.Warn("event bus backlog full, dropping event", slog.String("type", typ))
	}
}

func (m *Manager) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.busCh:
			m.send(ctx, ev)
		}
	}
}

func (m *Manager) send(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("marshal event failed", slog.String("type", ev.Type), slog.String("error", err.Error()))
		return
	}

	if m.cfg.BusTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.BusTimeout)
		defer cancel()
	}
	if err := m.bus.Publish(ctx, BusChannel, payload); err != nil {
		m.logger.Warn("publish event failed", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
	if err := m.bus.StreamAppend(ctx, BusChannel, payload); err != nil {
		m.logger.Warn("append event failed", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}

// alert notifies the operator without blocking the caller.
func (m *Manager) alert(ev notify.Event) {
	if !m.notifier.Enabled() {
		return
	}
	m.alerts.Add(1)
	go func() {
		defer m.alerts.Done()
		ctx := context.Background()
		if m.cfg.AlertTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.AlertTimeout)
			defer cancel()
		}
		if err := m.notifier.Notify(ctx, ev); err != nil {
			m.logger.Warn("operator alert failed", slog.String("kind", ev.Kind), slog.String("error", err.Error()))
		}
	}()
}

var _ Session = (*session.Session)(nil)
