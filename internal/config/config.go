// Package config provides TOML-based configuration loading with environment
// variable overrides for the trading bot.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure for the bot.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Market     MarketConfig     `toml:"market"`
	Session    SessionConfig    `toml:"session"`
	Price      PriceConfig      `toml:"price"`
	Reputation ReputationConfig `toml:"reputation"`
	Balance    BalanceConfig    `toml:"balance"`
	Manager    ManagerConfig    `toml:"manager"`
	Redis      RedisConfig      `toml:"redis"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
}

// MarketConfig holds marketplace API endpoints and transport policy.
type MarketConfig struct {
	APIKey           string   `toml:"api_key"`
	BaseURL          string   `toml:"base_url"`
	WSURL            string   `toml:"ws_url"`
	ProxyURL         string   `toml:"proxy_url"`
	Currency         string   `toml:"currency"`
	RequestTimeout   duration `toml:"request_timeout"`
	TransportRetries int      `toml:"transport_retries"`
	RetryDelay       duration `toml:"retry_delay"`
	APIPingInterval  duration `toml:"api_ping_interval"`
	ErrorLogDir      string   `toml:"error_log_dir"`
	// RateLimit is requests per RateWindow, enforced through Redis so that
	// instances sharing one API key share one budget. 0 disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// SessionConfig holds push channel timings.
type SessionConfig struct {
	ConnectTimeout    duration `toml:"connect_timeout"`
	MinUptime         duration `toml:"min_uptime"`
	MinReconnectDelay duration `toml:"min_reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
	GrowthFactor      float64  `toml:"growth_factor"`
	MaxRetries        int      `toml:"max_retries"`
	PingInterval      duration `toml:"ping_interval"`
	WatchdogWindow    duration `toml:"watchdog_window"`
	WatchdogInterval  duration `toml:"watchdog_interval"`
	AuthRetryDelay    duration `toml:"auth_retry_delay"`
}

// PriceConfig holds the purchase price tolerance. Ratios are fractions.
type PriceConfig struct {
	Fluctuation   float64 `toml:"fluctuation"`
	Compromise    float64 `toml:"compromise"`
	MinCompromise int64   `toml:"min_compromise"`
}

// ReputationConfig holds bad-offer tracking parameters.
type ReputationConfig struct {
	Enabled         bool     `toml:"enabled"`
	ShareCounters   bool     `toml:"share_counters"`
	AvoidBadOffers  bool     `toml:"avoid_bad_offers"`
	UpdateInterval  duration `toml:"update_interval"`
	PenaltyTime     duration `toml:"penalty_time"`
	MinCommonFails  int64    `toml:"min_common_fails"`
	MinPreciseFails int64    `toml:"min_precise_fails"`
	BoughtTTL       duration `toml:"bought_ttl"`
}

// BalanceConfig holds balance polling policy.
type BalanceConfig struct {
	FastPoll      duration `toml:"fast_poll"`
	SlowPoll      duration `toml:"slow_poll"`
	PollTimeout   duration `toml:"poll_timeout"`
	TrustZeroPush bool     `toml:"trust_zero_push"`
}

// ManagerConfig holds the manager's background task timings.
type ManagerConfig struct {
	HistoryWindow        duration `toml:"history_window"`
	TokenAttempts        int      `toml:"token_attempts"`
	TokenRetryDelay      duration `toml:"token_retry_delay"`
	InventoryClosedDelay duration `toml:"inventory_closed_delay"`
	AlertTimeout         duration `toml:"alert_timeout"`
	BusBacklog           int      `toml:"bus_backlog"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Prefix     string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP status server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// Addr returns the listen address for the configured port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "run",
		LogLevel: "info",

		Market: MarketConfig{
			BaseURL:          "https://market.csgo.com/api",
			WSURL:            "wss://wsn.dota2.net/wsn/",
			Currency:         "RUB",
			RequestTimeout:   duration{15 * time.Second},
			TransportRetries: 2,
			RetryDelay:       duration{500 * time.Millisecond},
			APIPingInterval:  duration{3*time.Minute + 5*time.Second},
			RateLimit:        5,
			RateWindow:       duration{time.Second},
		},

		Session: SessionConfig{
			ConnectTimeout:    duration{10 * time.Second},
			MinUptime:         duration{30 * time.Second},
			MinReconnectDelay: duration{time.Second},
			MaxReconnectDelay: duration{time.Minute},
			GrowthFactor:      1.5,
			PingInterval:      duration{30 * time.Second},
			WatchdogWindow:    duration{2 * time.Minute},
			WatchdogInterval:  duration{30 * time.Second},
			AuthRetryDelay:    duration{5 * time.Second},
		},

		Price: PriceConfig{
			Fluctuation:   0.03,
			Compromise:    0.01,
			MinCompromise: 0,
		},

		Reputation: ReputationConfig{
			Enabled:         true,
			AvoidBadOffers:  true,
			UpdateInterval:  duration{time.Minute},
			PenaltyTime:     duration{30 * time.Minute},
			MinCommonFails:  5,
			MinPreciseFails: 1,
			BoughtTTL:       duration{time.Hour},
		},

		Balance: BalanceConfig{
			FastPoll:    duration{10 * time.Second},
			SlowPoll:    duration{5 * time.Minute},
			PollTimeout: duration{15 * time.Second},
		},

		Manager: ManagerConfig{
			HistoryWindow:        duration{10 * time.Minute},
			TokenAttempts:        3,
			TokenRetryDelay:      duration{1500 * time.Millisecond},
			InventoryClosedDelay: duration{10 * time.Second},
			AlertTimeout:         duration{10 * time.Second},
			BusBacklog:           256,
		},

		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			Prefix:     "tmbot",
		},

		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"*"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},

		Notify: NotifyConfig{
			Events: []string{"need_money", "need_to_take", "user_action", "stuck", "gave_up", "api_error"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validNotifyEvents enumerates the accepted values for NotifyConfig.Events.
var validNotifyEvents = map[string]bool{
	"need_money":   true,
	"need_to_take": true,
	"user_action":  true,
	"stuck":        true,
	"gave_up":      true,
	"api_error":    true,
}

// NeedsRedis reports whether any enabled feature requires a Redis connection.
func (c *Config) NeedsRedis() bool {
	return c.Redis.Enabled || (c.Reputation.Enabled && c.Reputation.ShareCounters)
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if c.Market.APIKey == "" {
		errs = append(errs, "market: api_key must be set")
	}
	if !validURL(c.Market.BaseURL, "http", "https") {
		errs = append(errs, fmt.Sprintf("market: base_url must be an http(s) URL, got %q", c.Market.BaseURL))
	}
	if !validURL(c.Market.WSURL, "ws", "wss") {
		errs = append(errs, fmt.Sprintf("market: ws_url must be a ws(s) URL, got %q", c.Market.WSURL))
	}
	if c.Market.ProxyURL != "" {
		if _, err := url.Parse(c.Market.ProxyURL); err != nil {
			errs = append(errs, "market: proxy_url is not a valid URL")
		}
	}
	if c.Market.RequestTimeout.Duration <= 0 {
		errs = append(errs, "market: request_timeout must be > 0")
	}
	if c.Market.TransportRetries < 0 {
		errs = append(errs, "market: transport_retries must be >= 0")
	}
	if c.Market.RateLimit < 0 {
		errs = append(errs, "market: rate_limit must be >= 0")
	}
	if c.Market.RateLimit > 0 && c.Market.RateWindow.Duration <= 0 {
		errs = append(errs, "market: rate_window must be > 0 when rate_limit is set")
	}

	// Session
	if c.Session.ConnectTimeout.Duration <= 0 {
		errs = append(errs, "session: connect_timeout must be > 0")
	}
	if c.Session.MinReconnectDelay.Duration <= 0 {
		errs = append(errs, "session: min_reconnect_delay must be > 0")
	}
	if c.Session.MaxReconnectDelay.Duration < c.Session.MinReconnectDelay.Duration {
		errs = append(errs, "session: max_reconnect_delay must not be below min_reconnect_delay")
	}
	if c.Session.GrowthFactor < 1 {
		errs = append(errs, "session: growth_factor must be >= 1")
	}
	if c.Session.MaxRetries < 0 {
		errs = append(errs, "session: max_retries must be >= 0 (0 retries forever)")
	}
	if c.Session.PingInterval.Duration <= 0 {
		errs = append(errs, "session: ping_interval must be > 0")
	}
	if c.Session.WatchdogWindow.Duration <= c.Session.PingInterval.Duration {
		errs = append(errs, "session: watchdog_window must exceed ping_interval")
	}
	if c.Session.WatchdogInterval.Duration <= 0 {
		errs = append(errs, "session: watchdog_interval must be > 0")
	}

	// Price
	if c.Price.Fluctuation < 0 || c.Price.Compromise < 0 || c.Price.MinCompromise < 0 {
		errs = append(errs, "price: fluctuation, compromise and min_compromise must be >= 0")
	}

	// Reputation
	if c.Reputation.Enabled {
		if c.Reputation.UpdateInterval.Duration <= 0 {
			errs = append(errs, "reputation: update_interval must be > 0")
		}
		if c.Reputation.PenaltyTime.Duration <= 0 {
			errs = append(errs, "reputation: penalty_time must be > 0")
		}
		if c.Reputation.MinCommonFails < 1 || c.Reputation.MinPreciseFails < 1 {
			errs = append(errs, "reputation: min_common_fails and min_precise_fails must be >= 1")
		}
	}

	// Balance
	if c.Balance.FastPoll.Duration <= 0 || c.Balance.SlowPoll.Duration <= 0 {
		errs = append(errs, "balance: fast_poll and slow_poll must be > 0")
	}
	if c.Balance.FastPoll.Duration > c.Balance.SlowPoll.Duration {
		errs = append(errs, "balance: fast_poll must not exceed slow_poll")
	}

	// Manager
	if c.Manager.TokenAttempts < 1 {
		errs = append(errs, "manager: token_attempts must be >= 1")
	}
	if c.Manager.BusBacklog < 1 {
		errs = append(errs, "manager: bus_backlog must be >= 1")
	}

	// Redis
	if c.NeedsRedis() {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, ev := range c.Notify.Events {
		if !validNotifyEvents[strings.ToLower(ev)] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", ev))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}
