package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TMBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TMBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setStr(&cfg.Market.APIKey, "TMBOT_MARKET_API_KEY")
	setStr(&cfg.Market.BaseURL, "TMBOT_MARKET_BASE_URL")
	setStr(&cfg.Market.WSURL, "TMBOT_MARKET_WS_URL")
	setStr(&cfg.Market.ProxyURL, "TMBOT_MARKET_PROXY_URL")
	setStr(&cfg.Market.Currency, "TMBOT_MARKET_CURRENCY")
	setDuration(&cfg.Market.RequestTimeout, "TMBOT_MARKET_REQUEST_TIMEOUT")
	setInt(&cfg.Market.TransportRetries, "TMBOT_MARKET_TRANSPORT_RETRIES")
	setDuration(&cfg.Market.RetryDelay, "TMBOT_MARKET_RETRY_DELAY")
	setDuration(&cfg.Market.APIPingInterval, "TMBOT_MARKET_API_PING_INTERVAL")
	setStr(&cfg.Market.ErrorLogDir, "TMBOT_MARKET_ERROR_LOG_DIR")
	setInt(&cfg.Market.RateLimit, "TMBOT_MARKET_RATE_LIMIT")
	setDuration(&cfg.Market.RateWindow, "TMBOT_MARKET_RATE_WINDOW")

	// ── Session ──
	setDuration(&cfg.Session.ConnectTimeout, "TMBOT_SESSION_CONNECT_TIMEOUT")
	setDuration(&cfg.Session.MinUptime, "TMBOT_SESSION_MIN_UPTIME")
	setDuration(&cfg.Session.MinReconnectDelay, "TMBOT_SESSION_MIN_RECONNECT_DELAY")
	setDuration(&cfg.Session.MaxReconnectDelay, "TMBOT_SESSION_MAX_RECONNECT_DELAY")
	setFloat64(&cfg.Session.GrowthFactor, "TMBOT_SESSION_GROWTH_FACTOR")
	setInt(&cfg.Session.MaxRetries, "TMBOT_SESSION_MAX_RETRIES")
	setDuration(&cfg.Session.PingInterval, "TMBOT_SESSION_PING_INTERVAL")
	setDuration(&cfg.Session.WatchdogWindow, "TMBOT_SESSION_WATCHDOG_WINDOW")
	setDuration(&cfg.Session.WatchdogInterval, "TMBOT_SESSION_WATCHDOG_INTERVAL")
	setDuration(&cfg.Session.AuthRetryDelay, "TMBOT_SESSION_AUTH_RETRY_DELAY")

	// ── Price ──
	setFloat64(&cfg.Price.Fluctuation, "TMBOT_PRICE_FLUCTUATION")
	setFloat64(&cfg.Price.Compromise, "TMBOT_PRICE_COMPROMISE")
	setInt64(&cfg.Price.MinCompromise, "TMBOT_PRICE_MIN_COMPROMISE")

	// ── Reputation ──
	setBool(&cfg.Reputation.Enabled, "TMBOT_REPUTATION_ENABLED")
	setBool(&cfg.Reputation.ShareCounters, "TMBOT_REPUTATION_SHARE_COUNTERS")
	setBool(&cfg.Reputation.AvoidBadOffers, "TMBOT_REPUTATION_AVOID_BAD_OFFERS")
	setDuration(&cfg.Reputation.UpdateInterval, "TMBOT_REPUTATION_UPDATE_INTERVAL")
	setDuration(&cfg.Reputation.PenaltyTime, "TMBOT_REPUTATION_PENALTY_TIME")
	setInt64(&cfg.Reputation.MinCommonFails, "TMBOT_REPUTATION_MIN_COMMON_FAILS")
	setInt64(&cfg.Reputation.MinPreciseFails, "TMBOT_REPUTATION_MIN_PRECISE_FAILS")
	setDuration(&cfg.Reputation.BoughtTTL, "TMBOT_REPUTATION_BOUGHT_TTL")

	// ── Balance ──
	setDuration(&cfg.Balance.FastPoll, "TMBOT_BALANCE_FAST_POLL")
	setDuration(&cfg.Balance.SlowPoll, "TMBOT_BALANCE_SLOW_POLL")
	setDuration(&cfg.Balance.PollTimeout, "TMBOT_BALANCE_POLL_TIMEOUT")
	setBool(&cfg.Balance.TrustZeroPush, "TMBOT_BALANCE_TRUST_ZERO_PUSH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TMBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TMBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TMBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TMBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TMBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TMBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TMBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "TMBOT_REDIS_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TMBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TMBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TMBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TMBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "TMBOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TMBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TMBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TMBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TMBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TMBOT_MODE")
	setStr(&cfg.LogLevel, "TMBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
